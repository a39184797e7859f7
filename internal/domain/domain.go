// Package domain holds the shared entities of the task approval workflow.
package domain

import "time"

// Candidate and approval statuses.
const (
	CandidatePending  = "PENDING"
	CandidateApproved = "APPROVED"
	CandidateRejected = "REJECTED"

	ApprovalPending   = "PENDING"
	ApprovalPartial   = "PARTIAL"
	ApprovalCompleted = "COMPLETED"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Membership roles.
const (
	RoleManager  = "MANAGER"
	RoleOrgAdmin = "ORG_ADMIN"
	RoleMember   = "MEMBER"
)

// TaskCandidate is one AI-suggested task inside a pending approval.
// Candidates keep their detection order; approval and rejection address
// them by positional index, so the slice is never reordered or compacted.
type TaskCandidate struct {
	Title           string  `bson:"title" json:"title"`
	Description     string  `bson:"description" json:"description"`
	Assignee        string  `bson:"assignee,omitempty" json:"assignee,omitempty"`
	Priority        string  `bson:"priority" json:"priority"`
	Deadline        string  `bson:"deadline,omitempty" json:"deadline,omitempty"`
	Confidence      float64 `bson:"confidence,omitempty" json:"confidence,omitempty"`
	SourceText      string  `bson:"sourceText,omitempty" json:"sourceText,omitempty"`
	DetectedAtMs    int64   `bson:"detectedAtMs" json:"detectedAtMs"`
	Status          string  `bson:"status" json:"status"`
	ApprovedTaskID  string  `bson:"approvedTaskId,omitempty" json:"approvedTaskId,omitempty"`
	RejectedBy      string  `bson:"rejectedBy,omitempty" json:"rejectedBy,omitempty"`
	RejectionReason string  `bson:"rejectionReason,omitempty" json:"rejectionReason,omitempty"`
}

// Resolved reports whether the candidate has reached a terminal status.
func (c TaskCandidate) Resolved() bool {
	return c.Status == CandidateApproved || c.Status == CandidateRejected
}

// CandidateEdits carries caller-supplied overrides applied during approval.
// Only non-nil fields overwrite the candidate.
type CandidateEdits struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	Priority    *string `json:"priority,omitempty"`
	Deadline    *string `json:"deadline,omitempty"`
}

// Apply overwrites candidate fields present in the edit set.
func (e CandidateEdits) Apply(c *TaskCandidate) {
	if e.Title != nil {
		c.Title = *e.Title
	}
	if e.Description != nil {
		c.Description = *e.Description
	}
	if e.Assignee != nil {
		c.Assignee = *e.Assignee
	}
	if e.Priority != nil {
		c.Priority = *e.Priority
	}
	if e.Deadline != nil {
		c.Deadline = *e.Deadline
	}
}

// PendingApproval is a batch of detected candidates awaiting per-item
// manager decisions. It is created once per detection event and mutated in
// place as candidates resolve.
type PendingApproval struct {
	PendingID  string          `bson:"pendingId" json:"pendingId"`
	MeetingID  string          `bson:"meetingId" json:"meetingId"`
	TeamID     string          `bson:"teamId,omitempty" json:"teamId,omitempty"`
	OrgID      string          `bson:"orgId" json:"orgId"`
	Candidates []TaskCandidate `bson:"taskCandidates" json:"taskCandidates"`
	Status     string          `bson:"status" json:"status"`
	CreatedAt  time.Time       `bson:"createdAt" json:"createdAt"`
	UpdatedAt  time.Time       `bson:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// RecomputeStatus derives the aggregate status from the candidates.
func (p *PendingApproval) RecomputeStatus() {
	resolved := 0
	for _, c := range p.Candidates {
		if c.Resolved() {
			resolved++
		}
	}
	switch {
	case len(p.Candidates) > 0 && resolved == len(p.Candidates):
		p.Status = ApprovalCompleted
	case resolved > 0:
		p.Status = ApprovalPartial
	default:
		p.Status = ApprovalPending
	}
}

// Unresolved counts candidates that still await a decision.
func (p PendingApproval) Unresolved() int {
	n := 0
	for _, c := range p.Candidates {
		if !c.Resolved() {
			n++
		}
	}
	return n
}

// Task is a durable work item created from an approved candidate.
type Task struct {
	TaskID            string     `bson:"taskId" json:"taskId"`
	OrgID             string     `bson:"orgId" json:"orgId"`
	TeamID            string     `bson:"teamId,omitempty" json:"teamId,omitempty"`
	MeetingID         string     `bson:"meetingId" json:"meetingId"`
	Title             string     `bson:"title" json:"title"`
	Description       string     `bson:"description" json:"description"`
	AssignedToEmail   string     `bson:"assignedToEmail,omitempty" json:"assignedToEmail,omitempty"`
	AssignedUID       string     `bson:"assignedUid,omitempty" json:"assignedUid,omitempty"`
	Priority          string     `bson:"priority" json:"priority"`
	Status            string     `bson:"status" json:"status"`
	Source            string     `bson:"source" json:"source"`
	CreatedByUID      string     `bson:"createdByUid" json:"createdByUid"`
	CreatedByEmail    string     `bson:"createdByEmail,omitempty" json:"createdByEmail,omitempty"`
	CreatedAt         time.Time  `bson:"createdAt" json:"createdAt"`
	DueDate           *time.Time `bson:"dueDate,omitempty" json:"dueDate,omitempty"`
	Confidence        float64    `bson:"confidence,omitempty" json:"confidence,omitempty"`
	GitHubIssueURL    string     `bson:"githubIssueUrl,omitempty" json:"githubIssueUrl,omitempty"`
	GitHubIssueNumber int        `bson:"githubIssueNumber,omitempty" json:"githubIssueNumber,omitempty"`
}

// Member is an organization or team membership record.
type Member struct {
	UID    string `bson:"uid" json:"uid"`
	Email  string `bson:"email,omitempty" json:"email,omitempty"`
	OrgID  string `bson:"orgId" json:"orgId"`
	TeamID string `bson:"teamId,omitempty" json:"teamId,omitempty"`
	Role   string `bson:"role" json:"role"`
}

// SessionTrigger records that a detection run was requested for a meeting
// session token, keyed by the token hash so repeats are idempotent.
type SessionTrigger struct {
	TriggerID     string    `bson:"triggerId" json:"triggerId"`
	UID           string    `bson:"uid" json:"uid"`
	Email         string    `bson:"email,omitempty" json:"email,omitempty"`
	OrgID         string    `bson:"orgId" json:"orgId"`
	MeetingSource string    `bson:"meetingSource,omitempty" json:"meetingSource,omitempty"`
	TriggeredAt   time.Time `bson:"triggeredAt" json:"triggeredAt"`
}
