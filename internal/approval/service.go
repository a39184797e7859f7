// Package approval manages the lifecycle of AI-detected task candidates
// from detection through per-item manager approval or rejection.
package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/araddon/dateparse"
	"github.com/google/uuid"

	"github.com/stridehq/meetstream/internal/domain"
	"github.com/stridehq/meetstream/internal/github"
	"github.com/stridehq/meetstream/internal/logging"
	"github.com/stridehq/meetstream/internal/store"
)

// Push event names.
const (
	EventTaskDetected = "TASK_DETECTED"
	EventTaskCreated  = "TASK_CREATED"
)

// taskSource marks tasks born from meeting analysis.
const taskSource = "AI_MEETING"

var (
	// ErrInvalidIndex is returned for an out-of-range candidate index.
	ErrInvalidIndex = errors.New("invalid task index")
	// ErrForbidden is returned when the caller is neither a manager of the
	// approval's team nor an admin of its org.
	ErrForbidden = errors.New("only managers can resolve tasks")
	// ErrAlreadyResolved is returned when the addressed candidate has
	// already been approved or rejected.
	ErrAlreadyResolved = errors.New("task candidate already resolved")
)

// Notifier delivers push events to users. *hub.Hub satisfies it.
type Notifier interface {
	Emit(userID, event string, payload interface{})
}

// Service drives the detection/approval workflow. Candidate resolution is
// guard-and-set under a per-approval lock so two approvers racing on the
// same index cannot double-resolve it.
type Service struct {
	store    store.Store
	notifier Notifier
	issues   github.IssueCreator

	Now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates the workflow service. issues may be nil when the GitHub
// integration is not configured.
func New(st store.Store, notifier Notifier, issues github.IssueCreator) *Service {
	return &Service{
		store:    st,
		notifier: notifier,
		issues:   issues,
		Now:      time.Now,
		locks:    make(map[string]*sync.Mutex),
	}
}

// EmitResult reports what happened to a detection event.
type EmitResult struct {
	Sent             bool   `json:"sent"`
	Reason           string `json:"reason,omitempty"`
	PendingID        string `json:"pendingId"`
	ManagersNotified int    `json:"managersNotified,omitempty"`
	TotalManagers    int    `json:"totalManagers,omitempty"`
}

// EmitDetected stores a new pending approval and notifies its approvers:
// the team's managers unioned with the org's admins. Storage is
// unconditional so no detection is silently lost; a result with Sent=false
// means nobody was notified, not that the event vanished.
func (s *Service) EmitDetected(ctx context.Context, meetingID, teamID, orgID string, candidates []domain.TaskCandidate) (EmitResult, error) {
	now := s.Now()
	normalized := normalizeCandidates(candidates, now.UnixMilli())

	pending := domain.PendingApproval{
		PendingID:  uuid.New().String(),
		MeetingID:  meetingID,
		TeamID:     teamID,
		OrgID:      orgID,
		Candidates: normalized,
		Status:     domain.ApprovalPending,
		CreatedAt:  now,
	}
	if err := s.store.InsertPendingApproval(ctx, pending); err != nil {
		return EmitResult{}, fmt.Errorf("store pending approval: %w", err)
	}
	logging.Info(logging.CategoryApproval, "stored pending approval id=%s meeting=%s candidates=%d", pending.PendingID, meetingID, len(normalized))

	result := EmitResult{PendingID: pending.PendingID}
	if len(normalized) == 0 {
		result.Reason = "no task candidates"
		return result, nil
	}

	approvers, err := s.approvers(ctx, teamID, orgID)
	if err != nil {
		return result, fmt.Errorf("resolve approvers: %w", err)
	}
	if len(approvers) == 0 {
		logging.Info(logging.CategoryApproval, "no approvers found team=%s org=%s", teamID, orgID)
		result.Reason = "no approvers found"
		return result, nil
	}

	payload := map[string]interface{}{
		"pendingId":      pending.PendingID,
		"meetingId":      meetingID,
		"teamId":         teamID,
		"orgId":          orgID,
		"taskCandidates": normalized,
		"timestamp":      now.UnixMilli(),
	}
	for _, uid := range approvers {
		s.notifier.Emit(uid, EventTaskDetected, payload)
		result.ManagersNotified++
	}
	result.Sent = true
	result.TotalManagers = len(approvers)
	return result, nil
}

// Approve resolves one candidate as approved: applies edits, creates a
// durable task, back-references it from the candidate, and broadcasts the
// creation to the team or org.
func (s *Service) Approve(ctx context.Context, pendingID string, index int, approverID, approverEmail string, edits *domain.CandidateEdits, createIssue bool) (domain.Task, error) {
	lock := s.lockFor(pendingID)
	lock.Lock()
	defer lock.Unlock()

	pending, candidate, err := s.resolveTarget(ctx, pendingID, index, approverID)
	if err != nil {
		return domain.Task{}, err
	}

	merged := *candidate
	if edits != nil {
		edits.Apply(&merged)
	}
	task, err := s.createTask(ctx, pending, merged, approverID, approverEmail, createIssue)
	if err != nil {
		return domain.Task{}, err
	}

	candidate.Status = domain.CandidateApproved
	candidate.ApprovedTaskID = task.TaskID
	pending.RecomputeStatus()
	pending.UpdatedAt = s.Now()
	if err := s.store.UpdatePendingApproval(ctx, pending); err != nil {
		return domain.Task{}, fmt.Errorf("update pending approval: %w", err)
	}
	logging.Info(logging.CategoryApproval, "candidate approved pending=%s index=%d task=%s by=%s", pendingID, index, task.TaskID, approverID)

	go s.broadcastTaskCreated(task)
	return task, nil
}

// Reject resolves one candidate as rejected. No task or document is
// created beyond the candidate's own status.
func (s *Service) Reject(ctx context.Context, pendingID string, index int, approverID, reason string) error {
	lock := s.lockFor(pendingID)
	lock.Lock()
	defer lock.Unlock()

	pending, candidate, err := s.resolveTarget(ctx, pendingID, index, approverID)
	if err != nil {
		return err
	}

	candidate.Status = domain.CandidateRejected
	candidate.RejectedBy = approverID
	candidate.RejectionReason = reason
	pending.RecomputeStatus()
	pending.UpdatedAt = s.Now()
	if err := s.store.UpdatePendingApproval(ctx, pending); err != nil {
		return fmt.Errorf("update pending approval: %w", err)
	}
	logging.Info(logging.CategoryApproval, "candidate rejected pending=%s index=%d by=%s", pendingID, index, approverID)
	return nil
}

// BatchResult summarizes an approve-all or reject-all operation.
type BatchResult struct {
	TaskIDs   []string `json:"taskIds,omitempty"`
	Rejected  int      `json:"rejected,omitempty"`
	Remaining int      `json:"remaining"`
}

// ApproveAll approves every still-unresolved candidate, applying at most
// one edit set per index. Candidates already resolved are skipped, so a UI
// can offer "approve everything outstanding" without re-sending decisions.
func (s *Service) ApproveAll(ctx context.Context, pendingID, approverID, approverEmail string, edits map[int]domain.CandidateEdits, createIssue bool) (BatchResult, error) {
	lock := s.lockFor(pendingID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := s.loadAuthorized(ctx, pendingID, approverID)
	if err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	for i := range pending.Candidates {
		candidate := &pending.Candidates[i]
		if candidate.Resolved() {
			continue
		}
		merged := *candidate
		if e, ok := edits[i]; ok {
			e.Apply(&merged)
		}
		task, err := s.createTask(ctx, pending, merged, approverID, approverEmail, createIssue)
		if err != nil {
			return result, err
		}
		candidate.Status = domain.CandidateApproved
		candidate.ApprovedTaskID = task.TaskID
		result.TaskIDs = append(result.TaskIDs, task.TaskID)
		go s.broadcastTaskCreated(task)
	}
	pending.RecomputeStatus()
	pending.UpdatedAt = s.Now()
	if err := s.store.UpdatePendingApproval(ctx, pending); err != nil {
		return result, fmt.Errorf("update pending approval: %w", err)
	}
	result.Remaining = pending.Unresolved()
	return result, nil
}

// RejectAll rejects every still-unresolved candidate.
func (s *Service) RejectAll(ctx context.Context, pendingID, approverID, reason string) (BatchResult, error) {
	lock := s.lockFor(pendingID)
	lock.Lock()
	defer lock.Unlock()

	pending, err := s.loadAuthorized(ctx, pendingID, approverID)
	if err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	for i := range pending.Candidates {
		candidate := &pending.Candidates[i]
		if candidate.Resolved() {
			continue
		}
		candidate.Status = domain.CandidateRejected
		candidate.RejectedBy = approverID
		candidate.RejectionReason = reason
		result.Rejected++
	}
	pending.RecomputeStatus()
	pending.UpdatedAt = s.Now()
	if err := s.store.UpdatePendingApproval(ctx, pending); err != nil {
		return result, fmt.Errorf("update pending approval: %w", err)
	}
	result.Remaining = pending.Unresolved()
	return result, nil
}

// ReemitUnresolved re-sends TASK_DETECTED for every unresolved approval
// in the org, re-resolving each approval's approver set from current
// membership rather than replaying whoever was notified originally.
// Returns the number of approvals that reached at least one approver.
func (s *Service) ReemitUnresolved(ctx context.Context, orgID string) (int, error) {
	all, err := s.store.ListPendingApprovals(ctx, orgID, []string{domain.ApprovalPending, domain.ApprovalPartial})
	if err != nil {
		return 0, fmt.Errorf("list pending approvals: %w", err)
	}
	reached := 0
	for _, p := range all {
		approvers, err := s.approvers(ctx, p.TeamID, p.OrgID)
		if err != nil {
			return reached, fmt.Errorf("resolve approvers: %w", err)
		}
		if len(approvers) == 0 {
			continue
		}
		payload := map[string]interface{}{
			"pendingId":      p.PendingID,
			"meetingId":      p.MeetingID,
			"teamId":         p.TeamID,
			"orgId":          p.OrgID,
			"taskCandidates": p.Candidates,
			"timestamp":      s.Now().UnixMilli(),
		}
		for _, uid := range approvers {
			s.notifier.Emit(uid, EventTaskDetected, payload)
		}
		reached++
	}
	logging.Info(logging.CategoryApproval, "re-emitted %d unresolved approvals org=%s", reached, orgID)
	return reached, nil
}

// PendingForUser returns approvals the caller may act on, filtered to
// unresolved statuses, newest first. Org admins see everything; team
// managers see their teams' approvals plus org-wide (teamless) ones.
func (s *Service) PendingForUser(ctx context.Context, userID, orgID string) ([]domain.PendingApproval, error) {
	all, err := s.store.ListPendingApprovals(ctx, orgID, []string{domain.ApprovalPending, domain.ApprovalPartial})
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	isAdmin, err := s.store.IsOrgAdmin(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	if isAdmin {
		return all, nil
	}
	teamIDs, err := s.store.ManagedTeamIDs(ctx, orgID, userID)
	if err != nil {
		return nil, err
	}
	managed := make(map[string]bool, len(teamIDs))
	for _, id := range teamIDs {
		managed[id] = true
	}
	var out []domain.PendingApproval
	for _, p := range all {
		if p.TeamID == "" || managed[p.TeamID] {
			out = append(out, p)
		}
	}
	return out, nil
}

// resolveTarget loads the approval and addresses one candidate, enforcing
// index bounds, authorization, and single-resolution in that order.
func (s *Service) resolveTarget(ctx context.Context, pendingID string, index int, approverID string) (domain.PendingApproval, *domain.TaskCandidate, error) {
	pending, err := s.store.GetPendingApproval(ctx, pendingID)
	if err != nil {
		return domain.PendingApproval{}, nil, err
	}
	if index < 0 || index >= len(pending.Candidates) {
		return domain.PendingApproval{}, nil, fmt.Errorf("index %d of %d candidates: %w", index, len(pending.Candidates), ErrInvalidIndex)
	}
	if err := s.authorize(ctx, pending, approverID); err != nil {
		return domain.PendingApproval{}, nil, err
	}
	candidate := &pending.Candidates[index]
	if candidate.Resolved() {
		return domain.PendingApproval{}, nil, fmt.Errorf("candidate %d is %s: %w", index, candidate.Status, ErrAlreadyResolved)
	}
	return pending, candidate, nil
}

func (s *Service) loadAuthorized(ctx context.Context, pendingID, approverID string) (domain.PendingApproval, error) {
	pending, err := s.store.GetPendingApproval(ctx, pendingID)
	if err != nil {
		return domain.PendingApproval{}, err
	}
	if err := s.authorize(ctx, pending, approverID); err != nil {
		return domain.PendingApproval{}, err
	}
	return pending, nil
}

func (s *Service) authorize(ctx context.Context, pending domain.PendingApproval, userID string) error {
	isAdmin, err := s.store.IsOrgAdmin(ctx, pending.OrgID, userID)
	if err != nil {
		return err
	}
	if isAdmin {
		return nil
	}
	if pending.TeamID != "" {
		isManager, err := s.store.IsTeamManager(ctx, pending.TeamID, userID)
		if err != nil {
			return err
		}
		if isManager {
			return nil
		}
	}
	return fmt.Errorf("user %s org %s: %w", userID, pending.OrgID, ErrForbidden)
}

// createTask builds and stores the durable task record from a merged
// candidate: assignee resolved by org-member email lookup, deadline parsed
// best-effort, priority coerced to a valid value.
func (s *Service) createTask(ctx context.Context, pending domain.PendingApproval, candidate domain.TaskCandidate, approverID, approverEmail string, createIssue bool) (domain.Task, error) {
	task := domain.Task{
		TaskID:         uuid.New().String(),
		OrgID:          pending.OrgID,
		TeamID:         pending.TeamID,
		MeetingID:      pending.MeetingID,
		Title:          candidate.Title,
		Description:    candidate.Description,
		Priority:       normalizePriority(candidate.Priority),
		Status:         "PENDING",
		Source:         taskSource,
		CreatedByUID:   approverID,
		CreatedByEmail: approverEmail,
		CreatedAt:      s.Now(),
		Confidence:     candidate.Confidence,
	}
	if task.Title == "" {
		task.Title = "Untitled Task"
	}

	assignee := strings.TrimSpace(candidate.Assignee)
	if assignee != "" && !strings.EqualFold(assignee, "unassigned") {
		member, err := s.store.FindMemberByEmail(ctx, pending.OrgID, assignee)
		switch {
		case err == nil:
			task.AssignedUID = member.UID
			task.AssignedToEmail = member.Email
		case errors.Is(err, store.ErrNotFound):
			task.AssignedToEmail = assignee
		default:
			return domain.Task{}, fmt.Errorf("lookup assignee: %w", err)
		}
	}

	if due := parseDeadline(candidate.Deadline); due != nil {
		task.DueDate = due
	}

	if createIssue && s.issues != nil {
		issue, err := s.issues.CreateIssue(ctx, task.Title, task.Description)
		if err != nil {
			logging.Warning(logging.CategoryApproval, "issue creation failed task=%s: %v", task.TaskID, err)
		} else if issue != nil {
			task.GitHubIssueURL = issue.URL
			task.GitHubIssueNumber = issue.Number
		}
	}

	if err := s.store.InsertTask(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("store task: %w", err)
	}
	return task, nil
}

// broadcastTaskCreated notifies the team (or whole org for teamless
// approvals) about the new task. Best-effort: failures are logged only.
func (s *Service) broadcastTaskCreated(task domain.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var members []domain.Member
	var err error
	if task.TeamID != "" {
		members, err = s.store.TeamMembers(ctx, task.TeamID)
	} else {
		members, err = s.store.OrgMembers(ctx, task.OrgID)
	}
	if err != nil {
		logging.Warning(logging.CategoryApproval, "task-created broadcast lookup failed task=%s: %v", task.TaskID, err)
		return
	}

	payload := map[string]interface{}{
		"taskId":          task.TaskID,
		"title":           task.Title,
		"assignedToEmail": task.AssignedToEmail,
		"priority":        task.Priority,
		"source":          task.Source,
	}
	for _, m := range members {
		if m.UID != "" {
			s.notifier.Emit(m.UID, EventTaskCreated, payload)
		}
	}
}

func (s *Service) approvers(ctx context.Context, teamID, orgID string) ([]string, error) {
	var uids []string
	seen := make(map[string]bool)
	if teamID != "" {
		managers, err := s.store.TeamManagers(ctx, teamID)
		if err != nil {
			return nil, err
		}
		for _, m := range managers {
			if m.UID != "" && !seen[m.UID] {
				seen[m.UID] = true
				uids = append(uids, m.UID)
			}
		}
	}
	admins, err := s.store.OrgAdmins(ctx, orgID)
	if err != nil {
		return nil, err
	}
	for _, m := range admins {
		if m.UID != "" && !seen[m.UID] {
			seen[m.UID] = true
			uids = append(uids, m.UID)
		}
	}
	return uids, nil
}

func (s *Service) lockFor(pendingID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[pendingID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[pendingID] = lock
	}
	return lock
}

// normalizeCandidates trims strings, coerces priorities, stamps detection
// times, and drops candidates left without a title.
func normalizeCandidates(in []domain.TaskCandidate, nowMs int64) []domain.TaskCandidate {
	var out []domain.TaskCandidate
	for _, c := range in {
		c.Title = strings.TrimSpace(c.Title)
		if c.Title == "" {
			continue
		}
		c.Description = strings.TrimSpace(c.Description)
		c.Assignee = strings.TrimSpace(c.Assignee)
		c.Deadline = strings.TrimSpace(c.Deadline)
		c.Priority = normalizePriority(c.Priority)
		c.Status = domain.CandidatePending
		if c.DetectedAtMs == 0 {
			c.DetectedAtMs = nowMs
		}
		out = append(out, c)
	}
	return out
}

func normalizePriority(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case domain.PriorityLow:
		return domain.PriorityLow
	case domain.PriorityHigh:
		return domain.PriorityHigh
	default:
		return domain.PriorityMedium
	}
}

// parseDeadline turns free-form deadline text into a time, best-effort.
func parseDeadline(deadline string) *time.Time {
	switch strings.ToLower(deadline) {
	case "", "not specified", "unspecified":
		return nil
	}
	t, err := dateparse.ParseAny(deadline)
	if err != nil {
		return nil
	}
	return &t
}
