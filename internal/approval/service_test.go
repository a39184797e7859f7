package approval_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stridehq/meetstream/internal/approval"
	"github.com/stridehq/meetstream/internal/domain"
	"github.com/stridehq/meetstream/internal/store"
)

type recordedEvent struct {
	UserID  string
	Event   string
	Payload interface{}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeNotifier) Emit(userID, event string, payload interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, recordedEvent{UserID: userID, Event: event, Payload: payload})
}

func (f *fakeNotifier) byEvent(event string) []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedEvent
	for _, e := range f.events {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func seedTeam(st *store.Memory) {
	st.AddMember(domain.Member{UID: "mgr-1", Email: "mgr@acme.test", OrgID: "org-1", TeamID: "team-1", Role: domain.RoleManager})
	st.AddMember(domain.Member{UID: "admin-1", Email: "admin@acme.test", OrgID: "org-1", Role: domain.RoleOrgAdmin})
	st.AddMember(domain.Member{UID: "dev-1", Email: "dev@acme.test", OrgID: "org-1", TeamID: "team-1", Role: domain.RoleMember})
}

func candidates(titles ...string) []domain.TaskCandidate {
	var out []domain.TaskCandidate
	for _, title := range titles {
		out = append(out, domain.TaskCandidate{Title: title, Description: "from meeting", Priority: "high"})
	}
	return out
}

func newService(t *testing.T) (*approval.Service, *store.Memory, *fakeNotifier) {
	t.Helper()
	st := store.NewMemory()
	seedTeam(st)
	notifier := &fakeNotifier{}
	return approval.New(st, notifier, nil), st, notifier
}

func TestEmitDetectedNotifiesManagersAndAdmins(t *testing.T) {
	svc, st, notifier := newService(t)

	res, err := svc.EmitDetected(context.Background(), "meet-1", "team-1", "org-1", candidates("Ship the report", "Fix login bug"))
	if err != nil {
		t.Fatalf("EmitDetected: %v", err)
	}
	if !res.Sent {
		t.Fatalf("expected sent, got reason %q", res.Reason)
	}
	if res.TotalManagers != 2 || res.ManagersNotified != 2 {
		t.Fatalf("expected 2 approvers notified, got %d/%d", res.ManagersNotified, res.TotalManagers)
	}

	events := notifier.byEvent(approval.EventTaskDetected)
	if len(events) != 2 {
		t.Fatalf("expected 2 TASK_DETECTED events, got %d", len(events))
	}
	got := map[string]bool{}
	for _, e := range events {
		got[e.UserID] = true
	}
	if !got["mgr-1"] || !got["admin-1"] {
		t.Fatalf("wrong recipients: %v", got)
	}

	pending, err := st.GetPendingApproval(context.Background(), res.PendingID)
	if err != nil {
		t.Fatalf("GetPendingApproval: %v", err)
	}
	if pending.Status != domain.ApprovalPending {
		t.Fatalf("status = %q, want PENDING", pending.Status)
	}
	if len(pending.Candidates) != 2 {
		t.Fatalf("candidates = %d, want 2", len(pending.Candidates))
	}
	if pending.Candidates[0].DetectedAtMs == 0 {
		t.Fatal("detection timestamp not stamped")
	}
}

func TestEmitDetectedStoresEvenWithoutApprovers(t *testing.T) {
	st := store.NewMemory()
	notifier := &fakeNotifier{}
	svc := approval.New(st, notifier, nil)

	res, err := svc.EmitDetected(context.Background(), "meet-1", "team-ghost", "org-ghost", candidates("Orphan task"))
	if err != nil {
		t.Fatalf("EmitDetected: %v", err)
	}
	if res.Sent {
		t.Fatal("expected sent=false with no approvers")
	}
	if res.Reason != "no approvers found" {
		t.Fatalf("reason = %q", res.Reason)
	}
	if _, err := st.GetPendingApproval(context.Background(), res.PendingID); err != nil {
		t.Fatalf("approval should have been stored anyway: %v", err)
	}
	if got := notifier.byEvent(approval.EventTaskDetected); len(got) != 0 {
		t.Fatalf("expected no events, got %d", len(got))
	}
}

func TestEmitDetectedNormalizesCandidates(t *testing.T) {
	svc, st, _ := newService(t)

	res, err := svc.EmitDetected(context.Background(), "meet-1", "team-1", "org-1", []domain.TaskCandidate{
		{Title: "  Padded title  ", Priority: "URGENT"},
		{Title: "   "},
		{Title: ""},
	})
	if err != nil {
		t.Fatalf("EmitDetected: %v", err)
	}
	pending, err := st.GetPendingApproval(context.Background(), res.PendingID)
	if err != nil {
		t.Fatalf("GetPendingApproval: %v", err)
	}
	if len(pending.Candidates) != 1 {
		t.Fatalf("untitled candidates should be dropped, got %d", len(pending.Candidates))
	}
	c := pending.Candidates[0]
	if c.Title != "Padded title" {
		t.Fatalf("title = %q", c.Title)
	}
	if c.Priority != domain.PriorityMedium {
		t.Fatalf("unknown priority should coerce to medium, got %q", c.Priority)
	}
	if c.Status != domain.CandidatePending {
		t.Fatalf("status = %q", c.Status)
	}
}

func TestApproveCreatesTaskAndResolvesAssignee(t *testing.T) {
	svc, st, notifier := newService(t)
	res, _ := svc.EmitDetected(context.Background(), "meet-1", "team-1", "org-1", []domain.TaskCandidate{
		{Title: "Fix login bug", Assignee: "dev@acme.test", Deadline: "2026-09-15", Priority: "high", Confidence: 0.92},
	})

	task, err := svc.Approve(context.Background(), res.PendingID, 0, "mgr-1", "mgr@acme.test", nil, false)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if task.AssignedUID != "dev-1" || task.AssignedToEmail != "dev@acme.test" {
		t.Fatalf("assignee not resolved: %+v", task)
	}
	if task.DueDate == nil || task.DueDate.Year() != 2026 || task.DueDate.Month() != time.September {
		t.Fatalf("deadline not parsed: %v", task.DueDate)
	}
	if task.Priority != domain.PriorityHigh || task.Source != "AI_MEETING" {
		t.Fatalf("task fields wrong: %+v", task)
	}

	stored, err := st.GetTask(context.Background(), task.TaskID)
	if err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
	if stored.CreatedByUID != "mgr-1" {
		t.Fatalf("createdBy = %q", stored.CreatedByUID)
	}

	pending, _ := st.GetPendingApproval(context.Background(), res.PendingID)
	if pending.Status != domain.ApprovalCompleted {
		t.Fatalf("status = %q, want COMPLETED", pending.Status)
	}
	if pending.Candidates[0].ApprovedTaskID != task.TaskID {
		t.Fatal("candidate missing task back-reference")
	}

	waitFor(t, func() bool { return len(notifier.byEvent(approval.EventTaskCreated)) > 0 })
	created := notifier.byEvent(approval.EventTaskCreated)
	uids := map[string]bool{}
	for _, e := range created {
		uids[e.UserID] = true
	}
	if !uids["mgr-1"] || !uids["dev-1"] {
		t.Fatalf("team members not notified: %v", uids)
	}
}

func TestApproveAppliesEdits(t *testing.T) {
	svc, _, _ := newService(t)
	res, _ := svc.EmitDetected(context.Background(), "meet-1", "team-1", "org-1", candidates("Original title"))

	title := "Edited title"
	priority := "low"
	task, err := svc.Approve(context.Background(), res.PendingID, 0, "mgr-1", "mgr@acme.test", &domain.CandidateEdits{Title: &title, Priority: &priority}, false)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if task.Title != "Edited title" || task.Priority != domain.PriorityLow {
		t.Fatalf("edits not applied: %+v", task)
	}
}

func TestApproveInvalidIndex(t *testing.T) {
	svc, _, _ := newService(t)
	res, _ := svc.EmitDetected(context.Background(), "meet-1", "team-1", "org-1", candidates("Only one"))

	if _, err := svc.Approve(context.Background(), res.PendingID, 5, "mgr-1", "mgr@acme.test", nil, false); !errors.Is(err, approval.ErrInvalidIndex) {
		t.Fatalf("err = %v, want ErrInvalidIndex", err)
	}
	if _, err := svc.Approve(context.Background(), res.PendingID, -1, "mgr-1", "mgr@acme.test", nil, false); !errors.Is(err, approval.ErrInvalidIndex) {
		t.Fatalf("err = %v, want ErrInvalidIndex", err)
	}
}

func TestApproveForbiddenForNonManagers(t *testing.T) {
	svc, _, _ := newService(t)
	res, _ := svc.EmitDetected(context.Background(), "meet-1", "team-1", "org-1", candidates("Task"))

	if _, err := svc.Approve(context.Background(), res.PendingID, 0, "dev-1", "dev@acme.test", nil, false); !errors.Is(err, approval.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if err := svc.Reject(context.Background(), res.PendingID, 0, "dev-1", "nope"); !errors.Is(err, approval.ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestApproveUnknownPending(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.Approve(context.Background(), "missing", 0, "mgr-1", "mgr@acme.test", nil, false); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDoubleResolutionFails(t *testing.T) {
	svc, st, _ := newService(t)
	res, _ := svc.EmitDetected(context.Background(), "meet-1", "team-1", "org-1", candidates("Task"))

	task, err := svc.Approve(context.Background(), res.PendingID, 0, "mgr-1", "mgr@acme.test", nil, false)
	if err != nil {
		t.Fatalf("first approve: %v", err)
	}
	if _, err := svc.Approve(context.Background(), res.PendingID, 0, "admin-1", "admin@acme.test", nil, false); !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Fatalf("err = %v, want ErrAlreadyResolved", err)
	}
	if err := svc.Reject(context.Background(), res.PendingID, 0, "admin-1", "changed my mind"); !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Fatalf("reject after approve: err = %v, want ErrAlreadyResolved", err)
	}

	pending, _ := st.GetPendingApproval(context.Background(), res.PendingID)
	if pending.Candidates[0].ApprovedTaskID != task.TaskID {
		t.Fatal("first decision should stand")
	}
}

func TestCandidatesResolveIndependently(t *testing.T) {
	svc, st, _ := newService(t)
	res, _ := svc.EmitDetected(context.Background(), "meet-1", "team-1", "org-1", candidates("First", "Second", "Third"))

	if _, err := svc.Approve(context.Background(), res.PendingID, 1, "mgr-1", "mgr@acme.test", nil, false); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	pending, _ := st.GetPendingApproval(context.Background(), res.PendingID)
	if pending.Status != domain.ApprovalPartial {
		t.Fatalf("status = %q, want PARTIAL", pending.Status)
	}
	if pending.Candidates[0].Resolved() || pending.Candidates[2].Resolved() {
		t.Fatal("siblings must stay pending")
	}

	if err := svc.Reject(context.Background(), res.PendingID, 0, "admin-1", "duplicate"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if _, err := svc.Approve(context.Background(), res.PendingID, 2, "mgr-1", "mgr@acme.test", nil, false); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	pending, _ = st.GetPendingApproval(context.Background(), res.PendingID)
	if pending.Status != domain.ApprovalCompleted {
		t.Fatalf("status = %q, want COMPLETED", pending.Status)
	}
	if pending.Candidates[0].RejectionReason != "duplicate" {
		t.Fatalf("rejection reason = %q", pending.Candidates[0].RejectionReason)
	}
}

func TestApproveAllSkipsResolved(t *testing.T) {
	svc, st, _ := newService(t)
	res, _ := svc.EmitDetected(context.Background(), "meet-1", "team-1", "org-1", candidates("First", "Second", "Third"))

	if err := svc.Reject(context.Background(), res.PendingID, 0, "mgr-1", "no"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	title := "Renamed second"
	batch, err := svc.ApproveAll(context.Background(), res.PendingID, "mgr-1", "mgr@acme.test", map[int]domain.CandidateEdits{1: {Title: &title}}, false)
	if err != nil {
		t.Fatalf("ApproveAll: %v", err)
	}
	if len(batch.TaskIDs) != 2 || batch.Remaining != 0 {
		t.Fatalf("batch = %+v", batch)
	}

	pending, _ := st.GetPendingApproval(context.Background(), res.PendingID)
	if pending.Status != domain.ApprovalCompleted {
		t.Fatalf("status = %q, want COMPLETED", pending.Status)
	}
	if pending.Candidates[0].Status != domain.CandidateRejected {
		t.Fatal("earlier rejection must not be overturned")
	}
	task, err := st.GetTask(context.Background(), pending.Candidates[1].ApprovedTaskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Title != "Renamed second" {
		t.Fatalf("edit not applied in batch: %q", task.Title)
	}
}

func TestRejectAll(t *testing.T) {
	svc, st, _ := newService(t)
	res, _ := svc.EmitDetected(context.Background(), "meet-1", "team-1", "org-1", candidates("First", "Second"))

	if _, err := svc.Approve(context.Background(), res.PendingID, 0, "mgr-1", "mgr@acme.test", nil, false); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	batch, err := svc.RejectAll(context.Background(), res.PendingID, "mgr-1", "out of scope")
	if err != nil {
		t.Fatalf("RejectAll: %v", err)
	}
	if batch.Rejected != 1 || batch.Remaining != 0 {
		t.Fatalf("batch = %+v", batch)
	}
	pending, _ := st.GetPendingApproval(context.Background(), res.PendingID)
	if pending.Candidates[0].Status != domain.CandidateApproved {
		t.Fatal("approved candidate must survive reject-all")
	}
	if pending.Candidates[1].RejectionReason != "out of scope" {
		t.Fatalf("reason = %q", pending.Candidates[1].RejectionReason)
	}
}

func TestPendingForUserVisibility(t *testing.T) {
	svc, st, _ := newService(t)
	st.AddMember(domain.Member{UID: "mgr-2", Email: "mgr2@acme.test", OrgID: "org-1", TeamID: "team-2", Role: domain.RoleManager})

	teamRes, _ := svc.EmitDetected(context.Background(), "meet-1", "team-1", "org-1", candidates("Team one task"))
	otherRes, _ := svc.EmitDetected(context.Background(), "meet-2", "team-2", "org-1", candidates("Team two task"))
	orgRes, _ := svc.EmitDetected(context.Background(), "meet-3", "", "org-1", candidates("Org-wide task"))

	admin, err := svc.PendingForUser(context.Background(), "admin-1", "org-1")
	if err != nil {
		t.Fatalf("PendingForUser admin: %v", err)
	}
	if len(admin) != 3 {
		t.Fatalf("admin sees %d, want 3", len(admin))
	}

	mgr, err := svc.PendingForUser(context.Background(), "mgr-1", "org-1")
	if err != nil {
		t.Fatalf("PendingForUser manager: %v", err)
	}
	ids := map[string]bool{}
	for _, p := range mgr {
		ids[p.PendingID] = true
	}
	if !ids[teamRes.PendingID] || !ids[orgRes.PendingID] || ids[otherRes.PendingID] {
		t.Fatalf("manager visibility wrong: %v", ids)
	}

	// Fully resolved approvals drop out of the pending view.
	if _, err := svc.Approve(context.Background(), teamRes.PendingID, 0, "mgr-1", "mgr@acme.test", nil, false); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	mgr, _ = svc.PendingForUser(context.Background(), "mgr-1", "org-1")
	for _, p := range mgr {
		if p.PendingID == teamRes.PendingID {
			t.Fatal("completed approval still listed")
		}
	}
}

func TestUnassignedPlaceholderSkipsLookup(t *testing.T) {
	svc, _, _ := newService(t)
	res, _ := svc.EmitDetected(context.Background(), "meet-1", "team-1", "org-1", []domain.TaskCandidate{
		{Title: "Floating task", Assignee: "Unassigned"},
	})
	task, err := svc.Approve(context.Background(), res.PendingID, 0, "mgr-1", "mgr@acme.test", nil, false)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if task.AssignedUID != "" || task.AssignedToEmail != "" {
		t.Fatalf("placeholder assignee should stay empty: %+v", task)
	}
}
