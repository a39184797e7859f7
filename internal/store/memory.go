package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/stridehq/meetstream/internal/domain"
)

// Memory is an in-process Store used by tests and by deployments without a
// configured database. Every instance is fully isolated.
type Memory struct {
	mu        sync.Mutex
	approvals map[string]domain.PendingApproval
	tasks     map[string]domain.Task
	members   []domain.Member
	triggers  map[string]domain.SessionTrigger
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		approvals: make(map[string]domain.PendingApproval),
		tasks:     make(map[string]domain.Task),
		triggers:  make(map[string]domain.SessionTrigger),
	}
}

// AddMember seeds a membership record.
func (m *Memory) AddMember(member domain.Member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = append(m.members, member)
}

func (m *Memory) InsertPendingApproval(ctx context.Context, p domain.PendingApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[p.PendingID] = clone(p)
	return nil
}

func (m *Memory) GetPendingApproval(ctx context.Context, pendingID string) (domain.PendingApproval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.approvals[pendingID]
	if !ok {
		return domain.PendingApproval{}, ErrNotFound
	}
	return clone(p), nil
}

func (m *Memory) UpdatePendingApproval(ctx context.Context, p domain.PendingApproval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.approvals[p.PendingID]; !ok {
		return ErrNotFound
	}
	m.approvals[p.PendingID] = clone(p)
	return nil
}

func (m *Memory) ListPendingApprovals(ctx context.Context, orgID string, statuses []string) ([]domain.PendingApproval, error) {
	wanted := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		wanted[s] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PendingApproval
	for _, p := range m.approvals {
		if p.OrgID != orgID {
			continue
		}
		if len(wanted) > 0 && !wanted[p.Status] {
			continue
		}
		out = append(out, clone(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertTask(ctx context.Context, t domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.TaskID] = t
	return nil
}

func (m *Memory) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) TeamManagers(ctx context.Context, teamID string) ([]domain.Member, error) {
	return m.filterMembers(func(mm domain.Member) bool {
		return mm.TeamID == teamID && mm.Role == domain.RoleManager
	}), nil
}

func (m *Memory) OrgAdmins(ctx context.Context, orgID string) ([]domain.Member, error) {
	return m.filterMembers(func(mm domain.Member) bool {
		return mm.OrgID == orgID && mm.Role == domain.RoleOrgAdmin
	}), nil
}

func (m *Memory) TeamMembers(ctx context.Context, teamID string) ([]domain.Member, error) {
	return m.filterMembers(func(mm domain.Member) bool { return mm.TeamID == teamID }), nil
}

func (m *Memory) OrgMembers(ctx context.Context, orgID string) ([]domain.Member, error) {
	return m.filterMembers(func(mm domain.Member) bool { return mm.OrgID == orgID }), nil
}

func (m *Memory) ManagedTeamIDs(ctx context.Context, orgID, userID string) ([]string, error) {
	var out []string
	for _, mm := range m.filterMembers(func(mm domain.Member) bool {
		return mm.OrgID == orgID && mm.UID == userID && mm.Role == domain.RoleManager && mm.TeamID != ""
	}) {
		out = append(out, mm.TeamID)
	}
	return out, nil
}

func (m *Memory) IsTeamManager(ctx context.Context, teamID, userID string) (bool, error) {
	return len(m.filterMembers(func(mm domain.Member) bool {
		return mm.TeamID == teamID && mm.UID == userID && mm.Role == domain.RoleManager
	})) > 0, nil
}

func (m *Memory) IsOrgAdmin(ctx context.Context, orgID, userID string) (bool, error) {
	return len(m.filterMembers(func(mm domain.Member) bool {
		return mm.OrgID == orgID && mm.UID == userID && mm.Role == domain.RoleOrgAdmin
	})) > 0, nil
}

func (m *Memory) FindMemberByEmail(ctx context.Context, orgID, email string) (domain.Member, error) {
	matches := m.filterMembers(func(mm domain.Member) bool {
		return mm.OrgID == orgID && strings.EqualFold(mm.Email, email)
	})
	if len(matches) == 0 {
		return domain.Member{}, ErrNotFound
	}
	return matches[0], nil
}

func (m *Memory) GetSessionTrigger(ctx context.Context, triggerID string) (domain.SessionTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[triggerID]
	if !ok {
		return domain.SessionTrigger{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) InsertSessionTrigger(ctx context.Context, t domain.SessionTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers[t.TriggerID] = t
	return nil
}

func (m *Memory) filterMembers(keep func(domain.Member) bool) []domain.Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Member
	for _, mm := range m.members {
		if keep(mm) {
			out = append(out, mm)
		}
	}
	return out
}

// clone deep-copies the candidate slice so callers cannot mutate stored
// state behind the store's back.
func clone(p domain.PendingApproval) domain.PendingApproval {
	out := p
	out.Candidates = append([]domain.TaskCandidate(nil), p.Candidates...)
	return out
}
