// Package store is the document-database boundary of the service. The
// database is consumed as a key-value/query store; retention and CRUD for
// meetings, organizations, and memberships live elsewhere.
package store

import (
	"context"
	"errors"

	"github.com/stridehq/meetstream/internal/domain"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface the workflow components depend on.
type Store interface {
	InsertPendingApproval(ctx context.Context, p domain.PendingApproval) error
	GetPendingApproval(ctx context.Context, pendingID string) (domain.PendingApproval, error)
	UpdatePendingApproval(ctx context.Context, p domain.PendingApproval) error
	// ListPendingApprovals returns the org's approvals filtered to the given
	// statuses, newest first.
	ListPendingApprovals(ctx context.Context, orgID string, statuses []string) ([]domain.PendingApproval, error)

	InsertTask(ctx context.Context, t domain.Task) error
	GetTask(ctx context.Context, taskID string) (domain.Task, error)

	TeamManagers(ctx context.Context, teamID string) ([]domain.Member, error)
	OrgAdmins(ctx context.Context, orgID string) ([]domain.Member, error)
	TeamMembers(ctx context.Context, teamID string) ([]domain.Member, error)
	OrgMembers(ctx context.Context, orgID string) ([]domain.Member, error)
	ManagedTeamIDs(ctx context.Context, orgID, userID string) ([]string, error)
	IsTeamManager(ctx context.Context, teamID, userID string) (bool, error)
	IsOrgAdmin(ctx context.Context, orgID, userID string) (bool, error)
	FindMemberByEmail(ctx context.Context, orgID, email string) (domain.Member, error)

	GetSessionTrigger(ctx context.Context, triggerID string) (domain.SessionTrigger, error)
	InsertSessionTrigger(ctx context.Context, t domain.SessionTrigger) error
}
