// Package detection handles meeting-session detection triggers. A trigger
// marks that task detection was requested for a meeting session; the session
// token is hashed so repeated requests for the same session are idempotent.
package detection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/stridehq/meetstream/internal/auth"
	"github.com/stridehq/meetstream/internal/domain"
	"github.com/stridehq/meetstream/internal/logging"
	"github.com/stridehq/meetstream/internal/store"
)

// Trigger statuses returned to the caller.
const (
	StatusQueued   = "queued"
	StatusReplayed = "replayed"
)

// ErrEmptyToken is returned when the session token is blank.
var ErrEmptyToken = errors.New("session token required")

// Workflow is the slice of the approval service a replay needs.
type Workflow interface {
	ReemitUnresolved(ctx context.Context, orgID string) (int, error)
}

// Service records detection triggers and replays notifications for repeats.
type Service struct {
	store    store.Store
	workflow Workflow

	Now func() time.Time
}

// New creates the trigger service.
func New(st store.Store, workflow Workflow) *Service {
	return &Service{store: st, workflow: workflow, Now: time.Now}
}

// Result reports how a trigger request was handled.
type Result struct {
	Status    string `json:"status"`
	TriggerID string `json:"triggerId"`
	// Reemitted counts approvals whose notifications were re-sent on replay.
	Reemitted int `json:"reemitted,omitempty"`
}

// StartSession registers a detection trigger for the session token. The
// first request for a token is stored and queued; repeats do not create a
// second trigger but instead revalidate the caller's unresolved approvals,
// re-resolving approvers from current membership and re-sending their
// notifications.
func (s *Service) StartSession(ctx context.Context, sessionToken, meetingSource string, claims auth.Claims) (Result, error) {
	if sessionToken == "" {
		return Result{}, ErrEmptyToken
	}
	triggerID := hashToken(sessionToken)

	_, err := s.store.GetSessionTrigger(ctx, triggerID)
	switch {
	case err == nil:
		n, err := s.workflow.ReemitUnresolved(ctx, claims.OrgID)
		if err != nil {
			return Result{}, fmt.Errorf("replay trigger: %w", err)
		}
		logging.Info(logging.CategoryDetection, "trigger replayed id=%s org=%s reemitted=%d", triggerID, claims.OrgID, n)
		return Result{Status: StatusReplayed, TriggerID: triggerID, Reemitted: n}, nil
	case errors.Is(err, store.ErrNotFound):
		// first sighting, fall through
	default:
		return Result{}, fmt.Errorf("lookup trigger: %w", err)
	}

	trigger := domain.SessionTrigger{
		TriggerID:     triggerID,
		UID:           claims.UserID,
		Email:         claims.Email,
		OrgID:         claims.OrgID,
		MeetingSource: meetingSource,
		TriggeredAt:   s.Now(),
	}
	if err := s.store.InsertSessionTrigger(ctx, trigger); err != nil {
		return Result{}, fmt.Errorf("store trigger: %w", err)
	}
	logging.Info(logging.CategoryDetection, "trigger queued id=%s org=%s source=%s", triggerID, claims.OrgID, meetingSource)
	return Result{Status: StatusQueued, TriggerID: triggerID}, nil
}

// hashToken derives the idempotency key. Raw session tokens are never
// persisted.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
