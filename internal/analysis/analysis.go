// Package analysis defines the post-meeting analysis boundary.
// The analyzer is an external collaborator: one blocking call that turns a
// transcript into a summary and task candidates. A failed call means no
// tasks were detected; it never blocks ingestion cleanup.
package analysis

import (
	"context"

	"github.com/stridehq/meetstream/internal/domain"
	"github.com/stridehq/meetstream/internal/transcript"
)

// Result is the analyzer's output for one meeting.
type Result struct {
	Summary string                 `json:"summary,omitempty"`
	Tasks   []domain.TaskCandidate `json:"tasks"`
}

// Analyzer turns a meeting transcript into detected task candidates.
type Analyzer interface {
	AnalyzeMeeting(ctx context.Context, meetingID string, entries []transcript.Entry) (*Result, error)
}

// Noop is an analyzer that detects nothing, for deployments without an
// analysis backend.
type Noop struct{}

// AnalyzeMeeting implements Analyzer (no-op).
func (Noop) AnalyzeMeeting(ctx context.Context, meetingID string, entries []transcript.Entry) (*Result, error) {
	return nil, nil
}

// NewNoop creates a no-op analyzer.
func NewNoop() Analyzer {
	return Noop{}
}
