// Package transcript maintains per-meeting rolling transcript buffers.
//
// Every meeting gets one buffer holding two views of the same stream: a
// rolling window trimmed to the most recent DefaultWindow of speech, and an
// append-only full history. The rolling view feeds post-meeting analysis;
// the full history is the fallback when the window is empty.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/stridehq/meetstream/internal/logging"
)

// DefaultWindow is the rolling window duration.
const DefaultWindow = 30 * time.Second

// Entry is a single normalized transcript line.
type Entry struct {
	Text        string `json:"text"`
	TimestampMs int64  `json:"timestamp"`
}

type buffer struct {
	mu      sync.Mutex
	rolling []Entry
	full    []Entry
	// latest timestamp ever inserted; eviction is computed against this so
	// reads stay consistent with the most recent write
	lastTs int64
}

// Service tracks rolling transcript buffers per meeting. Unknown meeting ids
// are created lazily on any operation; there is no not-found error here.
type Service struct {
	mu      sync.Mutex
	buffers map[string]*buffer
	window  time.Duration
}

// NewService creates a buffer service with the default rolling window.
func NewService() *Service {
	return NewServiceWithWindow(DefaultWindow)
}

// NewServiceWithWindow creates a buffer service with a custom window.
func NewServiceWithWindow(window time.Duration) *Service {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Service{
		buffers: make(map[string]*buffer),
		window:  window,
	}
}

// InitMeeting ensures a buffer exists for the meeting.
func (s *Service) InitMeeting(meetingID string) {
	s.get(meetingID)
}

// AddFinal stores a final transcript line. Input identical to the most
// recently buffered rolling entry is silently dropped. Returns the stored
// entry and whether one was created.
func (s *Service) AddFinal(meetingID, text string, timestampMs int64) (Entry, bool) {
	return s.store(meetingID, text, timestampMs, false, "FINAL")
}

// AddPartial stores a provisional transcript line. Partials are revised by
// the provider many times, so no dedup applies; only empty text is skipped.
func (s *Service) AddPartial(meetingID, text string, timestampMs int64) (Entry, bool) {
	return s.store(meetingID, text, timestampMs, true, "PARTIAL")
}

func (s *Service) store(meetingID, text string, timestampMs int64, allowDuplicates bool, label string) (Entry, bool) {
	b := s.get(meetingID)

	normalized := Normalize(text)
	if normalized == "" {
		logging.Debug(logging.CategoryBuffer, "[%s] skipping empty normalized text meeting=%s", label, meetingID)
		return Entry{}, false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !allowDuplicates && len(b.rolling) > 0 && b.rolling[len(b.rolling)-1].Text == normalized {
		logging.Debug(logging.CategoryBuffer, "[%s] skipping duplicate entry meeting=%s", label, meetingID)
		return Entry{}, false
	}

	entry := Entry{Text: normalized, TimestampMs: timestampMs}
	if timestampMs > b.lastTs {
		b.lastTs = timestampMs
	}
	b.evictLocked(s.window)
	b.rolling = append(b.rolling, entry)
	b.full = append(b.full, entry)
	logging.Debug(logging.CategoryBuffer, "[%s] stored entry meeting=%s rolling=%d full=%d", label, meetingID, len(b.rolling), len(b.full))
	return entry, true
}

// Recent returns the entries inside the rolling window. Eviction is applied
// on read so the view is consistent with the latest write.
func (s *Service) Recent(meetingID string) []Entry {
	b := s.get(meetingID)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked(s.window)
	out := make([]Entry, len(b.rolling))
	copy(out, b.rolling)
	return out
}

// Full returns the complete history for the meeting.
func (s *Service) Full(meetingID string) []Entry {
	b := s.get(meetingID)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.full))
	copy(out, b.full)
	return out
}

// Clear drops the meeting's buffer entirely.
func (s *Service) Clear(meetingID string) {
	s.mu.Lock()
	b, ok := s.buffers[meetingID]
	delete(s.buffers, meetingID)
	s.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	b.rolling = nil
	b.full = nil
	b.mu.Unlock()
}

func (s *Service) get(meetingID string) *buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buffers[meetingID]
	if !ok {
		b = &buffer{}
		s.buffers[meetingID] = b
	}
	return b
}

func (b *buffer) evictLocked(window time.Duration) {
	cutoff := b.lastTs - window.Milliseconds()
	i := 0
	for i < len(b.rolling) && b.rolling[i].TimestampMs < cutoff {
		i++
	}
	if i > 0 {
		b.rolling = append(b.rolling[:0], b.rolling[i:]...)
	}
}

// Normalize collapses internal whitespace, trims, and terminates the text
// with a period when no sentence terminator is present. Returns "" for
// input that is empty after cleanup.
func Normalize(text string) string {
	cleaned := strings.Join(strings.Fields(text), " ")
	if cleaned == "" {
		return ""
	}
	switch cleaned[len(cleaned)-1] {
	case '.', '!', '?':
	default:
		cleaned += "."
	}
	return cleaned
}
