package stt

import (
	"context"
	"fmt"
	"sync"

	"github.com/stridehq/meetstream/internal/logging"
)

// Manager owns at most one live session per meeting id and the meeting's
// registered transcript callback. The callback outlives individual sessions
// so that a dropped provider connection can be rehydrated without the
// caller noticing.
type Manager struct {
	dialer    Dialer
	queueSize int

	mu        sync.Mutex
	sessions  map[string]*Session
	callbacks map[string]Callback
}

// NewManager creates a session manager. queueSize <= 0 selects
// DefaultQueueSize.
func NewManager(dialer Dialer, queueSize int) *Manager {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Manager{
		dialer:    dialer,
		queueSize: queueSize,
		sessions:  make(map[string]*Session),
		callbacks: make(map[string]Callback),
	}
}

// StartSession registers the callback and opens a provider session for the
// meeting. Fails with ErrAlreadyActive when a non-closed session exists.
func (m *Manager) StartSession(ctx context.Context, meetingID string, callback Callback) (*Session, error) {
	m.mu.Lock()
	m.callbacks[meetingID] = callback
	m.mu.Unlock()
	return m.createSession(ctx, meetingID, callback)
}

func (m *Manager) createSession(ctx context.Context, meetingID string, callback Callback) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[meetingID]; ok {
		if !existing.Closed() {
			m.mu.Unlock()
			return nil, fmt.Errorf("meeting %s: %w", meetingID, ErrAlreadyActive)
		}
		delete(m.sessions, meetingID)
	}
	m.mu.Unlock()

	// Dialing happens outside the registry lock so one meeting's slow
	// handshake cannot stall the others.
	conn, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	session, err := newSession(meetingID, conn, callback, m.queueSize)
	if err != nil {
		conn.Close()
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.sessions[meetingID]; ok && !existing.Closed() {
		m.mu.Unlock()
		session.Close()
		return nil, fmt.Errorf("meeting %s: %w", meetingID, ErrAlreadyActive)
	}
	m.sessions[meetingID] = session
	m.mu.Unlock()
	return session, nil
}

// SendAudio forwards an audio chunk to the meeting's session, transparently
// rehydrating a session the provider dropped. Fails with ErrNoCallback when
// the meeting never registered a callback.
func (m *Manager) SendAudio(ctx context.Context, meetingID string, chunk []byte) error {
	m.mu.Lock()
	session, haveSession := m.sessions[meetingID]
	callback, haveCallback := m.callbacks[meetingID]
	m.mu.Unlock()

	if haveSession && !session.Closed() {
		session.AddAudio(chunk)
		return nil
	}
	if !haveCallback {
		return fmt.Errorf("meeting %s: %w", meetingID, ErrNoCallback)
	}
	logging.Info(logging.CategorySTT, "rehydrating session meeting=%s", meetingID)
	session, err := m.createSession(ctx, meetingID, callback)
	if err != nil {
		return err
	}
	session.AddAudio(chunk)
	return nil
}

// CloseSession shuts down the meeting's session and forgets its callback.
// Returns once both session loops have terminated.
func (m *Manager) CloseSession(meetingID string) {
	m.mu.Lock()
	session := m.sessions[meetingID]
	delete(m.sessions, meetingID)
	delete(m.callbacks, meetingID)
	m.mu.Unlock()
	if session != nil {
		session.Close()
	}
}

// CloseAll shuts down every live session, used at process shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.callbacks = make(map[string]Callback)
	m.mu.Unlock()
	for _, session := range sessions {
		session.Close()
	}
}
