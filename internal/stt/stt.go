// Package stt coordinates streaming speech-to-text sessions per meeting.
//
// Each session owns one outbound websocket connection to the provider and a
// sender/receiver goroutine pair. Audio flows through a bounded queue that
// drops the oldest chunk under pressure: recency beats completeness for live
// transcription. A session whose provider connection drops is transparently
// recreated the next time audio arrives, as long as the meeting's transcript
// callback is still registered.
package stt

import (
	"context"
	"errors"
)

// DefaultQueueSize is the per-session audio queue capacity in chunks.
const DefaultQueueSize = 200

var (
	// ErrAlreadyActive is returned when a non-closed session already exists
	// for the meeting.
	ErrAlreadyActive = errors.New("stt session already active")
	// ErrNoCallback is returned when audio arrives for a meeting that never
	// registered a transcript callback.
	ErrNoCallback = errors.New("no transcript callback registered")
	// ErrProviderUnavailable is returned when the provider handshake fails.
	ErrProviderUnavailable = errors.New("stt provider unavailable")
)

// Result is one transcription event from the provider.
type Result struct {
	Text        string
	IsFinal     bool
	Confidence  float64 // populated for final results only
	TimestampMs int64
}

// Callback receives transcription results for a meeting. Panics inside the
// callback are recovered and logged, never propagated into the session loops.
type Callback func(Result)

// Conn is the subset of a websocket connection the session uses.
// *websocket.Conn from gorilla/websocket satisfies it directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a streaming connection to the transcription provider.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}
