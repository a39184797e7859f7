package stt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/stridehq/meetstream/internal/logging"
)

// closeGrace bounds how long a closing session waits for the provider to
// terminate the connection after the stop frame before forcing it.
const closeGrace = 2 * time.Second

// startMessage is the stream configuration sent before any audio.
type startMessage struct {
	Type           string `json:"type"`
	Encoding       string `json:"encoding"`
	SampleRate     int    `json:"sample_rate"`
	Channels       int    `json:"channels"`
	Language       string `json:"language"`
	InterimResults bool   `json:"interim_results"`
	SmartFormat    bool   `json:"smart_format"`
	Punctuate      bool   `json:"punctuate"`
}

// resultMessage is the provider's transcription result envelope.
type resultMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Session is one live transcription stream for a meeting.
type Session struct {
	meetingID string
	conn      Conn
	callback  Callback

	audio chan []byte // nil element is the close sentinel

	mu       sync.Mutex
	stopping bool
	closed   atomic.Bool

	recvDone chan struct{}
	wg       sync.WaitGroup
}

// newSession writes the stream configuration and starts the sender and
// receiver loops. A failed configuration write counts as a handshake
// failure.
func newSession(meetingID string, conn Conn, callback Callback, queueSize int) (*Session, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Session{
		meetingID: meetingID,
		conn:      conn,
		callback:  callback,
		audio:     make(chan []byte, queueSize),
		recvDone:  make(chan struct{}),
	}

	cfg, err := json.Marshal(startMessage{
		Type:           "start",
		Encoding:       "linear16",
		SampleRate:     16000,
		Channels:       1,
		Language:       "en",
		InterimResults: true,
		SmartFormat:    true,
		Punctuate:      true,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, cfg); err != nil {
		return nil, fmt.Errorf("%w: send start config: %v", ErrProviderUnavailable, err)
	}

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.sendLoop()
		// The provider closes the stream after the stop frame; force the
		// connection shut if it does not, so the receiver can exit.
		select {
		case <-s.recvDone:
		case <-time.After(closeGrace):
			s.conn.Close()
		}
	}()
	go func() {
		defer s.wg.Done()
		s.recvLoop()
		s.closed.Store(true)
		close(s.recvDone)
	}()
	return s, nil
}

// Closed reports whether the session's receive loop has terminated. A closed
// session never produces another callback.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// AddAudio queues an audio chunk for the provider. When the queue is full
// the oldest chunk is dropped to make room. Audio arriving after close is
// silently ignored.
func (s *Session) AddAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping || s.closed.Load() {
		logging.Debug(logging.CategorySTT, "session ignoring audio meeting=%s", s.meetingID)
		return
	}
	s.enqueue(chunk)
}

func (s *Session) enqueue(chunk []byte) {
	select {
	case s.audio <- chunk:
	default:
		// Queue full: evict the oldest chunk, then retry once. A second
		// failure means a concurrent producer refilled the slot; dropping
		// the new chunk is acceptable under that much pressure.
		select {
		case <-s.audio:
		default:
		}
		select {
		case s.audio <- chunk:
		default:
		}
	}
}

// Close stops the session and waits for both loops to terminate. It is
// idempotent; a session already stopping ignores further calls.
func (s *Session) Close() {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	s.mu.Unlock()

	s.enqueue(nil)
	s.wg.Wait()
	s.closed.Store(true)
	s.conn.Close()
}

func (s *Session) sendLoop() {
	for {
		select {
		case chunk := <-s.audio:
			if chunk == nil {
				stop, _ := json.Marshal(map[string]string{"type": "stop"})
				if err := s.conn.WriteMessage(websocket.TextMessage, stop); err != nil {
					logging.Warning(logging.CategorySTT, "failed to send stop frame meeting=%s: %v", s.meetingID, err)
				}
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
				logging.Warning(logging.CategorySTT, "provider connection lost while sending audio meeting=%s: %v", s.meetingID, err)
				return
			}
		case <-s.recvDone:
			return
		}
	}
}

func (s *Session) recvLoop() {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			logging.Info(logging.CategorySTT, "provider connection closed meeting=%s: %v", s.meetingID, err)
			return
		}
		if messageType == websocket.BinaryMessage {
			continue
		}
		s.handleMessage(data)
	}
}

func (s *Session) handleMessage(data []byte) {
	var msg resultMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Warning(logging.CategorySTT, "unparseable provider message meeting=%s: %v", s.meetingID, err)
		return
	}
	if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
		return
	}
	top := msg.Channel.Alternatives[0]
	text := strings.TrimSpace(top.Transcript)
	if text == "" {
		return
	}
	result := Result{
		Text:        text,
		IsFinal:     msg.IsFinal,
		TimestampMs: time.Now().UnixMilli(),
	}
	if msg.IsFinal {
		result.Confidence = top.Confidence
	}
	s.dispatch(result)
}

func (s *Session) dispatch(result Result) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(logging.CategorySTT, "transcript callback panicked meeting=%s: %v", s.meetingID, r)
		}
	}()
	s.callback(result)
}
