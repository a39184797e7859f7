// Package gateway hosts the websocket endpoints: the per-meeting ingestion
// socket that feeds audio into STT and transcripts back to the client, and
// the per-user notification socket backing the push hub.
package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/stridehq/meetstream/internal/analysis"
	"github.com/stridehq/meetstream/internal/approval"
	"github.com/stridehq/meetstream/internal/auth"
	"github.com/stridehq/meetstream/internal/domain"
	"github.com/stridehq/meetstream/internal/hub"
	"github.com/stridehq/meetstream/internal/logging"
	"github.com/stridehq/meetstream/internal/stt"
	"github.com/stridehq/meetstream/internal/transcript"
)

// keepaliveToken is the literal client keepalive frame.
const keepaliveToken = "ping"

// SessionManager is the slice of the STT manager the gateway uses.
type SessionManager interface {
	StartSession(ctx context.Context, meetingID string, callback stt.Callback) (*stt.Session, error)
	SendAudio(ctx context.Context, meetingID string, chunk []byte) error
	CloseSession(meetingID string)
}

// Detector receives candidates found by post-meeting analysis.
type Detector interface {
	EmitDetected(ctx context.Context, meetingID, teamID, orgID string, candidates []domain.TaskCandidate) (approval.EmitResult, error)
}

// Gateway owns the websocket surface.
type Gateway struct {
	verifier auth.Verifier
	buffers  *transcript.Service
	sessions SessionManager
	hub      *hub.Hub
	analyzer analysis.Analyzer
	detector Detector

	drainTimeout time.Duration
	upgrader     websocket.Upgrader
}

// New creates a gateway. allowedOrigins of nil or containing "*" accepts
// any origin.
func New(verifier auth.Verifier, buffers *transcript.Service, sessions SessionManager, h *hub.Hub, analyzer analysis.Analyzer, detector Detector, allowedOrigins []string, drainTimeout time.Duration) *Gateway {
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	return &Gateway{
		verifier:     verifier,
		buffers:      buffers,
		sessions:     sessions,
		hub:          h,
		analyzer:     analyzer,
		detector:     detector,
		drainTimeout: drainTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[origin]
	}
}

var (
	errConnClosed    = errors.New("client connection closed")
	errSendQueueFull = errors.New("client send queue full")
)

// sendQueueSize bounds outbound frames buffered per client connection.
const sendQueueSize = 64

// clientConn decouples producers from the socket with a bounded outbound
// queue and a single writer goroutine. gorilla allows one concurrent
// writer, and a slow client must not block the STT receive loop or the
// hub's delivery pass; under pressure frames are refused, not awaited.
type clientConn struct {
	conn *websocket.Conn
	send chan interface{}
	done chan struct{}
	once sync.Once
}

func newClientConn(conn *websocket.Conn) *clientConn {
	c := &clientConn{
		conn: conn,
		send: make(chan interface{}, sendQueueSize),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *clientConn) writeLoop() {
	for {
		select {
		case v := <-c.send:
			if err := c.conn.WriteJSON(v); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// WriteJSON enqueues a frame for delivery. It never blocks: a closed
// connection or full queue is an error the caller may treat as a failed
// delivery.
func (c *clientConn) WriteJSON(v interface{}) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- v:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendQueueFull
	}
}

func (c *clientConn) close() {
	c.once.Do(func() { close(c.done) })
}

type transcriptFrame struct {
	Type       string   `json:"type"`
	Text       string   `json:"text"`
	IsFinal    bool     `json:"is_final"`
	Confidence *float64 `json:"confidence,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

type finalTranscriptFrame struct {
	Type      string `json:"type"`
	MeetingID string `json:"meeting_id"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

type ingestFrame struct {
	Timestamp   int64  `json:"timestamp"`
	AudioChunk  string `json:"audio_chunk"`
	CaptionText string `json:"caption_text"`
	SpeakerName string `json:"speaker_name"`
}

// Meeting handles GET /ws/meeting?token=...&meeting_id=...[&team_id=...].
// The token and meeting id are verified before the connection is upgraded
// so unauthenticated callers never reach an accepted socket.
func (g *Gateway) Meeting(c *gin.Context) {
	meetingID := c.Query("meeting_id")
	if meetingID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "meeting_id required"})
		return
	}
	claims, err := g.verifier.Verify(c.Query("token"))
	if err != nil {
		logging.Warning(logging.CategoryGateway, "meeting socket auth failed meeting=%s: %v", meetingID, err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	teamID := c.Query("team_id")

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warning(logging.CategoryGateway, "upgrade failed meeting=%s: %v", meetingID, err)
		return
	}
	defer conn.Close()
	logging.Info(logging.CategoryGateway, "meeting socket open meeting=%s user=%s", meetingID, claims.UserID)

	client := newClientConn(conn)
	defer client.close()
	g.buffers.InitMeeting(meetingID)

	callback := func(res stt.Result) {
		frame := transcriptFrame{Type: "transcript", Text: res.Text, IsFinal: res.IsFinal, Timestamp: res.TimestampMs}
		if res.IsFinal {
			confidence := res.Confidence
			frame.Confidence = &confidence
		}
		if err := client.WriteJSON(frame); err != nil {
			logging.Debug(logging.CategoryGateway, "transcript push failed meeting=%s: %v", meetingID, err)
		}
		if res.IsFinal {
			entry, stored := g.buffers.AddFinal(meetingID, res.Text, res.TimestampMs)
			if stored {
				confirm := finalTranscriptFrame{Type: "final_transcript", MeetingID: meetingID, Text: entry.Text, Timestamp: entry.TimestampMs}
				if err := client.WriteJSON(confirm); err != nil {
					logging.Debug(logging.CategoryGateway, "final confirm push failed meeting=%s: %v", meetingID, err)
				}
			}
		} else {
			g.buffers.AddPartial(meetingID, res.Text, res.TimestampMs)
		}
	}

	ctx := c.Request.Context()
	if _, err := g.sessions.StartSession(ctx, meetingID, callback); err != nil {
		logging.Error(logging.CategoryGateway, "stt session start failed meeting=%s: %v", meetingID, err)
		g.drain(meetingID, teamID, claims.OrgID)
		return
	}

	g.readLoop(ctx, conn, meetingID)
	g.drain(meetingID, teamID, claims.OrgID)
	logging.Info(logging.CategoryGateway, "meeting socket closed meeting=%s", meetingID)
}

// readLoop consumes client frames until the connection drops. Malformed
// frames are logged and skipped, never fatal.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, meetingID string) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logging.Debug(logging.CategoryGateway, "read loop ended meeting=%s: %v", meetingID, err)
			return
		}
		if string(bytes.TrimSpace(data)) == keepaliveToken {
			continue
		}
		var frame ingestFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			logging.Warning(logging.CategoryGateway, "malformed frame skipped meeting=%s: %v", meetingID, err)
			continue
		}
		if frame.Timestamp == 0 {
			logging.Warning(logging.CategoryGateway, "frame missing timestamp skipped meeting=%s", meetingID)
			continue
		}
		if frame.CaptionText != "" {
			logging.Debug(logging.CategoryGateway, "caption meeting=%s speaker=%q text=%q", meetingID, frame.SpeakerName, frame.CaptionText)
		}
		if frame.AudioChunk == "" {
			continue
		}
		chunk, err := base64.StdEncoding.DecodeString(frame.AudioChunk)
		if err != nil {
			logging.Warning(logging.CategoryGateway, "invalid base64 audio skipped meeting=%s: %v", meetingID, err)
			continue
		}
		if len(chunk) == 0 {
			continue
		}
		if err := g.sessions.SendAudio(ctx, meetingID, chunk); err != nil {
			logging.Warning(logging.CategoryGateway, "audio forward failed meeting=%s: %v", meetingID, err)
		}
	}
}

// drain runs the post-meeting pipeline: pick the rolling view (full history
// when the window is empty), analyze it, hand any candidates to the
// workflow, and always close the STT session and clear the buffer.
func (g *Gateway) drain(meetingID, teamID, orgID string) {
	defer func() {
		g.sessions.CloseSession(meetingID)
		g.buffers.Clear(meetingID)
	}()

	entries := g.buffers.Recent(meetingID)
	if len(entries) == 0 {
		entries = g.buffers.Full(meetingID)
	}
	if len(entries) == 0 {
		logging.Info(logging.CategoryGateway, "no transcript to analyze meeting=%s", meetingID)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.drainTimeout)
	defer cancel()

	result, err := g.analyzer.AnalyzeMeeting(ctx, meetingID, entries)
	if err != nil {
		logging.Warning(logging.CategoryGateway, "analysis failed meeting=%s: %v", meetingID, err)
		return
	}
	if result == nil || len(result.Tasks) == 0 {
		logging.Info(logging.CategoryGateway, "no tasks detected meeting=%s", meetingID)
		return
	}
	emitted, err := g.detector.EmitDetected(ctx, meetingID, teamID, orgID, result.Tasks)
	if err != nil {
		logging.Error(logging.CategoryGateway, "detection emission failed meeting=%s: %v", meetingID, err)
		return
	}
	logging.Info(logging.CategoryGateway, "detection emitted meeting=%s pending=%s sent=%t", meetingID, emitted.PendingID, emitted.Sent)
}

// Notifications handles GET /ws/notifications?token=.... The connection is
// registered on the hub for the token's user until it drops.
func (g *Gateway) Notifications(c *gin.Context) {
	claims, err := g.verifier.Verify(c.Query("token"))
	if err != nil {
		logging.Warning(logging.CategoryGateway, "notification socket auth failed: %v", err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warning(logging.CategoryGateway, "upgrade failed user=%s: %v", claims.UserID, err)
		return
	}
	defer conn.Close()

	client := newClientConn(conn)
	defer client.close()
	g.hub.Register(claims.UserID, client)
	defer g.hub.Unregister(claims.UserID, client)
	logging.Info(logging.CategoryGateway, "notification socket open user=%s", claims.UserID)

	// Inbound traffic is ignored; the loop exists to detect disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			logging.Debug(logging.CategoryGateway, "notification socket closed user=%s: %v", claims.UserID, err)
			return
		}
	}
}
