package gateway_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/stridehq/meetstream/internal/analysis"
	"github.com/stridehq/meetstream/internal/approval"
	"github.com/stridehq/meetstream/internal/auth"
	"github.com/stridehq/meetstream/internal/domain"
	"github.com/stridehq/meetstream/internal/gateway"
	"github.com/stridehq/meetstream/internal/hub"
	"github.com/stridehq/meetstream/internal/stt"
	"github.com/stridehq/meetstream/internal/transcript"
)

type staticVerifier struct {
	claims auth.Claims
}

func (v staticVerifier) Verify(token string) (auth.Claims, error) {
	if token != "good-token" {
		return auth.Claims{}, errors.New("bad token")
	}
	return v.claims, nil
}

type fakeSessions struct {
	mu        sync.Mutex
	callback  stt.Callback
	audio     [][]byte
	closed    []string
	startErr  error
	startedID string
}

func (f *fakeSessions) StartSession(ctx context.Context, meetingID string, callback stt.Callback) (*stt.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.startedID = meetingID
	f.callback = callback
	return nil, nil
}

func (f *fakeSessions) SendAudio(ctx context.Context, meetingID string, chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, chunk)
	return nil
}

func (f *fakeSessions) CloseSession(meetingID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, meetingID)
}

func (f *fakeSessions) dispatch(res stt.Result) {
	f.mu.Lock()
	cb := f.callback
	f.mu.Unlock()
	cb(res)
}

func (f *fakeSessions) audioChunks() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.audio...)
}

func (f *fakeSessions) closedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

type fakeAnalyzer struct {
	mu      sync.Mutex
	entries []transcript.Entry
	result  *analysis.Result
	err     error
	calls   int
}

func (f *fakeAnalyzer) AnalyzeMeeting(ctx context.Context, meetingID string, entries []transcript.Entry) (*analysis.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.entries = append([]transcript.Entry(nil), entries...)
	return f.result, f.err
}

type fakeDetector struct {
	mu         sync.Mutex
	meetingID  string
	teamID     string
	orgID      string
	candidates []domain.TaskCandidate
	calls      int
}

func (f *fakeDetector) EmitDetected(ctx context.Context, meetingID, teamID, orgID string, candidates []domain.TaskCandidate) (approval.EmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.meetingID = meetingID
	f.teamID = teamID
	f.orgID = orgID
	f.candidates = candidates
	return approval.EmitResult{Sent: true, PendingID: "pending-1"}, nil
}

type env struct {
	server   *httptest.Server
	buffers  *transcript.Service
	sessions *fakeSessions
	analyzer *fakeAnalyzer
	detector *fakeDetector
	hub      *hub.Hub
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := &env{
		buffers:  transcript.NewService(),
		sessions: &fakeSessions{},
		analyzer: &fakeAnalyzer{},
		detector: &fakeDetector{},
		hub:      hub.New(),
	}
	verifier := staticVerifier{claims: auth.Claims{UserID: "user-1", Email: "user@acme.test", OrgID: "org-1"}}
	gw := gateway.New(verifier, e.buffers, e.sessions, e.hub, e.analyzer, e.detector, nil, 5*time.Second)

	router := gin.New()
	router.GET("/ws/meeting", gw.Meeting)
	router.GET("/ws/notifications", gw.Notifications)
	e.server = httptest.NewServer(router)
	t.Cleanup(e.server.Close)
	return e
}

func (e *env) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + path
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var out map[string]interface{}
	if err := conn.ReadJSON(&out); err != nil {
		t.Fatalf("read frame: %v", err)
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

func TestMeetingRejectsBeforeUpgrade(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.server.URL + "/ws/meeting?token=good-token")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing meeting_id: status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Get(e.server.URL + "/ws/meeting?token=wrong&meeting_id=meet-1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", resp.StatusCode)
	}
	if e.sessions.startedID != "" {
		t.Fatal("no session may start for a rejected connection")
	}
}

func TestNotificationsRejectsBadToken(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.server.URL + "/ws/notifications?token=wrong")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestMeetingTranscriptFlow(t *testing.T) {
	e := newEnv(t)
	conn := dialWS(t, e.wsURL("/ws/meeting?token=good-token&meeting_id=meet-1"))
	waitFor(t, func() bool {
		e.sessions.mu.Lock()
		defer e.sessions.mu.Unlock()
		return e.sessions.callback != nil
	})

	e.sessions.dispatch(stt.Result{Text: "checking in", IsFinal: false, TimestampMs: 1000})
	frame := readJSON(t, conn)
	if frame["type"] != "transcript" || frame["is_final"] != false {
		t.Fatalf("interim frame wrong: %v", frame)
	}
	if _, ok := frame["confidence"]; ok {
		t.Fatal("interim frames carry no confidence")
	}

	e.sessions.dispatch(stt.Result{Text: "we will ship tomorrow", IsFinal: true, Confidence: 0.97, TimestampMs: 2000})
	frame = readJSON(t, conn)
	if frame["type"] != "transcript" || frame["is_final"] != true {
		t.Fatalf("final frame wrong: %v", frame)
	}
	if frame["confidence"].(float64) != 0.97 {
		t.Fatalf("confidence = %v", frame["confidence"])
	}
	confirm := readJSON(t, conn)
	if confirm["type"] != "final_transcript" || confirm["meeting_id"] != "meet-1" {
		t.Fatalf("confirmation frame wrong: %v", confirm)
	}
	if confirm["text"] != "we will ship tomorrow." {
		t.Fatalf("text not normalized: %v", confirm["text"])
	}

	recent := e.buffers.Recent("meet-1")
	if len(recent) != 2 {
		t.Fatalf("buffer entries = %d, want partial + final", len(recent))
	}
}

func TestMeetingAudioAndKeepalive(t *testing.T) {
	e := newEnv(t)
	conn := dialWS(t, e.wsURL("/ws/meeting?token=good-token&meeting_id=meet-1"))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write keepalive: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed: %v", err)
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"timestamp":   1000,
		"audio_chunk": base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03}),
	})
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	// missing timestamp, skipped
	noTS, _ := json.Marshal(map[string]interface{}{
		"audio_chunk": base64.StdEncoding.EncodeToString([]byte{0x09}),
	})
	if err := conn.WriteMessage(websocket.TextMessage, noTS); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	waitFor(t, func() bool { return len(e.sessions.audioChunks()) == 1 })
	chunks := e.sessions.audioChunks()
	if len(chunks[0]) != 3 || chunks[0][0] != 0x01 {
		t.Fatalf("decoded audio wrong: %v", chunks[0])
	}
}

func TestMeetingDrainRunsAnalysisAndCleanup(t *testing.T) {
	e := newEnv(t)
	e.analyzer.result = &analysis.Result{
		Summary: "shipping sync",
		Tasks:   []domain.TaskCandidate{{Title: "Ship the release", Priority: "high"}},
	}

	conn := dialWS(t, e.wsURL("/ws/meeting?token=good-token&meeting_id=meet-1&team_id=team-1"))
	waitFor(t, func() bool {
		e.sessions.mu.Lock()
		defer e.sessions.mu.Unlock()
		return e.sessions.callback != nil
	})
	e.sessions.dispatch(stt.Result{Text: "we should ship the release", IsFinal: true, Confidence: 0.9, TimestampMs: 1000})
	readJSON(t, conn) // transcript
	readJSON(t, conn) // final_transcript

	conn.Close()
	waitFor(t, func() bool { return len(e.sessions.closedIDs()) == 1 })

	e.analyzer.mu.Lock()
	if e.analyzer.calls != 1 || len(e.analyzer.entries) != 1 {
		e.analyzer.mu.Unlock()
		t.Fatalf("analyzer calls=%d entries=%d", e.analyzer.calls, len(e.analyzer.entries))
	}
	e.analyzer.mu.Unlock()

	e.detector.mu.Lock()
	defer e.detector.mu.Unlock()
	if e.detector.calls != 1 {
		t.Fatalf("detector calls = %d, want 1", e.detector.calls)
	}
	if e.detector.meetingID != "meet-1" || e.detector.teamID != "team-1" || e.detector.orgID != "org-1" {
		t.Fatalf("detection scope wrong: %s/%s/%s", e.detector.meetingID, e.detector.teamID, e.detector.orgID)
	}
	if len(e.buffers.Full("meet-1")) != 0 {
		t.Fatal("buffer must be cleared after drain")
	}
}

func TestMeetingDrainSurvivesAnalysisFailure(t *testing.T) {
	e := newEnv(t)
	e.analyzer.err = errors.New("model overloaded")

	conn := dialWS(t, e.wsURL("/ws/meeting?token=good-token&meeting_id=meet-1"))
	waitFor(t, func() bool {
		e.sessions.mu.Lock()
		defer e.sessions.mu.Unlock()
		return e.sessions.callback != nil
	})
	e.sessions.dispatch(stt.Result{Text: "hello", IsFinal: true, TimestampMs: 1000})
	readJSON(t, conn)
	readJSON(t, conn)

	conn.Close()
	waitFor(t, func() bool { return len(e.sessions.closedIDs()) == 1 })

	e.detector.mu.Lock()
	defer e.detector.mu.Unlock()
	if e.detector.calls != 0 {
		t.Fatal("failed analysis must not emit detections")
	}
	if len(e.buffers.Full("meet-1")) != 0 {
		t.Fatal("cleanup must run despite analysis failure")
	}
}

func TestNotificationsDeliversHubEvents(t *testing.T) {
	e := newEnv(t)
	conn := dialWS(t, e.wsURL("/ws/notifications?token=good-token"))

	waitFor(t, func() bool {
		e.hub.Emit("user-1", "TASK_DETECTED", map[string]string{"pendingId": "p-1"})
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		var frame map[string]interface{}
		if err := conn.ReadJSON(&frame); err != nil {
			return false
		}
		return frame["event"] == "TASK_DETECTED"
	})
}
