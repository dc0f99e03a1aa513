package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fable/internal/config"
	"fable/internal/runtime"
	"fable/internal/server/app"
	"fable/internal/session"
	"fable/internal/timeline"
)

// fakeRuntime serves a canned SSE body per OpenTurn call.
type fakeRuntime struct {
	body    string
	openErr error
	blockCh chan struct{} // when set, the body blocks until closed
}

func (f *fakeRuntime) OpenTurn(ctx context.Context, _ runtime.TurnRequest) (*runtime.EventStream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	var r io.Reader = strings.NewReader(f.body)
	if f.blockCh != nil {
		r = io.MultiReader(strings.NewReader(f.body), &blockingReader{ctx: ctx, ch: f.blockCh})
	}
	return runtime.NewEventStream(io.NopCloser(r), nil), nil
}

type blockingReader struct {
	ctx context.Context
	ch  chan struct{}
}

func (b *blockingReader) Read([]byte) (int, error) {
	select {
	case <-b.ch:
		return 0, io.EOF
	case <-b.ctx.Done():
		return 0, b.ctx.Err()
	}
}

func turnBody(payloads ...string) string {
	var sb strings.Builder
	for _, p := range payloads {
		fmt.Fprintf(&sb, "data: %s\n\n", p)
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func simpleTurn() string {
	return turnBody(
		`{"event":"on_chat_model_stream","run_id":"r1","data":{"chunk":{"content":"Once upon a time"}}}`,
		`{"event":"on_custom_event","name":"outline","data":{"artifact_id":"a1","title":"v1"}}`,
		`{"event":"on_chat_model_stream","run_id":"r1","data":{"chunk":{"content":"","last":true}}}`,
	)
}

type testEnv struct {
	server      *Server
	store       session.Store
	coordinator *app.Coordinator
}

func newTestEnv(t *testing.T, rt app.RuntimeOpener) *testEnv {
	t.Helper()

	store := session.NewMemoryStore()
	hub := app.NewFrameHub()
	coordinator := app.NewCoordinator(store, hub, rt)
	cache, err := timeline.NewCache(8)
	require.NoError(t, err)
	timelines := app.NewTimelineService(store, cache, nil, nil)

	cfg := config.Default()
	cfg.Stream.HeartbeatSeconds = 1
	srv := NewServer(cfg, Deps{
		Store:       store,
		Hub:         hub,
		Coordinator: coordinator,
		Timelines:   timelines,
		Version:     VersionInfo{Version: "test"},
	})
	return &testEnv{server: srv, store: store, coordinator: coordinator}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) (bool, map[string]any, string) {
	t.Helper()
	var envelope struct {
		Success bool           `json:"success"`
		Data    map[string]any `json:"data"`
		Error   string         `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	return envelope.Success, envelope.Data, envelope.Error
}

func (e *testEnv) createSession(t *testing.T, title string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/sessions", map[string]string{"title": title})
	require.Equal(t, http.StatusCreated, rec.Code)
	success, data, _ := decodeEnvelope(t, rec)
	require.True(t, success)
	id, _ := data["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, &fakeRuntime{})
	id := env.createSession(t, "my story")

	rec := env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	success, data, _ := decodeEnvelope(t, rec)
	assert.True(t, success)
	assert.Equal(t, "my story", data["title"])

	rec = env.do(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	_, data, _ = decodeEnvelope(t, rec)
	sessions, ok := data["sessions"].([]any)
	require.True(t, ok)
	assert.Len(t, sessions, 1)

	rec = env.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	success, _, errMsg := decodeEnvelope(t, rec)
	assert.False(t, success)
	assert.Contains(t, errMsg, "not found")
}

func TestGetSessionNotFound(t *testing.T) {
	env := newTestEnv(t, &fakeRuntime{})
	rec := env.do(t, http.MethodGet, "/api/sessions/sess-missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessageStreamsFrames(t *testing.T) {
	env := newTestEnv(t, &fakeRuntime{body: simpleTurn()})
	id := env.createSession(t, "")

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]string{"content": "write a story"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Run-Id"))

	lines := nonEmptyLines(rec.Body.String())
	require.NotEmpty(t, lines)

	var types []string
	for _, line := range lines {
		var frame map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &frame), "line %q", line)
		types = append(types, frame["type"].(string))
	}
	assert.Equal(t, "message-start", types[0])
	assert.Equal(t, "finish-message", types[len(types)-1])
	assert.Contains(t, types, "text-delta")
	assert.Contains(t, types, "data-outline")
}

func TestSendMessageLegacyProtocol(t *testing.T) {
	env := newTestEnv(t, &fakeRuntime{body: simpleTurn()})
	id := env.createSession(t, "")

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages?protocol=legacy", map[string]string{"content": "go"})
	require.Equal(t, http.StatusOK, rec.Code)

	lines := nonEmptyLines(rec.Body.String())
	require.NotEmpty(t, lines)
	// boundary frames are elided on the legacy wire
	assert.True(t, strings.HasPrefix(lines[0], "0:"), "first line %q", lines[0])
	var prefixes []string
	for _, line := range lines {
		prefixes = append(prefixes, strings.SplitN(line, ":", 2)[0])
	}
	assert.Contains(t, prefixes, "2")
	assert.Equal(t, "d", prefixes[len(prefixes)-1])
}

func TestSendMessageValidation(t *testing.T) {
	env := newTestEnv(t, &fakeRuntime{body: simpleTurn()})
	id := env.createSession(t, "")

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/sessions/sess-missing/messages", map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessageConflictsWithActiveTurn(t *testing.T) {
	blockCh := make(chan struct{})
	env := newTestEnv(t, &fakeRuntime{blockCh: blockCh})
	id := env.createSession(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	turn, err := env.coordinator.StartTurn(ctx, id, "first", nil)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", map[string]string{"content": "second"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(blockCh)
	require.NoError(t, turn.Wait())
}

func TestTimelineEndpoint(t *testing.T) {
	env := newTestEnv(t, &fakeRuntime{body: simpleTurn()})
	id := env.createSession(t, "")

	turn, err := env.coordinator.StartTurn(context.Background(), id, "write", nil)
	require.NoError(t, err)
	require.NoError(t, turn.Wait())

	rec := env.do(t, http.MethodGet, "/api/sessions/"+id+"/timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var envelope struct {
		Success bool `json:"success"`
		Data    struct {
			Items    []map[string]any `json:"items"`
			Revision uint64           `json:"revision"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.True(t, envelope.Success)
	assert.NotZero(t, envelope.Data.Revision)

	var kinds []string
	for _, item := range envelope.Data.Items {
		kinds = append(kinds, item["kind"].(string))
	}
	assert.Equal(t, []string{"message", "message", "slide_outline"}, kinds)
}

func TestSSEAttachReplaysHistory(t *testing.T) {
	env := newTestEnv(t, &fakeRuntime{body: simpleTurn()})
	id := env.createSession(t, "")

	turn, err := env.coordinator.StartTurn(context.Background(), id, "write", nil)
	require.NoError(t, err)
	require.NoError(t, turn.Wait())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/"+id+"/stream", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `data: {"type":"message-start"`)
	assert.Contains(t, body, `"type":"finish-message"`)
}

func TestWebSocketMirrorsFrames(t *testing.T) {
	env := newTestEnv(t, &fakeRuntime{body: simpleTurn()})
	id := env.createSession(t, "")

	turn, err := env.coordinator.StartTurn(context.Background(), id, "write", nil)
	require.NoError(t, err)
	require.NoError(t, turn.Wait())

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/" + id
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var types []string
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		types = append(types, frame["type"].(string))
		if frame["type"] == "finish-message" {
			break
		}
	}
	assert.Equal(t, "message-start", types[0])
	assert.Contains(t, types, "data-outline")
}

func TestHealthAndVersion(t *testing.T) {
	env := newTestEnv(t, &fakeRuntime{})
	env.createSession(t, "")

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	success, data, _ := decodeEnvelope(t, rec)
	assert.True(t, success)
	assert.Equal(t, "ok", data["status"])
	assert.Equal(t, float64(1), data["sessions"])

	rec = env.do(t, http.MethodGet, "/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	_, data, _ = decodeEnvelope(t, rec)
	assert.Equal(t, "test", data["version"])
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
