package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"fable/internal/runtime"
	"fable/internal/session"
	"fable/pkg/types/stream"
)

// fakeRuntime serves a canned SSE body per OpenTurn call.
type fakeRuntime struct {
	body    string
	openErr error
	blockCh chan struct{} // when set, the body blocks until closed
}

func (f *fakeRuntime) OpenTurn(ctx context.Context, req runtime.TurnRequest) (*runtime.EventStream, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	var r io.Reader = strings.NewReader(f.body)
	if f.blockCh != nil {
		r = io.MultiReader(strings.NewReader(f.body), &blockingReader{ctx: ctx, ch: f.blockCh})
	}
	return runtime.NewEventStream(io.NopCloser(r), nil), nil
}

// blockingReader blocks until its channel closes or the context ends.
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

func sseLines(payloads ...string) string {
	var sb strings.Builder
	for _, p := range payloads {
		fmt.Fprintf(&sb, "data: %s\n\n", p)
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

func newTestCoordinator(t *testing.T, rt RuntimeOpener) (*Coordinator, session.Store, *FrameHub, string) {
	t.Helper()
	store := session.NewMemoryStore()
	hub := NewFrameHub()
	coordinator := NewCoordinator(store, hub, rt)

	sess, err := store.Create(context.Background(), "")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return coordinator, store, hub, sess.ID
}

func TestCoordinatorRunsTurnEndToEnd(t *testing.T) {
	body := sseLines(
		`{"event":"on_chat_model_stream","run_id":"r1","data":{"chunk":{"content":[{"type":"thinking","thinking":"plan"}]}}}`,
		`{"event":"on_chat_model_stream","run_id":"r1","data":{"chunk":{"content":"Once upon a time"}}}`,
		`{"event":"on_custom_event","name":"outline","data":{"artifact_id":"a1","title":"v1"}}`,
		`{"event":"on_chat_model_stream","run_id":"r1","data":{"chunk":{"content":"","last":true}}}`,
	)
	coordinator, store, hub, sessionID := newTestCoordinator(t, &fakeRuntime{body: body})

	ch, unsubscribe := hub.Subscribe(sessionID)
	defer unsubscribe()

	turn, err := coordinator.StartTurn(context.Background(), sessionID, "write a story", nil)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	if err := turn.Wait(); err != nil {
		t.Fatalf("turn: %v", err)
	}

	var types []string
	for {
		frame := receiveFrame(t, ch)
		types = append(types, frame.FrameType())
		if stream.IsTerminal(frame) {
			break
		}
	}
	want := []string{
		"message-start",
		"reasoning-start", "reasoning-delta",
		"reasoning-end", "text-start", "text-delta",
		"data-outline",
		"text-end",
		"finish-message",
	}
	if len(types) != len(want) {
		t.Fatalf("frame types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frame types = %v, want %v", types, want)
		}
	}

	sess, err := store.Get(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	// user message plus the assistant message the recorder materialized
	if len(sess.Messages) != 2 {
		t.Fatalf("messages = %d", len(sess.Messages))
	}
	if sess.Messages[0].Role != stream.RoleUser {
		t.Errorf("first message role = %s", sess.Messages[0].Role)
	}
	assistant := sess.Messages[1]
	if assistant.Role != stream.RoleAssistant || assistant.ID != turn.MessageID {
		t.Fatalf("assistant message = %+v", assistant)
	}
	if len(sess.DataEvents) != 1 || sess.DataEvents[0].Name != "outline" {
		t.Errorf("data events = %+v", sess.DataEvents)
	}
}

func TestCoordinatorRejectsConcurrentTurn(t *testing.T) {
	blockCh := make(chan struct{})
	rt := &fakeRuntime{body: "", blockCh: blockCh}
	coordinator, _, _, sessionID := newTestCoordinator(t, rt)

	turn, err := coordinator.StartTurn(context.Background(), sessionID, "first", nil)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}

	if _, err := coordinator.StartTurn(context.Background(), sessionID, "second", nil); !errors.Is(err, ErrTurnActive) {
		t.Fatalf("second turn err = %v, want ErrTurnActive", err)
	}

	close(blockCh)
	if err := turn.Wait(); err != nil {
		t.Fatalf("turn: %v", err)
	}

	// the slot frees once the pump finishes
	deadline := time.Now().Add(time.Second)
	for coordinator.TurnActive(sessionID) {
		if time.Now().After(deadline) {
			t.Fatal("turn slot never released")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCoordinatorConnectFailureEmitsErrorFrame(t *testing.T) {
	rt := &fakeRuntime{openErr: errors.New("connection refused")}
	coordinator, store, hub, sessionID := newTestCoordinator(t, rt)

	_, err := coordinator.StartTurn(context.Background(), sessionID, "hello", nil)
	if err == nil {
		t.Fatal("expected connect error")
	}

	history := hub.History(sessionID)
	if len(history) == 0 {
		t.Fatal("no frames in history after connect failure")
	}
	last := history[len(history)-1]
	errFrame, ok := last.(*stream.ErrorFrame)
	if !ok {
		t.Fatalf("last frame = %s, want error", last.FrameType())
	}
	if !strings.Contains(errFrame.Message, "connection refused") {
		t.Errorf("error message = %q", errFrame.Message)
	}

	// the slot is released so the session can retry
	if coordinator.TurnActive(sessionID) {
		t.Error("turn slot still held after connect failure")
	}

	sess, _ := store.Get(context.Background(), sessionID)
	assistant := sess.Messages[len(sess.Messages)-1]
	lastPart := assistant.Parts[len(assistant.Parts)-1]
	if lastPart.DataEventName() != "error" {
		t.Errorf("inline error indicator missing: %+v", assistant.Parts)
	}
}

func TestCoordinatorAbandonedTurnStillTerminates(t *testing.T) {
	blockCh := make(chan struct{})
	defer close(blockCh)
	body := "data: " + `{"event":"on_chat_model_stream","run_id":"r1","data":{"chunk":{"content":"partial"}}}` + "\n\n"
	rt := &fakeRuntime{body: body, blockCh: blockCh}
	coordinator, _, hub, sessionID := newTestCoordinator(t, rt)

	ctx, cancel := context.WithCancel(context.Background())
	turn, err := coordinator.StartTurn(ctx, sessionID, "hello", nil)
	if err != nil {
		t.Fatalf("start turn: %v", err)
	}
	cancel()
	if err := turn.Wait(); err == nil {
		t.Fatal("expected abandonment error")
	}

	history := hub.History(sessionID)
	last := history[len(history)-1]
	if !stream.IsTerminal(last) {
		t.Fatalf("last frame = %s, want terminal", last.FrameType())
	}
}

func TestCoordinatorUnknownSession(t *testing.T) {
	coordinator := NewCoordinator(session.NewMemoryStore(), NewFrameHub(), &fakeRuntime{})
	_, err := coordinator.StartTurn(context.Background(), "session-missing", "hi", nil)
	if !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("err = %v, want session.ErrNotFound", err)
	}
}
