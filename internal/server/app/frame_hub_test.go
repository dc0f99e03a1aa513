package app

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"fable/pkg/types/stream"
)

func receiveFrame(t *testing.T, ch <-chan stream.Frame) stream.Frame {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestHubDeliversToSubscriber(t *testing.T) {
	hub := NewFrameHub()
	ch, unsubscribe := hub.Subscribe("s1")
	defer unsubscribe()

	hub.Publish("s1", stream.NewTextDelta("blk-1", "hello"))

	frame := receiveFrame(t, ch)
	delta, ok := frame.(*stream.TextDeltaFrame)
	if !ok || delta.Delta != "hello" {
		t.Fatalf("got %#v", frame)
	}
}

func TestHubHistoryReplay(t *testing.T) {
	hub := NewFrameHub()
	hub.Publish("s1", stream.NewMessageStart("msg-1"))
	hub.Publish("s1", stream.NewTextStart("blk-1"))
	hub.Publish("s1", stream.NewTextDelta("blk-1", "hi"))

	history := hub.History("s1")
	if len(history) != 3 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[0].FrameType() != stream.FrameTypeMessageStart {
		t.Errorf("first frame = %s", history[0].FrameType())
	}

	// snapshot is detached from later publishes
	hub.Publish("s1", stream.NewTextEnd("blk-1"))
	if len(history) != 3 {
		t.Error("history snapshot grew after publish")
	}
}

func TestHubHistoryBounded(t *testing.T) {
	hub := NewFrameHub(WithHistoryLimit(5))
	for i := 0; i < 12; i++ {
		hub.Publish("s1", stream.NewTextDelta("blk-1", fmt.Sprintf("d%d", i)))
	}
	history := hub.History("s1")
	if len(history) != 5 {
		t.Fatalf("history length = %d, want 5", len(history))
	}
	if got := history[0].(*stream.TextDeltaFrame).Delta; got != "d7" {
		t.Errorf("oldest retained = %s, want d7", got)
	}
}

func TestHubNonBlockingDropOnFullSubscriber(t *testing.T) {
	hub := NewFrameHub(WithSubscriberBuffer(2))
	ch, unsubscribe := hub.Subscribe("s1")
	defer unsubscribe()

	// publish more deltas than the buffer holds without draining; Publish
	// must return regardless
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Publish("s1", stream.NewTextDelta("blk-1", "x"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	if len(ch) != 2 {
		t.Errorf("buffered frames = %d, want 2", len(ch))
	}
}

func TestHubTerminalFrameSurvivesFullBuffer(t *testing.T) {
	hub := NewFrameHub(WithSubscriberBuffer(2))
	ch, unsubscribe := hub.Subscribe("s1")
	defer unsubscribe()

	hub.Publish("s1", stream.NewTextDelta("blk-1", "a"))
	hub.Publish("s1", stream.NewTextDelta("blk-1", "b"))
	// buffer now full; the terminal frame must displace a delta
	hub.Publish("s1", stream.NewFinishMessage(stream.FinishReasonStop, nil))

	var sawTerminal bool
	for i := 0; i < 2; i++ {
		if stream.IsTerminal(receiveFrame(t, ch)) {
			sawTerminal = true
		}
	}
	if !sawTerminal {
		t.Fatal("terminal frame lost on saturated subscriber")
	}
}

func TestHubUnsubscribePrunesSession(t *testing.T) {
	hub := NewFrameHub()
	_, unsubscribe := hub.Subscribe("s1")
	if hub.SubscriberCount("s1") != 1 {
		t.Fatalf("count = %d", hub.SubscriberCount("s1"))
	}
	unsubscribe()
	unsubscribe() // idempotent
	if hub.SubscriberCount("s1") != 0 {
		t.Fatalf("count after unsubscribe = %d", hub.SubscriberCount("s1"))
	}
	// publishing to a session with no subscribers only extends history
	hub.Publish("s1", stream.NewTextDelta("blk-1", "x"))
}

func TestHubForgetClearsHistory(t *testing.T) {
	hub := NewFrameHub()
	hub.Publish("s1", stream.NewTextDelta("blk-1", "x"))
	hub.Forget("s1")
	if got := len(hub.History("s1")); got != 0 {
		t.Fatalf("history after forget = %d", got)
	}
}

func TestHubSubscribeWithReplay(t *testing.T) {
	hub := NewFrameHub()
	hub.Publish("s1", stream.NewMessageStart("msg-1"))
	hub.Publish("s1", stream.NewTextStart("blk-1"))

	replay, ch, unsubscribe := hub.SubscribeWithReplay("s1")
	defer unsubscribe()

	if len(replay) != 2 {
		t.Fatalf("replay length = %d", len(replay))
	}
	if replay[0].FrameType() != stream.FrameTypeMessageStart {
		t.Errorf("first replay frame = %s", replay[0].FrameType())
	}

	// frames published after registration arrive on the channel only
	hub.Publish("s1", stream.NewTextDelta("blk-1", "live"))
	frame := receiveFrame(t, ch)
	if frame.FrameType() != stream.FrameTypeTextDelta {
		t.Fatalf("live frame = %s", frame.FrameType())
	}
	if len(replay) != 2 {
		t.Error("replay snapshot grew after publish")
	}
}

// Unsubscribing while frames are in flight must never panic: the closed
// channel and the broadcast have to stay mutually exclusive even when the
// subscriber buffer is saturated and a terminal frame forces the retry path.
func TestHubPublishConcurrentWithUnsubscribe(t *testing.T) {
	hub := NewFrameHub(WithSubscriberBuffer(1))
	const turns = 200

	for i := 0; i < turns; i++ {
		sessionID := fmt.Sprintf("s%d", i)

		var unsubs []func()
		for j := 0; j < 4; j++ {
			_, unsubscribe := hub.Subscribe(sessionID)
			unsubs = append(unsubs, unsubscribe)
		}
		// saturate every subscriber so publishes hit the drop/retry paths
		hub.Publish(sessionID, stream.NewTextDelta("blk-1", "fill"))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Publish(sessionID, stream.NewTextDelta("blk-1", "x"))
			hub.Publish(sessionID, stream.NewFinishMessage(stream.FinishReasonStop, nil))
		}()
		for _, unsubscribe := range unsubs {
			wg.Add(1)
			go func(unsubscribe func()) {
				defer wg.Done()
				unsubscribe()
			}(unsubscribe)
		}
		wg.Wait()

		if hub.SubscriberCount(sessionID) != 0 {
			t.Fatalf("subscribers left on %s", sessionID)
		}
	}
}
