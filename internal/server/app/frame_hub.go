package app

import (
	"sync"

	"fable/internal/logging"
	"fable/internal/observability"
	"fable/pkg/types/stream"
)

const (
	defaultSubscriberBuffer = 256
	defaultHistoryLimit     = 1000

	// delta drops are logged once per batch to keep a saturated subscriber
	// from flooding the log
	dropLogBatch = 50
)

// FrameHub fans frames out to a session's subscribers and keeps a bounded
// per-session history for replay-then-live attachment. Broadcast never
// blocks: a full subscriber loses intermediate deltas, but terminal frames
// get one drop-oldest retry so every subscriber observes stream end.
type FrameHub struct {
	mu          sync.RWMutex
	subscribers map[string][]chan stream.Frame
	history     map[string][]stream.Frame

	dropMu       sync.Mutex
	dropCounters map[string]int

	historyLimit     int
	subscriberBuffer int

	logger  logging.Logger
	metrics *observability.MetricsCollector
}

// HubOption configures a FrameHub.
type HubOption func(*FrameHub)

// WithHistoryLimit bounds the per-session replay history.
func WithHistoryLimit(limit int) HubOption {
	return func(h *FrameHub) {
		if limit > 0 {
			h.historyLimit = limit
		}
	}
}

// WithSubscriberBuffer sets the channel capacity handed to subscribers.
func WithSubscriberBuffer(size int) HubOption {
	return func(h *FrameHub) {
		if size > 0 {
			h.subscriberBuffer = size
		}
	}
}

// WithHubLogger sets the hub's logger.
func WithHubLogger(logger logging.Logger) HubOption {
	return func(h *FrameHub) {
		h.logger = logging.OrNop(logger)
	}
}

// WithHubMetrics attaches the metrics collector; nil is allowed.
func WithHubMetrics(metrics *observability.MetricsCollector) HubOption {
	return func(h *FrameHub) {
		h.metrics = metrics
	}
}

// NewFrameHub builds an empty hub.
func NewFrameHub(opts ...HubOption) *FrameHub {
	h := &FrameHub{
		subscribers:      make(map[string][]chan stream.Frame),
		history:          make(map[string][]stream.Frame),
		dropCounters:     make(map[string]int),
		historyLimit:     defaultHistoryLimit,
		subscriberBuffer: defaultSubscriberBuffer,
		logger:           logging.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new subscriber for the session and returns its frame
// channel plus an unsubscribe func. The channel is closed on unsubscribe;
// emptied session entries are pruned.
func (h *FrameHub) Subscribe(sessionID string) (<-chan stream.Frame, func()) {
	_, ch, unsubscribe := h.subscribe(sessionID, false)
	return ch, unsubscribe
}

// SubscribeWithReplay registers a subscriber and returns the history snapshot
// taken atomically with registration: frames published afterwards arrive on
// the channel only, so replay-then-live neither misses nor duplicates.
func (h *FrameHub) SubscribeWithReplay(sessionID string) ([]stream.Frame, <-chan stream.Frame, func()) {
	return h.subscribe(sessionID, true)
}

func (h *FrameHub) subscribe(sessionID string, withReplay bool) ([]stream.Frame, <-chan stream.Frame, func()) {
	ch := make(chan stream.Frame, h.subscriberBuffer)

	h.mu.Lock()
	var replay []stream.Frame
	if withReplay {
		replay = append([]stream.Frame(nil), h.history[sessionID]...)
	}
	h.subscribers[sessionID] = append(h.subscribers[sessionID], ch)
	count := len(h.subscribers[sessionID])
	h.mu.Unlock()

	h.logger.Debug("subscriber attached: session=%s subscribers=%d", sessionID, count)
	h.metrics.StreamOpened()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			chans := h.subscribers[sessionID]
			for i, c := range chans {
				if c == ch {
					h.subscribers[sessionID] = append(chans[:i], chans[i+1:]...)
					break
				}
			}
			if len(h.subscribers[sessionID]) == 0 {
				delete(h.subscribers, sessionID)
			}
			// close under the lock: Publish sends under the same lock,
			// so a send can never race the close
			close(ch)
			h.mu.Unlock()
			h.metrics.StreamClosed()
		})
	}
	return replay, ch, unsubscribe
}

// Publish appends the frame to the session's history and broadcasts it to
// every subscriber without blocking.
func (h *FrameHub) Publish(sessionID string, frame stream.Frame) {
	if frame == nil {
		return
	}
	terminal := stream.IsTerminal(frame)

	h.mu.Lock()
	entries := append(h.history[sessionID], frame)
	if overflow := len(entries) - h.historyLimit; overflow > 0 {
		entries = append([]stream.Frame(nil), entries[overflow:]...)
	}
	h.history[sessionID] = entries

	// send while still holding the lock: unsubscribe closes its channel under
	// the same lock, so close and send are mutually exclusive. Sends never
	// block, so the lock is held only for the non-blocking select per channel.
	var dropped, recovered int
	for _, ch := range h.subscribers[sessionID] {
		select {
		case ch <- frame:
		default:
			if terminal && h.retryTerminal(ch, frame) {
				recovered++
				continue
			}
			dropped++
		}
	}
	h.mu.Unlock()

	h.metrics.RecordFrame(frame.FrameType())
	if recovered > 0 {
		h.logger.Warn("subscriber buffer full for session %s; dropped oldest frame to deliver %s",
			sessionID, frame.FrameType())
	}
	for i := 0; i < dropped; i++ {
		h.recordDrop(sessionID, frame)
	}
}

// retryTerminal makes room for a terminal frame on a saturated subscriber:
// retry once in case the consumer drained, then drop the oldest buffered
// frame and retry again.
func (h *FrameHub) retryTerminal(ch chan stream.Frame, frame stream.Frame) bool {
	select {
	case ch <- frame:
		return true
	default:
	}
	select {
	case <-ch:
	default:
		return false
	}
	select {
	case ch <- frame:
		return true
	default:
		return false
	}
}

func (h *FrameHub) recordDrop(sessionID string, frame stream.Frame) {
	h.metrics.RecordDroppedFrame()

	h.dropMu.Lock()
	h.dropCounters[sessionID]++
	count := h.dropCounters[sessionID]
	h.dropMu.Unlock()

	if count%dropLogBatch == 1 {
		h.logger.Warn("subscriber buffer full for session %s, dropping %s (%d drops so far)",
			sessionID, frame.FrameType(), count)
	}
}

// History returns a snapshot copy of the session's replay history.
func (h *FrameHub) History(sessionID string) []stream.Frame {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]stream.Frame(nil), h.history[sessionID]...)
}

// Forget drops a session's history, subscribers stay attached. Called on
// session delete.
func (h *FrameHub) Forget(sessionID string) {
	h.mu.Lock()
	delete(h.history, sessionID)
	h.mu.Unlock()

	h.dropMu.Lock()
	delete(h.dropCounters, sessionID)
	h.dropMu.Unlock()
}

// SubscriberCount reports how many subscribers a session currently has.
func (h *FrameHub) SubscriberCount(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[sessionID])
}
