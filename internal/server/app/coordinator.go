package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fable/internal/logging"
	"fable/internal/observability"
	"fable/internal/runtime"
	"fable/internal/session"
	"fable/internal/transcode"
	"fable/internal/utils/id"
	"fable/pkg/types/stream"
)

// RuntimeOpener opens upstream turn streams. Satisfied by *runtime.Client;
// tests substitute a fake serving captured envelopes.
type RuntimeOpener interface {
	OpenTurn(ctx context.Context, req runtime.TurnRequest) (*runtime.EventStream, error)
}

// Coordinator drives turns end to end: append the user message, open the
// upstream stream, pump envelopes through a per-turn transcoder, and fan the
// resulting frames out to the hub and the recorder. One turn per session.
type Coordinator struct {
	store  session.Store
	hub    *FrameHub
	client RuntimeOpener

	mu     sync.Mutex
	active map[string]struct{}

	logger  logging.Logger
	metrics *observability.MetricsCollector
	tracer  *observability.TracerProvider
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the coordinator's logger.
func WithCoordinatorLogger(logger logging.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logging.OrNop(logger)
	}
}

// WithCoordinatorMetrics attaches the metrics collector; nil is allowed.
func WithCoordinatorMetrics(metrics *observability.MetricsCollector) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = metrics
	}
}

// WithCoordinatorTracer attaches the tracer provider; nil is allowed.
func WithCoordinatorTracer(tracer *observability.TracerProvider) CoordinatorOption {
	return func(c *Coordinator) {
		c.tracer = tracer
	}
}

// NewCoordinator wires the coordinator to its store, hub, and runtime client.
func NewCoordinator(store session.Store, hub *FrameHub, client RuntimeOpener, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:  store,
		hub:    hub,
		client: client,
		active: make(map[string]struct{}),
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Turn describes one started turn.
type Turn struct {
	SessionID string
	RunID     string
	MessageID string

	group *errgroup.Group
}

// Wait blocks until the turn's pump goroutine finishes.
func (t *Turn) Wait() error {
	return t.group.Wait()
}

// StartTurn appends the user message, opens the upstream stream, and launches
// the pump goroutine. It returns once the turn is running; frames reach
// subscribers through the hub. Cancelling ctx abandons the turn: the pump
// stops reading upstream and the terminal frame still lands in hub history.
func (c *Coordinator) StartTurn(ctx context.Context, sessionID, input string, attachments []runtime.Attachment) (*Turn, error) {
	if !c.claim(sessionID) {
		return nil, ErrTurnActive
	}

	turn, err := c.startLocked(ctx, sessionID, input, attachments)
	if err != nil {
		c.release(sessionID)
		return nil, err
	}
	return turn, nil
}

func (c *Coordinator) startLocked(ctx context.Context, sessionID, input string, attachments []runtime.Attachment) (*Turn, error) {
	sess, err := c.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	userMessage := stream.UIMessage{
		ID:   id.NewMessageID(),
		Role: stream.RoleUser,
	}
	if input != "" {
		userMessage.Parts = append(userMessage.Parts, stream.TextPart(input))
	}
	for _, att := range attachments {
		userMessage.Parts = append(userMessage.Parts, stream.FilePart(att.URL, att.Filename, att.MediaType))
	}
	sess.Messages = append(sess.Messages, userMessage)
	sess.Revision++
	if sess.Title == "" && input != "" {
		sess.Title = truncateTitle(input)
	}
	if err := c.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}

	runID := id.NewRunID()
	messageID := id.NewMessageID()
	ctx = id.WithIDs(ctx, id.IDs{SessionID: sessionID, RunID: runID})

	transcoder := transcode.New(messageID, transcode.WithLogger(c.logger))
	recorder := NewTurnRecorder(sess, c.logger)

	events, err := c.client.OpenTurn(ctx, runtime.TurnRequest{
		SessionID:   sessionID,
		RunID:       runID,
		Input:       input,
		Attachments: attachments,
	})
	if err != nil {
		// connection failure still yields a well-formed terminal stream
		c.emit(ctx, sess, recorder, transcoder.Start())
		c.emit(ctx, sess, recorder, transcoder.Finish(err))
		c.release(sessionID)
		c.metrics.RecordTurn(0, "connect-error")
		return nil, fmt.Errorf("open upstream turn: %w", err)
	}

	group, ctx := errgroup.WithContext(ctx)
	turn := &Turn{SessionID: sessionID, RunID: runID, MessageID: messageID, group: group}
	group.Go(func() error {
		defer c.release(sessionID)
		defer events.Close()
		return c.pump(ctx, sess, events, transcoder, recorder)
	})
	return turn, nil
}

// pump is the streaming read loop: one envelope in, zero or more frames out.
// All state-machine work between reads is synchronous.
func (c *Coordinator) pump(ctx context.Context, sess *session.Session, events *runtime.EventStream, transcoder *transcode.Transcoder, recorder *TurnRecorder) error {
	start := time.Now()
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanTurnPump)
	defer span.End()

	c.emit(ctx, sess, recorder, transcoder.Start())

	var cause error
	for {
		if err := ctx.Err(); err != nil {
			cause = fmt.Errorf("turn abandoned: %w", err)
			break
		}
		env, err := events.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			cause = err
			break
		}
		c.metrics.RecordEnvelope(env.Event)
		c.emit(ctx, sess, recorder, transcoder.Consume(env))
	}

	c.emit(ctx, sess, recorder, transcoder.Finish(cause))
	c.metrics.RecordDroppedLines(events.Dropped())

	outcome := "stop"
	if cause != nil {
		outcome = "error"
		c.logger.Warn("turn %s ended abnormally: %v", sess.ID, cause)
	}
	c.metrics.RecordTurn(time.Since(start), outcome)

	stats := transcoder.Stats()
	if stats.FilteredChunks > 0 || stats.MalformedChunks > 0 || stats.UnknownEvents > 0 {
		c.logger.Debug("turn %s suppressed: filtered=%d malformed=%d unknown=%d",
			sess.ID, stats.FilteredChunks, stats.MalformedChunks, stats.UnknownEvents)
	}
	return cause
}

// emit applies frames to the recorder, persists the session, and publishes to
// the hub, in that order, so a timeline read triggered by a delivered frame
// already sees the frame recorded.
func (c *Coordinator) emit(ctx context.Context, sess *session.Session, recorder *TurnRecorder, frames []stream.Frame) {
	if len(frames) == 0 {
		return
	}
	for _, frame := range frames {
		recorder.Apply(frame)
	}
	if err := c.store.Save(ctx, sess); err != nil {
		c.logger.Error("persist session %s: %v", sess.ID, err)
	}
	for _, frame := range frames {
		c.hub.Publish(sess.ID, frame)
	}
}

func (c *Coordinator) claim(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.active[sessionID]; busy {
		return false
	}
	c.active[sessionID] = struct{}{}
	return true
}

func (c *Coordinator) release(sessionID string) {
	c.mu.Lock()
	delete(c.active, sessionID)
	c.mu.Unlock()
}

// TurnActive reports whether a session has a running turn.
func (c *Coordinator) TurnActive(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, busy := c.active[sessionID]
	return busy
}

const maxTitleLength = 60

func truncateTitle(input string) string {
	runes := []rune(input)
	if len(runes) <= maxTitleLength {
		return input
	}
	return string(runes[:maxTitleLength]) + "…"
}
