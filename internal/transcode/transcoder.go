// Package transcode converts the upstream envelope stream into the canonical
// downstream frame stream: block open/close tracking for text and reasoning
// content, suppression of internal node chatter, and mapping of business
// events onto typed data frames.
package transcode

import (
	"strings"

	"fable/internal/logging"
	"fable/internal/runtime"
	tokenutil "fable/internal/token"
	"fable/internal/utils/id"
	"fable/pkg/types/stream"
)

// Stats counts what one transcoder instance suppressed or skipped.
type Stats struct {
	FilteredChunks  int
	MalformedChunks int
	UnknownEvents   int
}

// Transcoder holds the open-block state for one stream connection. It is not
// safe for concurrent use; one instance belongs to exactly one turn.
type Transcoder struct {
	messageID       string
	activeRunID     string
	openTextID      string
	openReasoningID string

	started  bool
	finished bool

	emitted strings.Builder
	stats   Stats

	newBlockID func() string
	logger     logging.Logger
}

// Option configures a Transcoder.
type Option func(*Transcoder)

// WithLogger sets the logger used for skip/drop diagnostics.
func WithLogger(logger logging.Logger) Option {
	return func(t *Transcoder) {
		t.logger = logging.OrNop(logger)
	}
}

// WithBlockIDFunc overrides block id generation, mainly for deterministic
// tests.
func WithBlockIDFunc(fn func() string) Option {
	return func(t *Transcoder) {
		t.newBlockID = fn
	}
}

// New creates a transcoder for one turn. messageID is the assistant message
// the turn will produce.
func New(messageID string, opts ...Option) *Transcoder {
	t := &Transcoder{
		messageID:  messageID,
		newBlockID: id.NewBlockID,
		logger:     logging.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start emits the message-start frame. Calling it again returns nil.
func (t *Transcoder) Start() []stream.Frame {
	if t.started || t.finished {
		return nil
	}
	t.started = true
	return []stream.Frame{stream.NewMessageStart(t.messageID)}
}

// Consume processes one upstream envelope and returns the frames it yields,
// possibly none. Unrecognized event types produce nothing.
func (t *Transcoder) Consume(env runtime.Envelope) []stream.Frame {
	if t.finished {
		return nil
	}
	switch env.Event {
	case runtime.EventCustomEvent:
		return t.consumeCustomEvent(env)
	case runtime.EventChatModelStream:
		return t.consumeModelChunk(env)
	default:
		return nil
	}
}

func (t *Transcoder) consumeModelChunk(env runtime.Envelope) []stream.Frame {
	if isInternalNode(env.Metadata) {
		t.stats.FilteredChunks++
		return nil
	}

	chunk, err := runtime.ParseModelChunk(env)
	if err != nil {
		t.stats.MalformedChunks++
		t.logger.Debug("dropping malformed model chunk: %v", err)
		return nil
	}

	var frames []stream.Frame

	// A new run while blocks are open means the previous producer went away
	// without a terminal marker; close its blocks before streaming the new
	// run's content.
	if env.RunID != "" && env.RunID != t.activeRunID {
		if t.activeRunID != "" {
			frames = t.closeOpenBlocks(frames)
		}
		t.activeRunID = env.RunID
	}

	for _, part := range chunk.Parts() {
		if part.Text == "" {
			continue
		}
		frames = t.appendPart(part, frames)
	}

	if chunk.Last {
		frames = t.closeOpenBlocks(frames)
	}
	return frames
}

func (t *Transcoder) appendPart(part runtime.ContentPart, frames []stream.Frame) []stream.Frame {
	switch part.Kind {
	case runtime.PartReasoning:
		if t.openReasoningID == "" {
			if t.openTextID != "" {
				frames = append(frames, stream.NewTextEnd(t.openTextID))
				t.openTextID = ""
			}
			t.openReasoningID = t.newBlockID()
			frames = append(frames, stream.NewReasoningStart(t.openReasoningID))
		}
		frames = append(frames, stream.NewReasoningDelta(t.openReasoningID, part.Text))
	default:
		if t.openTextID == "" {
			if t.openReasoningID != "" {
				frames = append(frames, stream.NewReasoningEnd(t.openReasoningID))
				t.openReasoningID = ""
			}
			t.openTextID = t.newBlockID()
			frames = append(frames, stream.NewTextStart(t.openTextID))
		}
		frames = append(frames, stream.NewTextDelta(t.openTextID, part.Text))
	}
	t.emitted.WriteString(part.Text)
	return frames
}

func (t *Transcoder) consumeCustomEvent(env runtime.Envelope) []stream.Frame {
	frameName, ok := frameNameFor(env.Name)
	if !ok {
		t.stats.UnknownEvents++
		t.logger.Debug("ignoring unknown custom event %q", env.Name)
		return nil
	}
	payload := decodePayload(env.Data)
	return []stream.Frame{stream.NewDataFrame(frameName, payload)}
}

// Finish closes any open block and appends the terminal frame: finish-message
// on clean termination, error otherwise. It is idempotent; every terminal
// path leaves zero open blocks.
func (t *Transcoder) Finish(cause error) []stream.Frame {
	if t.finished {
		return nil
	}
	t.finished = true

	frames := t.closeOpenBlocks(nil)
	if cause != nil {
		frames = append(frames, stream.NewErrorFrame(cause.Error()))
		return frames
	}
	return append(frames, stream.NewFinishMessage(stream.FinishReasonStop, t.usage()))
}

func (t *Transcoder) closeOpenBlocks(frames []stream.Frame) []stream.Frame {
	if t.openTextID != "" {
		frames = append(frames, stream.NewTextEnd(t.openTextID))
		t.openTextID = ""
	}
	if t.openReasoningID != "" {
		frames = append(frames, stream.NewReasoningEnd(t.openReasoningID))
		t.openReasoningID = ""
	}
	return frames
}

func (t *Transcoder) usage() *stream.Usage {
	if t.emitted.Len() == 0 {
		return nil
	}
	completion := tokenutil.CountTokens(t.emitted.String())
	return &stream.Usage{
		CompletionTokens: completion,
		TotalTokens:      completion,
	}
}

// Stats returns the suppression counters accumulated so far.
func (t *Transcoder) Stats() Stats {
	return t.stats
}
