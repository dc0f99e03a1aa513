package app

import (
	"fable/internal/logging"
	"fable/internal/session"
	"fable/pkg/types/stream"
)

// TurnRecorder folds one turn's live frame stream into the session: ordered
// message parts for text/reasoning blocks, inline data parts plus anchored
// auxiliary events for data frames. Every applied frame bumps the session
// revision, which is what invalidates the timeline memo. The recorder runs
// inside the coordinator's pump goroutine and never blocks.
type TurnRecorder struct {
	sess      *session.Session
	messageID string

	// block id -> index of its part in the in-progress message
	openParts   map[string]int
	sealed      map[string]struct{}
	staleDeltas int

	logger logging.Logger
}

// NewTurnRecorder builds a recorder writing into sess. The session is the
// coordinator's working copy; persisting it is the coordinator's job.
func NewTurnRecorder(sess *session.Session, logger logging.Logger) *TurnRecorder {
	return &TurnRecorder{
		sess:      sess,
		openParts: make(map[string]int),
		sealed:    make(map[string]struct{}),
		logger:    logging.OrNop(logger),
	}
}

// Apply records one frame. Frames that mutate nothing (unknown block ids,
// deltas for sealed parts) are counted and skipped.
func (r *TurnRecorder) Apply(frame stream.Frame) {
	switch fr := frame.(type) {
	case *stream.MessageStartFrame:
		r.startMessage(fr.MessageID)
	case *stream.TextStartFrame:
		r.openPart(stream.PartTypeText, fr.ID)
	case *stream.ReasoningStartFrame:
		r.openPart(stream.PartTypeReasoning, fr.ID)
	case *stream.TextDeltaFrame:
		r.appendDelta(fr.ID, fr.Delta)
	case *stream.ReasoningDeltaFrame:
		r.appendDelta(fr.ID, fr.Delta)
	case *stream.TextEndFrame:
		r.sealPart(fr.ID)
	case *stream.ReasoningEndFrame:
		r.sealPart(fr.ID)
	case *stream.DataFrame:
		r.recordData(fr)
	case *stream.FinishMessageFrame:
		r.sealMessage("")
	case *stream.ErrorFrame:
		r.sealMessage(fr.Message)
	default:
		return
	}
	r.sess.Revision++
}

func (r *TurnRecorder) startMessage(messageID string) {
	r.messageID = messageID
	r.sess.Messages = append(r.sess.Messages, stream.UIMessage{
		ID:   messageID,
		Role: stream.RoleAssistant,
	})
}

// current returns the in-progress assistant message, or nil when no
// message-start was seen.
func (r *TurnRecorder) current() *stream.UIMessage {
	if r.messageID == "" || len(r.sess.Messages) == 0 {
		return nil
	}
	msg := &r.sess.Messages[len(r.sess.Messages)-1]
	if msg.ID != r.messageID {
		return nil
	}
	return msg
}

func (r *TurnRecorder) openPart(partType, blockID string) {
	msg := r.current()
	if msg == nil {
		r.logger.Warn("block %s opened before message-start, ignoring", blockID)
		return
	}
	msg.Parts = append(msg.Parts, stream.MessagePart{
		Type:  partType,
		ID:    blockID,
		State: stream.PartStateStreaming,
	})
	r.openParts[blockID] = len(msg.Parts) - 1
}

func (r *TurnRecorder) appendDelta(blockID, delta string) {
	msg := r.current()
	if msg == nil {
		return
	}
	index, ok := r.openParts[blockID]
	if !ok {
		r.staleDeltas++
		return
	}
	if _, done := r.sealed[blockID]; done {
		r.staleDeltas++
		return
	}
	msg.Parts[index].Text += delta
}

func (r *TurnRecorder) sealPart(blockID string) {
	msg := r.current()
	if msg == nil {
		return
	}
	if index, ok := r.openParts[blockID]; ok {
		msg.Parts[index].State = stream.PartStateDone
	}
	r.sealed[blockID] = struct{}{}
}

// recordData lands the frame on both delivery paths: as an inline part of the
// in-progress message and as an auxiliary event anchored after it. The
// reducer's cross-channel dedup collapses the pair, matching what transports
// with a genuine side channel produce.
func (r *TurnRecorder) recordData(frame *stream.DataFrame) {
	anchor := ""
	if msg := r.current(); msg != nil {
		msg.Parts = append(msg.Parts, stream.DataPart(frame.Name, frame.Payload))
		anchor = msg.ID
	}
	r.sess.DataEvents = append(r.sess.DataEvents, stream.DataEvent{
		Name:           frame.Name,
		Payload:        frame.Payload,
		AfterMessageID: anchor,
	})
}

// sealMessage finalizes the in-progress message. A non-empty errorMessage
// appends the inline error indicator the timeline renders.
func (r *TurnRecorder) sealMessage(errorMessage string) {
	msg := r.current()
	if msg == nil {
		return
	}
	for i := range msg.Parts {
		if msg.Parts[i].State == stream.PartStateStreaming {
			msg.Parts[i].State = stream.PartStateDone
		}
	}
	if errorMessage != "" {
		msg.Parts = append(msg.Parts, stream.DataPart("error", map[string]any{
			"message": errorMessage,
		}))
	}
	if r.staleDeltas > 0 {
		r.logger.Debug("turn %s ignored %d deltas for sealed or unknown blocks", r.messageID, r.staleDeltas)
	}
}

// StaleDeltas reports how many deltas arrived for sealed or unknown blocks.
func (r *TurnRecorder) StaleDeltas() int {
	return r.staleDeltas
}
