// Package stream defines the downstream frame protocol plus the message and
// data-event model shared by the transcoder, the frame hub, and the delivery
// layer.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Frame type discriminators.
const (
	FrameTypeMessageStart   = "message-start"
	FrameTypeTextStart      = "text-start"
	FrameTypeTextDelta      = "text-delta"
	FrameTypeTextEnd        = "text-end"
	FrameTypeReasoningStart = "reasoning-start"
	FrameTypeReasoningDelta = "reasoning-delta"
	FrameTypeReasoningEnd   = "reasoning-end"
	FrameTypeError          = "error"
	FrameTypeFinishMessage  = "finish-message"

	// DataFramePrefix prefixes the dynamic wire type of business data frames:
	// "data-outline", "data-artifact", and so on.
	DataFramePrefix = "data-"
)

// Finish reasons carried by finish-message frames.
const (
	FinishReasonStop  = "stop"
	FinishReasonError = "error"
)

// Frame is one typed unit of the downstream protocol.
type Frame interface {
	FrameType() string
}

// MessageStartFrame opens an assistant turn.
type MessageStartFrame struct {
	MessageID string `json:"messageId"`
}

func (*MessageStartFrame) FrameType() string { return FrameTypeMessageStart }

// TextStartFrame opens a text block.
type TextStartFrame struct {
	ID string `json:"id"`
}

func (*TextStartFrame) FrameType() string { return FrameTypeTextStart }

// TextDeltaFrame appends content to an open text block.
type TextDeltaFrame struct {
	ID    string `json:"id"`
	Delta string `json:"delta"`
}

func (*TextDeltaFrame) FrameType() string { return FrameTypeTextDelta }

// TextEndFrame closes a text block.
type TextEndFrame struct {
	ID string `json:"id"`
}

func (*TextEndFrame) FrameType() string { return FrameTypeTextEnd }

// ReasoningStartFrame opens a reasoning block.
type ReasoningStartFrame struct {
	ID string `json:"id"`
}

func (*ReasoningStartFrame) FrameType() string { return FrameTypeReasoningStart }

// ReasoningDeltaFrame appends content to an open reasoning block.
type ReasoningDeltaFrame struct {
	ID    string `json:"id"`
	Delta string `json:"delta"`
}

func (*ReasoningDeltaFrame) FrameType() string { return FrameTypeReasoningDelta }

// ReasoningEndFrame closes a reasoning block.
type ReasoningEndFrame struct {
	ID string `json:"id"`
}

func (*ReasoningEndFrame) FrameType() string { return FrameTypeReasoningEnd }

// DataFrame carries one business event. Its wire type is "data-<name>" and
// the payload's fields are flattened into the frame object.
type DataFrame struct {
	Name    string
	Payload map[string]any
}

func (f *DataFrame) FrameType() string { return DataFramePrefix + f.Name }

// ErrorFrame terminates a stream abnormally with a human-readable message.
type ErrorFrame struct {
	Message string `json:"message"`
}

func (*ErrorFrame) FrameType() string { return FrameTypeError }

// Usage is the token accounting attached to finish-message frames. Values of
// zero are omitted on the wire.
type Usage struct {
	PromptTokens     int `json:"promptTokens,omitempty"`
	CompletionTokens int `json:"completionTokens,omitempty"`
	TotalTokens      int `json:"totalTokens,omitempty"`
}

// FinishMessageFrame terminates a stream normally.
type FinishMessageFrame struct {
	FinishReason string `json:"finishReason"`
	Usage        *Usage `json:"usage,omitempty"`
}

func (*FinishMessageFrame) FrameType() string { return FrameTypeFinishMessage }

// NewMessageStart creates a message-start frame.
func NewMessageStart(messageID string) *MessageStartFrame {
	return &MessageStartFrame{MessageID: messageID}
}

// NewTextStart creates a text-start frame.
func NewTextStart(id string) *TextStartFrame {
	return &TextStartFrame{ID: id}
}

// NewTextDelta creates a text-delta frame.
func NewTextDelta(id, delta string) *TextDeltaFrame {
	return &TextDeltaFrame{ID: id, Delta: delta}
}

// NewTextEnd creates a text-end frame.
func NewTextEnd(id string) *TextEndFrame {
	return &TextEndFrame{ID: id}
}

// NewReasoningStart creates a reasoning-start frame.
func NewReasoningStart(id string) *ReasoningStartFrame {
	return &ReasoningStartFrame{ID: id}
}

// NewReasoningDelta creates a reasoning-delta frame.
func NewReasoningDelta(id, delta string) *ReasoningDeltaFrame {
	return &ReasoningDeltaFrame{ID: id, Delta: delta}
}

// NewReasoningEnd creates a reasoning-end frame.
func NewReasoningEnd(id string) *ReasoningEndFrame {
	return &ReasoningEndFrame{ID: id}
}

// NewDataFrame creates a data frame for a business event.
func NewDataFrame(name string, payload map[string]any) *DataFrame {
	return &DataFrame{Name: name, Payload: payload}
}

// NewErrorFrame creates an error frame.
func NewErrorFrame(message string) *ErrorFrame {
	return &ErrorFrame{Message: message}
}

// NewFinishMessage creates a finish-message frame. usage may be nil.
func NewFinishMessage(reason string, usage *Usage) *FinishMessageFrame {
	return &FinishMessageFrame{FinishReason: reason, Usage: usage}
}

// IsTerminal reports whether f ends its stream.
func IsTerminal(f Frame) bool {
	switch f.FrameType() {
	case FrameTypeFinishMessage, FrameTypeError:
		return true
	}
	return false
}

// DataName extracts the business name from a data frame or data part type;
// it returns "" when frameType is not a data type.
func DataName(frameType string) string {
	if !strings.HasPrefix(frameType, DataFramePrefix) {
		return ""
	}
	return strings.TrimPrefix(frameType, DataFramePrefix)
}

// MarshalFrame renders a frame as its canonical JSON object with the
// discriminator under "type". Data frame payload fields are flattened into
// the object; a payload key named "type" loses to the discriminator.
func MarshalFrame(f Frame) ([]byte, error) {
	switch fr := f.(type) {
	case *MessageStartFrame:
		return json.Marshal(struct {
			Type string `json:"type"`
			*MessageStartFrame
		}{fr.FrameType(), fr})
	case *TextStartFrame:
		return json.Marshal(struct {
			Type string `json:"type"`
			*TextStartFrame
		}{fr.FrameType(), fr})
	case *TextDeltaFrame:
		return json.Marshal(struct {
			Type string `json:"type"`
			*TextDeltaFrame
		}{fr.FrameType(), fr})
	case *TextEndFrame:
		return json.Marshal(struct {
			Type string `json:"type"`
			*TextEndFrame
		}{fr.FrameType(), fr})
	case *ReasoningStartFrame:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ReasoningStartFrame
		}{fr.FrameType(), fr})
	case *ReasoningDeltaFrame:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ReasoningDeltaFrame
		}{fr.FrameType(), fr})
	case *ReasoningEndFrame:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ReasoningEndFrame
		}{fr.FrameType(), fr})
	case *DataFrame:
		obj := make(map[string]any, len(fr.Payload)+1)
		for k, v := range fr.Payload {
			obj[k] = v
		}
		obj["type"] = fr.FrameType()
		return json.Marshal(obj)
	case *ErrorFrame:
		return json.Marshal(struct {
			Type string `json:"type"`
			*ErrorFrame
		}{fr.FrameType(), fr})
	case *FinishMessageFrame:
		return json.Marshal(struct {
			Type string `json:"type"`
			*FinishMessageFrame
		}{fr.FrameType(), fr})
	default:
		return nil, fmt.Errorf("unsupported frame type %T", f)
	}
}
