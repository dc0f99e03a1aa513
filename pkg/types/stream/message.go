package stream

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message part discriminators. Data parts reuse the frame form,
// DataFramePrefix + name.
const (
	PartTypeText      = "text"
	PartTypeReasoning = "reasoning"
	PartTypeFile      = "file"
	PartTypeSource    = "source"
)

// States of a streamed text/reasoning part.
const (
	PartStateStreaming = "streaming"
	PartStateDone      = "done"
)

// MessagePart is one ordered element of a message body. Type selects which
// field group is populated.
type MessagePart struct {
	Type string `json:"type"`

	// text and reasoning parts; ID is the originating block id.
	ID    string `json:"id,omitempty"`
	Text  string `json:"text,omitempty"`
	State string `json:"state,omitempty"`

	// file parts (URL is shared with source parts)
	URL       string `json:"url,omitempty"`
	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"mediaType,omitempty"`

	// source parts
	Title string `json:"title,omitempty"`

	// data-<name> parts
	Data map[string]any `json:"data,omitempty"`
}

// TextPart builds a completed text part.
func TextPart(text string) MessagePart {
	return MessagePart{Type: PartTypeText, Text: text, State: PartStateDone}
}

// ReasoningPart builds a completed reasoning part.
func ReasoningPart(text string) MessagePart {
	return MessagePart{Type: PartTypeReasoning, Text: text, State: PartStateDone}
}

// FilePart builds a file attachment part. The metadata travels through the
// pipeline untransformed.
func FilePart(url, filename, mediaType string) MessagePart {
	return MessagePart{Type: PartTypeFile, URL: url, Filename: filename, MediaType: mediaType}
}

// SourcePart builds a source citation part.
func SourcePart(url, title string) MessagePart {
	return MessagePart{Type: PartTypeSource, URL: url, Title: title}
}

// DataPart builds an inline data part for a business event.
func DataPart(name string, payload map[string]any) MessagePart {
	return MessagePart{Type: DataFramePrefix + name, Data: payload}
}

// IsData reports whether the part is an inline data part.
func (p MessagePart) IsData() bool {
	return DataName(p.Type) != ""
}

// DataEventName returns the business name of an inline data part, or "".
func (p MessagePart) DataEventName() string {
	return DataName(p.Type)
}

// UIMessage is one conversation entry as the timeline reducer consumes it:
// an ordered list of typed parts rather than a flat string body.
type UIMessage struct {
	ID    string        `json:"id"`
	Role  Role          `json:"role"`
	Parts []MessagePart `json:"parts"`
}

// DataEvent is the out-of-band copy of a data frame delivered beside the
// message list. AfterMessageID anchors the event after the assistant message
// it chronologically followed; empty anchors it after the final message.
type DataEvent struct {
	Name           string         `json:"name"`
	Payload        map[string]any `json:"payload"`
	AfterMessageID string         `json:"afterMessageId,omitempty"`
}
