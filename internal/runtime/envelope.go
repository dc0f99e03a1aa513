// Package runtime consumes the upstream story runtime's event stream: the
// SSE transport, the tagged envelope schema, and the normalization of model
// chunk content into ordered text/reasoning parts.
package runtime

import (
	"encoding/json"
	"fmt"
)

// Recognized envelope event values. Every other event is ignored.
const (
	EventChatModelStream = "on_chat_model_stream"
	EventCustomEvent     = "on_custom_event"
)

// Metadata carries the producing node's identity inside an envelope.
type Metadata struct {
	Node                string `json:"node,omitempty"`
	CheckpointNamespace string `json:"checkpointNamespace,omitempty"`
}

// Envelope is one tagged record of the upstream event stream. Data stays raw
// until the event type determines its schema.
type Envelope struct {
	Event    string          `json:"event"`
	Name     string          `json:"name,omitempty"`
	RunID    string          `json:"run_id,omitempty"`
	Metadata Metadata        `json:"metadata,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// PartKind classifies one normalized element of a model chunk.
type PartKind int

const (
	PartText PartKind = iota
	PartReasoning
)

func (k PartKind) String() string {
	if k == PartReasoning {
		return "reasoning"
	}
	return "text"
}

// ContentPart is one normalized element of a model chunk.
type ContentPart struct {
	Kind PartKind
	Text string
}

// ModelChunk is the payload of an on_chat_model_stream envelope. Content is
// either a bare JSON string or an array of tagged elements; Last marks the
// terminal chunk of its run.
type ModelChunk struct {
	Content json.RawMessage `json:"content"`
	Last    bool            `json:"last,omitempty"`
}

// ParseModelChunk decodes the chunk payload of a model-stream envelope.
func ParseModelChunk(env Envelope) (ModelChunk, error) {
	if len(env.Data) == 0 {
		return ModelChunk{}, fmt.Errorf("model stream envelope without data")
	}
	var wrapper struct {
		Chunk ModelChunk `json:"chunk"`
	}
	if err := json.Unmarshal(env.Data, &wrapper); err != nil {
		return ModelChunk{}, fmt.Errorf("decode model chunk: %w", err)
	}
	return wrapper.Chunk, nil
}

// rawContentPart mirrors the tagged element shape of content arrays.
// Reasoning elements carry their text under "thinking" (older runtimes) or
// "text" with a reasoning type tag.
type rawContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}

// Parts normalizes the chunk content union. A bare string is one text part;
// an array yields one part per recognized element (bare string elements are
// text); empty parts and unknown element shapes are dropped.
func (c ModelChunk) Parts() []ContentPart {
	if len(c.Content) == 0 {
		return nil
	}

	var asString string
	if err := json.Unmarshal(c.Content, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return []ContentPart{{Kind: PartText, Text: asString}}
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(c.Content, &elements); err != nil {
		return nil
	}

	parts := make([]ContentPart, 0, len(elements))
	for _, element := range elements {
		var text string
		if err := json.Unmarshal(element, &text); err == nil {
			if text != "" {
				parts = append(parts, ContentPart{Kind: PartText, Text: text})
			}
			continue
		}

		var raw rawContentPart
		if err := json.Unmarshal(element, &raw); err != nil {
			continue
		}
		switch raw.Type {
		case "thinking", "reasoning":
			body := raw.Thinking
			if body == "" {
				body = raw.Text
			}
			if body != "" {
				parts = append(parts, ContentPart{Kind: PartReasoning, Text: body})
			}
		case "text", "":
			if raw.Text != "" {
				parts = append(parts, ContentPart{Kind: PartText, Text: raw.Text})
			}
		}
	}
	return parts
}
