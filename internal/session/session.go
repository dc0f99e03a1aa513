// Package session holds the conversation state the gateway accumulates per
// client session: the ordered message list and the auxiliary data events the
// timeline reducer consumes. Storage is in-memory only; history persistence
// is out of scope.
package session

import (
	"errors"
	"time"

	"fable/pkg/types/stream"
)

// ErrNotFound is returned for lookups of unknown session ids.
var ErrNotFound = errors.New("session not found")

// Session is one conversation. Messages and DataEvents are exactly the two
// inputs the timeline reducer takes; Revision increments on every recorded
// change and keys the timeline memo cache.
type Session struct {
	ID         string               `json:"id"`
	Title      string               `json:"title,omitempty"`
	Messages   []stream.UIMessage   `json:"messages"`
	DataEvents []stream.DataEvent   `json:"dataEvents,omitempty"`
	Revision   uint64               `json:"revision"`
	CreatedAt  time.Time            `json:"createdAt"`
	UpdatedAt  time.Time            `json:"updatedAt"`
}

// Summary is the list-view projection of a session.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	MessageCount int       `json:"messageCount"`
	Revision     uint64    `json:"revision"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Clone deep-copies the session so callers can read or mutate the result
// without racing the recorder. Payload maps are shared; the recorder never
// mutates a payload after appending it.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]stream.UIMessage, len(s.Messages))
	for i, msg := range s.Messages {
		out.Messages[i] = msg
		out.Messages[i].Parts = append([]stream.MessagePart(nil), msg.Parts...)
	}
	out.DataEvents = append([]stream.DataEvent(nil), s.DataEvents...)
	return &out
}

// Summary projects the session into its list form.
func (s *Session) Summary() Summary {
	return Summary{
		ID:           s.ID,
		Title:        s.Title,
		MessageCount: len(s.Messages),
		Revision:     s.Revision,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
}
