package runtime

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"fable/internal/logging"
)

// doneSentinel terminates a well-behaved upstream stream.
const doneSentinel = "[DONE]"

// EventStream decodes envelopes off a live upstream connection or a captured
// event log. Malformed payloads are skipped and counted, never fatal.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	logger  logging.Logger
	dropped int
}

// NewEventStream wraps a line-oriented reader in an envelope decoder. Lines
// may be SSE "data:" records or bare JSON objects; SSE comments and other
// field lines are skipped.
func NewEventStream(body io.ReadCloser, logger logging.Logger) *EventStream {
	return &EventStream{
		body:    body,
		scanner: newStreamScanner(body),
		logger:  logging.OrNop(logger),
	}
}

// Next returns the next decoded envelope. io.EOF signals clean termination,
// either end of input or the [DONE] sentinel; any other error is a transport
// failure.
func (s *EventStream) Next() (Envelope, error) {
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}

		var payload string
		switch {
		case strings.HasPrefix(line, "data:"):
			payload = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, "{"):
			payload = line
		default:
			// SSE comments and non-data fields (event:, id:, retry:)
			continue
		}
		if payload == "" {
			continue
		}
		if payload == doneSentinel {
			return Envelope{}, io.EOF
		}

		var env Envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			s.dropped++
			s.logger.Debug("skipping undecodable stream line (%d bytes): %v", len(payload), err)
			continue
		}
		return env, nil
	}

	if err := s.scanner.Err(); err != nil {
		return Envelope{}, fmt.Errorf("read upstream stream: %w", err)
	}
	return Envelope{}, io.EOF
}

// Dropped reports how many undecodable lines were skipped so far.
func (s *EventStream) Dropped() int {
	return s.dropped
}

// Close releases the underlying connection or file.
func (s *EventStream) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}
