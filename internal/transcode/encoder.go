package transcode

import (
	"encoding/json"
	"fmt"
	"io"

	"fable/pkg/types/stream"
)

// Wire protocols for the downstream frame stream.
const (
	// ProtocolFrames is the canonical serialization: one JSON object per
	// emitted line, discriminated by "type".
	ProtocolFrames = "frames"
	// ProtocolLegacy is the compact encoding older consumers speak:
	// single-character prefix + colon + JSON.
	ProtocolLegacy = "legacy"
)

// ValidProtocol reports whether name is a known wire protocol.
func ValidProtocol(name string) bool {
	return name == ProtocolFrames || name == ProtocolLegacy
}

// Legacy record prefixes. Block boundary frames carry no payload in this
// ecosystem's compact form and are elided on the wire; consumers infer runs
// from consecutive deltas.
const (
	legacyPrefixText      = "0"
	legacyPrefixReasoning = "g"
	legacyPrefixData      = "2"
	legacyPrefixFinish    = "d"
	legacyPrefixError     = "e"
)

// Encoder writes frames to w in a chosen protocol, optionally wrapping each
// record as an SSE data line for EventSource consumers.
type Encoder struct {
	w        io.Writer
	protocol string
	sse      bool
}

// NewEncoder builds an encoder. Unknown protocol names fall back to the
// canonical frames protocol.
func NewEncoder(w io.Writer, protocol string, sse bool) *Encoder {
	if !ValidProtocol(protocol) {
		protocol = ProtocolFrames
	}
	return &Encoder{w: w, protocol: protocol, sse: sse}
}

// Encode writes one frame. Frames with no representation on the selected
// wire (legacy boundary frames) produce no output and no error.
func (e *Encoder) Encode(frame stream.Frame) error {
	encoded, ok, err := EncodeFrame(frame, e.protocol)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if e.sse {
		_, err = fmt.Fprintf(e.w, "data: %s\n\n", encoded)
		return err
	}
	_, err = fmt.Fprintf(e.w, "%s\n", encoded)
	return err
}

// Heartbeat writes a keepalive record. Only the SSE framing has one; it is a
// comment line EventSource clients discard.
func (e *Encoder) Heartbeat() error {
	if !e.sse {
		return nil
	}
	_, err := fmt.Fprint(e.w, ": ping\n\n")
	return err
}

// EncodeFrame renders one frame in the given protocol. The boolean is false
// when the frame has no representation on that wire.
func EncodeFrame(frame stream.Frame, protocol string) ([]byte, bool, error) {
	if protocol == ProtocolLegacy {
		return encodeLegacy(frame)
	}
	encoded, err := stream.MarshalFrame(frame)
	if err != nil {
		return nil, false, err
	}
	return encoded, true, nil
}

func encodeLegacy(frame stream.Frame) ([]byte, bool, error) {
	switch fr := frame.(type) {
	case *stream.TextDeltaFrame:
		return legacyRecord(legacyPrefixText, fr.Delta)
	case *stream.ReasoningDeltaFrame:
		return legacyRecord(legacyPrefixReasoning, fr.Delta)
	case *stream.DataFrame:
		obj := make(map[string]any, len(fr.Payload)+1)
		for k, v := range fr.Payload {
			obj[k] = v
		}
		obj["type"] = fr.Name
		return legacyRecord(legacyPrefixData, []any{obj})
	case *stream.ErrorFrame:
		return legacyRecord(legacyPrefixError, fr)
	case *stream.FinishMessageFrame:
		return legacyRecord(legacyPrefixFinish, fr)
	default:
		// message-start, *-start, *-end
		return nil, false, nil
	}
}

func legacyRecord(prefix string, payload any) ([]byte, bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, err
	}
	record := make([]byte, 0, len(prefix)+1+len(body))
	record = append(record, prefix...)
	record = append(record, ':')
	record = append(record, body...)
	return record, true, nil
}
