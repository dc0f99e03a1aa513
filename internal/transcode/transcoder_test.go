package transcode

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"fable/internal/runtime"
	"fable/pkg/types/stream"
)

func sequentialBlockIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("blk-%d", n)
	}
}

func chunkEnvelope(t *testing.T, node string, content any, last bool) runtime.Envelope {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"chunk": map[string]any{"content": content, "last": last},
	})
	if err != nil {
		t.Fatalf("marshal chunk: %v", err)
	}
	return runtime.Envelope{
		Event:    runtime.EventChatModelStream,
		Metadata: runtime.Metadata{Node: node},
		Data:     data,
	}
}

func customEnvelope(t *testing.T, name string, payload any) runtime.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return runtime.Envelope{
		Event: runtime.EventCustomEvent,
		Name:  name,
		Data:  data,
	}
}

func thinkingContent(text string) []any {
	return []any{map[string]any{"type": "thinking", "thinking": text}}
}

func frameTypes(frames []stream.Frame) string {
	kinds := make([]string, 0, len(frames))
	for _, fr := range frames {
		kinds = append(kinds, fr.FrameType())
	}
	return strings.Join(kinds, " ")
}

func TestStartEmitsMessageStartOnce(t *testing.T) {
	tr := New("msg-1")

	first := tr.Start()
	if len(first) != 1 {
		t.Fatalf("Start returned %d frames, want 1", len(first))
	}
	ms, ok := first[0].(*stream.MessageStartFrame)
	if !ok {
		t.Fatalf("Start returned %T, want *stream.MessageStartFrame", first[0])
	}
	if ms.MessageID != "msg-1" {
		t.Errorf("message id = %q, want msg-1", ms.MessageID)
	}
	if again := tr.Start(); len(again) != 0 {
		t.Errorf("second Start returned %d frames, want 0", len(again))
	}
}

func TestThinkingThenTextThenLastMarker(t *testing.T) {
	tr := New("msg-1", WithBlockIDFunc(sequentialBlockIDs()))

	var frames []stream.Frame
	frames = append(frames, tr.Consume(chunkEnvelope(t, "writer", thinkingContent("planning the scene"), false))...)
	frames = append(frames, tr.Consume(chunkEnvelope(t, "writer", "Once upon a time", false))...)
	frames = append(frames, tr.Consume(chunkEnvelope(t, "writer", []any{}, true))...)

	want := "reasoning-start reasoning-delta reasoning-end text-start text-delta text-end"
	if got := frameTypes(frames); got != want {
		t.Fatalf("frame sequence = %q, want %q", got, want)
	}
	if d := frames[1].(*stream.ReasoningDeltaFrame); d.ID != "blk-1" || d.Delta != "planning the scene" {
		t.Errorf("reasoning delta = %+v", d)
	}
	if d := frames[4].(*stream.TextDeltaFrame); d.ID != "blk-2" || d.Delta != "Once upon a time" {
		t.Errorf("text delta = %+v", d)
	}
	if end := frames[5].(*stream.TextEndFrame); end.ID != "blk-2" {
		t.Errorf("text-end id = %q, want blk-2", end.ID)
	}
}

func TestSameKindChunksShareOneBlock(t *testing.T) {
	tr := New("msg-1", WithBlockIDFunc(sequentialBlockIDs()))

	var frames []stream.Frame
	frames = append(frames, tr.Consume(chunkEnvelope(t, "writer", "The fox ", false))...)
	frames = append(frames, tr.Consume(chunkEnvelope(t, "writer", "jumped.", false))...)

	want := "text-start text-delta text-delta"
	if got := frameTypes(frames); got != want {
		t.Fatalf("frame sequence = %q, want %q", got, want)
	}
	first := frames[1].(*stream.TextDeltaFrame)
	second := frames[2].(*stream.TextDeltaFrame)
	if first.ID != second.ID {
		t.Errorf("deltas landed in different blocks: %q vs %q", first.ID, second.ID)
	}
}

func TestKindSwitchClosesPreviousBlock(t *testing.T) {
	tr := New("msg-1", WithBlockIDFunc(sequentialBlockIDs()))

	var frames []stream.Frame
	frames = append(frames, tr.Consume(chunkEnvelope(t, "writer", "draft", false))...)
	frames = append(frames, tr.Consume(chunkEnvelope(t, "writer", thinkingContent("too flat, rework"), false))...)
	frames = append(frames, tr.Consume(chunkEnvelope(t, "writer", "better draft", false))...)

	want := "text-start text-delta text-end reasoning-start reasoning-delta reasoning-end text-start text-delta"
	if got := frameTypes(frames); got != want {
		t.Fatalf("frame sequence = %q, want %q", got, want)
	}
	// Each reopened block gets a fresh identifier.
	firstText := frames[0].(*stream.TextStartFrame).ID
	secondText := frames[6].(*stream.TextStartFrame).ID
	if firstText == secondText {
		t.Errorf("reopened text block reused id %q", firstText)
	}
}

func TestLastMarkerWithoutOpenBlocksIsNoop(t *testing.T) {
	tr := New("msg-1")

	if frames := tr.Consume(chunkEnvelope(t, "writer", []any{}, true)); len(frames) != 0 {
		t.Fatalf("last marker on idle transcoder produced %d frames", len(frames))
	}
	if frames := tr.Consume(chunkEnvelope(t, "writer", []any{}, true)); len(frames) != 0 {
		t.Fatalf("repeated last marker produced %d frames", len(frames))
	}
}

func TestInternalNodesAreFiltered(t *testing.T) {
	cases := []struct {
		name      string
		node      string
		namespace string
		filtered  bool
	}{
		{"planner node", "planner", "", true},
		{"coordinator node", "coordinator", "", true},
		{"supervisor node", "supervisor", "", true},
		{"planner via namespace", "", "planner:3f2a9c", true},
		{"nested namespace element", "", "writer:81b0|coordinator:44ee", true},
		{"namespace element without id", "", "supervisor", true},
		{"writer passes", "writer", "", false},
		{"researcher namespace passes", "", "researcher:91c2|draft:0a11", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := New("msg-1")
			env := chunkEnvelope(t, tc.node, "some output", false)
			env.Metadata.CheckpointNamespace = tc.namespace

			frames := tr.Consume(env)
			if tc.filtered {
				if len(frames) != 0 {
					t.Fatalf("internal node leaked %d frames", len(frames))
				}
				if tr.Stats().FilteredChunks != 1 {
					t.Errorf("FilteredChunks = %d, want 1", tr.Stats().FilteredChunks)
				}
				return
			}
			if len(frames) == 0 {
				t.Fatal("user-facing node produced no frames")
			}
			if tr.Stats().FilteredChunks != 0 {
				t.Errorf("FilteredChunks = %d, want 0", tr.Stats().FilteredChunks)
			}
		})
	}
}

func TestMalformedChunkIsCountedNotFatal(t *testing.T) {
	tr := New("msg-1")

	env := runtime.Envelope{
		Event: runtime.EventChatModelStream,
		Data:  json.RawMessage(`{"chunk": not json`),
	}
	if frames := tr.Consume(env); len(frames) != 0 {
		t.Fatalf("malformed chunk produced %d frames", len(frames))
	}
	if tr.Stats().MalformedChunks != 1 {
		t.Errorf("MalformedChunks = %d, want 1", tr.Stats().MalformedChunks)
	}

	// The stream keeps working afterwards.
	if frames := tr.Consume(chunkEnvelope(t, "writer", "recovered", false)); len(frames) == 0 {
		t.Fatal("transcoder stopped emitting after a malformed chunk")
	}
}

func TestRunSwitchClosesOpenBlocks(t *testing.T) {
	tr := New("msg-1", WithBlockIDFunc(sequentialBlockIDs()))

	first := chunkEnvelope(t, "writer", "act one", false)
	first.RunID = "run-a"
	second := chunkEnvelope(t, "writer", "act two", false)
	second.RunID = "run-b"

	var frames []stream.Frame
	frames = append(frames, tr.Consume(first)...)
	frames = append(frames, tr.Consume(second)...)

	want := "text-start text-delta text-end text-start text-delta"
	if got := frameTypes(frames); got != want {
		t.Fatalf("frame sequence = %q, want %q", got, want)
	}
}

func TestCustomEventsMapToDataFrames(t *testing.T) {
	known := []string{
		"plan_step", "plan_step_end", "outline", "artifact",
		"image_search_results", "research_report", "followups",
	}
	for _, name := range known {
		t.Run(name, func(t *testing.T) {
			tr := New("msg-1")
			frames := tr.Consume(customEnvelope(t, name, map[string]any{"task_id": "task-7"}))
			if len(frames) != 1 {
				t.Fatalf("got %d frames, want 1", len(frames))
			}
			df, ok := frames[0].(*stream.DataFrame)
			if !ok {
				t.Fatalf("frame is %T, want *stream.DataFrame", frames[0])
			}
			if df.FrameType() != "data-"+name {
				t.Errorf("frame type = %q, want data-%s", df.FrameType(), name)
			}
			if df.Payload["task_id"] != "task-7" {
				t.Errorf("payload = %v", df.Payload)
			}
		})
	}
}

func TestUnknownCustomEventIsDropped(t *testing.T) {
	tr := New("msg-1")

	if frames := tr.Consume(customEnvelope(t, "weather_report", map[string]any{"temp": 21})); len(frames) != 0 {
		t.Fatalf("unknown event produced %d frames", len(frames))
	}
	if tr.Stats().UnknownEvents != 1 {
		t.Errorf("UnknownEvents = %d, want 1", tr.Stats().UnknownEvents)
	}
}

func TestCustomEventPayloadIsRepaired(t *testing.T) {
	tr := New("msg-1")

	// Payload arrives as a string of pseudo-JSON with single quotes, the way
	// model-generated tool output often does.
	env := runtime.Envelope{
		Event: runtime.EventCustomEvent,
		Name:  "artifact",
		Data:  json.RawMessage(`"{'artifact_id': 'art-1', 'artifact_type': 'character-sheet'}"`),
	}
	frames := tr.Consume(env)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	payload := frames[0].(*stream.DataFrame).Payload
	if payload["artifact_id"] != "art-1" {
		t.Errorf("repaired payload = %v", payload)
	}
}

func TestCustomEventScalarPayloadIsWrapped(t *testing.T) {
	tr := New("msg-1")

	env := runtime.Envelope{
		Event: runtime.EventCustomEvent,
		Name:  "followups",
		Data:  json.RawMessage(`42`),
	}
	frames := tr.Consume(env)
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	payload := frames[0].(*stream.DataFrame).Payload
	if _, ok := payload["value"]; !ok {
		t.Errorf("scalar payload not wrapped: %v", payload)
	}
}

func TestUnknownEnvelopeEventIsIgnored(t *testing.T) {
	tr := New("msg-1")

	env := runtime.Envelope{Event: "on_tool_start", Data: json.RawMessage(`{}`)}
	if frames := tr.Consume(env); len(frames) != 0 {
		t.Fatalf("unknown envelope event produced %d frames", len(frames))
	}
}

func TestFinishStopEmitsUsage(t *testing.T) {
	tr := New("msg-1", WithBlockIDFunc(sequentialBlockIDs()))
	tr.Consume(chunkEnvelope(t, "writer", "The caravan reached the city at dusk.", false))

	frames := tr.Finish(nil)
	want := "text-end finish-message"
	if got := frameTypes(frames); got != want {
		t.Fatalf("frame sequence = %q, want %q", got, want)
	}
	fin := frames[1].(*stream.FinishMessageFrame)
	if fin.FinishReason != stream.FinishReasonStop {
		t.Errorf("finish reason = %q, want stop", fin.FinishReason)
	}
	if fin.Usage == nil || fin.Usage.CompletionTokens <= 0 {
		t.Errorf("usage = %+v, want positive completion tokens", fin.Usage)
	}

	if again := tr.Finish(nil); len(again) != 0 {
		t.Errorf("second Finish returned %d frames, want 0", len(again))
	}
	if after := tr.Consume(chunkEnvelope(t, "writer", "late", false)); len(after) != 0 {
		t.Errorf("Consume after Finish returned %d frames, want 0", len(after))
	}
}

func TestFinishWithoutContentOmitsUsage(t *testing.T) {
	tr := New("msg-1")

	frames := tr.Finish(nil)
	if got := frameTypes(frames); got != "finish-message" {
		t.Fatalf("frame sequence = %q, want finish-message", got)
	}
	if fin := frames[0].(*stream.FinishMessageFrame); fin.Usage != nil {
		t.Errorf("usage = %+v, want nil", fin.Usage)
	}
}

func TestFinishErrorClosesBlocksFirst(t *testing.T) {
	tr := New("msg-1", WithBlockIDFunc(sequentialBlockIDs()))
	tr.Consume(chunkEnvelope(t, "writer", thinkingContent("half a thought"), false))

	frames := tr.Finish(errors.New("upstream connection reset"))
	want := "reasoning-end error"
	if got := frameTypes(frames); got != want {
		t.Fatalf("frame sequence = %q, want %q", got, want)
	}
	if msg := frames[1].(*stream.ErrorFrame).Message; msg != "upstream connection reset" {
		t.Errorf("error message = %q", msg)
	}
}

func TestOpenCloseBalance(t *testing.T) {
	tr := New("msg-1", WithBlockIDFunc(sequentialBlockIDs()))

	var frames []stream.Frame
	frames = append(frames, tr.Start()...)
	script := []runtime.Envelope{
		chunkEnvelope(t, "writer", thinkingContent("outline the beats"), false),
		chunkEnvelope(t, "writer", "Chapter one.", false),
		chunkEnvelope(t, "planner", "internal routing", false),
		chunkEnvelope(t, "writer", thinkingContent("check pacing"), false),
		customEnvelope(t, "plan_step", map[string]any{"step_id": "s1", "type": "plan_step"}),
		chunkEnvelope(t, "writer", "Chapter one, revised.", true),
		chunkEnvelope(t, "researcher", "Appendix.", false),
	}
	for _, env := range script {
		frames = append(frames, tr.Consume(env)...)
	}
	frames = append(frames, tr.Finish(nil)...)

	openText, openReasoning := 0, 0
	for i, fr := range frames {
		switch fr.FrameType() {
		case stream.FrameTypeTextStart:
			openText++
		case stream.FrameTypeTextEnd:
			openText--
		case stream.FrameTypeReasoningStart:
			openReasoning++
		case stream.FrameTypeReasoningEnd:
			openReasoning--
		}
		if openText > 1 || openReasoning > 1 {
			t.Fatalf("frame %d (%s): more than one open block of a kind", i, fr.FrameType())
		}
		if openText < 0 || openReasoning < 0 {
			t.Fatalf("frame %d (%s): close without matching open", i, fr.FrameType())
		}
	}
	if openText != 0 || openReasoning != 0 {
		t.Fatalf("stream ended with open blocks: text=%d reasoning=%d", openText, openReasoning)
	}
	if last := frames[len(frames)-1]; !stream.IsTerminal(last) {
		t.Errorf("last frame %s is not terminal", last.FrameType())
	}
}

func TestMixedPartsInOneChunk(t *testing.T) {
	tr := New("msg-1", WithBlockIDFunc(sequentialBlockIDs()))

	content := []any{
		map[string]any{"type": "thinking", "thinking": "weigh both endings"},
		"She chose the sea.",
	}
	frames := tr.Consume(chunkEnvelope(t, "writer", content, false))

	want := "reasoning-start reasoning-delta reasoning-end text-start text-delta"
	if got := frameTypes(frames); got != want {
		t.Fatalf("frame sequence = %q, want %q", got, want)
	}
}
