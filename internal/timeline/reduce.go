package timeline

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"fable/pkg/types/stream"
)

// Upstream event names the reducer understands. These arrive both as inline
// data parts on a message and as auxiliary data events; "error" is the inline
// stream-failure indicator recorded on an aborted turn.
const (
	eventPlanStep       = "plan_step"
	eventPlanStepEnd    = "plan_step_end"
	eventOutline        = "outline"
	eventArtifact       = "artifact"
	eventImageSearch    = "image_search_results"
	eventResearchReport = "research_report"
	eventFollowups      = "followups"
	eventError          = "error"
)

// Artifact subtypes surfaced as artifact items. Outline payloads are excluded
// here on purpose: they reach the timeline through slide_outline only, so the
// same content never shows under two cards.
var allowedArtifactTypes = map[string]struct{}{
	"story-framework": {},
	"character-sheet": {},
	"comic-script":    {},
}

type keyedRef struct {
	kind string
	key  string
}

type keyedEntry struct {
	firstSequence uint64
	latestPayload map[string]any
	artifactType  string
}

type reduction struct {
	items []Item
	keyed map[keyedRef]*keyedEntry
	seen  map[string]struct{}
	seq   uint64
}

// Reduce folds the full ordered message list and the auxiliary data events
// into one flat timeline. It is a pure function: identical inputs produce
// identical output, and the inputs are never mutated. Keyed kinds keep the
// position of their first occurrence and the payload of their latest one;
// markers deduplicate by step id across the inline and auxiliary channels.
func Reduce(messages []stream.UIMessage, events []stream.DataEvent) []Item {
	r := &reduction{
		keyed: make(map[keyedRef]*keyedEntry),
		seen:  make(map[string]struct{}),
	}

	known := make(map[string]struct{}, len(messages))
	for _, msg := range messages {
		known[msg.ID] = struct{}{}
	}
	anchored := make(map[string][]stream.DataEvent)
	var trailing []stream.DataEvent
	for _, ev := range events {
		if ev.AfterMessageID != "" {
			if _, ok := known[ev.AfterMessageID]; ok {
				anchored[ev.AfterMessageID] = append(anchored[ev.AfterMessageID], ev)
				continue
			}
		}
		trailing = append(trailing, ev)
	}

	for i := range messages {
		r.reduceMessage(&messages[i])
		for _, ev := range anchored[messages[i].ID] {
			r.reduceEvent(ev.Name, ev.Payload)
		}
	}
	for _, ev := range trailing {
		r.reduceEvent(ev.Name, ev.Payload)
	}

	return r.flush()
}

func (r *reduction) next() uint64 {
	s := r.seq
	r.seq++
	return s
}

func (r *reduction) reduceMessage(msg *stream.UIMessage) {
	item := &MessageItem{
		itemBase: itemBase{Kind: KindMessage, Sequence: r.next()},
		ID:       msg.ID,
		Role:     msg.Role,
	}
	var content, reasoning strings.Builder
	for _, part := range msg.Parts {
		switch part.Type {
		case stream.PartTypeText:
			content.WriteString(part.Text)
		case stream.PartTypeReasoning:
			reasoning.WriteString(part.Text)
		case stream.PartTypeFile:
			item.AttachedFiles = append(item.AttachedFiles, AttachedFile{
				URL:       part.URL,
				Filename:  part.Filename,
				MediaType: part.MediaType,
			})
		case stream.PartTypeSource:
			item.Sources = append(item.Sources, SourceRef{URL: part.URL, Title: part.Title})
		default:
			name := part.DataEventName()
			if name == "" {
				// unknown part shapes are dropped, never fatal
				continue
			}
			if name == eventError {
				item.Error = stringField(part.Data, "message")
				continue
			}
			r.reduceEvent(name, part.Data)
		}
	}
	item.Content = content.String()
	item.Reasoning = reasoning.String()
	r.items = append(r.items, item)
}

func (r *reduction) reduceEvent(name string, payload map[string]any) {
	switch name {
	case eventPlanStep, eventPlanStepEnd:
		r.reduceMarker(name, payload)
	case eventOutline:
		r.reduceKeyed(KindSlideOutline, payload, "")
	case eventArtifact:
		subtype := artifactSubtype(payload)
		if _, ok := allowedArtifactTypes[subtype]; !ok {
			return
		}
		r.reduceKeyed(KindArtifact, payload, subtype)
	case eventImageSearch:
		r.reduceKeyed(KindImageSearchResults, payload, "")
	case eventResearchReport:
		r.reduceKeyed(KindResearchReport, payload, "")
	case eventFollowups:
		if !r.markSeen(KindFollowups, canonicalPayload(payload)) {
			return
		}
		r.items = append(r.items, &FollowupsItem{
			itemBase: itemBase{Kind: KindFollowups, Sequence: r.next()},
			Payload:  clonePayload(payload),
		})
	default:
		// unknown names dropped for forward compatibility
	}
}

// reduceMarker emits a plan step marker once per (kind, step id); the first
// occurrence fixes both position and payload.
func (r *reduction) reduceMarker(name string, payload map[string]any) {
	kind := KindPlanStepMarker
	if name == eventPlanStepEnd {
		kind = KindPlanStepEndMarker
	}
	stepID := stringField(payload, "step_id")
	if stepID == "" {
		// a marker without a step id is malformed; drop it rather than let
		// it occupy the dedup slot for every later key-less marker
		return
	}
	if !r.markSeen(kind, stepID) {
		return
	}
	base := itemBase{Kind: kind, Sequence: r.next()}
	if kind == KindPlanStepMarker {
		r.items = append(r.items, &PlanStepMarkerItem{itemBase: base, StepID: stepID, Payload: clonePayload(payload)})
		return
	}
	r.items = append(r.items, &PlanStepEndMarkerItem{itemBase: base, StepID: stepID, Payload: clonePayload(payload)})
}

// reduceKeyed applies replace-value-preserve-position: the first occurrence
// of a key claims a sequence slot, later occurrences only refresh the payload.
func (r *reduction) reduceKeyed(kind string, payload map[string]any, subtype string) {
	key := resolveKey(payload)
	if key == "" {
		// a keyed event without a usable key is malformed; drop it
		return
	}
	ref := keyedRef{kind: kind, key: key}
	if entry, ok := r.keyed[ref]; ok {
		entry.latestPayload = clonePayload(payload)
		entry.artifactType = subtype
		return
	}
	r.keyed[ref] = &keyedEntry{
		firstSequence: r.next(),
		latestPayload: clonePayload(payload),
		artifactType:  subtype,
	}
}

func (r *reduction) markSeen(kind, identity string) bool {
	key := kind + "\x00" + identity
	if _, ok := r.seen[key]; ok {
		return false
	}
	r.seen[key] = struct{}{}
	return true
}

func (r *reduction) flush() []Item {
	items := make([]Item, 0, len(r.items)+len(r.keyed))
	items = append(items, r.items...)
	for ref, entry := range r.keyed {
		items = append(items, materializeKeyed(ref, entry))
	}
	// first-occurrence sequences are unique, so the sort is deterministic
	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq() < items[j].Seq() })
	return items
}

func materializeKeyed(ref keyedRef, entry *keyedEntry) Item {
	base := itemBase{Kind: ref.kind, Sequence: entry.firstSequence}
	switch ref.kind {
	case KindSlideOutline:
		return &SlideOutlineItem{itemBase: base, Key: ref.key, Payload: entry.latestPayload}
	case KindArtifact:
		return &ArtifactItem{itemBase: base, Key: ref.key, ArtifactType: entry.artifactType, Payload: entry.latestPayload}
	case KindImageSearchResults:
		return &ImageSearchResultsItem{itemBase: base, Key: ref.key, Payload: entry.latestPayload}
	default:
		return &ResearchReportItem{itemBase: base, Key: ref.key, Payload: entry.latestPayload}
	}
}

// resolveKey finds the stable business key of a keyed payload.
func resolveKey(payload map[string]any) string {
	for _, field := range []string{"artifact_id", "task_id", "id"} {
		if v := stringField(payload, field); v != "" {
			return v
		}
	}
	return ""
}

func artifactSubtype(payload map[string]any) string {
	if t := stringField(payload, "artifact_type"); t != "" {
		return t
	}
	return stringField(payload, "type")
}

// stringField reads payload[field] tolerantly: strings pass through, numeric
// ids are formatted.
func stringField(payload map[string]any, field string) string {
	switch v := payload[field].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

// canonicalPayload renders a payload deterministically for identity checks
// (JSON object keys marshal sorted).
func canonicalPayload(payload map[string]any) string {
	if len(payload) == 0 {
		return ""
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	return string(b)
}

func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
