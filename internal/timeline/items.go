// Package timeline reduces a session's messages and data events to the flat,
// ordered, deduplicated item list a chat client renders.
package timeline

import "fable/pkg/types/stream"

// Timeline item kinds.
const (
	KindMessage            = "message"
	KindPlanStepMarker     = "plan_step_marker"
	KindPlanStepEndMarker  = "plan_step_end_marker"
	KindSlideOutline       = "slide_outline"
	KindArtifact           = "artifact"
	KindImageSearchResults = "image_search_results"
	KindResearchReport     = "research_report"
	KindFollowups          = "coordinator_followups"
)

// Item is one entry of the reduced timeline. Sequence numbers establish
// display order and are unique within one reduction pass.
type Item interface {
	ItemKind() string
	Seq() uint64
}

type itemBase struct {
	Kind     string `json:"kind"`
	Sequence uint64 `json:"sequence"`
}

func (b itemBase) ItemKind() string { return b.Kind }
func (b itemBase) Seq() uint64      { return b.Sequence }

// AttachedFile carries a file part's metadata through folding untransformed.
type AttachedFile struct {
	URL       string `json:"url"`
	Filename  string `json:"filename,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// SourceRef is a citation collected from a message's source parts.
type SourceRef struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// MessageItem is a folded conversation message: ordered text parts
// concatenated into Content, reasoning parts into Reasoning. Error carries an
// inline stream-failure indicator when the turn ended abnormally.
type MessageItem struct {
	itemBase
	ID            string         `json:"id"`
	Role          stream.Role    `json:"role"`
	Content       string         `json:"content"`
	Reasoning     string         `json:"reasoning,omitempty"`
	Sources       []SourceRef    `json:"sources,omitempty"`
	AttachedFiles []AttachedFile `json:"attachedFiles,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// PlanStepMarkerItem marks the start of a plan step. Markers are emitted at
// most once per step id.
type PlanStepMarkerItem struct {
	itemBase
	StepID  string         `json:"stepId"`
	Payload map[string]any `json:"payload,omitempty"`
}

// PlanStepEndMarkerItem marks the completion of a plan step.
type PlanStepEndMarkerItem struct {
	itemBase
	StepID  string         `json:"stepId"`
	Payload map[string]any `json:"payload,omitempty"`
}

// SlideOutlineItem is the keyed outline card for one artifact id.
type SlideOutlineItem struct {
	itemBase
	Key     string         `json:"key"`
	Payload map[string]any `json:"payload"`
}

// ArtifactItem is a keyed writer output (story framework, character sheet,
// comic script).
type ArtifactItem struct {
	itemBase
	Key          string         `json:"key"`
	ArtifactType string         `json:"artifactType,omitempty"`
	Payload      map[string]any `json:"payload"`
}

// ImageSearchResultsItem is the keyed result set of one image search task.
type ImageSearchResultsItem struct {
	itemBase
	Key     string         `json:"key"`
	Payload map[string]any `json:"payload"`
}

// ResearchReportItem is the keyed report of one research task.
type ResearchReportItem struct {
	itemBase
	Key     string         `json:"key"`
	Payload map[string]any `json:"payload"`
}

// FollowupsItem carries suggested follow-up prompts. Append-only, no key.
type FollowupsItem struct {
	itemBase
	Payload map[string]any `json:"payload,omitempty"`
}
