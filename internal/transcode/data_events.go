package transcode

import (
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"
)

// customFrames maps upstream custom event names to downstream data frame
// names. Unknown names are dropped rather than forwarded, so a runtime that
// grows new event types never breaks older clients.
var customFrames = map[string]string{
	"plan_step":            "plan_step",
	"plan_step_end":        "plan_step_end",
	"outline":              "outline",
	"artifact":             "artifact",
	"image_search_results": "image_search_results",
	"research_report":      "research_report",
	"followups":            "followups",
}

func frameNameFor(eventName string) (string, bool) {
	frameName, ok := customFrames[eventName]
	return frameName, ok
}

// decodePayload normalizes a custom event payload to an object. Runtime
// nodes occasionally emit their payload as a JSON-encoded string, sometimes
// truncated or single-quoted by the producing model; those are repaired and
// re-parsed. Anything that still isn't an object is wrapped under "value" so
// the payload survives verbatim.
func decodePayload(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		if repaired := repairToObject(string(raw)); repaired != nil {
			return repaired
		}
		return map[string]any{"value": string(raw)}
	}

	switch value := decoded.(type) {
	case map[string]any:
		return value
	case string:
		if nested := parseObject(value); nested != nil {
			return nested
		}
		if repaired := repairToObject(value); repaired != nil {
			return repaired
		}
		return map[string]any{"value": value}
	default:
		return map[string]any{"value": value}
	}
}

func parseObject(s string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil
	}
	return obj
}

func repairToObject(s string) map[string]any {
	repaired, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return nil
	}
	return parseObject(repaired)
}
