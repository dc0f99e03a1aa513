package transcode

import (
	"strings"

	"fable/internal/runtime"
)

// Nodes whose model output is internal bookkeeping (planning, sub-agent
// coordination) and must never reach the text/reasoning channel. The
// classification is a fixed deny set; every other node streams through.
var internalNodes = map[string]struct{}{
	"planner":     {},
	"coordinator": {},
	"supervisor":  {},
}

// isInternalNode reports whether the envelope metadata identifies an internal
// node, either by node name or by any segment of the checkpoint namespace.
// Namespace elements look like "node:uuid" joined with "|".
func isInternalNode(md runtime.Metadata) bool {
	if _, ok := internalNodes[md.Node]; ok {
		return true
	}
	if md.CheckpointNamespace == "" {
		return false
	}
	for _, element := range strings.Split(md.CheckpointNamespace, "|") {
		name, _, _ := strings.Cut(element, ":")
		if _, ok := internalNodes[name]; ok {
			return true
		}
	}
	return false
}
