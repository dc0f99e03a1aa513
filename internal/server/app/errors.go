// Package app wires the gateway's moving parts together: the per-session
// frame hub, the turn recorder, the coordinator that drives a turn end to
// end, and the timeline service.
package app

import "errors"

// ErrTurnActive is returned when a session already has a running turn.
var ErrTurnActive = errors.New("a turn is already active for this session")
