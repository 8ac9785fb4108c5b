package supervisor

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of the worker process owned by a Supervisor.
type State int

const (
	StateCreated State = iota
	StateLoading
	// StateAwaitingReady: the worker finished loading but has not sent its
	// ready signal yet.
	StateAwaitingReady
	// StateAwaitingLoad: the ready signal arrived before the load finished.
	StateAwaitingLoad
	StateReady
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateLoading:
		return "loading"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateAwaitingLoad:
		return "awaiting-load"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) loading() bool {
	return s == StateLoading || s == StateAwaitingReady || s == StateAwaitingLoad
}

// Mode selects how load failures are handled.
type Mode int

const (
	// ModeProduction reports load failures to OnFailedToLoad listeners.
	ModeProduction Mode = iota
	// ModeDiagnostic surfaces load failures through the diagnose hook and
	// keeps the failed process around for inspection.
	ModeDiagnostic
)

func (m Mode) String() string {
	if m == ModeDiagnostic {
		return "diagnostic"
	}
	return "production"
}

// ParseMode parses a configured mode name. The empty string selects
// ModeProduction.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "production":
		return ModeProduction, nil
	case "diagnostic":
		return ModeDiagnostic, nil
	default:
		return ModeProduction, fmt.Errorf("unknown supervisor mode %q", s)
	}
}

// LoadEvent is a lifecycle event reported by a Launcher while it brings a
// worker up. Launchers may report the same event more than once.
type LoadEvent int

const (
	LoadStarted LoadEvent = iota + 1
	LoadFinished
	LoadFailed
)

func (e LoadEvent) String() string {
	switch e {
	case LoadStarted:
		return "did-start-loading"
	case LoadFinished:
		return "did-finish-load"
	case LoadFailed:
		return "did-fail-load"
	default:
		return fmt.Sprintf("load-event(%d)", int(e))
	}
}
