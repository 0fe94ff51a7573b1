package core

import "fmt"

// State is the supervisor lifecycle state.
type State int

const (
	// StateStarting runs dependency health checks before any frame is
	// consumed.
	StateStarting State = iota
	// StateRunning is the steady-state pipeline loop.
	StateRunning
	// StateReloadingConfig applies a validated configuration reload;
	// re-entrant from Running, returns to Running.
	StateReloadingConfig
	// StateDraining stops admitting frames and flushes sinks, under a
	// hard ceiling.
	StateDraining
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReloadingConfig:
		return "reloading_config"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}
