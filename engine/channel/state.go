// Copyright (C) 2025 Meridian Contributors.
// See LICENSE for copying information.

package channel

// State is the lifecycle state of a deployed channel.
type State string

// Channel lifecycle states. PAUSED affects the source connector only;
// destination queues keep draining.
const (
	StateUndeployed State = "UNDEPLOYED"
	StateStopped    State = "STOPPED"
	StateStarting   State = "STARTING"
	StateStarted    State = "STARTED"
	StatePausing    State = "PAUSING"
	StatePaused     State = "PAUSED"
	StateResuming   State = "RESUMING"
	StateStopping   State = "STOPPING"
)

var stateTransitions = map[State][]State{
	StateUndeployed: {StateStopped},
	StateStopped:    {StateStarting, StateUndeployed},
	StateStarting:   {StateStarted, StateStopping},
	StateStarted:    {StatePausing, StateStopping},
	StatePausing:    {StatePaused, StateStopping},
	StatePaused:     {StateResuming, StateStopping},
	StateResuming:   {StateStarted, StateStopping},
	StateStopping:   {StateStopped},
}

// CanTransition reports whether the lifecycle permits moving from one
// state to another.
func CanTransition(from, to State) bool {
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Running reports whether the state accepts new messages for processing.
// A paused channel still accepts manual and remote dispatches; only its
// source transport is suspended.
func (state State) Running() bool {
	switch state {
	case StateStarted, StatePausing, StatePaused, StateResuming:
		return true
	default:
		return false
	}
}
