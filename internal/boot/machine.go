// Package boot decides what the client shows at startup: the terminal, the
// key setup prompt or the installer instructions.
package boot

import "santinel/internal/discovery"

// State is the client connection state.
type State string

const (
	StateInit          State = "INIT"
	StateCheckingHost  State = "CHECKING_HOST"
	StateSetupRequired State = "SETUP_REQUIRED"
	StateInstallerMode State = "INSTALLER_MODE"
	StateReady         State = "READY"
)

// Settled reports whether the state needs a user action or is final.
func (s State) Settled() bool {
	return s == StateReady || s == StateSetupRequired || s == StateInstallerMode
}

// Machine is the full boot state. FirstProbe is set while the
// unconditional first probe is outstanding; Retries counts failed retry
// probes and never includes that first probe.
type Machine struct {
	State      State
	Retries    int
	FirstProbe bool
}

// EventKind enumerates the inputs of the state machine.
type EventKind int

const (
	EventStart EventKind = iota
	EventProbe
	EventReset
)

// Event is one input. Outcome is meaningful only for EventProbe.
type Event struct {
	Kind    EventKind
	Outcome discovery.Outcome
}

func Start() Event                           { return Event{Kind: EventStart} }
func Reset() Event                           { return Event{Kind: EventReset} }
func Probed(outcome discovery.Outcome) Event { return Event{Kind: EventProbe, Outcome: outcome} }

// Next returns the state after ev. ok is false when ev is not valid in the
// current state, in which case m is returned unchanged.
func Next(m Machine, ev Event) (Machine, bool) {
	switch m.State {
	case StateInit:
		if ev.Kind == EventStart {
			return Machine{State: StateCheckingHost, FirstProbe: true}, true
		}

	case StateCheckingHost:
		if ev.Kind != EventProbe {
			break
		}
		switch ev.Outcome {
		case discovery.OutcomeReady:
			return Machine{State: StateReady, Retries: m.Retries}, true
		case discovery.OutcomeSetupRequired:
			return Machine{State: StateSetupRequired, Retries: m.Retries}, true
		default:
			// Unreachable and server errors share the retry budget.
			if m.FirstProbe {
				return Machine{State: StateCheckingHost}, true
			}
			retries := m.Retries + 1
			if retries >= discovery.MaxAttempts {
				return Machine{State: StateInstallerMode, Retries: retries}, true
			}
			return Machine{State: StateCheckingHost, Retries: retries}, true
		}

	case StateSetupRequired, StateInstallerMode:
		if ev.Kind == EventReset {
			return Machine{State: StateInit}, true
		}
	}
	return m, false
}
