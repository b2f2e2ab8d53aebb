package relay

import "fmt"

type State string

const (
	StateBuilt               State = "built"
	StateSponsored           State = "sponsored"
	StateSigned              State = "signed"
	StateSubmitted           State = "submitted"
	StatePending             State = "pending"
	StateConfirmed           State = "confirmed"
	StateFailed              State = "failed"
	StateReplacementRejected State = "replacement_rejected"
)

var transitions = map[State][]State{
	StateBuilt:     {StateSponsored, StateFailed},
	StateSponsored: {StateSigned, StateFailed},
	StateSigned:    {StateSubmitted},
	// Submitted -> Built happens once, when the bundler rejects the nonce and a fresh one is
	// allocated.
	StateSubmitted:           {StatePending, StateConfirmed, StateFailed, StateReplacementRejected, StateBuilt},
	StateReplacementRejected: {StateBuilt, StateFailed},
	// a pending record is settled later by the reconciler
	StatePending: {StateConfirmed, StateFailed},
}

func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StatePending
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// machine records the path of one relay attempt. An illegal transition is a bug in the
// pipeline, so it panics.
type machine struct {
	state State
	trace []State
}

func newMachine() *machine {
	return &machine{state: StateBuilt, trace: []State{StateBuilt}}
}

func (m *machine) to(next State) {
	if !CanTransition(m.state, next) {
		panic(fmt.Sprintf("relay: illegal transition %s -> %s", m.state, next))
	}
	m.state = next
	m.trace = append(m.trace, next)
}

func (m *machine) Trace() []State {
	return append([]State{}, m.trace...)
}
