// SPDX-License-Identifier: MIT

package exchange

import "fmt"

// State is a service provider's position in the credential exchange.
type State string

const (
	StateInvited               State = "INVITED"
	StatePresentationRequested State = "PRESENTATION_REQUESTED"
	StatePresentationSent      State = "PRESENTATION_SENT"
	StateVerified              State = "VERIFIED"
	StateRejected              State = "REJECTED"
)

// transitions is the strict edge set; anything not listed is an error.
var transitions = map[State][]State{
	StateInvited:               {StatePresentationRequested},
	StatePresentationRequested: {StatePresentationSent},
	StatePresentationSent:      {StateVerified, StateRejected},
}

// ErrInvalidTransition is returned when an event arrives out of order.
type ErrInvalidTransition struct {
	From, To State
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("exchange: invalid transition %s -> %s", e.From, e.To)
}

// advance validates a single transition.
func advance(from, to State) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return ErrInvalidTransition{From: from, To: to}
}
