// Package conversation owns per-conversation state: the state machine, turn
// counters, and the only write path to persistent conversation rows.
//
// Every other pipeline stage is pure given its inputs; this package is the
// single place allowed to mutate conversation state, and it does so under an
// optimistic version check so concurrent or out-of-order turns are detected
// rather than silently merged.
package conversation

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no conversation exists for a (tenant, phone)
// pair.
var ErrNotFound = errors.New("conversation: not found")

// ErrVersionConflict is returned by Store.Update when the row changed since
// it was loaded. The caller retries once against fresh state; a second
// conflict escalates to a human rather than guessing.
var ErrVersionConflict = errors.New("conversation: version conflict")

// State of a conversation.
type State string

const (
	// StateIdle means no automated exchange is in flight.
	StateIdle State = "idle"
	// StateAwaitingClarification means the bot asked a clarifying question.
	StateAwaitingClarification State = "awaiting_clarification"
	// StateAwaitingConfirmation means a rule asked for staff confirmation.
	StateAwaitingConfirmation State = "awaiting_confirmation"
	// StateResolved means the last topic was answered automatically.
	StateResolved State = "resolved"
	// StateEscalated means a transfer request is waiting for an agent.
	StateEscalated State = "escalated"
	// StateHandedOff means a human owns the conversation until they close it.
	StateHandedOff State = "handed_off"
)

// Conversation is the persistent per-guest record. One row exists per
// (tenant, phone) pair; it is created on the first inbound message.
type Conversation struct {
	ID                    string
	TenantID              string
	GuestPhone            string
	State                 State
	ClarificationAttempts int
	// LastIntent is the intent label of the previous turn.
	LastIntent string
	// LastTopic identifies the subject of the pending clarification so
	// consecutive ambiguous turns on the same topic can be counted.
	LastTopic string
	// Version backs the optimistic concurrency check; it increments on
	// every successful write.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// transitions is the allowed state machine. HandedOff is reachable from any
// state (forced handoff) and left only when staff close the conversation.
var transitions = map[State][]State{
	StateIdle:                  {StateAwaitingClarification, StateAwaitingConfirmation, StateResolved, StateEscalated, StateHandedOff},
	StateResolved:              {StateAwaitingClarification, StateAwaitingConfirmation, StateResolved, StateEscalated, StateHandedOff},
	StateAwaitingClarification: {StateAwaitingClarification, StateResolved, StateEscalated, StateHandedOff},
	StateAwaitingConfirmation:  {StateAwaitingClarification, StateAwaitingConfirmation, StateResolved, StateEscalated, StateHandedOff},
	StateEscalated:             {StateHandedOff, StateIdle},
	StateHandedOff:             {StateIdle},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Transition applies a state change in place, enforcing the machine and its
// guards:
//
//   - entering AwaitingClarification increments ClarificationAttempts when
//     the topic is unchanged and restarts the counter on a new topic;
//   - entering AwaitingConfirmation keeps the pending topic so an
//     affirmative reply can complete the action, but counts no attempt;
//   - entering any other state clears the counter and pending topic.
//
// Exactly one Transition happens per orchestrator run.
func (c *Conversation) Transition(to State, intentLabel, topic string) error {
	if !CanTransition(c.State, to) {
		return fmt.Errorf("conversation: illegal transition %s → %s", c.State, to)
	}

	switch to {
	case StateAwaitingClarification:
		if c.State == StateAwaitingClarification && c.LastTopic == topic {
			c.ClarificationAttempts++
		} else {
			c.ClarificationAttempts = 1
		}
		c.LastTopic = topic
	case StateAwaitingConfirmation:
		c.ClarificationAttempts = 0
		c.LastTopic = topic
	default:
		c.ClarificationAttempts = 0
		c.LastTopic = ""
	}

	c.State = to
	if intentLabel != "" {
		c.LastIntent = intentLabel
	}
	return nil
}

// Active reports whether the engine may answer automatically. Handed-off and
// escalated conversations belong to humans.
func (c *Conversation) Active() bool {
	return c.State != StateHandedOff && c.State != StateEscalated
}
