// Package fsm implements the guarded finite-state-machine engine shared by
// every subsystem manager in the agent.
//
// A Machine holds a fixed table of (state, event) -> state rules built once
// through a Builder. Transitions are serialized: Fire takes an internal lock,
// so at most one transition is in flight per machine and the owning manager
// remains the single writer of its state. Observers registered with Subscribe
// are notified after each committed transition, in registration order. An
// observer error is logged and does not unwind the transition.
package fsm

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Event names a stimulus that may move a machine between states.
type Event string

// InvalidTransitionError is returned by Fire when no rule permits the event
// from the machine's current state. The machine's state is unchanged.
type InvalidTransitionError struct {
	Machine string
	From    string
	Event   Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("fsm %s: no transition for event %q from state %q", e.Machine, e.Event, e.From)
}

// GuardError wraps the error returned by a transition guard. The transition
// was vetoed and the machine's state is unchanged.
type GuardError struct {
	Machine string
	From    string
	To      string
	Event   Event
	Err     error
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("fsm %s: guard vetoed %q (%s -> %s): %v", e.Machine, e.Event, e.From, e.To, e.Err)
}

func (e *GuardError) Unwrap() error { return e.Err }

// Observer receives committed transitions. Returning an error only produces a
// log line; it never rolls the transition back.
type Observer[S ~string] func(from, to S, event Event) error

type rule[S ~string] struct {
	to    S
	guard func() error
}

type key[S ~string] struct {
	from  S
	event Event
}

// Builder assembles the transition table for a Machine. All Permit calls must
// happen before Build; the table is immutable afterwards.
type Builder[S ~string] struct {
	name    string
	initial S
	log     logrus.FieldLogger
	table   map[key[S]]rule[S]
}

// NewBuilder starts a transition table for a machine with the given name and
// initial state. The name appears in errors and log fields.
func NewBuilder[S ~string](name string, initial S, log logrus.FieldLogger) *Builder[S] {
	return &Builder[S]{
		name:    name,
		initial: initial,
		log:     log,
		table:   make(map[key[S]]rule[S]),
	}
}

// Permit allows event to move the machine from one state to another.
func (b *Builder[S]) Permit(from S, event Event, to S) *Builder[S] {
	return b.PermitIf(from, event, to, nil)
}

// PermitIf allows the transition only when guard returns nil. The guard runs
// under the machine lock, so it observes a stable current state.
func (b *Builder[S]) PermitIf(from S, event Event, to S, guard func() error) *Builder[S] {
	b.table[key[S]{from: from, event: event}] = rule[S]{to: to, guard: guard}
	return b
}

// Build finalizes the table and returns the machine in its initial state.
func (b *Builder[S]) Build() *Machine[S] {
	return &Machine[S]{
		name:    b.name,
		log:     b.log.WithField("fsm", b.name),
		current: b.initial,
		table:   b.table,
	}
}

// Machine is a single-writer guarded state machine.
type Machine[S ~string] struct {
	mu        sync.Mutex
	name      string
	log       logrus.FieldLogger
	current   S
	table     map[key[S]]rule[S]
	observers []Observer[S]
}

// Name returns the machine name given at construction.
func (m *Machine[S]) Name() string { return m.name }

// Current returns the machine's current state.
func (m *Machine[S]) Current() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Is reports whether the current state equals any of the given states.
func (m *Machine[S]) Is(states ...S) bool {
	cur := m.Current()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}

// Subscribe registers an observer for committed transitions. Observers are
// invoked in registration order after the machine lock is released, so they
// may read Current; notifications from overlapping Fire calls can interleave.
func (m *Machine[S]) Subscribe(obs Observer[S]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, obs)
}

// Fire attempts to apply event to the current state. On success the new state
// is returned; otherwise the state is unchanged and the error explains whether
// the transition was absent from the table or vetoed by its guard.
func (m *Machine[S]) Fire(event Event) (S, error) {
	m.mu.Lock()

	r, ok := m.table[key[S]{from: m.current, event: event}]
	if !ok {
		cur := m.current
		m.mu.Unlock()
		return cur, &InvalidTransitionError{
			Machine: m.name,
			From:    string(cur),
			Event:   event,
		}
	}

	if r.guard != nil {
		if err := r.guard(); err != nil {
			cur := m.current
			m.mu.Unlock()
			return cur, &GuardError{
				Machine: m.name,
				From:    string(cur),
				To:      string(r.to),
				Event:   event,
				Err:     err,
			}
		}
	}

	from := m.current
	m.current = r.to
	observers := append([]Observer[S](nil), m.observers...)
	m.mu.Unlock()

	m.log.WithFields(logrus.Fields{
		"from":  string(from),
		"to":    string(r.to),
		"event": string(event),
	}).Debug("state transition")

	// Observers run outside the lock so a slow observer cannot block
	// Current() readers or other transitions.
	for _, obs := range observers {
		m.notify(obs, from, r.to, event)
	}

	return r.to, nil
}

// notify runs a single observer, containing panics and logging failures so a
// bad observer cannot poison the transition or its successors.
func (m *Machine[S]) notify(obs Observer[S], from, to S, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.WithFields(logrus.Fields{
				"from":  string(from),
				"to":    string(to),
				"event": string(event),
				"panic": rec,
			}).Error("observer panicked")
		}
	}()
	if err := obs(from, to, event); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"from":  string(from),
			"to":    string(to),
			"event": string(event),
		}).Warn("observer failed")
	}
}
