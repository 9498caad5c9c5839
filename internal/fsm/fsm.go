// SPDX-License-Identifier: MIT

// Package fsm is a small, strict state machine runner. Unknown transitions
// are errors and never advance state, which is the property the recording
// lifecycle depends on.
package fsm

import (
	"context"
	"fmt"
	"sync"
)

// Transition describes a single edge. Guard may reject the transition;
// Action performs its side effects before the state advances.
type Transition[S ~string, E ~string] struct {
	From   S
	Event  E
	To     S
	Guard  func(ctx context.Context, from S, event E) error
	Action func(ctx context.Context, from, to S, event E) error
}

// ErrInvalidTransition wraps a rejected event with its origin state.
type ErrInvalidTransition[S ~string, E ~string] struct {
	State S
	Event E
}

func (e *ErrInvalidTransition[S, E]) Error() string {
	return fmt.Sprintf("invalid transition: state=%s event=%s", e.State, e.Event)
}

// Machine runs a fixed transition table under a single mutex.
type Machine[S ~string, E ~string] struct {
	mu    sync.Mutex
	state S
	index map[string]Transition[S, E]
}

// New builds a machine from its transition table.
func New[S ~string, E ~string](initial S, transitions []Transition[S, E]) (*Machine[S, E], error) {
	idx := make(map[string]Transition[S, E], len(transitions))
	for _, t := range transitions {
		k := key(t.From, t.Event)
		if _, exists := idx[k]; exists {
			return nil, fmt.Errorf("duplicate transition: %s -> %s", t.From, t.Event)
		}
		idx[k] = t
	}
	return &Machine[S, E]{state: initial, index: idx}, nil
}

// State returns the current state.
func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies an event. Guard and Action run while the machine is locked,
// so state transitions are fully serialized; callers must not re-enter the
// machine from within a guard or action.
func (m *Machine[S, E]) Fire(ctx context.Context, event E) (S, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	t, ok := m.index[key(from, event)]
	if !ok {
		return from, &ErrInvalidTransition[S, E]{State: from, Event: event}
	}
	if t.Guard != nil {
		if err := t.Guard(ctx, from, event); err != nil {
			return from, err
		}
	}
	if t.Action != nil {
		if err := t.Action(ctx, from, t.To, event); err != nil {
			return from, err
		}
	}
	m.state = t.To
	return t.To, nil
}

func key[S ~string, E ~string](from S, event E) string {
	return string(from) + "|" + string(event)
}
