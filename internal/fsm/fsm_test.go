// SPDX-License-Identifier: MIT

package fsm

import (
	"context"
	"errors"
	"testing"
)

type st string
type ev string

func table() []Transition[st, ev] {
	return []Transition[st, ev]{
		{From: "idle", Event: "go", To: "running"},
		{From: "running", Event: "halt", To: "idle"},
	}
}

func TestFireValidAndInvalid(t *testing.T) {
	m, err := New[st, ev]("idle", table())
	if err != nil {
		t.Fatal(err)
	}

	s, err := m.Fire(context.Background(), "go")
	if err != nil || s != "running" {
		t.Fatalf("Fire(go) = %s, %v", s, err)
	}

	// Invalid event must not advance state.
	s, err = m.Fire(context.Background(), "go")
	var inv *ErrInvalidTransition[st, ev]
	if !errors.As(err, &inv) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}
	if s != "running" || m.State() != "running" {
		t.Fatalf("invalid event moved state to %s", m.State())
	}
}

func TestGuardRejectionKeepsState(t *testing.T) {
	denied := errors.New("denied")
	m, _ := New[st, ev]("idle", []Transition[st, ev]{
		{From: "idle", Event: "go", To: "running",
			Guard: func(context.Context, st, ev) error { return denied }},
	})

	_, err := m.Fire(context.Background(), "go")
	if !errors.Is(err, denied) {
		t.Fatalf("want guard error, got %v", err)
	}
	if m.State() != "idle" {
		t.Fatalf("guard rejection advanced state to %s", m.State())
	}
}

func TestActionFailureKeepsState(t *testing.T) {
	boom := errors.New("boom")
	m, _ := New[st, ev]("idle", []Transition[st, ev]{
		{From: "idle", Event: "go", To: "running",
			Action: func(context.Context, st, st, ev) error { return boom }},
	})

	_, err := m.Fire(context.Background(), "go")
	if !errors.Is(err, boom) {
		t.Fatalf("want action error, got %v", err)
	}
	if m.State() != "idle" {
		t.Fatalf("failed action advanced state to %s", m.State())
	}
}

func TestDuplicateTransitionRejected(t *testing.T) {
	_, err := New[st, ev]("idle", []Transition[st, ev]{
		{From: "idle", Event: "go", To: "running"},
		{From: "idle", Event: "go", To: "idle"},
	})
	if err == nil {
		t.Fatal("duplicate transition accepted")
	}
}
