// Package navguard decides whether leaving a view must be confirmed.
package navguard

import (
	"fmt"
	"strings"
)

// Policy selects when navigation is blocked.
type Policy string

const (
	// Lenient blocks while unsaved edits exist and no save is running.
	Lenient Policy = "lenient"
	// Strict additionally blocks while a save is in flight.
	Strict Policy = "strict"
)

// ParsePolicy accepts "lenient" or "strict", case-insensitively. Empty means
// Lenient.
func ParsePolicy(raw string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", Lenient:
		return Lenient, nil
	case Strict:
		return Strict, nil
	default:
		return "", fmt.Errorf("unknown navigation guard policy %q", raw)
	}
}

// Source exposes the view state the guard inspects.
type Source interface {
	HasAnyDirty() bool
	Persisting() bool
}

// Decision is the result of a leave check.
type Decision struct {
	Block   bool   `json:"block"`
	Message string `json:"message,omitempty"`
}

const (
	unsavedMessage = "You have unsaved changes. Leave without saving?"
	savingMessage  = "Changes are still being saved. Leave anyway?"
)

// Guard answers before-leave checks for one view.
type Guard struct {
	policy Policy
	source Source
}

// New builds a guard. An empty policy means Lenient.
func New(source Source, policy Policy) *Guard {
	if policy == "" {
		policy = Lenient
	}
	return &Guard{policy: policy, source: source}
}

// Policy returns the configured policy.
func (g *Guard) Policy() Policy { return g.policy }

// Check reports whether navigation should be confirmed.
func (g *Guard) Check() Decision {
	saving := g.source.Persisting()
	if saving {
		if g.policy == Strict {
			return Decision{Block: true, Message: savingMessage}
		}
		return Decision{}
	}
	if g.source.HasAnyDirty() {
		return Decision{Block: true, Message: unsavedMessage}
	}
	return Decision{}
}
