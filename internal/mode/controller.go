// Package mode tracks whether a view is read-only, being edited, or waiting
// for the user to confirm that unsaved edits may be discarded.
package mode

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// State is the interaction mode of a view.
type State int

const (
	ReadOnly State = iota
	Editing
	// ConfirmDiscard is a sub-state of Editing entered when the user asks to
	// leave edit mode with unsaved changes.
	ConfirmDiscard
)

func (s State) String() string {
	switch s {
	case ReadOnly:
		return "read_only"
	case Editing:
		return "editing"
	case ConfirmDiscard:
		return "confirm_discard"
	default:
		return "unknown"
	}
}

// ErrInvalidTransition is returned when an event is not accepted in the
// current state.
var ErrInvalidTransition = errors.New("invalid mode transition")

// DirtySource reports whether any record differs from its baseline.
type DirtySource interface {
	HasAnyDirty() bool
}

// Discarder resets every working value to its baseline. It may refuse, in
// which case the mode does not change.
type Discarder interface {
	DiscardAll() error
}

// DiscardFunc adapts a function to Discarder.
type DiscardFunc func() error

func (f DiscardFunc) DiscardAll() error { return f() }

// Controller is the mode state machine.
type Controller struct {
	mu        sync.Mutex
	state     State
	dirty     DirtySource
	discarder Discarder
	onChange  func(State)
	logger    zerolog.Logger
}

// NewController starts in ReadOnly.
func NewController(dirty DirtySource, discarder Discarder, logger zerolog.Logger) *Controller {
	return &Controller{dirty: dirty, discarder: discarder, logger: logger}
}

// OnChange registers a callback invoked after every transition.
func (c *Controller) OnChange(fn func(State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// State returns the current mode.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CanEdit reports whether edits are accepted. Edits are blocked while a
// discard confirmation is open.
func (c *Controller) CanEdit() bool {
	return c.State() == Editing
}

// EnterEdit moves ReadOnly to Editing.
func (c *Controller) EnterEdit() error {
	return c.transition("enter_edit", func(s State) (State, error) {
		if s != ReadOnly {
			return s, ErrInvalidTransition
		}
		return Editing, nil
	})
}

// RequestExit leaves Editing directly when nothing is dirty, otherwise it
// opens the discard confirmation. The returned state tells which happened.
func (c *Controller) RequestExit() (State, error) {
	var next State
	err := c.transition("request_exit", func(s State) (State, error) {
		if s != Editing {
			return s, ErrInvalidTransition
		}
		if c.dirty.HasAnyDirty() {
			next = ConfirmDiscard
		} else {
			next = ReadOnly
		}
		return next, nil
	})
	if err != nil {
		return c.State(), err
	}
	return next, nil
}

// ConfirmDiscard reverts every record to its baseline and returns to ReadOnly.
func (c *Controller) ConfirmDiscard() error {
	return c.transition("confirm_discard", func(s State) (State, error) {
		if s != ConfirmDiscard {
			return s, ErrInvalidTransition
		}
		if err := c.discarder.DiscardAll(); err != nil {
			return s, err
		}
		return ReadOnly, nil
	})
}

// CancelExit closes the confirmation and keeps editing; nothing is reverted.
func (c *Controller) CancelExit() error {
	return c.transition("cancel_exit", func(s State) (State, error) {
		if s != ConfirmDiscard {
			return s, ErrInvalidTransition
		}
		return Editing, nil
	})
}

// Toggle is the single mode button: ReadOnly enters Editing, Editing requests
// exit. It is refused while the confirmation is open.
func (c *Controller) Toggle() (State, error) {
	switch c.State() {
	case ReadOnly:
		if err := c.EnterEdit(); err != nil {
			return c.State(), err
		}
		return Editing, nil
	case Editing:
		return c.RequestExit()
	default:
		return c.State(), fmt.Errorf("toggle from %s: %w", ConfirmDiscard, ErrInvalidTransition)
	}
}

func (c *Controller) transition(event string, step func(State) (State, error)) error {
	c.mu.Lock()
	from := c.state
	to, err := step(from)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, ErrInvalidTransition) {
			return fmt.Errorf("%s from %s: %w", event, from, err)
		}
		return err
	}
	c.state = to
	fn := c.onChange
	c.mu.Unlock()

	c.logger.Debug().Str("event", event).Str("from", from.String()).Str("to", to.String()).Msg("mode changed")
	if fn != nil && from != to {
		fn(to)
	}
	return nil
}
