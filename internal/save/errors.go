package save

import (
	"errors"
	"fmt"

	"github.com/example/roster-sync/internal/types"
)

var (
	// ErrSaveInProgress is returned when a commit cycle is already running.
	ErrSaveInProgress = errors.New("a save is already in progress")
	errNoResult       = errors.New("remote store returned no result")
)

// CommitError reports a remote failure for one record.
type CommitError struct {
	ID     types.RecordID
	Reason string
	Err    error
}

func (e *CommitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("commit %s: %v", e.ID, e.Err)
	}
	return fmt.Sprintf("commit %s: %s", e.ID, e.Reason)
}

func (e *CommitError) Unwrap() error { return e.Err }

// LinkedCommitError reports that the primary record was stored but its
// denormalized copy on a related record was not.
type LinkedCommitError struct {
	ID     types.RecordID
	Writes []types.LinkedWrite
	Err    error
}

func (e *LinkedCommitError) Error() string {
	return fmt.Sprintf("linked update for %s (%d writes): %v", e.ID, len(e.Writes), e.Err)
}

func (e *LinkedCommitError) Unwrap() error { return e.Err }

// IsCommitFailure reports whether err came from the remote store rather than
// from local validation.
func IsCommitFailure(err error) bool {
	var cerr *CommitError
	var lerr *LinkedCommitError
	return errors.As(err, &cerr) || errors.As(err, &lerr)
}
