package save

import (
	"fmt"
	"sort"
	"time"

	"github.com/example/roster-sync/internal/types"
)

// BatchResult aggregates the outcomes of one commit cycle. It is best-effort:
// succeeded and failed ids are reported side by side.
type BatchResult struct {
	Trigger    Trigger
	Requested  int
	Succeeded  []types.RecordID
	Failed     map[types.RecordID]error
	Outcomes   []types.Outcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// SucceededCount returns the number of committed records.
func (r BatchResult) SucceededCount() int { return len(r.Succeeded) }

// FailedCount returns the number of records that stayed dirty.
func (r BatchResult) FailedCount() int { return len(r.Failed) }

// Partial reports a mixed batch.
func (r BatchResult) Partial() bool {
	return len(r.Succeeded) > 0 && len(r.Failed) > 0
}

// FailedIDs returns the failed ids sorted.
func (r BatchResult) FailedIDs() []types.RecordID {
	ids := make([]types.RecordID, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Message renders the user-facing count, e.g. "Saved 3, failed 2".
func (r BatchResult) Message() string {
	switch {
	case r.Requested == 0:
		return "Nothing to save"
	case len(r.Failed) == 0:
		return fmt.Sprintf("Saved %d", len(r.Succeeded))
	default:
		return fmt.Sprintf("Saved %d, failed %d", len(r.Succeeded), len(r.Failed))
	}
}

// Report is the archived summary of a batch.
type Report struct {
	View       types.ViewID              `json:"view"`
	Scope      types.Scope               `json:"scope"`
	Trigger    Trigger                   `json:"trigger"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
	Succeeded  []types.RecordID          `json:"succeeded"`
	Failed     map[types.RecordID]string `json:"failed,omitempty"`
	Message    string                    `json:"message"`
}

// Report converts the result into its archived form.
func (r BatchResult) Report(scope types.Scope, view types.ViewID) Report {
	failed := make(map[types.RecordID]string, len(r.Failed))
	for id, err := range r.Failed {
		failed[id] = err.Error()
	}
	return Report{
		View:       view,
		Scope:      scope,
		Trigger:    r.Trigger,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		Succeeded:  append([]types.RecordID(nil), r.Succeeded...),
		Failed:     failed,
		Message:    r.Message(),
	}
}
