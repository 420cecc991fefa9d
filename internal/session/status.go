package session

import (
	"time"

	"github.com/example/roster-sync/internal/types"
)

const savedAtLayout = "15:04:05"

// Status is the snapshot of a view rendered by the dashboard and pushed over
// the status stream.
type Status struct {
	View            types.ViewID              `json:"view"`
	Scope           types.Scope               `json:"scope"`
	Mode            string                    `json:"mode"`
	SaveState       string                    `json:"save_state"`
	Trigger         string                    `json:"trigger,omitempty"`
	Dirty           int                       `json:"dirty"`
	DirtyIDs        []types.RecordID          `json:"dirty_ids"`
	AutosavePending bool                      `json:"autosave_pending"`
	Label           string                    `json:"label"`
	LastSavedAt     *time.Time                `json:"last_saved_at,omitempty"`
	LastBatch       string                    `json:"last_batch,omitempty"`
	Failed          map[types.RecordID]string `json:"failed,omitempty"`
	Stale           []types.RecordID          `json:"stale,omitempty"`
}
