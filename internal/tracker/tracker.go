// Package tracker holds the baseline and working copies of a roster and
// derives the dirty set from them.
package tracker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/volatiletech/null/v8"

	"github.com/example/roster-sync/internal/types"
)

var (
	// ErrUnknownRecord is returned for ids outside the loaded roster.
	ErrUnknownRecord = errors.New("record not in roster")
	// ErrUnknownField is returned for fields outside the roster schema.
	ErrUnknownField = errors.New("field not in schema")
)

// Pending is a dispatch-time copy of one record. It is handed back to
// Reconcile once the remote store confirms the commit.
type Pending struct {
	ID         types.RecordID
	Sent       types.Fields
	Prior      types.Fields
	Generation uint64
}

// Tracker keeps the Baseline and Working stores for one roster. The dirty set
// is never stored; every query recomputes it from the two maps.
type Tracker struct {
	mu         sync.RWMutex
	schema     *types.Schema
	tracked    []string
	roster     []types.RecordID
	index      map[types.RecordID]int
	baseline   map[types.RecordID]types.Fields
	working    map[types.RecordID]types.Fields
	generation uint64
}

// New creates an empty tracker. schema may be nil.
func New(schema *types.Schema) *Tracker {
	return &Tracker{
		schema:   schema,
		tracked:  schema.Tracked(),
		index:    make(map[types.RecordID]int),
		baseline: make(map[types.RecordID]types.Fields),
		working:  make(map[types.RecordID]types.Fields),
	}
}

// Load replaces the roster, Baseline and Working wholesale. Duplicate seeds
// keep their first position and last value.
func (t *Tracker) Load(seeds []types.Seed) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.generation++
	t.roster = make([]types.RecordID, 0, len(seeds))
	t.index = make(map[types.RecordID]int, len(seeds))
	t.baseline = make(map[types.RecordID]types.Fields, len(seeds))
	t.working = make(map[types.RecordID]types.Fields, len(seeds))

	for _, seed := range seeds {
		if _, ok := t.index[seed.ID]; !ok {
			t.index[seed.ID] = len(t.roster)
			t.roster = append(t.roster, seed.ID)
		}
		t.baseline[seed.ID] = seed.Fields.Clone()
		t.working[seed.ID] = seed.Fields.Clone()
	}
}

// Generation increments on every Load.
func (t *Tracker) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// Schema returns the schema the tracker was built with.
func (t *Tracker) Schema() *types.Schema { return t.schema }

// Roster returns the record ids in roster order.
func (t *Tracker) Roster() []types.RecordID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]types.RecordID(nil), t.roster...)
}

// Contains reports whether id is part of the roster.
func (t *Tracker) Contains(id types.RecordID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.index[id]
	return ok
}

// Edit sets one field of the working copy.
func (t *Tracker) Edit(id types.RecordID, field string, value null.String) error {
	return t.Apply([]Change{{ID: id, Field: field, Value: value}})
}

// Change is one field assignment of a batch passed to Apply.
type Change struct {
	ID    types.RecordID
	Field string
	Value null.String
}

// Apply sets every change or none of them: the whole batch is checked before
// any working value is touched.
func (t *Tracker) Apply(changes []Change) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range changes {
		if err := t.checkLocked(c.ID, c.Field); err != nil {
			return err
		}
	}
	for _, c := range changes {
		w := t.working[c.ID]
		if w == nil {
			w = make(types.Fields)
			t.working[c.ID] = w
		}
		w[c.Field] = c.Value
	}
	return nil
}

func (t *Tracker) checkLocked(id types.RecordID, field string) error {
	if _, ok := t.index[id]; !ok {
		return fmt.Errorf("edit %s: %w", id, ErrUnknownRecord)
	}
	if t.schema != nil {
		if _, ok := t.schema.Field(field); !ok {
			return fmt.Errorf("edit %s.%s: %w", id, field, ErrUnknownField)
		}
	}
	return nil
}

// Working returns a copy of the working value of id.
func (t *Tracker) Working(id types.RecordID) (types.Fields, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.index[id]; !ok {
		return nil, false
	}
	return t.working[id].Clone(), true
}

// Baseline returns a copy of the baseline value of id.
func (t *Tracker) Baseline(id types.RecordID) (types.Fields, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.index[id]; !ok {
		return nil, false
	}
	return t.baseline[id].Clone(), true
}

// IsDirty reports whether the working value of id differs from its baseline.
func (t *Tracker) IsDirty(id types.RecordID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dirtyLocked(id)
}

// DirtyIDs returns the dirty ids in roster order.
func (t *Tracker) DirtyIDs() []types.RecordID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []types.RecordID
	for _, id := range t.roster {
		if t.dirtyLocked(id) {
			out = append(out, id)
		}
	}
	return out
}

// DirtyCount returns the size of the dirty set.
func (t *Tracker) DirtyCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, id := range t.roster {
		if t.dirtyLocked(id) {
			n++
		}
	}
	return n
}

// HasAnyDirty reports whether at least one record is dirty.
func (t *Tracker) HasAnyDirty() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, id := range t.roster {
		if t.dirtyLocked(id) {
			return true
		}
	}
	return false
}

func (t *Tracker) dirtyLocked(id types.RecordID) bool {
	if _, ok := t.index[id]; !ok {
		return false
	}
	return !t.working[id].Equal(t.baseline[id], t.tracked)
}

// Snapshot copies the working and baseline values of ids for dispatch. Ids
// outside the roster are skipped.
func (t *Tracker) Snapshot(ids []types.RecordID) []Pending {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Pending, 0, len(ids))
	for _, id := range ids {
		if _, ok := t.index[id]; !ok {
			continue
		}
		out = append(out, Pending{
			ID:         id,
			Sent:       t.working[id].Clone(),
			Prior:      t.baseline[id].Clone(),
			Generation: t.generation,
		})
	}
	return out
}

// Reconcile records a confirmed commit. The baseline becomes committed; the
// working copy follows only when it still holds what was sent, so edits made
// while the commit was in flight stay dirty. It returns false when the roster
// was reloaded since the snapshot was taken.
func (t *Tracker) Reconcile(p Pending, committed types.Fields) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p.Generation != t.generation {
		return false
	}
	if _, ok := t.index[p.ID]; !ok {
		return false
	}
	if committed == nil {
		committed = p.Sent
	}
	t.baseline[p.ID] = committed.Clone()
	if t.working[p.ID].Equal(p.Sent, nil) {
		t.working[p.ID] = committed.Clone()
	}
	return true
}

// Revert resets the working copy of id to its baseline.
func (t *Tracker) Revert(id types.RecordID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[id]; !ok {
		return fmt.Errorf("revert %s: %w", id, ErrUnknownRecord)
	}
	t.working[id] = t.baseline[id].Clone()
	return nil
}

// DiscardAll resets every working copy to its baseline.
func (t *Tracker) DiscardAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range t.roster {
		t.working[id] = t.baseline[id].Clone()
	}
}
