// Package session glues the dirty tracker, autosave scheduler, save
// coordinator, mode controller and navigation guard into one editable view of
// a roster.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/volatiletech/null/v8"

	"github.com/example/roster-sync/internal/autosave"
	"github.com/example/roster-sync/internal/clock"
	"github.com/example/roster-sync/internal/mode"
	"github.com/example/roster-sync/internal/navguard"
	"github.com/example/roster-sync/internal/save"
	"github.com/example/roster-sync/internal/tracker"
	"github.com/example/roster-sync/internal/types"
	"github.com/example/roster-sync/internal/validate"
)

// RosterLoader fetches the records of a scope.
type RosterLoader interface {
	LoadRoster(ctx context.Context, scope types.Scope) ([]types.Seed, error)
}

// Backend bundles the remote collaborators of a view. Loader and Committer
// are required.
type Backend struct {
	Loader    RosterLoader
	Committer save.Committer
	Linked    save.LinkedCommitter
	Notifier  save.Notifier
	Reporter  save.Reporter
}

// Config tunes a view. Zero values select the defaults.
type Config struct {
	QuietPeriod time.Duration
	Concurrency int
	Policy      navguard.Policy
	Clock       clock.Clock
}

// Row is one record as rendered by the dashboard.
type Row struct {
	ID     types.RecordID `json:"id"`
	Fields types.Fields   `json:"fields"`
	Dirty  bool           `json:"dirty"`
	Stale  bool           `json:"stale,omitempty"`
}

// View is one open editing session over a roster.
type View struct {
	id     types.ViewID
	scope  types.Scope
	loader RosterLoader
	clock  clock.Clock

	tracker *tracker.Tracker
	coord   *save.Coordinator
	sched   *autosave.Scheduler
	mode    *mode.Controller
	guard   *navguard.Guard

	mu          sync.Mutex
	closed      bool
	done        chan struct{}
	editSeq     uint64
	failed      map[types.RecordID]string
	stale       map[types.RecordID]time.Time
	subscribers map[int]func(Status)
	nextSub     int
	lastActive  time.Time

	logger zerolog.Logger
}

// Open loads the roster of scope and returns a read-only view over it.
func Open(ctx context.Context, scope types.Scope, schema *types.Schema, backend Backend, cfg Config, logger zerolog.Logger) (*View, error) {
	if backend.Loader == nil || backend.Committer == nil {
		return nil, errors.New("session: loader and committer are required")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}

	seeds, err := backend.Loader.LoadRoster(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("load roster %s: %w", scope, err)
	}
	validator, err := validate.New(schema)
	if err != nil {
		return nil, fmt.Errorf("build validator: %w", err)
	}

	id := types.ViewID(uuid.NewString())
	logger = logger.With().Str("view", string(id)).Str("scope", scope.String()).Logger()

	v := &View{
		id:          id,
		scope:       scope,
		loader:      backend.Loader,
		clock:       clk,
		tracker:     tracker.New(schema),
		failed:      make(map[types.RecordID]string),
		stale:       make(map[types.RecordID]time.Time),
		subscribers: make(map[int]func(Status)),
		lastActive:  clk.Now(),
		done:        make(chan struct{}),
		logger:      logger,
	}
	v.tracker.Load(seeds)

	opts := []save.Option{
		save.WithValidator(validator),
		save.WithConcurrency(cfg.Concurrency),
		save.WithClock(clk),
		save.WithStateListener(func(save.State) { v.emit() }),
	}
	if schema != nil && len(schema.Links) > 0 {
		opts = append(opts, save.WithLinks(schema.Links))
	}
	if backend.Linked != nil {
		opts = append(opts, save.WithLinkedCommitter(backend.Linked))
	}
	if backend.Notifier != nil {
		opts = append(opts, save.WithNotifier(backend.Notifier))
	}
	if backend.Reporter != nil {
		opts = append(opts, save.WithReporter(backend.Reporter))
	}
	v.coord = save.NewCoordinator(scope, id, v.tracker, backend.Committer, logger, opts...)

	v.sched = autosave.New(v.autosave, logger,
		autosave.WithClock(clk),
		autosave.WithQuietPeriod(cfg.QuietPeriod),
		autosave.WithPendingListener(func(armed bool) {
			v.coord.SetScheduled(armed)
			v.emit()
		}),
	)

	v.mode = mode.NewController(v.tracker, mode.DiscardFunc(v.discardAll), logger)
	v.mode.OnChange(func(mode.State) { v.emit() })
	v.guard = navguard.New(v, cfg.Policy)

	logger.Info().Int("records", len(seeds)).Msg("view opened")
	return v, nil
}

// ID returns the view identifier.
func (v *View) ID() types.ViewID { return v.id }

// Scope returns the roster scope.
func (v *View) Scope() types.Scope { return v.scope }

// Mode returns the interaction mode.
func (v *View) Mode() mode.State { return v.mode.State() }

// HasAnyDirty reports whether any record has unsaved edits.
func (v *View) HasAnyDirty() bool { return v.tracker.HasAnyDirty() }

// Persisting reports whether a commit cycle is in flight.
func (v *View) Persisting() bool { return v.coord.Persisting() }

// DirtyCount returns the number of records with unsaved edits.
func (v *View) DirtyCount() int { return v.tracker.DirtyCount() }

// IsDirty reports whether id has unsaved edits.
func (v *View) IsDirty(id types.RecordID) bool { return v.tracker.IsDirty(id) }

// LastActive returns when the view was last used.
func (v *View) LastActive() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.lastActive
}

// Rows returns the working values of every record in roster order.
func (v *View) Rows() []Row {
	v.mu.Lock()
	stale := make(map[types.RecordID]bool, len(v.stale))
	for id := range v.stale {
		stale[id] = true
	}
	v.mu.Unlock()

	ids := v.tracker.Roster()
	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		w, _ := v.tracker.Working(id)
		rows = append(rows, Row{ID: id, Fields: w, Dirty: v.tracker.IsDirty(id), Stale: stale[id]})
	}
	return rows
}

// Edit sets one field of a record's working value and restarts the autosave
// countdown. Edits are accepted only in edit mode.
func (v *View) Edit(id types.RecordID, field string, value null.String) error {
	return v.EditAll([]FieldEdit{{ID: id, Field: field, Value: value}})
}

// FieldEdit is one field assignment of a batch passed to EditAll.
type FieldEdit = tracker.Change

// EditAll applies a batch of edits. Either every edit lands or, when one names
// an unknown record or field, none does.
func (v *View) EditAll(edits []FieldEdit) error {
	if err := v.use(); err != nil {
		return err
	}
	if len(edits) == 0 {
		return nil
	}
	if !v.mode.CanEdit() {
		return fmt.Errorf("edit %s.%s: %w", edits[0].ID, edits[0].Field, ErrReadOnly)
	}
	if err := v.tracker.Apply(edits); err != nil {
		return err
	}

	v.mu.Lock()
	v.editSeq++
	v.mu.Unlock()

	v.sched.NotifyChanged()
	v.emit()
	return nil
}

// SaveNow commits every dirty record and cancels the pending autosave.
func (v *View) SaveNow(ctx context.Context) (save.BatchResult, error) {
	if err := v.use(); err != nil {
		return save.BatchResult{}, err
	}
	if v.coord.Persisting() {
		return save.BatchResult{}, save.ErrSaveInProgress
	}

	seq := v.sequence()
	v.sched.Cancel()
	res, err := v.coord.SaveAll(ctx, v.tracker.DirtyIDs())
	if err != nil {
		return save.BatchResult{}, err
	}
	v.afterCycle(res.Outcomes, seq)
	return res, nil
}

// SaveOne commits a single record.
func (v *View) SaveOne(ctx context.Context, id types.RecordID) (types.Outcome, error) {
	if err := v.use(); err != nil {
		return types.Outcome{}, err
	}
	seq := v.sequence()
	out, err := v.coord.SaveOne(ctx, id)
	if err != nil {
		return types.Outcome{}, err
	}
	v.afterCycle([]types.Outcome{out}, seq)
	return out, nil
}

// Revert discards the unsaved edits of one record.
func (v *View) Revert(id types.RecordID) error {
	if err := v.use(); err != nil {
		return err
	}
	if !v.mode.CanEdit() {
		return fmt.Errorf("revert %s: %w", id, ErrReadOnly)
	}
	if v.coord.Persisting() {
		return fmt.Errorf("revert %s: %w", id, save.ErrSaveInProgress)
	}
	if err := v.tracker.Revert(id); err != nil {
		return err
	}

	v.mu.Lock()
	delete(v.failed, id)
	v.mu.Unlock()

	if !v.tracker.HasAnyDirty() {
		v.sched.Cancel()
	}
	v.emit()
	return nil
}

// Reload replaces the roster with a fresh copy from the loader. Unsaved edits
// are dropped. It is refused while a commit is in flight.
func (v *View) Reload(ctx context.Context) error {
	if err := v.use(); err != nil {
		return err
	}
	if v.coord.Persisting() {
		return fmt.Errorf("reload: %w", save.ErrSaveInProgress)
	}
	seeds, err := v.loader.LoadRoster(ctx, v.scope)
	if err != nil {
		return fmt.Errorf("load roster %s: %w", v.scope, err)
	}

	v.sched.Cancel()
	v.tracker.Load(seeds)

	v.mu.Lock()
	v.failed = make(map[types.RecordID]string)
	v.stale = make(map[types.RecordID]time.Time)
	v.mu.Unlock()

	v.logger.Info().Int("records", len(seeds)).Msg("roster reloaded")
	v.emit()
	return nil
}

// ToggleMode flips between read-only and editing. Leaving edit mode with
// unsaved edits opens the discard confirmation instead.
func (v *View) ToggleMode() (mode.State, error) {
	if err := v.use(); err != nil {
		return v.mode.State(), err
	}
	st, err := v.mode.Toggle()
	if err != nil {
		return st, err
	}
	// A pending confirmation must not autosave the edits it may discard.
	if st == mode.ConfirmDiscard {
		v.sched.Cancel()
	}
	return st, nil
}

// ConfirmDiscard reverts all unsaved edits and returns to read-only. It is
// refused while a commit is in flight so a landing commit cannot resurrect
// discarded rows.
func (v *View) ConfirmDiscard() error {
	if err := v.use(); err != nil {
		return err
	}
	if err := v.mode.ConfirmDiscard(); err != nil {
		return err
	}
	v.sched.Cancel()

	v.mu.Lock()
	v.failed = make(map[types.RecordID]string)
	v.mu.Unlock()

	v.logger.Info().Msg("unsaved edits discarded")
	v.emit()
	return nil
}

// CancelExit closes the discard confirmation and keeps editing.
func (v *View) CancelExit() error {
	if err := v.use(); err != nil {
		return err
	}
	if err := v.mode.CancelExit(); err != nil {
		return err
	}
	if v.tracker.HasAnyDirty() {
		v.sched.NotifyChanged()
	}
	return nil
}

// BeforeLeave reports whether leaving the view must be confirmed.
func (v *View) BeforeLeave() navguard.Decision {
	return v.guard.Check()
}

// MarkStale records that another view committed records of this roster.
// The notice is advisory; it never blocks editing or saving.
func (v *View) MarkStale(evt types.CommitEvent) {
	if evt.View == v.id || evt.Scope != v.scope {
		return
	}
	marked := 0
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	for _, rec := range evt.Records {
		if !v.tracker.Contains(rec.ID) {
			continue
		}
		v.stale[rec.ID] = evt.At
		marked++
	}
	v.mu.Unlock()

	if marked > 0 {
		staleNotices.Add(float64(marked))
		v.logger.Info().Int("records", marked).Str("by", string(evt.View)).Msg("records changed elsewhere")
		v.emit()
	}
}

// StaleIDs returns the records changed by another view since load.
func (v *View) StaleIDs() []types.RecordID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.staleLocked()
}

// Subscribe registers fn for status changes and returns a function that
// removes it.
func (v *View) Subscribe(fn func(Status)) func() {
	v.mu.Lock()
	id := v.nextSub
	v.nextSub++
	v.subscribers[id] = fn
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.subscribers, id)
		v.mu.Unlock()
	}
}

// Done is closed once the view is closed.
func (v *View) Done() <-chan struct{} { return v.done }

// Close stops the autosave timer and drops subscribers. A commit already in
// flight still settles.
func (v *View) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	v.subscribers = make(map[int]func(Status))
	close(v.done)
	v.mu.Unlock()

	v.sched.Close()
	v.logger.Info().Int("dirty", v.tracker.DirtyCount()).Msg("view closed")
}

// Status returns the current status snapshot.
func (v *View) Status() Status {
	dirty := v.tracker.DirtyIDs()
	state := v.coord.State()
	trigger := v.coord.Trigger()

	st := Status{
		View:            v.id,
		Scope:           v.scope,
		Mode:            v.mode.State().String(),
		SaveState:       state.String(),
		Dirty:           len(dirty),
		DirtyIDs:        dirty,
		AutosavePending: v.sched.Pending(),
	}
	if state == save.Saving {
		st.Trigger = string(trigger)
	}
	lastSaved := v.coord.LastSavedAt()
	if !lastSaved.IsZero() {
		st.LastSavedAt = &lastSaved
	}
	batchFailed := false
	if b, ok := v.coord.LastBatch(); ok {
		st.LastBatch = b.Message()
		batchFailed = b.FailedCount() > 0
	}

	v.mu.Lock()
	for _, id := range dirty {
		if reason, ok := v.failed[id]; ok {
			if st.Failed == nil {
				st.Failed = make(map[types.RecordID]string)
			}
			st.Failed[id] = reason
		}
	}
	st.Stale = v.staleLocked()
	v.mu.Unlock()

	lastBatch := ""
	if batchFailed && len(st.Failed) > 0 {
		lastBatch = st.LastBatch
	}
	st.Label = statusLabel(state, trigger, len(dirty), lastBatch, lastSaved)
	return st
}

// StatusLabel returns the one-line status shown next to the save button.
func (v *View) StatusLabel() string {
	return v.Status().Label
}

func statusLabel(state save.State, trigger save.Trigger, dirty int, failedBatch string, lastSaved time.Time) string {
	switch {
	case state == save.Saving && trigger == save.TriggerAutosave:
		return "Autosaving…"
	case state == save.Saving:
		return "Saving…"
	case failedBatch != "":
		return failedBatch
	case dirty > 0:
		return "Unsaved changes"
	case !lastSaved.IsZero():
		return "Saved at " + lastSaved.Format(savedAtLayout)
	default:
		return "No changes"
	}
}

func (v *View) autosave() {
	v.mu.Lock()
	closed := v.closed
	seq := v.editSeq
	v.mu.Unlock()
	if closed {
		return
	}

	res, fired := v.coord.Autosave(context.Background())
	if !fired {
		return
	}
	v.afterCycle(res.Outcomes, seq)
}

// afterCycle folds outcomes into the failure and stale sets and re-arms
// autosave when edits arrived while the cycle was running and the timer
// already expired.
func (v *View) afterCycle(outcomes []types.Outcome, seq uint64) {
	v.mu.Lock()
	for _, o := range outcomes {
		if o.OK() {
			delete(v.failed, o.ID)
			delete(v.stale, o.ID)
			continue
		}
		v.failed[o.ID] = o.Err.Error()
	}
	editedDuring := v.editSeq != seq
	closed := v.closed
	v.mu.Unlock()

	if !closed && editedDuring && !v.sched.Pending() && v.tracker.HasAnyDirty() {
		v.sched.NotifyChanged()
	}
	v.emit()
}

func (v *View) discardAll() error {
	if v.coord.Persisting() {
		return fmt.Errorf("discard: %w", save.ErrSaveInProgress)
	}
	v.tracker.DiscardAll()
	return nil
}

func (v *View) use() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}
	v.lastActive = v.clock.Now()
	return nil
}

func (v *View) sequence() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.editSeq
}

func (v *View) staleLocked() []types.RecordID {
	if len(v.stale) == 0 {
		return nil
	}
	ids := make([]types.RecordID, 0, len(v.stale))
	for id := range v.stale {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (v *View) emit() {
	v.mu.Lock()
	if v.closed || len(v.subscribers) == 0 {
		v.mu.Unlock()
		return
	}
	subs := make([]func(Status), 0, len(v.subscribers))
	for _, fn := range v.subscribers {
		subs = append(subs, fn)
	}
	v.mu.Unlock()

	st := v.Status()
	for _, fn := range subs {
		fn(st)
	}
}
