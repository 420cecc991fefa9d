package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/example/roster-sync/internal/clock"
	"github.com/example/roster-sync/internal/mode"
	"github.com/example/roster-sync/internal/navguard"
	"github.com/example/roster-sync/internal/save"
	"github.com/example/roster-sync/internal/storage"
	"github.com/example/roster-sync/internal/tracker"
	"github.com/example/roster-sync/internal/types"
)

var (
	testScope = types.Scope{Collection: "attendance", Key: "2024-05-01"}
	start     = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	schema    = &types.Schema{
		Fields: []types.FieldSpec{
			{Name: "status", Kind: types.KindEnum, Options: []string{"present", "absent", "late"}},
			{Name: "note", Kind: types.KindString, Rule: "max=20"},
			{Name: "guardian_id", Kind: types.KindString},
			{Name: "guardian_name", Kind: types.KindString},
		},
		Links: []types.Link{{Field: "guardian_name", TargetCollection: "guardians", TargetIDField: "guardian_id", TargetField: "display_name"}},
	}
)

type reports struct {
	mu   sync.Mutex
	list []save.Report
}

func (r *reports) Enqueue(rep save.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.list = append(r.list, rep)
}

func (r *reports) All() []save.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]save.Report(nil), r.list...)
}

type harness struct {
	store   *storage.Memory
	clock   *clock.Fake
	reports *reports
	view    *View
}

func rid(i int) types.RecordID { return types.RecordID(fmt.Sprintf("c%02d", i)) }

func newHarness(t *testing.T, n int, opts ...func(*Config, *Backend)) *harness {
	t.Helper()
	store := storage.NewMemory()
	seeds := make([]types.Seed, 0, n)
	for i := 1; i <= n; i++ {
		seeds = append(seeds, types.Seed{ID: rid(i), Fields: types.Fields{"guardian_id": null.StringFrom(fmt.Sprintf("g%d", i))}})
	}
	require.NoError(t, store.ImportRoster(context.Background(), testScope, seeds))

	h := &harness{store: store, clock: clock.NewFake(start), reports: &reports{}}
	cfg := Config{Clock: h.clock}
	backend := Backend{Loader: store, Committer: store, Linked: store, Reporter: h.reports}
	for _, o := range opts {
		o(&cfg, &backend)
	}
	v, err := Open(context.Background(), testScope, schema, backend, cfg, zerolog.New(io.Discard))
	require.NoError(t, err)
	t.Cleanup(v.Close)
	h.view = v
	return h
}

func (h *harness) edit(t *testing.T, value string, ids ...types.RecordID) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, h.view.Edit(id, "status", null.StringFrom(value)))
	}
}

func enterEdit(t *testing.T, v *View) {
	t.Helper()
	st, err := v.ToggleMode()
	require.NoError(t, err)
	require.Equal(t, mode.Editing, st)
}

func TestAutosaveCommitsMarkedRecordsOnce(t *testing.T) {
	h := newHarness(t, 10)
	enterEdit(t, h.view)
	h.edit(t, "absent", rid(2), rid(4), rid(7))
	assert.Equal(t, 3, h.view.DirtyCount())
	assert.Equal(t, "Unsaved changes", h.view.StatusLabel())

	h.clock.Advance(29 * time.Second)
	assert.Empty(t, h.reports.All())

	h.clock.Advance(time.Second)
	reps := h.reports.All()
	require.Len(t, reps, 1)
	assert.Equal(t, save.TriggerAutosave, reps[0].Trigger)
	assert.ElementsMatch(t, []types.RecordID{rid(2), rid(4), rid(7)}, reps[0].Succeeded)
	assert.Zero(t, h.view.DirtyCount())
	assert.Equal(t, "Saved at 09:00:30", h.view.StatusLabel())

	h.clock.Advance(time.Minute)
	assert.Len(t, h.reports.All(), 1)
	assert.Len(t, h.store.Commits(), 3)
}

func TestEditsWithinQuietPeriodCoalesce(t *testing.T) {
	h := newHarness(t, 3)
	enterEdit(t, h.view)

	h.edit(t, "late", rid(1))
	h.clock.Advance(20 * time.Second)
	h.edit(t, "present", rid(2))
	h.clock.Advance(20 * time.Second)
	assert.Empty(t, h.reports.All())

	h.clock.Advance(10 * time.Second)
	reps := h.reports.All()
	require.Len(t, reps, 1)
	assert.ElementsMatch(t, []types.RecordID{rid(1), rid(2)}, reps[0].Succeeded)
}

func TestEditBackToBaselineIsClean(t *testing.T) {
	h := newHarness(t, 2)
	enterEdit(t, h.view)

	require.NoError(t, h.view.Edit(rid(1), "guardian_id", null.StringFrom("other")))
	assert.True(t, h.view.IsDirty(rid(1)))
	require.NoError(t, h.view.Edit(rid(1), "guardian_id", null.StringFrom("g1")))
	assert.False(t, h.view.IsDirty(rid(1)))
}

func TestSaveNowPartialFailure(t *testing.T) {
	h := newHarness(t, 5)
	enterEdit(t, h.view)
	h.edit(t, "absent", rid(1), rid(2), rid(3), rid(4), rid(5))
	h.store.Reject(rid(2), "row locked")
	h.store.FailTransport(rid(5), errors.New("connection reset"))

	res, err := h.view.SaveNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Saved 3, failed 2", res.Message())
	assert.Equal(t, []types.RecordID{rid(2), rid(5)}, h.view.Status().DirtyIDs)

	st := h.view.Status()
	assert.Equal(t, "Saved 3, failed 2", st.Label)
	assert.Len(t, st.Failed, 2)
	assert.False(t, st.AutosavePending, "failures are not retried automatically")

	h.store.Heal(rid(2))
	out, err := h.view.SaveOne(context.Background(), rid(2))
	require.NoError(t, err)
	assert.True(t, out.OK())
	assert.Len(t, h.view.Status().Failed, 1)
}

func TestEditsRejectedOutsideEditMode(t *testing.T) {
	h := newHarness(t, 1)
	err := h.view.Edit(rid(1), "status", null.StringFrom("late"))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestEditAllIsAllOrNothing(t *testing.T) {
	h := newHarness(t, 3)
	enterEdit(t, h.view)

	err := h.view.EditAll([]FieldEdit{
		{ID: rid(1), Field: "status", Value: null.StringFrom("late")},
		{ID: rid(2), Field: "colour", Value: null.StringFrom("red")},
	})
	assert.ErrorIs(t, err, tracker.ErrUnknownField)
	assert.Zero(t, h.view.DirtyCount())
	assert.False(t, h.view.Status().AutosavePending)

	require.NoError(t, h.view.EditAll([]FieldEdit{
		{ID: rid(1), Field: "status", Value: null.StringFrom("late")},
		{ID: rid(3), Field: "status", Value: null.StringFrom("absent")},
	}))
	assert.Equal(t, []types.RecordID{rid(1), rid(3)}, h.view.Status().DirtyIDs)
}

func TestToggleWithDirtyAsksThenDiscardsOrCancels(t *testing.T) {
	h := newHarness(t, 3)
	enterEdit(t, h.view)
	h.edit(t, "late", rid(3))

	st, err := h.view.ToggleMode()
	require.NoError(t, err)
	assert.Equal(t, mode.ConfirmDiscard, st)
	assert.ErrorIs(t, h.view.Edit(rid(1), "status", null.StringFrom("late")), ErrReadOnly)

	require.NoError(t, h.view.CancelExit())
	assert.Equal(t, mode.Editing, h.view.Mode())
	assert.Equal(t, 1, h.view.DirtyCount())

	_, err = h.view.ToggleMode()
	require.NoError(t, err)
	require.NoError(t, h.view.ConfirmDiscard())
	assert.Equal(t, mode.ReadOnly, h.view.Mode())
	assert.Zero(t, h.view.DirtyCount())
	assert.False(t, h.view.Status().AutosavePending)

	h.clock.Advance(time.Minute)
	assert.Empty(t, h.store.Commits())
}

func TestPendingDiscardHoldsAutosave(t *testing.T) {
	h := newHarness(t, 2)
	enterEdit(t, h.view)
	h.edit(t, "late", rid(1))
	require.True(t, h.view.Status().AutosavePending)

	st, err := h.view.ToggleMode()
	require.NoError(t, err)
	require.Equal(t, mode.ConfirmDiscard, st)
	assert.False(t, h.view.Status().AutosavePending)

	h.clock.Advance(30 * time.Second)
	assert.Empty(t, h.reports.All())
	assert.Empty(t, h.store.Commits())

	require.NoError(t, h.view.ConfirmDiscard())
	stored, _ := h.store.Record(testScope, rid(1))
	assert.False(t, stored["status"].Valid)
	assert.Zero(t, h.view.DirtyCount())
}

func TestCancelledDiscardRearmsAutosave(t *testing.T) {
	h := newHarness(t, 2)
	enterEdit(t, h.view)
	h.edit(t, "late", rid(1))

	_, err := h.view.ToggleMode()
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	require.NoError(t, h.view.CancelExit())
	assert.True(t, h.view.Status().AutosavePending)

	h.clock.Advance(30 * time.Second)
	reps := h.reports.All()
	require.Len(t, reps, 1)
	assert.Equal(t, []types.RecordID{rid(1)}, reps[0].Succeeded)
	assert.Zero(t, h.view.DirtyCount())
}

func TestToggleCleanLeavesImmediately(t *testing.T) {
	h := newHarness(t, 1)
	enterEdit(t, h.view)
	st, err := h.view.ToggleMode()
	require.NoError(t, err)
	assert.Equal(t, mode.ReadOnly, st)
}

func TestEditDuringSaveStaysDirtyAndRearms(t *testing.T) {
	h := newHarness(t, 3)
	enterEdit(t, h.view)
	h.edit(t, "absent", rid(1))
	gate := h.store.Hold()

	done := make(chan save.BatchResult, 1)
	go func() {
		res, err := h.view.SaveNow(context.Background())
		assert.NoError(t, err)
		done <- res
	}()
	assert.Equal(t, rid(1), gate.Entered())
	assert.True(t, h.view.Persisting())
	assert.Equal(t, "Saving…", h.view.StatusLabel())

	_, err := h.view.SaveNow(context.Background())
	assert.ErrorIs(t, err, save.ErrSaveInProgress)
	assert.ErrorIs(t, h.view.Reload(context.Background()), save.ErrSaveInProgress)

	h.edit(t, "late", rid(1), rid(2))
	// The timer expires while the first cycle is still running.
	h.clock.Advance(30 * time.Second)
	assert.Len(t, h.reports.All(), 0)

	gate.Release()
	res := <-done
	assert.Equal(t, 1, res.SucceededCount())
	assert.ElementsMatch(t, []types.RecordID{rid(1), rid(2)}, h.view.Status().DirtyIDs)
	assert.True(t, h.view.Status().AutosavePending)

	h.clock.Advance(30 * time.Second)
	reps := h.reports.All()
	require.Len(t, reps, 2)
	assert.Equal(t, save.TriggerAutosave, reps[1].Trigger)
	assert.Zero(t, h.view.DirtyCount())
	stored, _ := h.store.Record(testScope, rid(1))
	assert.Equal(t, "late", stored["status"].String)
}

func TestBeforeLeavePolicies(t *testing.T) {
	h := newHarness(t, 2)
	enterEdit(t, h.view)
	assert.False(t, h.view.BeforeLeave().Block)

	h.edit(t, "late", rid(1))
	d := h.view.BeforeLeave()
	assert.True(t, d.Block)
	assert.NotEmpty(t, d.Message)

	_, err := h.view.SaveNow(context.Background())
	require.NoError(t, err)
	assert.False(t, h.view.BeforeLeave().Block)

	strict := newHarness(t, 1, func(c *Config, _ *Backend) { c.Policy = navguard.Strict })
	enterEdit(t, strict.view)
	strict.edit(t, "late", rid(1))
	gate := strict.store.Hold()
	done := make(chan struct{})
	go func() {
		_, _ = strict.view.SaveNow(context.Background())
		close(done)
	}()
	gate.Entered()
	assert.True(t, strict.view.BeforeLeave().Block)
	gate.Release()
	<-done
	assert.False(t, strict.view.BeforeLeave().Block)
}

func TestLinkedWriteFailureKeepsRecordDirty(t *testing.T) {
	h := newHarness(t, 1)
	enterEdit(t, h.view)
	require.NoError(t, h.view.Edit(rid(1), "guardian_name", null.StringFrom("Ada")))
	h.store.FailLinked(errors.New("guardians unavailable"))

	out, err := h.view.SaveOne(context.Background(), rid(1))
	require.NoError(t, err)
	var lerr *save.LinkedCommitError
	require.ErrorAs(t, out.Err, &lerr)
	assert.True(t, h.view.IsDirty(rid(1)))

	h.store.FailLinked(nil)
	out, err = h.view.SaveOne(context.Background(), rid(1))
	require.NoError(t, err)
	assert.True(t, out.OK())
	g, ok := h.store.LinkedRecord("guardians", "g1")
	require.True(t, ok)
	assert.Equal(t, "Ada", g["display_name"].String)
}

func TestValidationBlocksOnlyInvalidRecord(t *testing.T) {
	h := newHarness(t, 2)
	enterEdit(t, h.view)
	require.NoError(t, h.view.Edit(rid(1), "note", null.StringFrom("this note is far too long to be stored")))
	h.edit(t, "present", rid(2))

	res, err := h.view.SaveNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SucceededCount())
	assert.Len(t, h.store.Commits(), 1)
	assert.Equal(t, []types.RecordID{rid(1)}, h.view.Status().DirtyIDs)
}

func TestRevertAndReload(t *testing.T) {
	h := newHarness(t, 2)
	enterEdit(t, h.view)
	h.edit(t, "late", rid(1), rid(2))

	require.NoError(t, h.view.Revert(rid(1)))
	assert.Equal(t, 1, h.view.DirtyCount())
	assert.True(t, h.view.Status().AutosavePending)

	require.NoError(t, h.view.Revert(rid(2)))
	assert.False(t, h.view.Status().AutosavePending)

	h.edit(t, "absent", rid(1))
	require.NoError(t, h.store.ImportRoster(context.Background(), testScope, []types.Seed{{ID: rid(9)}}))
	require.NoError(t, h.view.Reload(context.Background()))
	assert.Zero(t, h.view.DirtyCount())
	rows := h.view.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, rid(9), rows[0].ID)
}

func TestSubscribeReceivesStatusChanges(t *testing.T) {
	h := newHarness(t, 1)
	var labels []string
	var mu sync.Mutex
	unsubscribe := h.view.Subscribe(func(st Status) {
		mu.Lock()
		labels = append(labels, st.Label)
		mu.Unlock()
	})

	enterEdit(t, h.view)
	h.edit(t, "late", rid(1))
	h.clock.Advance(30 * time.Second)
	unsubscribe()
	h.edit(t, "absent", rid(1))

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, labels, "Unsaved changes")
	assert.Contains(t, labels, "Autosaving…")
	assert.Equal(t, "Saved at 09:00:30", labels[len(labels)-1])
}

func TestCloseStopsAutosave(t *testing.T) {
	h := newHarness(t, 1)
	enterEdit(t, h.view)
	h.edit(t, "late", rid(1))
	h.view.Close()

	h.clock.Advance(time.Minute)
	assert.Empty(t, h.store.Commits())
	select {
	case <-h.view.Done():
	default:
		t.Fatal("done channel still open after close")
	}
	h.view.Close()
	assert.ErrorIs(t, h.view.Edit(rid(1), "status", null.StringFrom("absent")), ErrClosed)
	_, err := h.view.SaveNow(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
