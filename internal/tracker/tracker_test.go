package tracker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/example/roster-sync/internal/types"
)

func attendanceSchema() *types.Schema {
	return &types.Schema{Fields: []types.FieldSpec{
		{Name: "status", Kind: types.KindEnum, Options: []string{"present", "absent", "late"}},
		{Name: "note", Kind: types.KindString},
	}}
}

func seeds(n int) []types.Seed {
	out := make([]types.Seed, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, types.Seed{ID: types.RecordID(fmt.Sprintf("s%d", i)), Fields: types.Fields{}})
	}
	return out
}

func TestFreshRosterIsClean(t *testing.T) {
	tr := New(attendanceSchema())
	tr.Load(seeds(3))

	assert.False(t, tr.HasAnyDirty())
	assert.Empty(t, tr.DirtyIDs())
	assert.False(t, tr.IsDirty("s1"))
	assert.False(t, tr.IsDirty("missing"))
}

func TestEditThenRevertByHandIsClean(t *testing.T) {
	tr := New(attendanceSchema())
	tr.Load([]types.Seed{{ID: "s1", Fields: types.Fields{"status": null.StringFrom("present")}}})

	require.NoError(t, tr.Edit("s1", "status", null.StringFrom("absent")))
	assert.True(t, tr.IsDirty("s1"))

	require.NoError(t, tr.Edit("s1", "status", null.StringFrom("present")))
	assert.False(t, tr.IsDirty("s1"))
}

func TestSettingUntouchedFieldToNullIsClean(t *testing.T) {
	tr := New(attendanceSchema())
	tr.Load(seeds(1))

	require.NoError(t, tr.Edit("s1", "note", null.String{}))
	assert.False(t, tr.IsDirty("s1"))
}

func TestDirtyIDsFollowRosterOrder(t *testing.T) {
	tr := New(attendanceSchema())
	tr.Load(seeds(5))

	require.NoError(t, tr.Edit("s4", "status", null.StringFrom("late")))
	require.NoError(t, tr.Edit("s2", "status", null.StringFrom("absent")))

	assert.Equal(t, []types.RecordID{"s2", "s4"}, tr.DirtyIDs())
	assert.Equal(t, 2, tr.DirtyCount())
}

func TestEditRejectsUnknownRecordAndField(t *testing.T) {
	tr := New(attendanceSchema())
	tr.Load(seeds(1))

	assert.ErrorIs(t, tr.Edit("nope", "status", null.StringFrom("late")), ErrUnknownRecord)
	assert.ErrorIs(t, tr.Edit("s1", "colour", null.StringFrom("red")), ErrUnknownField)
}

func TestApplyRejectedBatchChangesNothing(t *testing.T) {
	tr := New(attendanceSchema())
	tr.Load(seeds(2))

	err := tr.Apply([]Change{
		{ID: "s1", Field: "status", Value: null.StringFrom("late")},
		{ID: "s9", Field: "status", Value: null.StringFrom("late")},
	})
	assert.ErrorIs(t, err, ErrUnknownRecord)
	assert.False(t, tr.HasAnyDirty())

	require.NoError(t, tr.Apply([]Change{
		{ID: "s1", Field: "status", Value: null.StringFrom("late")},
		{ID: "s2", Field: "status", Value: null.StringFrom("absent")},
	}))
	assert.Equal(t, []types.RecordID{"s1", "s2"}, tr.DirtyIDs())
}

func TestUntrackedFieldsDoNotDirty(t *testing.T) {
	tr := New(attendanceSchema())
	tr.Load([]types.Seed{{ID: "s1", Fields: types.Fields{"status": null.StringFrom("present"), "synced_by": null.StringFrom("a")}}})

	// Simulate a committed value that only differs in an untracked field.
	p := tr.Snapshot([]types.RecordID{"s1"})[0]
	require.True(t, tr.Reconcile(p, types.Fields{"status": null.StringFrom("present"), "synced_by": null.StringFrom("b")}))
	assert.False(t, tr.IsDirty("s1"))
}

func TestReconcileKeepsEditsMadeDuringCommit(t *testing.T) {
	tr := New(attendanceSchema())
	tr.Load(seeds(1))
	require.NoError(t, tr.Edit("s1", "status", null.StringFrom("absent")))

	p := tr.Snapshot([]types.RecordID{"s1"})[0]
	require.NoError(t, tr.Edit("s1", "status", null.StringFrom("late")))

	require.True(t, tr.Reconcile(p, nil))
	base, _ := tr.Baseline("s1")
	assert.Equal(t, "absent", base["status"].String)
	assert.True(t, tr.IsDirty("s1"))
}

func TestReconcileAdoptsCommittedValue(t *testing.T) {
	tr := New(attendanceSchema())
	tr.Load(seeds(1))
	require.NoError(t, tr.Edit("s1", "note", null.StringFrom("  call home ")))

	p := tr.Snapshot([]types.RecordID{"s1"})[0]
	require.True(t, tr.Reconcile(p, types.Fields{"note": null.StringFrom("call home")}))

	w, _ := tr.Working("s1")
	assert.Equal(t, "call home", w["note"].String)
	assert.False(t, tr.IsDirty("s1"))
}

func TestReconcileAfterReloadIsIgnored(t *testing.T) {
	tr := New(attendanceSchema())
	tr.Load(seeds(1))
	require.NoError(t, tr.Edit("s1", "status", null.StringFrom("absent")))
	p := tr.Snapshot([]types.RecordID{"s1"})[0]

	tr.Load(seeds(1))
	assert.False(t, tr.Reconcile(p, nil))
	base, _ := tr.Baseline("s1")
	assert.False(t, base.Get("status").Valid)
}

func TestDiscardAllAndRevert(t *testing.T) {
	tr := New(attendanceSchema())
	tr.Load(seeds(3))
	for _, id := range []types.RecordID{"s1", "s2", "s3"} {
		require.NoError(t, tr.Edit(id, "status", null.StringFrom("late")))
	}

	require.NoError(t, tr.Revert("s2"))
	assert.Equal(t, []types.RecordID{"s1", "s3"}, tr.DirtyIDs())

	tr.DiscardAll()
	assert.False(t, tr.HasAnyDirty())
	assert.ErrorIs(t, tr.Revert("zzz"), ErrUnknownRecord)
}

func TestNilSchemaTracksEveryField(t *testing.T) {
	tr := New(nil)
	tr.Load(seeds(1))

	require.NoError(t, tr.Edit("s1", "anything", null.StringFrom("x")))
	assert.True(t, tr.IsDirty("s1"))
}
