package validate

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/example/roster-sync/internal/types"
)

func caseNoteSchema() *types.Schema {
	return &types.Schema{Fields: []types.FieldSpec{
		{Name: "status", Kind: types.KindEnum, Options: []string{"open", "closed", "on hold"}, Rule: "required"},
		{Name: "summary", Kind: types.KindString, Rule: "max=10"},
		{Name: "free", Kind: types.KindString},
	}}
}

func TestCheckAcceptsValidRecord(t *testing.T) {
	v, err := New(caseNoteSchema())
	require.NoError(t, err)

	err = v.Check("c1", types.Fields{"status": null.StringFrom("on hold"), "summary": null.StringFrom("short")})
	assert.NoError(t, err)
}

func TestCheckReportsEveryFailingField(t *testing.T) {
	v, err := New(caseNoteSchema())
	require.NoError(t, err)

	err = v.Check("c1", types.Fields{"status": null.StringFrom("pending"), "summary": null.StringFrom("far too long for the rule")})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.True(t, IsValidation(fmt.Errorf("wrapped: %w", err)))

	verr := err.(*Error)
	require.Len(t, verr.Fields, 2)
	assert.Equal(t, "status", verr.Fields[0].Field)
	assert.Equal(t, "status must be one of [open closed 'on hold']", verr.Fields[0].Message)
	assert.Equal(t, "summary must be at most 10 characters", verr.Fields[1].Message)
}

func TestNullOnlyFailsRequired(t *testing.T) {
	v, err := New(caseNoteSchema())
	require.NoError(t, err)

	err = v.Check("c1", types.Fields{"summary": null.String{}})
	require.Error(t, err)
	verr := err.(*Error)
	require.Len(t, verr.Fields, 1)
	assert.Equal(t, "status is required", verr.Fields[0].Message)
}

func TestNilSchemaAcceptsAnything(t *testing.T) {
	v, err := New(nil)
	require.NoError(t, err)
	assert.NoError(t, v.Check("x", types.Fields{"a": null.StringFrom("b")}))
}

func TestMalformedRuleIsRejected(t *testing.T) {
	_, err := New(&types.Schema{Fields: []types.FieldSpec{{Name: "a", Rule: "not_a_rule"}}})
	assert.Error(t, err)
}
