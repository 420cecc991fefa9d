package broadcast

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/example/roster-sync/internal/types"
)

func sampleEvent() types.CommitEvent {
	return types.CommitEvent{
		Scope: types.Scope{Collection: "attendance", Key: "2024-05-01"},
		View:  "view-a",
		At:    time.Date(2024, 5, 1, 9, 0, 30, 0, time.UTC),
		Records: []types.Seed{
			{ID: "c1", Fields: types.Fields{"status": null.StringFrom("absent"), "note": null.String{}}},
		},
	}
}

func TestEncodeDecodeKeepsNulls(t *testing.T) {
	data, err := Encode(sampleEvent())
	require.NoError(t, err)

	id, evt, err := Decode(data)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, sampleEvent().Scope, evt.Scope)
	assert.Equal(t, types.ViewID("view-a"), evt.View)
	assert.True(t, evt.At.Equal(sampleEvent().At))
	require.Len(t, evt.Records, 1)

	fields := evt.Records[0].Fields
	assert.Equal(t, null.StringFrom("absent"), fields["status"])
	note, ok := fields["note"]
	require.True(t, ok)
	assert.False(t, note.Valid)
}

func TestEncodeEmbedsRecordsAsJSON(t *testing.T) {
	data, err := Encode(sampleEvent())
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))
	var records struct {
		Records []struct {
			ID     string             `json:"id"`
			Fields map[string]*string `json:"fields"`
		} `json:"records"`
	}
	require.NoError(t, json.Unmarshal(raw["records"], &records), "records must be a JSON object, not a string")
	require.Len(t, records.Records, 1)
	assert.Equal(t, "c1", records.Records[0].ID)
	require.NotNil(t, records.Records[0].Fields["status"])
	assert.Equal(t, "absent", *records.Records[0].Fields["status"])
	assert.Nil(t, records.Records[0].Fields["note"])
}

func TestDecodeRejectsIncompletePayload(t *testing.T) {
	_, _, err := Decode([]byte(`{"collection":"attendance"}`))
	assert.Error(t, err)
	_, _, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestProcessDeliversOnceAndDedupes(t *testing.T) {
	var got []types.CommitEvent
	r := NewRedis(nil, func(evt types.CommitEvent) { got = append(got, evt) }, zerolog.Nop())

	data, err := Encode(sampleEvent())
	require.NoError(t, err)
	msg := &redis.Message{Channel: "roster:attendance", Payload: string(data)}

	require.NoError(t, r.process(msg))
	require.NoError(t, r.process(msg))
	require.Len(t, got, 1)
	assert.Equal(t, types.RecordID("c1"), got[0].Records[0].ID)
}

func TestPublishWithoutClientFails(t *testing.T) {
	var r *Redis
	assert.Error(t, r.PublishCommitted(t.Context(), sampleEvent()))
}
