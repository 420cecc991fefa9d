package archive

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/roster-sync/internal/save"
	"github.com/example/roster-sync/internal/types"
)

type memoryUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
	uploads chan string
}

func newMemoryUploader() *memoryUploader {
	return &memoryUploader{objects: make(map[string][]byte), uploads: make(chan string, 16)}
}

func (m *memoryUploader) Upload(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		m.uploads <- ""
		return m.fail
	}
	m.objects[path] = data
	m.uploads <- path
	return nil
}

func sampleReport() save.Report {
	return save.Report{
		View:       "v1",
		Scope:      types.Scope{Collection: "attendance", Key: "2024-05-01"},
		Trigger:    save.TriggerAutosave,
		StartedAt:  time.Date(2024, 5, 1, 9, 0, 30, 0, time.UTC),
		FinishedAt: time.Date(2024, 5, 1, 9, 0, 31, 500, time.UTC),
		Succeeded:  []types.RecordID{"c1", "c3"},
		Failed:     map[types.RecordID]string{"c2": "commit c2: row locked"},
		Message:    "Saved 2, failed 1",
	}
}

func TestObjectPath(t *testing.T) {
	assert.Equal(t, "reports/attendance/2024-05-01/v1/20240501T090031.000000500Z.json", ObjectPath(sampleReport()))
}

func TestWorkerUploadsQueuedReports(t *testing.T) {
	up := newMemoryUploader()
	w := NewWorker(up, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	w.Enqueue(sampleReport())
	path := <-up.uploads
	require.NotEmpty(t, path)

	var got save.Report
	require.NoError(t, json.Unmarshal(up.objects[path], &got))
	assert.Equal(t, "Saved 2, failed 1", got.Message)
	assert.Equal(t, []types.RecordID{"c1", "c3"}, got.Succeeded)
}

func TestWorkerDrainsOnShutdown(t *testing.T) {
	up := newMemoryUploader()
	w := NewWorker(up, zerolog.Nop())
	w.Enqueue(sampleReport())
	w.Enqueue(sampleReport())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.Start(ctx)
	<-w.Done()

	assert.Len(t, up.uploads, 2)
}

func TestWorkerSurvivesUploadFailure(t *testing.T) {
	up := newMemoryUploader()
	up.fail = errors.New("bucket unavailable")
	w := NewWorker(up, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	w.Enqueue(sampleReport())
	<-up.uploads
	cancel()
	<-w.Done()
	assert.Empty(t, up.objects)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	up := newMemoryUploader()
	w := NewWorker(up, zerolog.Nop(), WithQueueSize(1))
	w.Enqueue(sampleReport())
	w.Enqueue(sampleReport())
	assert.Len(t, w.queue, 1)
}
