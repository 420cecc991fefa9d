package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/roster-sync/internal/types"
)

// Memory is an in-process store. Faults can be injected per record to
// exercise partial failures.
type Memory struct {
	mu      sync.Mutex
	rosters map[types.Scope][]types.RecordID
	records map[types.Scope]map[types.RecordID]types.Fields
	linked  map[string]map[types.RecordID]types.Fields

	rejects    map[types.RecordID]string
	transport  map[types.RecordID]error
	linkedErr  error
	commits    []types.CommitRecord
	linkWrites []types.LinkedWrite
	gate       *Gate
}

// Gate holds commits until released.
type Gate struct {
	entered chan types.RecordID
	release chan struct{}
	once    sync.Once
}

// Entered returns the id of the next commit that reached the gate.
func (g *Gate) Entered() types.RecordID { return <-g.entered }

// Release lets every held and future commit through.
func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		rosters:   make(map[types.Scope][]types.RecordID),
		records:   make(map[types.Scope]map[types.RecordID]types.Fields),
		linked:    make(map[string]map[types.RecordID]types.Fields),
		rejects:   make(map[types.RecordID]string),
		transport: make(map[types.RecordID]error),
	}
}

// Driver returns "memory".
func (m *Memory) Driver() string { return DriverMemory }

// EnsureSchema is a no-op.
func (m *Memory) EnsureSchema(context.Context) error { return nil }

// ImportRoster replaces the records of scope.
func (m *Memory) ImportRoster(_ context.Context, scope types.Scope, seeds []types.Seed) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]types.RecordID, 0, len(seeds))
	recs := make(map[types.RecordID]types.Fields, len(seeds))
	for _, s := range seeds {
		if _, ok := recs[s.ID]; !ok {
			ids = append(ids, s.ID)
		}
		recs[s.ID] = s.Fields.Clone()
	}
	m.rosters[scope] = ids
	m.records[scope] = recs
	return nil
}

// LoadRoster returns the records of scope in import order.
func (m *Memory) LoadRoster(_ context.Context, scope types.Scope) ([]types.Seed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.rosters[scope]
	seeds := make([]types.Seed, 0, len(ids))
	for _, id := range ids {
		seeds = append(seeds, types.Seed{ID: id, Fields: m.records[scope][id].Clone()})
	}
	return seeds, nil
}

// Reject makes commits of id answer with an error status.
func (m *Memory) Reject(id types.RecordID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects[id] = reason
}

// FailTransport makes commits of id fail as if the connection dropped.
func (m *Memory) FailTransport(id types.RecordID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport[id] = err
}

// FailLinked makes every linked write fail with err. Nil heals it.
func (m *Memory) FailLinked(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.linkedErr = err
}

// Heal removes injected faults for id.
func (m *Memory) Heal(id types.RecordID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rejects, id)
	delete(m.transport, id)
}

// Hold installs a gate that blocks commits until released.
func (m *Memory) Hold() *Gate {
	g := &Gate{entered: make(chan types.RecordID, 64), release: make(chan struct{})}
	m.mu.Lock()
	m.gate = g
	m.mu.Unlock()
	return g
}

// Commit merges each record into the stored row.
func (m *Memory) Commit(ctx context.Context, records []types.CommitRecord) ([]types.CommitResult, error) {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		for _, r := range records {
			gate.entered <- r.ID
		}
		select {
		case <-gate.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	results := make([]types.CommitResult, 0, len(records))
	for _, rec := range records {
		m.commits = append(m.commits, rec)
		if err, ok := m.transport[rec.ID]; ok {
			return nil, fmt.Errorf("commit %s: %w", rec.ID, err)
		}
		if reason, ok := m.rejects[rec.ID]; ok {
			results = append(results, rejected(rec.ID, reason))
			continue
		}
		recs := m.records[rec.Scope]
		if recs == nil {
			recs = make(map[types.RecordID]types.Fields)
			m.records[rec.Scope] = recs
		}
		if _, ok := recs[rec.ID]; !ok {
			m.rosters[rec.Scope] = append(m.rosters[rec.Scope], rec.ID)
		}
		next := merge(recs[rec.ID], rec.Fields)
		recs[rec.ID] = next
		results = append(results, accepted(rec.ID, next.Clone()))
	}
	return results, nil
}

// CommitLinked applies the writes atomically.
func (m *Memory) CommitLinked(_ context.Context, writes []types.LinkedWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.linkedErr != nil {
		return m.linkedErr
	}
	for _, w := range writes {
		col := m.linked[w.Collection]
		if col == nil {
			col = make(map[types.RecordID]types.Fields)
			m.linked[w.Collection] = col
		}
		col[w.ID] = merge(col[w.ID], types.Fields{w.Field: w.Value})
		m.linkWrites = append(m.linkWrites, w)
	}
	return nil
}

// Record returns the stored fields of id.
func (m *Memory) Record(scope types.Scope, id types.RecordID) (types.Fields, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.records[scope][id]
	return f.Clone(), ok
}

// LinkedRecord returns the stored fields of a related record.
func (m *Memory) LinkedRecord(collection string, id types.RecordID) (types.Fields, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.linked[collection][id]
	return f.Clone(), ok
}

// Commits returns every record submitted so far, including failed ones.
func (m *Memory) Commits() []types.CommitRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.CommitRecord(nil), m.commits...)
}
