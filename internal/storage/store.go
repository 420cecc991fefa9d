// Package storage implements the remote roster store: roster loading,
// per-record commits and linked (denormalized) writes.
package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/roster-sync/internal/types"
)

// Driver names accepted by STORE_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Store is the full persistence surface used by the server.
type Store interface {
	LoadRoster(ctx context.Context, scope types.Scope) ([]types.Seed, error)
	ImportRoster(ctx context.Context, scope types.Scope, seeds []types.Seed) error
	Commit(ctx context.Context, records []types.CommitRecord) ([]types.CommitResult, error)
	CommitLinked(ctx context.Context, writes []types.LinkedWrite) error
	EnsureSchema(ctx context.Context) error
	Driver() string
}

func encodeFields(f types.Fields) ([]byte, error) {
	if f == nil {
		f = types.Fields{}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return data, nil
}

func decodeFields(data []byte) (types.Fields, error) {
	f := types.Fields{}
	if len(data) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return f, nil
}

// merge overlays patch onto base and returns a new value.
func merge(base, patch types.Fields) types.Fields {
	out := base.Clone()
	for k, v := range patch {
		out[k] = v
	}
	return out
}

func rejected(id types.RecordID, reason string) types.CommitResult {
	return types.CommitResult{ID: id, Status: types.StatusError, Error: reason}
}

func accepted(id types.RecordID, committed types.Fields) types.CommitResult {
	return types.CommitResult{ID: id, Status: types.StatusOK, Committed: committed}
}
