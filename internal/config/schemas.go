package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/example/roster-sync/internal/types"
)

// DefaultSchemas is the catalog used when SCHEMA_FILE is unset.
func DefaultSchemas() map[string]*types.Schema {
	return map[string]*types.Schema{
		"attendance": {
			Fields: []types.FieldSpec{
				{Name: "status", Kind: types.KindEnum, Options: []string{"present", "absent", "late", "excused"}},
				{Name: "note", Kind: types.KindString, Rule: "max=200"},
				{Name: "guardian_id", Kind: types.KindString},
				{Name: "guardian_name", Kind: types.KindString, Rule: "max=120"},
			},
			Links: []types.Link{{
				Field:            "guardian_name",
				TargetCollection: "guardians",
				TargetIDField:    "guardian_id",
				TargetField:      "display_name",
			}},
		},
	}
}

// LoadSchemas reads a JSON object mapping collection names to schemas. An
// empty path returns DefaultSchemas.
func LoadSchemas(path string) (map[string]*types.Schema, error) {
	if path == "" {
		return DefaultSchemas(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	var schemas map[string]*types.Schema
	if err := json.Unmarshal(data, &schemas); err != nil {
		return nil, fmt.Errorf("decode schema file %s: %w", path, err)
	}
	for name, s := range schemas {
		if s == nil || len(s.Fields) == 0 {
			return nil, fmt.Errorf("schema %s declares no fields", name)
		}
	}
	return schemas, nil
}
