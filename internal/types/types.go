package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/volatiletech/null/v8"
)

// RecordID identifies a record inside a roster. It is opaque to the engine.
type RecordID string

// ViewID identifies one opened editing session.
type ViewID string

// Scope selects the roster loaded into a view, e.g. one day of attendance for
// one program.
type Scope struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

// String renders the scope as collection/key.
func (s Scope) String() string {
	return s.Collection + "/" + s.Key
}

// Fields holds the scalar values of a record keyed by field name. An absent
// field is equivalent to a null value.
type Fields map[string]null.String

// Get returns the value for name, or a null value when the field is absent.
func (f Fields) Get(name string) null.String {
	if f == nil {
		return null.String{}
	}
	return f[name]
}

// Clone returns a deep copy of the fields.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Equal compares the tracked fields of two records value by value. When
// tracked is empty every field present on either side is compared.
func (f Fields) Equal(other Fields, tracked []string) bool {
	if len(tracked) > 0 {
		for _, name := range tracked {
			if !ValueEqual(f.Get(name), other.Get(name)) {
				return false
			}
		}
		return true
	}
	for name, v := range f {
		if !ValueEqual(v, other.Get(name)) {
			return false
		}
	}
	for name, v := range other {
		if _, ok := f[name]; ok {
			continue
		}
		if v.Valid {
			return false
		}
	}
	return true
}

// Names returns the field names in sorted order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for k := range f {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// ValueEqual reports whether two scalar values are equal. Two nulls are equal.
func ValueEqual(a, b null.String) bool {
	if a.Valid != b.Valid {
		return false
	}
	return !a.Valid || a.String == b.String
}

// FieldKind distinguishes free text from enumerated values.
type FieldKind string

const (
	KindString FieldKind = "string"
	KindEnum   FieldKind = "enum"
)

// FieldSpec describes one tracked field of a roster record.
type FieldSpec struct {
	Name    string    `json:"name"`
	Kind    FieldKind `json:"kind"`
	Options []string  `json:"options,omitempty"`
	// Rule is a validator tag applied before commit, e.g. "required,max=200".
	Rule string `json:"rule,omitempty"`
}

// Schema is the typed record shape of a roster. A nil schema tracks every
// field.
type Schema struct {
	Fields []FieldSpec `json:"fields"`
	Links  []Link      `json:"links,omitempty"`
}

// Tracked returns the names of the fields that participate in dirtiness.
func (s *Schema) Tracked() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		names = append(names, f.Name)
	}
	return names
}

// Field looks up a field spec by name.
func (s *Schema) Field(name string) (FieldSpec, bool) {
	if s == nil {
		return FieldSpec{}, false
	}
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// Link declares a denormalized field: when Field changes on a committed
// record, its value is copied to TargetField of the related record in
// TargetCollection whose id is held in TargetIDField.
type Link struct {
	Field            string `json:"field"`
	TargetCollection string `json:"target_collection"`
	TargetIDField    string `json:"target_id_field"`
	TargetField      string `json:"target_field"`
}

// Seed is one roster entry returned by the roster loader.
type Seed struct {
	ID     RecordID `json:"id"`
	Fields Fields   `json:"fields"`
}

// CommitRecord is a single record submitted to the remote store.
type CommitRecord struct {
	Scope  Scope    `json:"scope"`
	ID     RecordID `json:"id"`
	Fields Fields   `json:"fields"`
}

// CommitStatus is the per-record status reported by the remote store.
type CommitStatus string

const (
	StatusOK    CommitStatus = "ok"
	StatusError CommitStatus = "error"
)

// CommitResult is the remote store's answer for one submitted record.
type CommitResult struct {
	ID        RecordID     `json:"id"`
	Status    CommitStatus `json:"status"`
	Committed Fields       `json:"committed,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// LinkedWrite updates one field on a related record.
type LinkedWrite struct {
	Collection string      `json:"collection"`
	ID         RecordID    `json:"id"`
	Field      string      `json:"field"`
	Value      null.String `json:"value"`
}

// Outcome is the result of committing one record: either Committed with the
// new baseline value or Failed with a reason.
type Outcome struct {
	ID        RecordID
	Committed Fields
	Err       error
}

// OK reports whether the record was committed.
func (o Outcome) OK() bool { return o.Err == nil }

// MarshalJSON renders the outcome with a textual error.
func (o Outcome) MarshalJSON() ([]byte, error) {
	payload := struct {
		ID        RecordID `json:"id"`
		Committed Fields   `json:"committed,omitempty"`
		Error     string   `json:"error,omitempty"`
	}{ID: o.ID, Committed: o.Committed}
	if o.Err != nil {
		payload.Error = o.Err.Error()
	}
	return json.Marshal(payload)
}

// ParseValue converts an optional string into a scalar value; nil is null.
func ParseValue(raw *string) null.String {
	return null.StringFromPtr(raw)
}

// FormatValue renders a scalar for logs.
func FormatValue(v null.String) string {
	if !v.Valid {
		return "null"
	}
	return fmt.Sprintf("%q", v.String)
}

// CommitEvent announces records confirmed by the remote store.
type CommitEvent struct {
	Scope   Scope     `json:"scope"`
	View    ViewID    `json:"view"`
	Records []Seed    `json:"records"`
	At      time.Time `json:"at"`
}
