// Package validate runs schema rules over a record before it is committed.
package validate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/example/roster-sync/internal/types"
)

// FieldError describes a rule violation on one field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a local, pre-commit failure. The record is not sent to the remote
// store and stays dirty.
type Error struct {
	ID     types.RecordID
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Message)
	}
	return fmt.Sprintf("record %s is invalid: %s", e.ID, strings.Join(parts, "; "))
}

// IsValidation reports whether err is or wraps a validation failure.
func IsValidation(err error) bool {
	var verr *Error
	return errors.As(err, &verr)
}

var messages = map[string]string{
	"required": "{0} is required",
	"oneof":    "{0} must be one of [{1}]",
	"max":      "{0} must be at most {1} characters",
	"min":      "{0} must be at least {1} characters",
	"len":      "{0} must be exactly {1} characters",
	"email":    "{0} must be a valid email address",
	"numeric":  "{0} must be numeric",
	"datetime": "{0} must match the layout {1}",
}

// Validator checks records against the rules declared in a schema.
type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
	rules      map[string]string
	order      []string
}

// New builds a validator for schema. A nil schema accepts every record.
func New(schema *types.Schema) (*Validator, error) {
	english := en.New()
	uni := ut.New(english, english)
	translator, _ := uni.GetTranslator("en")
	for tag, text := range messages {
		if err := translator.Add(tag, text, true); err != nil {
			return nil, fmt.Errorf("register translation %s: %w", tag, err)
		}
	}

	v := &Validator{
		validate:   validator.New(),
		translator: translator,
		rules:      make(map[string]string),
	}
	if schema == nil {
		return v, nil
	}

	for _, spec := range schema.Fields {
		rule := buildRule(spec)
		if rule == "" {
			continue
		}
		// Surface malformed tags at construction rather than at save time.
		if err := probe(v.validate, rule); err != nil {
			return nil, fmt.Errorf("field %s rule %q: %w", spec.Name, rule, err)
		}
		v.rules[spec.Name] = rule
		v.order = append(v.order, spec.Name)
	}
	return v, nil
}

func buildRule(spec types.FieldSpec) string {
	var parts []string
	if spec.Rule != "" {
		parts = append(parts, spec.Rule)
	}
	if spec.Kind == types.KindEnum && len(spec.Options) > 0 {
		quoted := make([]string, 0, len(spec.Options))
		for _, opt := range spec.Options {
			if strings.ContainsAny(opt, " ") {
				opt = "'" + opt + "'"
			}
			quoted = append(quoted, opt)
		}
		parts = append(parts, "oneof="+strings.Join(quoted, " "))
	}
	return strings.Join(parts, ",")
}

func probe(v *validator.Validate, rule string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rule: %v", r)
		}
	}()
	_ = v.Var("", rule)
	return nil
}

// Check validates a record. Null values only fail the required rule.
func (v *Validator) Check(id types.RecordID, fields types.Fields) error {
	var failures []FieldError
	for _, name := range v.order {
		rule := v.rules[name]
		value := fields.Get(name)
		if !value.Valid {
			if hasTag(rule, "required") {
				failures = append(failures, FieldError{Field: name, Message: v.translate("required", name, "")})
			}
			continue
		}
		err := v.validate.Var(value.String, rule)
		if err == nil {
			continue
		}
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate %s.%s: %w", id, name, err)
		}
		for _, fe := range verrs {
			failures = append(failures, FieldError{Field: name, Message: v.translate(fe.Tag(), name, fe.Param())})
		}
	}
	if len(failures) == 0 {
		return nil
	}
	return &Error{ID: id, Fields: failures}
}

func (v *Validator) translate(tag, field, param string) string {
	msg, err := v.translator.T(tag, field, param)
	if err != nil || msg == "" {
		return fmt.Sprintf("%s failed the %s rule", field, tag)
	}
	return msg
}

func hasTag(rule, tag string) bool {
	for _, part := range strings.Split(rule, ",") {
		if strings.TrimSpace(part) == tag {
			return true
		}
	}
	return false
}
