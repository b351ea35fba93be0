// Package compiler compiles a datatype's field composition into a validator
// that checks and coerces entity payloads.
//
// A Validator is immutable once compiled and safe for concurrent use. Compiled
// validators are shared through Cache, keyed by datatype key, version and mode.
package compiler

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/artpar/entigate/core/errs"
	"github.com/artpar/entigate/core/schema"
)

// Mode selects create or update semantics.
type Mode string

const (
	// ModeCreate makes required non-array fields mandatory.
	ModeCreate Mode = "create"

	// ModeUpdate makes every field optional; null unsets a field.
	ModeUpdate Mode = "update"
)

// Failure codes reported per field.
const (
	CodeRequired       = "required"
	CodeType           = "type"
	CodeArray          = "array"
	CodeMinLength      = "min_length"
	CodeMaxLength      = "max_length"
	CodePattern        = "pattern"
	CodeInteger        = "integer"
	CodeMin            = "min"
	CodeMax            = "max"
	CodeEnum           = "enum"
	CodeDate           = "date"
	CodeRef            = "ref"
	CodeUniqueArray    = "unique_array"
	CodeInvalidPattern = "invalid_pattern"
)

// Result is the outcome of validating one payload.
type Result struct {
	// Value holds the coerced declared fields. In update mode a nil value
	// means "unset this field".
	Value map[string]any

	// Errors maps field keys to failure codes.
	Errors map[string]string
}

// OK reports whether the payload passed validation.
func (r Result) OK() bool {
	return len(r.Errors) == 0
}

// Err returns a ValidationError for a failed result, nil otherwise.
func (r Result) Err(typeKey string) error {
	if r.OK() {
		return nil
	}
	return &errs.ValidationError{TypeKey: typeKey, Fields: r.Errors}
}

// Validator validates and coerces payloads for one field composition.
type Validator struct {
	mode  Mode
	rules []rule
}

type rule struct {
	field   schema.Field
	pattern *regexp.Regexp
	// enum maps accepted spellings to the canonical value.
	enum map[string]string
}

// Compile builds a validator for the given fields. A composition that can
// never be stored (unique array fields, invalid patterns) is rejected.
func Compile(fields []schema.Field, mode Mode) (*Validator, error) {
	if mode != ModeCreate && mode != ModeUpdate {
		return nil, fmt.Errorf("unknown validation mode %q", mode)
	}

	v := &Validator{mode: mode, rules: make([]rule, 0, len(fields))}
	bad := make(map[string]string)

	for _, f := range fields {
		r := rule{field: f}

		if f.Unique && f.Many() {
			bad[f.Key] = CodeUniqueArray
			continue
		}

		if f.Constraints.Pattern != "" && f.Type == schema.FieldTypeString {
			re, err := regexp.Compile(f.Constraints.Pattern)
			if err != nil {
				bad[f.Key] = CodeInvalidPattern
				continue
			}
			r.pattern = re
		}

		if f.Type == schema.FieldTypeEnum {
			r.enum = make(map[string]string, len(f.Constraints.Values))
			for _, val := range f.Constraints.Values {
				r.enum[val] = val
				if f.Constraints.CaseInsensitive {
					r.enum[strings.ToLower(val)] = val
				}
			}
		}

		v.rules = append(v.rules, r)
	}

	if len(bad) > 0 {
		return nil, &errs.ValidationError{Fields: bad}
	}
	return v, nil
}

// Mode returns the validator's mode.
func (v *Validator) Mode() Mode {
	return v.mode
}

// Validate checks payload against the compiled rules. Unknown keys are dropped
// and every field is checked; failures never short-circuit.
func (v *Validator) Validate(payload map[string]any) Result {
	res := Result{
		Value:  make(map[string]any, len(v.rules)),
		Errors: make(map[string]string),
	}

	for _, r := range v.rules {
		key := r.field.Key
		raw, present := payload[key]

		if !present || raw == nil {
			switch {
			case v.mode == ModeCreate && r.field.Mandatory():
				res.Errors[key] = CodeRequired
			case present && v.mode == ModeUpdate:
				res.Value[key] = nil
			}
			continue
		}

		out, code := r.coerce(raw)
		if code != "" {
			res.Errors[key] = code
			continue
		}
		res.Value[key] = out
	}

	return res
}

// Filter coerces equality filter values. Array fields take a single element
// (containment match); nil matches absent or null fields. Unknown keys are
// dropped and nothing is mandatory.
func (v *Validator) Filter(filter map[string]any) Result {
	res := Result{
		Value:  make(map[string]any, len(filter)),
		Errors: make(map[string]string),
	}

	for _, r := range v.rules {
		key := r.field.Key
		raw, present := filter[key]
		if !present {
			continue
		}
		if raw == nil {
			res.Value[key] = nil
			continue
		}

		var (
			out  any
			code string
		)
		if r.field.Many() && !isList(raw) {
			out, code = r.coerceOne(raw)
		} else {
			out, code = r.coerce(raw)
		}
		if code != "" {
			res.Errors[key] = code
			continue
		}
		res.Value[key] = out
	}

	return res
}

func isList(raw any) bool {
	k := reflect.ValueOf(raw).Kind()
	return k == reflect.Slice || k == reflect.Array
}

// ValidateAndCoerce compiles fields for mode and validates payload.
func ValidateAndCoerce(fields []schema.Field, mode Mode, payload map[string]any) (Result, error) {
	v, err := Compile(fields, mode)
	if err != nil {
		return Result{}, err
	}
	return v.Validate(payload), nil
}

func (r rule) coerce(raw any) (any, string) {
	if !r.field.Many() {
		return r.coerceOne(raw)
	}

	rv := reflect.ValueOf(raw)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, CodeArray
	}

	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		el := rv.Index(i).Interface()
		if el == nil {
			return nil, CodeType
		}
		val, code := r.coerceOne(el)
		if code != "" {
			return nil, code
		}
		out = append(out, val)
	}
	return out, ""
}

func (r rule) coerceOne(raw any) (any, string) {
	switch r.field.Type {
	case schema.FieldTypeString:
		return coerceString(raw, r.field.Constraints, r.pattern)
	case schema.FieldTypeNumber:
		return coerceNumber(raw, r.field.Constraints)
	case schema.FieldTypeBoolean:
		return coerceBool(raw)
	case schema.FieldTypeDate:
		return coerceDate(raw)
	case schema.FieldTypeEnum:
		return coerceEnum(raw, r.enum, r.field.Constraints.CaseInsensitive)
	case schema.FieldTypeRef:
		return coerceRef(raw)
	default:
		return nil, CodeType
	}
}
