package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseFile parses a datatype definition from a YAML file.
func ParseFile(path string) (Datatype, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Datatype{}, fmt.Errorf("read file %s: %w", path, err)
	}

	dt, err := Parse(data)
	if err != nil {
		return Datatype{}, fmt.Errorf("%s: %w", path, err)
	}
	return dt, nil
}

// Parse parses a datatype definition from YAML bytes.
// Defaults are filled before validation.
func Parse(data []byte) (Datatype, error) {
	var dt Datatype
	if err := yaml.Unmarshal(data, &dt); err != nil {
		return Datatype{}, fmt.Errorf("parse yaml: %w", err)
	}

	dt.Normalize()
	if err := Validate(dt); err != nil {
		return Datatype{}, fmt.Errorf("validate datatype %q: %w", dt.Key, err)
	}

	return dt, nil
}

// ParseDir parses all datatype definitions from a directory, including
// subdirectories. Entries are visited in lexical file-name order, which is the
// load order used for hook contributions.
func ParseDir(dir string) ([]Datatype, error) {
	var types []Datatype

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if entry.IsDir() {
			sub, err := ParseDir(path)
			if err != nil {
				return nil, err
			}
			types = append(types, sub...)
			continue
		}

		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		dt, err := ParseFile(path)
		if err != nil {
			return nil, err
		}

		types = append(types, dt)
	}

	return types, nil
}

// Validate validates a datatype definition. All problems are collected.
func Validate(dt Datatype) error {
	var errs []string

	if dt.Key == "" {
		errs = append(errs, "datatype key is required")
	} else if !isValidIdentifier(dt.Key) {
		errs = append(errs, fmt.Sprintf("datatype key %q is not a valid identifier", dt.Key))
	}

	switch dt.Status {
	case "", StatusDraft, StatusPublished:
	default:
		errs = append(errs, fmt.Sprintf("unknown status %q", dt.Status))
	}

	switch dt.Storage {
	case "", StorageSingle, StoragePerType:
	default:
		errs = append(errs, fmt.Sprintf("unknown storage mode %q", dt.Storage))
	}

	if len(dt.Fields) == 0 {
		errs = append(errs, "datatype must have at least one field")
	}

	seen := make(map[string]bool, len(dt.Fields))
	for _, f := range dt.Fields {
		if seen[f.Key] {
			errs = append(errs, fmt.Sprintf("duplicate field %q", f.Key))
		}
		seen[f.Key] = true

		if err := ValidateField(f); err != nil {
			errs = append(errs, err.Error())
		}
	}

	errs = append(errs, validateHooks("hooks", dt.Hooks)...)
	for i, c := range dt.Contributes {
		if c.Target == "" {
			errs = append(errs, fmt.Sprintf("contribution %d: target is required", i))
		}
		errs = append(errs, validateHooks("contributes."+c.Target, c.Hooks)...)
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// ValidateField checks a single field definition.
func ValidateField(f Field) error {
	name := f.Key
	switch {
	case name == "":
		return fmt.Errorf("field key is required")
	case !isValidIdentifier(name):
		return fmt.Errorf("field key %q is not a valid identifier", name)
	case name == "id":
		return fmt.Errorf("field %q: id is assigned by storage", name)
	}

	if !isValidFieldType(f.Type) {
		return fmt.Errorf("field %q: unknown type %q", name, f.Type)
	}

	if f.Unique && f.Many() {
		return fmt.Errorf("field %q: cannot be both unique and array", name)
	}

	switch f.Type {
	case FieldTypeEnum:
		if len(f.Constraints.Values) == 0 {
			return fmt.Errorf("field %q: enum type requires constraints.values", name)
		}
	case FieldTypeRef:
		if f.To == "" {
			return fmt.Errorf("field %q: ref type requires 'to'", name)
		}
		switch f.Cardinality {
		case "", CardinalityOne, CardinalityMany:
		default:
			return fmt.Errorf("field %q: unknown cardinality %q", name, f.Cardinality)
		}
		switch f.OnDelete {
		case "", OnDeleteRestrict, OnDeleteCascade:
		case OnDeleteSetNull:
			if f.Required && !f.Many() {
				return fmt.Errorf("field %q: required ref cannot use on_delete setNull", name)
			}
		default:
			return fmt.Errorf("field %q: unknown on_delete %q", name, f.OnDelete)
		}
	}

	c := f.Constraints
	if c.Pattern != "" {
		if _, err := regexp.Compile(c.Pattern); err != nil {
			return fmt.Errorf("field %q: invalid pattern: %w", name, err)
		}
	}
	if c.MinLength != nil && c.MaxLength != nil && *c.MinLength > *c.MaxLength {
		return fmt.Errorf("field %q: min_length exceeds max_length", name)
	}
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return fmt.Errorf("field %q: min exceeds max", name)
	}

	return nil
}

func validateHooks(where string, hooks HookPhaseMap) []string {
	var errs []string
	for phase, steps := range hooks {
		if !phase.IsValid() {
			errs = append(errs, fmt.Sprintf("%s: unknown phase %q", where, phase))
			continue
		}
		for i, step := range steps {
			if step.Action == "" {
				errs = append(errs, fmt.Sprintf("%s.%s[%d]: action is required", where, phase, i))
			}
		}
	}
	return errs
}

// isValidIdentifier checks if a string is a valid identifier.
func isValidIdentifier(s string) bool {
	if s == "" {
		return false
	}

	for i, c := range s {
		if i == 0 {
			if !isLetter(c) && c != '_' {
				return false
			}
		} else {
			if !isLetter(c) && !isDigit(c) && c != '_' {
				return false
			}
		}
	}

	return true
}

func isLetter(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c rune) bool {
	return c >= '0' && c <= '9'
}
