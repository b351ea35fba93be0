// Package errs defines the error taxonomy shared by the entity lifecycle engine.
//
// Every typed error matches its sentinel through errors.Is, so callers can
// branch on the kind without caring which component produced it:
//
//	if errors.Is(err, errs.ErrRefRestrict) { ... }
//
// and recover details through errors.As:
//
//	var verr *errs.ValidationError
//	if errors.As(err, &verr) { fmt.Println(verr.Fields) }
package errs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinels, one per error kind.
var (
	ErrUnknownType          = errors.New("unknown type")
	ErrUnpublishedType      = errors.New("unpublished type")
	ErrValidationFailed     = errors.New("validation failed")
	ErrUniqueViolation      = errors.New("unique violation")
	ErrRefMissing           = errors.New("referenced entity missing")
	ErrRefRestrict          = errors.New("delete restricted by reference")
	ErrEntityNotFound       = errors.New("entity not found")
	ErrCollectionResolution = errors.New("collection resolution failed")
	ErrUnknownHookAction    = errors.New("unknown hook action")
	ErrHookStepFailed       = errors.New("hook step failed")
)

// TypeError reports a datatype that is unknown or not yet published.
type TypeError struct {
	Kind    error // ErrUnknownType or ErrUnpublishedType
	TypeKey string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("%s: %q", e.Kind, e.TypeKey)
}

func (e *TypeError) Is(target error) bool { return target == e.Kind }

// UnknownType returns a TypeError for a key with no definition.
func UnknownType(key string) error {
	return &TypeError{Kind: ErrUnknownType, TypeKey: key}
}

// UnpublishedType returns a TypeError for a draft definition.
func UnpublishedType(key string) error {
	return &TypeError{Kind: ErrUnpublishedType, TypeKey: key}
}

// ValidationError carries one failure code per field.
type ValidationError struct {
	TypeKey string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	if e.TypeKey == "" {
		return fmt.Sprintf("validation failed: %s", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("validation failed for %q: %s", e.TypeKey, strings.Join(parts, ", "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidationFailed }

// UniqueViolationError reports a value already held by another entity.
type UniqueViolationError struct {
	TypeKey string
	Field   string
	Value   any
}

func (e *UniqueViolationError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("unique violation on %s.%s", e.TypeKey, e.Field)
	}
	return fmt.Sprintf("unique violation on %s.%s: %v already exists", e.TypeKey, e.Field, e.Value)
}

func (e *UniqueViolationError) Is(target error) bool { return target == ErrUniqueViolation }

// RefMissingError lists referenced ids that do not exist.
type RefMissingError struct {
	TypeKey string
	Field   string
	Target  string
	IDs     []string
}

func (e *RefMissingError) Error() string {
	return fmt.Sprintf("%s.%s references missing %s: %s", e.TypeKey, e.Field, e.Target, strings.Join(e.IDs, ", "))
}

func (e *RefMissingError) Is(target error) bool { return target == ErrRefMissing }

// RefRestrictError reports an entity that cannot be deleted while referenced.
type RefRestrictError struct {
	TypeKey      string
	ID           string
	ReferrerType string
	Field        string
	Count        int
}

func (e *RefRestrictError) Error() string {
	return fmt.Sprintf("cannot delete %s %s: referenced by %d %s via %q", e.TypeKey, e.ID, e.Count, e.ReferrerType, e.Field)
}

func (e *RefRestrictError) Is(target error) bool { return target == ErrRefRestrict }

// NotFoundError reports a missing entity.
type NotFoundError struct {
	TypeKey string
	ID      string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.TypeKey, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrEntityNotFound }

// CollectionError reports a datatype whose backing collection cannot be resolved.
type CollectionError struct {
	TypeKey string
	Reason  string
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("resolve collection for %q: %s", e.TypeKey, e.Reason)
}

func (e *CollectionError) Is(target error) bool { return target == ErrCollectionResolution }

// UnknownActionError reports a hook step naming an unregistered action.
type UnknownActionError struct {
	Action  string
	TypeKey string
	Phase   string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown hook action %q in %s.%s", e.Action, e.TypeKey, e.Phase)
}

func (e *UnknownActionError) Is(target error) bool { return target == ErrUnknownHookAction }

// HookStepError decorates the failure of a single hook step.
type HookStepError struct {
	TypeKey string
	Phase   string
	Action  string
	Err     error
}

func (e *HookStepError) Error() string {
	return fmt.Sprintf("hook %s.%s step %q: %v", e.TypeKey, e.Phase, e.Action, e.Err)
}

func (e *HookStepError) Unwrap() error { return e.Err }

func (e *HookStepError) Is(target error) bool { return target == ErrHookStepFailed }
