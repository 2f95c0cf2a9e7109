package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when a field value is rejected at save time.
	ErrValidation = errors.New("espalier: validation failed")

	// ErrFieldNameConflict is returned when a logical or store name is registered twice.
	ErrFieldNameConflict = errors.New("espalier: field name conflict")

	// ErrMultiplePrimaryKeys is returned when a schema declares more than one primary key.
	ErrMultiplePrimaryKeys = errors.New("espalier: only one field can be marked as primary key")

	// ErrEmbeddedPrimaryKey is returned when an embedded schema declares a primary key.
	ErrEmbeddedPrimaryKey = errors.New("espalier: embedded schemas can't contain primary keys")

	// ErrInvalidPrimaryKeyStoreName is returned when a primary key is not stored under the identity key.
	ErrInvalidPrimaryKeyStoreName = errors.New("espalier: primary key store name must be " + IdentityKey)

	// ErrUnknownField is returned when a field name can't be resolved on a schema.
	ErrUnknownField = errors.New("espalier: unknown field")

	// ErrAbstractSchema is returned when an abstract schema is instantiated or referenced.
	ErrAbstractSchema = errors.New("espalier: schema is abstract")

	// ErrMissingCollection is returned when a concrete schema has no collection.
	ErrMissingCollection = errors.New("espalier: collection is required for concrete schemas")

	// ErrDuplicateSchema is returned when two schemas are registered under one name.
	ErrDuplicateSchema = errors.New("espalier: schema already registered")

	// ErrUnresolvedReference is returned by Seal when a forward-declared reference target never registered.
	ErrUnresolvedReference = errors.New("espalier: unresolved reference target")

	// ErrSchemaBuild is returned by Seal when an earlier Define failed.
	ErrSchemaBuild = errors.New("espalier: schema build failed")

	// ErrRegistrySealed is returned when registering after the registration phase ended.
	ErrRegistrySealed = errors.New("espalier: registry is sealed")

	// ErrReferenceMismatch is returned when a cached reference is synced from the wrong document.
	ErrReferenceMismatch = errors.New("espalier: referenced document mismatch")

	// ErrReadOnly is returned when writing a virtual read-only field.
	ErrReadOnly = errors.New("espalier: field is read-only")

	// ErrMissingVersionMetadata is returned when a loaded record lacks engine metadata.
	ErrMissingVersionMetadata = errors.New("espalier: missing version metadata")

	// ErrInvalidValue is returned when a value can't be converted to its store form.
	ErrInvalidValue = errors.New("espalier: invalid value")
)

// ValidationError describes why a single field value was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("espalier: field %q: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(f *Field, format string, args ...any) error {
	return &ValidationError{Field: f.Name(), Reason: fmt.Sprintf(format, args...)}
}
