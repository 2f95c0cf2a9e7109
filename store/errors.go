package store

import (
	"errors"
	"fmt"
)

var (
	// ErrDoesNotExist is returned when a document can't be found by id or criteria.
	ErrDoesNotExist = errors.New("espalier: document does not exist")

	// ErrConcurrencyConflict is returned when a write lost a race with another writer.
	ErrConcurrencyConflict = errors.New("espalier: document was modified concurrently")

	// ErrMutexNotAcquired is returned when the update lease is held by another
	// writer or the stored version moved on.
	ErrMutexNotAcquired = fmt.Errorf("%w: mutex not acquired", ErrConcurrencyConflict)

	// ErrDeleteRestricted is returned when a restricting reference blocks a delete.
	ErrDeleteRestricted = errors.New("espalier: delete restricted by referencing documents")

	// ErrNotSaved is returned when deleting a document that was never saved.
	ErrNotSaved = errors.New("espalier: document has not been saved")

	// ErrAlreadyExists is returned when inserting a document whose id is taken.
	ErrAlreadyExists = errors.New("espalier: document already exists")

	// ErrDuplicateKey is returned by backends when an insert or upsert hits a
	// unique key that is already present.
	ErrDuplicateKey = errors.New("espalier: duplicate key")

	// ErrRevertUnsupported is returned by Revert.
	ErrRevertUnsupported = errors.New("espalier: revert is not supported")

	// ErrNotSearchable is returned when indexing a document whose schema opted out of search.
	ErrNotSearchable = errors.New("espalier: schema is not searchable")

	// ErrNoSearchEngine is returned by search operations on a store without an engine.
	ErrNoSearchEngine = errors.New("espalier: no search engine configured")

	// ErrUnknownSchema is returned when a job names a schema missing from the registry.
	ErrUnknownSchema = errors.New("espalier: unknown schema")

	// ErrEmbedded is returned when a store operation is given an embedded schema or document.
	ErrEmbedded = errors.New("espalier: embedded documents can't be stored on their own")
)
