// Package store persists documents defined in a model.Registry with
// optimistic concurrency, revision history and cached-reference sync.
//
// A [Store] sits on top of a [Backend] (see the memory, mongodb and dynamo
// subpackages) and optionally a search.Engine and a jobs.Dispatcher.
//
// # Saving
//
// Inserting a document writes it with version 1. Updating takes a
// short-lived mutex on the stored record, conditioned on the version the
// document was loaded at, snapshots the previous state into the revisions
// collection, and commits only the changed fields while the mutex is
// still held:
//
//	order, _ := model.NewDocument(orders)
//	order.MustSet("customer", customer).MustSet("note", "rush")
//	if err := st.Save(ctx, order); err != nil { ... }
//
// Losing the race to another writer fails with [ErrMutexNotAcquired] or
// [ErrConcurrencyConflict]; reload the document and retry.
//
// # Deleting
//
// [Store.Delete] checks every reference to the document first. A
// restricting reference fails the delete with [ErrDeleteRestricted] before
// anything is removed; cascading references are deleted afterwards.
//
// # Cached references
//
// After an update changes fields that other documents cache, the store
// enqueues [JobSpawnSyncers]. Register [Store.Handlers] on a jobs.Queue to
// process them, or call [Store.SyncReverseReferences] directly.
//
// # Configuration
//
// Use [DefaultConfig] and adjust:
//
//	cfg := store.DefaultConfig()
//	cfg.LeaseDuration = 10 * time.Second
//	cfg.SearchPrefix = "shop"
//
// # Errors
//
// The package defines domain-specific errors:
//
//   - [ErrDoesNotExist] - no document matched
//   - [ErrMutexNotAcquired] - the update lease is held or the version moved
//   - [ErrConcurrencyConflict] - the lease was lost before commit
//   - [ErrDeleteRestricted] - a restricting reference blocks the delete
//   - [ErrAlreadyExists] - a document with the same id was inserted first
//   - [ErrNotSaved] - the document was never saved
package store
