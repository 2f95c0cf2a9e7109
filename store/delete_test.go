package store_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacentio/espalier/store"
)

func TestDelete_RestrictLeavesEverything(t *testing.T) {
	f := newFixture(t)
	alice := f.create(f.customer, map[string]any{"name": "Alice"})
	f.create(f.order, map[string]any{"customer": alice, "note": "first"})

	err := f.store.Delete(f.ctx, alice)
	require.ErrorIs(t, err, store.ErrDeleteRestricted)

	assert.Equal(t, 1, f.backend.Len("customers"))
	assert.Equal(t, 1, f.backend.Len("orders"))
}

func TestDelete_UnreferencedDocument(t *testing.T) {
	f := newFixture(t)
	alice := f.create(f.customer, map[string]any{"name": "Alice"})
	require.NoError(t, alice.Set("name", "Alicia"))
	require.NoError(t, f.store.Save(f.ctx, alice))
	f.wait()
	require.Equal(t, 1, f.engine.Len("customers"))

	require.NoError(t, f.store.Delete(f.ctx, alice))
	f.wait()

	assert.Zero(t, f.backend.Len("customers"))
	assert.Zero(t, f.backend.Len("customers.revisions"))
	assert.Zero(t, f.engine.Len("customers"))

	assert.ErrorIs(t, f.store.Delete(f.ctx, alice), store.ErrDoesNotExist)
}

func TestDelete_NotSaved(t *testing.T) {
	f := newFixture(t)
	doc := f.newDoc(f.customer, map[string]any{"name": "Alice"})
	assert.ErrorIs(t, f.store.Delete(f.ctx, doc), store.ErrNotSaved)
}

func TestDelete_CascadesDepthFirst(t *testing.T) {
	f := newFixture(t)
	apollo := f.create(f.project, map[string]any{"title": "Apollo"})
	gemini := f.create(f.project, map[string]any{"title": "Gemini"})

	launch := f.create(f.task, map[string]any{"project": apollo, "title": "launch"})
	land := f.create(f.task, map[string]any{"project": apollo, "title": "land"})
	other := f.create(f.task, map[string]any{"project": gemini, "title": "orbit"})
	f.create(f.comment, map[string]any{"task": launch, "body": "go"})
	f.create(f.comment, map[string]any{"task": land, "body": "eagle"})
	f.create(f.comment, map[string]any{"task": other, "body": "keep"})

	require.NoError(t, f.store.Delete(f.ctx, apollo))

	assert.Equal(t, 1, f.backend.Len("projects"))
	tasks, err := f.store.Find(f.ctx, f.task, store.Query{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "orbit", tasks[0].Text("title"))

	comments, err := f.store.Find(f.ctx, f.comment, store.Query{})
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "keep", comments[0].Text("body"))
}

func TestDelete_CascadeBlockedByNestedRestrict(t *testing.T) {
	f := newFixture(t)
	apollo := f.create(f.project, map[string]any{"title": "Apollo"})
	launch := f.create(f.task, map[string]any{"project": apollo, "title": "launch"})
	f.create(f.comment, map[string]any{"task": launch, "body": "go"})
	f.create(f.review, map[string]any{"task": launch, "verdict": "ok"})

	err := f.store.Delete(f.ctx, apollo)
	require.ErrorIs(t, err, store.ErrDeleteRestricted)

	assert.Equal(t, 1, f.backend.Len("projects"))
	assert.Equal(t, 1, f.backend.Len("tasks"))
	assert.Equal(t, 1, f.backend.Len("comments"))
	assert.Equal(t, 1, f.backend.Len("reviews"))
}

func TestDelete_StaleCopyOfDeletedDocument(t *testing.T) {
	f := newFixture(t)
	apollo := f.create(f.project, map[string]any{"title": "Apollo"})
	stale := f.get(f.project, apollo.PK())

	require.NoError(t, f.store.Delete(f.ctx, apollo))
	assert.ErrorIs(t, f.store.Delete(f.ctx, stale), store.ErrDoesNotExist)
}
