package search

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scratchpad/internal/notebook"
	"scratchpad/internal/store"
)

func TestHashEngineDeterminism(t *testing.T) {
	engine := NewHashEngine()
	ctx := context.Background()

	a1, err := engine.Embed(ctx, "same text")
	require.NoError(t, err)
	a2, err := engine.Embed(ctx, "same text")
	require.NoError(t, err)
	assert.Equal(t, a1, a2)
	assert.Len(t, a1, engine.Dimensions())

	b, err := engine.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a1, b)

	for _, value := range a1 {
		assert.GreaterOrEqual(t, value, float32(-1.0))
		assert.LessOrEqual(t, value, float32(1.0))
	}
	assert.Equal(t, "debug-hash", engine.Name())
}

func TestHashEngineBatch(t *testing.T) {
	engine := NewHashEngine()
	vectors, err := engine.EmbedBatch(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	single, _ := engine.Embed(context.Background(), "one")
	assert.Equal(t, single, vectors[0])
}

func TestNewEngineSelection(t *testing.T) {
	hash, err := NewEngine(EngineConfig{Model: ""})
	require.NoError(t, err)
	assert.Equal(t, "debug-hash", hash.Name())

	debug, err := NewEngine(EngineConfig{Model: "debug-hash"})
	require.NoError(t, err)
	assert.Equal(t, "debug-hash", debug.Name())

	ollama, err := NewEngine(EngineConfig{Model: "ollama:embeddinggemma"})
	require.NoError(t, err)
	assert.Equal(t, "ollama:embeddinggemma", ollama.Name())
}

func TestBuildSnippet(t *testing.T) {
	short := buildSnippet("body", []string{"Title", ""})
	assert.Equal(t, "Title body", short)

	long := buildSnippet(strings.Repeat("x", 500), nil)
	assert.Len(t, long, snippetLimit)
	assert.True(t, strings.HasSuffix(long, "..."))
}

func TestBuildDocuments(t *testing.T) {
	pad := &notebook.Scratchpad{
		ScratchID: "pad-1",
		Namespace: "work",
		Metadata: map[string]any{
			"title": "Plan",
			"tags":  []any{"pad-tag"},
		},
		Cells: []*notebook.Cell{
			{CellID: "c1", Index: 0, Language: "md", Content: "first cell",
				Metadata: map[string]any{"tags": []any{"cell-tag"}}},
			{CellID: "c2", Index: 1, Language: "txt", Content: "second cell"},
		},
	}
	documents := buildDocuments(pad)
	require.Len(t, documents, 3, "one pad document plus one per cell")

	padDoc := documents[0]
	assert.Empty(t, padDoc.cellID)
	assert.Equal(t, -1, padDoc.cellIndex)
	assert.Contains(t, padDoc.text, "Plan")
	assert.Contains(t, padDoc.text, "first cell")
	assert.Contains(t, padDoc.text, "second cell")
	assert.Equal(t, []string{"pad-tag"}, padDoc.tags)

	cellDoc := documents[1]
	assert.Equal(t, "c1", cellDoc.cellID)
	assert.Equal(t, 0, cellDoc.cellIndex)
	assert.Equal(t, "md", cellDoc.language)
	assert.Equal(t, []string{"pad-tag", "cell-tag"}, cellDoc.tags,
		"cell documents inherit pad tags")
}

func newSearchFixture(t *testing.T) (*store.Store, *Service) {
	t.Helper()
	st, err := store.Open(":memory:", store.Limits{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, NewService(st, NewHashEngine(), true, 10)
}

func TestSearchEndToEnd(t *testing.T) {
	st, svc := newSearchFixture(t)
	ctx := context.Background()

	pad := &notebook.Scratchpad{
		ScratchID: "pad-1",
		Namespace: "work",
		Metadata:  map[string]any{"namespace": "work"},
		Cells: []*notebook.Cell{
			{Language: "md", Content: "deployment checklist for the gateway"},
			{Language: "md", Content: "grocery list"},
		},
	}
	_, _, err := st.CreatePad("default", pad, svc.Reindexer(ctx))
	require.NoError(t, err)

	count, err := st.EmbeddingCount("default", "pad-1")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	// The hash embedder only matches identical text, so query with the exact
	// cell content.
	hits, version, err := svc.Search(ctx, "default", "deployment checklist for the gateway", nil, nil, 5)
	require.NoError(t, err)
	assert.Equal(t, "debug-hash", version)
	require.NotEmpty(t, hits)
	assert.Equal(t, "pad-1", hits[0].ScratchID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Contains(t, hits[0].Snippet, "deployment checklist")

	// A namespace filter that excludes the pad returns nothing.
	hits, _, err = svc.Search(ctx, "default", "deployment checklist for the gateway",
		[]string{"play"}, nil, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Other tenants see nothing.
	hits, _, err = svc.Search(ctx, "intruder", "deployment checklist for the gateway", nil, nil, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestSearchDisabled(t *testing.T) {
	st, err := store.Open(":memory:", store.Limits{})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	svc := NewService(st, nil, false, 10)
	assert.False(t, svc.Enabled())
	assert.Nil(t, svc.Reindexer(context.Background()), "disabled search skips vector upkeep")

	_, _, err = svc.Search(context.Background(), "default", "anything", nil, nil, 5)
	require.Error(t, err)
	assert.Equal(t, notebook.CodeConfigError, notebook.AsDomain(err).Code)
}
