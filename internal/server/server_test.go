package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scratchpad/internal/auth"
	"scratchpad/internal/config"
	"scratchpad/internal/lifecycle"
	"scratchpad/internal/notebook"
	"scratchpad/internal/search"
	"scratchpad/internal/store"
	"scratchpad/internal/validation"
)

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	st, err := store.Open(":memory:", store.Limits{
		MaxScratchpads: cfg.MaxScratchpads,
		MaxCellsPerPad: cfg.MaxCellsPerPad,
		MaxCellBytes:   cfg.MaxCellBytes,
		EvictionPolicy: cfg.EvictionPolicy,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	principals, err := cfg.Principals()
	require.NoError(t, err)
	searchSvc := search.NewService(st, search.NewHashEngine(), cfg.EnableSemanticSearch, cfg.SemanticSearchLimit)
	return NewService(cfg, st, searchSvc, validation.NewPipeline(2),
		auth.NewResolver(cfg.EnableAuth, principals), lifecycle.NewGate(), nil)
}

func call(t *testing.T, svc *Service, tool string, params map[string]any) map[string]any {
	t.Helper()
	if params == nil {
		params = map[string]any{}
	}
	return svc.Call(context.Background(), notebook.DefaultTenant, tool, params)
}

func requireOK(t *testing.T, envelope map[string]any) {
	t.Helper()
	require.Equal(t, true, envelope["ok"], "unexpected failure: %v", envelope["error"])
}

func errorCode(t *testing.T, envelope map[string]any) string {
	t.Helper()
	require.Equal(t, false, envelope["ok"])
	failure, ok := envelope["error"].(map[string]any)
	require.True(t, ok)
	code, _ := failure["code"].(string)
	return code
}

func TestCreateReturnsLightweightView(t *testing.T) {
	svc := newTestService(t, nil)

	envelope := call(t, svc, "scratch_create", map[string]any{
		"metadata": map[string]any{"title": "Notes", "tags": []any{"t1"}},
		"cells": []any{
			map[string]any{"language": "md", "content": "# Heading"},
			map[string]any{"language": "json", "content": `{"a":1}`},
		},
	})
	requireOK(t, envelope)
	assert.Equal(t, 2, envelope["cell_count"])
	scratchID, _ := envelope["scratch_id"].(string)
	assert.True(t, strings.HasPrefix(scratchID, "scratch-"))

	cells, ok := envelope["cells"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, cells, 2)
	for _, cell := range cells {
		_, hasContent := cell["content"]
		assert.False(t, hasContent, "mutating responses never echo cell content")
		assert.NotEmpty(t, cell["cell_id"])
	}

	assert.Equal(t, []string{"t1"}, envelope["tags"])
	metadata, ok := envelope["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Notes", metadata["title"])
}

func TestCreateWithClientID(t *testing.T) {
	svc := newTestService(t, nil)

	envelope := call(t, svc, "scratch_create", map[string]any{"scratch_id": "my-pad"})
	requireOK(t, envelope)
	assert.Equal(t, "my-pad", envelope["scratch_id"])

	dup := call(t, svc, "scratch_create", map[string]any{"scratch_id": "my-pad"})
	assert.Equal(t, notebook.CodeInvalidID, errorCode(t, dup))

	bad := call(t, svc, "scratch_create", map[string]any{"scratch_id": "has spaces"})
	assert.Equal(t, notebook.CodeInvalidID, errorCode(t, bad))
}

func TestCreateRejectsLongTitle(t *testing.T) {
	svc := newTestService(t, nil)
	envelope := call(t, svc, "scratch_create", map[string]any{
		"metadata": map[string]any{"title": strings.Repeat("t", 61)},
	})
	assert.Equal(t, notebook.CodeValidationError, errorCode(t, envelope))
}

func TestCreateRunsRequestedValidation(t *testing.T) {
	svc := newTestService(t, nil)
	envelope := call(t, svc, "scratch_create", map[string]any{
		"cells": []any{
			map[string]any{"language": "json", "content": `{broken`, "validate": true},
		},
	})
	requireOK(t, envelope)
	results, ok := envelope["validation"].([]*notebook.ValidationResult)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.False(t, results[0].Valid)
	assert.Equal(t, 1, envelope["cell_count"], "diagnostics never block the write")
}

func TestCreateReportsEvictedScratchpads(t *testing.T) {
	cfg := config.Default()
	cfg.MaxScratchpads = 1
	svc := newTestService(t, cfg)
	requireOK(t, call(t, svc, "scratch_create", map[string]any{"scratch_id": "pad-1"}))

	envelope := call(t, svc, "scratch_create", map[string]any{"scratch_id": "pad-2"})
	requireOK(t, envelope)
	assert.Equal(t, []string{"pad-1"}, envelope["evicted_scratchpads"])
}

func TestReadRoundTrip(t *testing.T) {
	svc := newTestService(t, nil)
	created := call(t, svc, "scratch_create", map[string]any{
		"scratch_id": "pad-1",
		"metadata":   map[string]any{"title": "Notes"},
		"cells": []any{
			map[string]any{"language": "md", "content": "body",
				"metadata": map[string]any{"tags": []any{"cell-tag"}}},
		},
	})
	requireOK(t, created)

	envelope := call(t, svc, "scratch_read", map[string]any{"scratch_id": "pad-1"})
	requireOK(t, envelope)
	cells, ok := envelope["cells"].([]*notebook.Cell)
	require.True(t, ok)
	require.Len(t, cells, 1)
	assert.Equal(t, "body", cells[0].Content)

	metadata, ok := envelope["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Notes", metadata["title"])
	assert.Equal(t, []string{"cell-tag"}, metadata["cell_tags"],
		"cell_tags is synthesized on read")

	missing := call(t, svc, "scratch_read", map[string]any{"scratch_id": "absent"})
	assert.Equal(t, notebook.CodeNotFound, errorCode(t, missing))
}

func TestReadIncludeMetadata(t *testing.T) {
	svc := newTestService(t, nil)
	requireOK(t, call(t, svc, "scratch_create", map[string]any{
		"scratch_id": "pad-1",
		"metadata":   map[string]any{"title": "Notes"},
	}))

	withMeta := call(t, svc, "scratch_read", map[string]any{"scratch_id": "pad-1"})
	requireOK(t, withMeta)
	_, present := withMeta["metadata"]
	assert.True(t, present, "metadata is included by default")

	without := call(t, svc, "scratch_read", map[string]any{
		"scratch_id": "pad-1", "include_metadata": false,
	})
	requireOK(t, without)
	_, present = without["metadata"]
	assert.False(t, present)
}

func TestAppendAndReplace(t *testing.T) {
	svc := newTestService(t, nil)
	created := call(t, svc, "scratch_create", map[string]any{
		"scratch_id": "pad-1",
		"cells":      []any{map[string]any{"language": "md", "content": "first"}},
	})
	requireOK(t, created)

	appended := call(t, svc, "scratch_append_cell", map[string]any{
		"scratch_id": "pad-1",
		"cell":       map[string]any{"language": "md", "content": "second"},
	})
	requireOK(t, appended)
	assert.Equal(t, 2, appended["cell_count"])
	assert.Equal(t, 1, appended["index"])
	cellID, _ := appended["cell_id"].(string)
	require.NotEmpty(t, cellID)

	replaced := call(t, svc, "scratch_replace_cell", map[string]any{
		"scratch_id": "pad-1", "cell_id": cellID, "new_index": float64(0),
		"cell": map[string]any{"language": "md", "content": "second v2"},
	})
	requireOK(t, replaced)
	assert.Equal(t, 0, replaced["index"])

	outOfRange := call(t, svc, "scratch_replace_cell", map[string]any{
		"scratch_id": "pad-1", "cell_id": cellID, "new_index": float64(9),
		"cell": map[string]any{"language": "md", "content": "x"},
	})
	assert.Equal(t, notebook.CodeInvalidIndex, errorCode(t, outOfRange))

	unknownCell := call(t, svc, "scratch_replace_cell", map[string]any{
		"scratch_id": "pad-1", "cell_id": "nope",
		"cell": map[string]any{"language": "md", "content": "x"},
	})
	assert.Equal(t, notebook.CodeInvalidID, errorCode(t, unknownCell))

	flat := call(t, svc, "scratch_append_cell", map[string]any{
		"scratch_id": "pad-1", "language": "md", "content": "not nested",
	})
	assert.Equal(t, notebook.CodeValidationError, errorCode(t, flat),
		"cell fields must arrive nested under cell")
}

func TestValidationTimeoutLeavesPadUnchanged(t *testing.T) {
	svc := newTestService(t, nil)
	requireOK(t, call(t, svc, "scratch_create", map[string]any{
		"scratch_id": "pad-1",
		"cells":      []any{map[string]any{"language": "md", "content": "first"}},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	envelope := svc.Call(ctx, notebook.DefaultTenant, "scratch_append_cell", map[string]any{
		"scratch_id": "pad-1",
		"cell":       map[string]any{"language": "json", "content": `{"a":1}`, "validate": true},
	})
	assert.Equal(t, notebook.CodeValidationTimeout, errorCode(t, envelope))

	after := call(t, svc, "scratch_read", map[string]any{"scratch_id": "pad-1"})
	requireOK(t, after)
	assert.Equal(t, 1, after["cell_count"], "a failed mutation leaves no state behind")

	created := svc.Call(ctx, notebook.DefaultTenant, "scratch_create", map[string]any{
		"scratch_id": "pad-2",
		"cells":      []any{map[string]any{"language": "json", "content": `{}`, "validate": true}},
	})
	assert.Equal(t, notebook.CodeValidationTimeout, errorCode(t, created))
	missing := call(t, svc, "scratch_read", map[string]any{"scratch_id": "pad-2"})
	assert.Equal(t, notebook.CodeNotFound, errorCode(t, missing))
}

func TestDeleteIdempotent(t *testing.T) {
	svc := newTestService(t, nil)
	requireOK(t, call(t, svc, "scratch_create", map[string]any{"scratch_id": "pad-1"}))

	first := call(t, svc, "scratch_delete", map[string]any{"scratch_id": "pad-1"})
	requireOK(t, first)
	assert.Equal(t, true, first["deleted"])

	second := call(t, svc, "scratch_delete", map[string]any{"scratch_id": "pad-1"})
	requireOK(t, second)
	assert.Equal(t, false, second["deleted"])
}

func TestValidateTool(t *testing.T) {
	svc := newTestService(t, nil)
	requireOK(t, call(t, svc, "scratch_create", map[string]any{
		"scratch_id": "pad-1",
		"cells": []any{
			map[string]any{"language": "json", "content": `{"ok":1}`},
			map[string]any{"language": "json", "content": `{broken`},
		},
	}))

	envelope := call(t, svc, "scratch_validate", map[string]any{"scratch_id": "pad-1"})
	requireOK(t, envelope)
	results, ok := envelope["results"].([]*notebook.ValidationResult)
	require.True(t, ok)
	require.Len(t, results, 2)
	assert.True(t, results[0].Valid)
	assert.False(t, results[1].Valid)

	unknown := call(t, svc, "scratch_validate", map[string]any{
		"scratch_id": "pad-1", "cell_ids": []any{"nope"},
	})
	assert.Equal(t, notebook.CodeInvalidID, errorCode(t, unknown))
}

func TestSearchTool(t *testing.T) {
	svc := newTestService(t, nil)
	requireOK(t, call(t, svc, "scratch_create", map[string]any{
		"scratch_id": "pad-1",
		"cells": []any{
			map[string]any{"language": "md", "content": "release checklist"},
		},
	}))

	envelope := call(t, svc, "scratch_search", map[string]any{"query": "release checklist"})
	requireOK(t, envelope)
	assert.Equal(t, "debug-hash", envelope["embedder"])
	hits, ok := envelope["hits"].([]notebook.SearchHit)
	require.True(t, ok)
	require.NotEmpty(t, hits)
	assert.Equal(t, "pad-1", hits[0].ScratchID)

	noQuery := call(t, svc, "scratch_search", nil)
	assert.Equal(t, notebook.CodeValidationError, errorCode(t, noQuery))
}

func TestSchemaTools(t *testing.T) {
	svc := newTestService(t, nil)
	requireOK(t, call(t, svc, "scratch_create", map[string]any{"scratch_id": "pad-1"}))

	upserted := call(t, svc, "scratch_upsert_schema", map[string]any{
		"scratch_id": "pad-1", "name": "person",
		"schema":      map[string]any{"type": "object", "required": []any{"name"}},
		"description": "a person",
	})
	requireOK(t, upserted)
	assert.Equal(t, notebook.SchemaRefPrefix+"person", upserted["ref"])

	got := call(t, svc, "scratch_get_schema", map[string]any{
		"scratch_id": "pad-1", "name": "person",
	})
	requireOK(t, got)

	listed := call(t, svc, "scratch_list_schemas", map[string]any{"scratch_id": "pad-1"})
	requireOK(t, listed)
	assert.Equal(t, 1, listed["count"])

	malformed := call(t, svc, "scratch_upsert_schema", map[string]any{
		"scratch_id": "pad-1", "name": "broken",
		"schema": map[string]any{"type": 42},
	})
	assert.Equal(t, notebook.CodeValidationError, errorCode(t, malformed))

	// Cells referencing the registered schema validate against it.
	envelope := call(t, svc, "scratch_append_cell", map[string]any{
		"scratch_id": "pad-1",
		"cell": map[string]any{"language": "json", "content": `{}`,
			"validate": true, "json_schema": notebook.SchemaRefPrefix + "person"},
	})
	requireOK(t, envelope)
	results, ok := envelope["validation"].([]*notebook.ValidationResult)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.False(t, results[0].Valid, "missing required property fails schema validation")
}

func TestNamespaceTools(t *testing.T) {
	svc := newTestService(t, nil)
	requireOK(t, call(t, svc, "scratch_namespace_create", map[string]any{"name": "research"}))
	requireOK(t, call(t, svc, "scratch_create", map[string]any{
		"scratch_id": "pad-1", "namespace": "research",
	}))

	listed := call(t, svc, "scratch_namespace_list", nil)
	requireOK(t, listed)

	renamed := call(t, svc, "scratch_namespace_rename", map[string]any{
		"old_name": "research", "new_name": "archive",
	})
	requireOK(t, renamed)
	assert.Equal(t, int64(1), renamed["migrated"])

	blocked := call(t, svc, "scratch_namespace_delete", map[string]any{"name": "archive"})
	assert.Equal(t, notebook.CodeConflict, errorCode(t, blocked))

	cascaded := call(t, svc, "scratch_namespace_delete", map[string]any{
		"name": "archive", "cascade": true,
	})
	requireOK(t, cascaded)
	assert.Equal(t, int64(1), cascaded["deleted_scratchpads"])
}

func TestUnknownTool(t *testing.T) {
	svc := newTestService(t, nil)
	envelope := call(t, svc, "scratch_frobnicate", nil)
	assert.Equal(t, notebook.CodeNotFound, errorCode(t, envelope))
}

func TestGateRejectsDuringDrain(t *testing.T) {
	svc := newTestService(t, nil)
	svc.gate.Drain(0)
	envelope := call(t, svc, "scratch_list", nil)
	assert.Equal(t, notebook.CodeShuttingDown, errorCode(t, envelope))
}

// ---- JSON-RPC dispatch ----

func rpc(t *testing.T, svc *Service, message string) map[string]any {
	t.Helper()
	raw := svc.HandleMessage(context.Background(), notebook.DefaultTenant, []byte(message))
	require.NotNil(t, raw)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	return decoded
}

func TestMCPHandshake(t *testing.T) {
	svc := newTestService(t, nil)

	response := rpc(t, svc, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	result, ok := response["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, protocolVersion, result["protocolVersion"])

	assert.Nil(t, svc.HandleMessage(context.Background(), notebook.DefaultTenant,
		[]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))

	ping := rpc(t, svc, `{"jsonrpc":"2.0","id":2,"method":"ping"}`)
	assert.NotNil(t, ping["result"])
}

func TestMCPToolsList(t *testing.T) {
	svc := newTestService(t, nil)
	response := rpc(t, svc, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	result := response["result"].(map[string]any)
	tools, ok := result["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, tools, len(Tools))
}

func TestMCPToolsCall(t *testing.T) {
	svc := newTestService(t, nil)
	response := rpc(t, svc,
		`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"scratch_create","arguments":{"scratch_id":"pad-1"}}}`)
	result := response["result"].(map[string]any)
	assert.Equal(t, false, result["isError"])

	content := result["content"].([]any)
	require.Len(t, content, 1)
	text := content[0].(map[string]any)["text"].(string)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &envelope))
	assert.Equal(t, true, envelope["ok"])
	assert.Equal(t, "pad-1", envelope["scratch_id"])

	failure := rpc(t, svc,
		`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"scratch_read","arguments":{"scratch_id":"absent"}}}`)
	failureResult := failure["result"].(map[string]any)
	assert.Equal(t, true, failureResult["isError"])
}

func TestMCPUnknownMethod(t *testing.T) {
	svc := newTestService(t, nil)
	response := rpc(t, svc, `{"jsonrpc":"2.0","id":9,"method":"resources/list"}`)
	rpcErr, ok := response["error"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(codeMethodNotFound), rpcErr["code"])
}

// ---- HTTP transport ----

func newHTTPFixture(t *testing.T, cfg *config.Config) (*Service, *HTTPServer) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.EnableHTTP = true
	}
	svc := newTestService(t, cfg)
	return svc, NewHTTPServer(svc, cfg, nil)
}

func TestHTTPToolEndpoint(t *testing.T) {
	_, h := newHTTPFixture(t, nil)

	body := `{"tool":"scratch_create","params":{"scratch_id":"pad-1"}}`
	req := httptest.NewRequest(http.MethodPost, "/http", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleTool(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, true, envelope["ok"])
}

func TestHTTPErrorStatusMapping(t *testing.T) {
	_, h := newHTTPFixture(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"not found", `{"tool":"scratch_read","params":{"scratch_id":"absent"}}`, http.StatusNotFound},
		{"validation error", `{"tool":"scratch_read","params":{}}`, http.StatusBadRequest},
		{"unknown tool", `{"tool":"nope","params":{}}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/http", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.handleTool(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHTTPMethodNotAllowed(t *testing.T) {
	_, h := newHTTPFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/http", nil)
	rec := httptest.NewRecorder()
	h.handleTool(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTPBearerAuth(t *testing.T) {
	cfg := config.Default()
	cfg.EnableHTTP = true
	cfg.EnableAuth = true
	cfg.AuthTokens = []string{"alice:tok-a"}
	_, h := newHTTPFixture(t, cfg)

	body := `{"tool":"scratch_list","params":{}}`
	req := httptest.NewRequest(http.MethodPost, "/http", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleTool(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/http", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-a")
	rec = httptest.NewRecorder()
	h.handleTool(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPAcceptsJSONRPC(t *testing.T) {
	_, h := newHTTPFixture(t, nil)
	body := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	req := httptest.NewRequest(http.MethodPost, "/http", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.handleTool(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var response map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	assert.NotNil(t, response["result"])
}
