package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/lotl/internal/config"
	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/inference"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// fakeInference returns one keypoint per path.
type fakeInference struct {
	models []string
	err    error
}

func (f *fakeInference) Process(ctx context.Context, paths []string, model string) ([]inference.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]inference.Result, len(paths))
	for i, p := range paths {
		out[i] = inference.Result{
			ImageName:   filepath.Base(p),
			Keypoints:   []record.Keypoint{{Label: "snout", X: 1, Y: 1}},
			BoundingBox: record.BoundingBox{0, 0, 4, 4},
		}
	}
	return out, nil
}

func (f *fakeInference) Models(ctx context.Context) ([]string, error) {
	return f.models, f.err
}

// testSetup creates a temporary store and config for testing.
func testSetup(t *testing.T) (*store.Store, *config.Config) {
	t.Helper()

	st := store.Open(filepath.Join(t.TempDir(), "annotations.json"), store.Options{
		FlushDelay: time.Hour,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := st.Initialize(); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.AllowUnsafePaths = true // Allow temp dirs in tests

	return st, cfg
}

// makeRequest creates a CallToolRequest with the given arguments.
func makeRequest(args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Arguments: args,
		},
	}
}

func addRecord(t *testing.T, h *Handlers, args map[string]any) {
	t.Helper()
	result, err := h.HandleAdd(context.Background(), makeRequest(args))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("setup add failed: %v", extractErrorMessage(result))
	}
}

// TestHandleAdd tests the add handler.
func TestHandleAdd(t *testing.T) {
	st, cfg := testSetup(t)
	h := NewHandlers(st, nil, cfg)
	ctx := context.Background()

	tests := []struct {
		name      string
		args      map[string]any
		wantError bool
		errorCode string
	}{
		{
			name: "add minimal record",
			args: map[string]any{"key": "/scans/a.png"},
		},
		{
			name: "add full record",
			args: map[string]any{
				"key":          "/scans/b.png",
				"display_name": "Specimen B",
				"processed":    true,
				"verified":     true,
				"keypoints":    []any{map[string]any{"label": "snout", "x": 1.5, "y": 2}},
				"bounding_box": []any{0, 0, 10, 10},
				"model_name":   "full",
			},
		},
		{
			name:      "add duplicate",
			args:      map[string]any{"key": "/scans/a.png"},
			wantError: true,
			errorCode: "DUPLICATE_KEY",
		},
		{
			name:      "add without key",
			args:      map[string]any{"display_name": "x"},
			wantError: true,
			errorCode: "INVALID_REQUEST",
		},
		{
			name:      "verified without processed",
			args:      map[string]any{"key": "/scans/c.png", "verified": true},
			wantError: true,
			errorCode: "INVARIANT_VIOLATION",
		},
		{
			name:      "unknown argument",
			args:      map[string]any{"key": "/scans/d.png", "verifed": true},
			wantError: true,
			errorCode: "INVALID_REQUEST",
		},
		{
			name:      "wrong type",
			args:      map[string]any{"key": "/scans/e.png", "processed": "yes"},
			wantError: true,
			errorCode: "INVALID_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleAdd(ctx, makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}

			if tt.wantError {
				if !result.IsError {
					t.Errorf("expected error result, got success")
				}
				if tt.errorCode != "" {
					assertErrorCode(t, result, tt.errorCode)
				}
			} else if result.IsError {
				t.Errorf("expected success, got error: %v", extractErrorMessage(result))
			}
		})
	}
}

// TestHandleFetch tests the fetch handler.
func TestHandleFetch(t *testing.T) {
	st, cfg := testSetup(t)
	h := NewHandlers(st, nil, cfg)
	ctx := context.Background()
	addRecord(t, h, map[string]any{"key": "/scans/a.png", "processed": true, "bounding_box": []any{1, 2, 3, 4}})

	result, err := h.HandleFetch(ctx, makeRequest(map[string]any{"key": "/scans/a.png"}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out := parseOutput(t, result)
	if out["key"] != "/scans/a.png" || out["displayName"] != "a.png" {
		t.Errorf("output = %v", out)
	}
	if bb, ok := out["boundingBox"].([]any); !ok || len(bb) != 4 {
		t.Errorf("boundingBox = %v", out["boundingBox"])
	}
	if kp, ok := out["keypoints"].([]any); !ok || len(kp) != 0 {
		t.Errorf("keypoints should be an empty array, got %v", out["keypoints"])
	}

	result, _ = h.HandleFetch(ctx, makeRequest(map[string]any{"key": "/scans/none.png"}))
	assertErrorCode(t, result, "NOT_FOUND")

	result, _ = h.HandleFetch(ctx, makeRequest(map[string]any{}))
	assertErrorCode(t, result, "INVALID_REQUEST")
}

// TestHandleFetchMany tests the fetch_many handler.
func TestHandleFetchMany(t *testing.T) {
	st, cfg := testSetup(t)
	h := NewHandlers(st, nil, cfg)
	addRecord(t, h, map[string]any{"key": "/scans/a.png"})

	result, err := h.HandleFetchMany(context.Background(), makeRequest(map[string]any{
		"keys": []any{"/scans/a.png", "/scans/missing.png"},
	}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	out := parseOutput(t, result)
	if items := out["items"].([]any); len(items) != 1 {
		t.Errorf("items = %v", items)
	}
	if errs := out["errors"].([]any); len(errs) != 1 {
		t.Errorf("errors = %v", errs)
	}
}

func TestHandleFetchMany_CancelledContextReturnsCancelled(t *testing.T) {
	st, cfg := testSetup(t)
	h := NewHandlers(st, nil, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.HandleFetchMany(ctx, makeRequest(map[string]any{"keys": []any{"/scans/a.png"}}))
	if err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	assertErrorCode(t, result, "CANCELLED")
}

// TestHandleUpdate tests the update handler.
func TestHandleUpdate(t *testing.T) {
	st, cfg := testSetup(t)
	h := NewHandlers(st, nil, cfg)
	ctx := context.Background()
	addRecord(t, h, map[string]any{"key": "/scans/a.png"})

	tests := []struct {
		name        string
		args        map[string]any
		wantError   bool
		errorCode   string
		wantUpdated float64
	}{
		{
			name:        "mark processed with keypoints",
			args:        map[string]any{"key": "/scans/a.png", "processed": true, "keypoints": []any{map[string]any{"label": "tail", "x": 3, "y": 4}}},
			wantUpdated: 1,
		},
		{
			name:        "missing key updates nothing",
			args:        map[string]any{"key": "/scans/none.png", "processed": true},
			wantUpdated: 0,
		},
		{
			name:      "no fields",
			args:      map[string]any{"key": "/scans/a.png"},
			wantError: true,
			errorCode: "INVALID_REQUEST",
		},
		{
			name:      "bad bounding box",
			args:      map[string]any{"key": "/scans/a.png", "bounding_box": []any{1, 2, 3}},
			wantError: true,
			errorCode: "INVALID_REQUEST",
		},
		{
			name:      "unprocess a verified record",
			args:      map[string]any{"key": "/scans/a.png", "processed": false, "verified": true},
			wantError: true,
			errorCode: "INVARIANT_VIOLATION",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h.HandleUpdate(ctx, makeRequest(tt.args))
			if err != nil {
				t.Fatalf("handler returned error: %v", err)
			}
			if tt.wantError {
				assertErrorCode(t, result, tt.errorCode)
				return
			}
			out := parseOutput(t, result)
			if out["updated"] != tt.wantUpdated {
				t.Errorf("updated = %v, want %v", out["updated"], tt.wantUpdated)
			}
		})
	}
}

// TestHandleDelete tests the delete handler.
func TestHandleDelete(t *testing.T) {
	st, cfg := testSetup(t)
	h := NewHandlers(st, nil, cfg)
	ctx := context.Background()
	addRecord(t, h, map[string]any{"key": "/scans/a.png"})

	result, _ := h.HandleDelete(ctx, makeRequest(map[string]any{"key": "/scans/a.png"}))
	if out := parseOutput(t, result); out["deleted"] != true {
		t.Errorf("deleted = %v, want true", out["deleted"])
	}

	result, _ = h.HandleDelete(ctx, makeRequest(map[string]any{"key": "/scans/a.png"}))
	if out := parseOutput(t, result); out["deleted"] != false {
		t.Errorf("second delete: deleted = %v, want false", out["deleted"])
	}
}

// TestHandleList tests the list handler.
func TestHandleList(t *testing.T) {
	st, cfg := testSetup(t)
	h := NewHandlers(st, nil, cfg)
	ctx := context.Background()
	for i := range 5 {
		addRecord(t, h, map[string]any{"key": fmt.Sprintf("/scans/%d.png", i), "processed": i%2 == 0})
	}

	result, _ := h.HandleList(ctx, makeRequest(map[string]any{"limit": 2}))
	out := parseOutput(t, result)
	if items := out["items"].([]any); len(items) != 2 {
		t.Errorf("len(items) = %d, want 2", len(items))
	}
	pagination := out["pagination"].(map[string]any)
	if pagination["has_more"] != true || pagination["total"] != float64(5) {
		t.Errorf("pagination = %v", pagination)
	}

	result, _ = h.HandleList(ctx, makeRequest(map[string]any{"processed": true}))
	out = parseOutput(t, result)
	if items := out["items"].([]any); len(items) != 3 {
		t.Errorf("processed filter returned %d items, want 3", len(items))
	}
	first := out["items"].([]any)[0].(map[string]any)
	if _, ok := first["keypoints"]; ok {
		t.Error("list items should be summaries without keypoints")
	}
}

// TestHandleDeleteWhere tests the delete_where handler.
func TestHandleDeleteWhere(t *testing.T) {
	st, cfg := testSetup(t)
	h := NewHandlers(st, nil, cfg)
	ctx := context.Background()
	addRecord(t, h, map[string]any{"key": "/scans/a.png"})
	addRecord(t, h, map[string]any{"key": "/scans/b.png", "processed": true})
	addRecord(t, h, map[string]any{"key": "/scans/c.png", "processed": true, "verified": true})

	result, _ := h.HandleDeleteWhere(ctx, makeRequest(map[string]any{}))
	if out := parseOutput(t, result); out["deleted"] != float64(0) {
		t.Errorf("no filters: deleted = %v, want 0", out["deleted"])
	}

	result, _ = h.HandleDeleteWhere(ctx, makeRequest(map[string]any{"processed": true, "verified": false}))
	out := parseOutput(t, result)
	if out["deleted"] != float64(1) {
		t.Errorf("deleted = %v, want 1", out["deleted"])
	}
	if !strings.Contains(out["message"].(string), "processed=true, verified=false") {
		t.Errorf("message = %v", out["message"])
	}
	if n, _ := st.Count(); n != 2 {
		t.Errorf("Count = %d, want 2", n)
	}
}

// TestHandleApplyResults tests applying model output.
func TestHandleApplyResults(t *testing.T) {
	st, cfg := testSetup(t)
	h := NewHandlers(st, nil, cfg)
	addRecord(t, h, map[string]any{"key": "/scans/a.png"})

	result, _ := h.HandleApplyResults(context.Background(), makeRequest(map[string]any{
		"model_name": "lite",
		"results": []any{
			map[string]any{"image_name": "a.png", "keypoints": []any{map[string]any{"label": "eye", "x": 1, "y": 2}}, "bounding_box": []any{0, 0, 1, 1}},
			map[string]any{"image_name": "zz.png"},
		},
	}))
	out := parseOutput(t, result)
	if out["updated"] != float64(1) {
		t.Errorf("updated = %v, want 1", out["updated"])
	}
	if u := out["unmatched"].([]any); len(u) != 1 || u[0] != "zz.png" {
		t.Errorf("unmatched = %v", u)
	}

	r, _, _ := st.Get("/scans/a.png")
	if !r.Processed || r.ModelName != "lite" {
		t.Errorf("record = %+v", r)
	}
}

// TestHandleExportImport round-trips through a compressed export.
func TestHandleExportImport(t *testing.T) {
	st, cfg := testSetup(t)
	h := NewHandlers(st, nil, cfg)
	ctx := context.Background()
	addRecord(t, h, map[string]any{"key": "/scans/a.png", "processed": true})
	addRecord(t, h, map[string]any{"key": "/scans/b.png"})

	exportPath := filepath.Join(t.TempDir(), "backup.jsonl.zst")
	result, _ := h.HandleExport(ctx, makeRequest(map[string]any{"path": exportPath}))
	out := parseOutput(t, result)
	if out["count"] != float64(2) || out["compressed"] != true {
		t.Errorf("export output = %v", out)
	}

	result, _ = h.HandleImport(ctx, makeRequest(map[string]any{"path": exportPath}))
	assertErrorCode(t, result, "DUPLICATE_KEY")

	result, _ = h.HandleImport(ctx, makeRequest(map[string]any{"path": exportPath, "mode": "skip"}))
	if out := parseOutput(t, result); out["skipped"] != float64(2) {
		t.Errorf("skipped = %v, want 2", out["skipped"])
	}

	result, _ = h.HandleImport(ctx, makeRequest(map[string]any{"path": exportPath, "mode": "rename"}))
	assertErrorCode(t, result, "INVALID_REQUEST")
}

// TestHandleStoreTools covers flush, dump, and inventory.
func TestHandleStoreTools(t *testing.T) {
	st, cfg := testSetup(t)
	h := NewHandlers(st, nil, cfg)
	ctx := context.Background()
	addRecord(t, h, map[string]any{"key": "/scans/a.png", "processed": true, "model_name": "full"})

	result, _ := h.HandleDump(ctx, makeRequest(nil))
	out := parseOutput(t, result)
	if !strings.Contains(out["markdown"].(string), "a.png") || out["state"] != "dirty" {
		t.Errorf("dump = %v", out)
	}

	result, _ = h.HandleFlush(ctx, makeRequest(nil))
	out = parseOutput(t, result)
	if out["record_count"] != float64(1) || out["revision"] == "" {
		t.Errorf("flush = %v", out)
	}
	if st.State() != store.StateClean {
		t.Errorf("State = %s after flush, want clean", st.State())
	}

	result, _ = h.HandleInventory(ctx, makeRequest(nil))
	out = parseOutput(t, result)
	if out["processed"] != float64(1) || out["state"] != "clean" {
		t.Errorf("inventory = %v", out)
	}

	result, _ = h.HandleFlush(ctx, makeRequest(map[string]any{"force": true}))
	assertErrorCode(t, result, "INVALID_REQUEST")
}

// TestHandleInferenceTools covers process and models with and without a client.
func TestHandleInferenceTools(t *testing.T) {
	st, cfg := testSetup(t)
	ctx := context.Background()

	offline := NewHandlers(st, nil, cfg)
	result, _ := offline.HandleProcess(ctx, makeRequest(nil))
	assertErrorCode(t, result, "INFERENCE_UNAVAILABLE")
	result, _ = offline.HandleModels(ctx, makeRequest(nil))
	assertErrorCode(t, result, "INFERENCE_UNAVAILABLE")

	h := NewHandlers(st, &fakeInference{models: []string{"full", "lite"}}, cfg)
	addRecord(t, h, map[string]any{"key": "/scans/a.png"})
	addRecord(t, h, map[string]any{"key": "/scans/b.png"})

	result, _ = h.HandleModels(ctx, makeRequest(nil))
	if out := parseOutput(t, result); len(out["models"].([]any)) != 2 {
		t.Errorf("models = %v", out["models"])
	}

	result, _ = h.HandleProcess(ctx, makeRequest(map[string]any{"model": "lite"}))
	out := parseOutput(t, result)
	if out["updated"] != float64(2) {
		t.Errorf("process output = %v", out)
	}

	failing := NewHandlers(st, &fakeInference{err: errors.NewInferenceUnavailable("connection refused", nil)}, cfg)
	result, _ = failing.HandleModels(ctx, makeRequest(nil))
	assertErrorCode(t, result, "INFERENCE_UNAVAILABLE")
}

func TestServerRegistration(t *testing.T) {
	st, cfg := testSetup(t)

	s := NewServer(st, nil, cfg, "test")
	tools := s.ListTools()
	if tools == nil {
		t.Fatal("expected tools to be registered, got nil")
	}

	if len(tools) != len(toolRegistry) {
		t.Errorf("registered tool count = %d, want %d", len(tools), len(toolRegistry))
	}
	for _, name := range AllToolNames() {
		if _, ok := tools[name]; !ok {
			t.Errorf("missing registered tool: %s", name)
		}
	}
}

func TestServerRegistration_WithDisabledTools(t *testing.T) {
	st, cfg := testSetup(t)

	cfg.DisabledTools = []string{"record_delete_where", "record_import", "record_import"}
	s := NewServer(st, nil, cfg, "test")
	tools := s.ListTools()

	if len(tools) != len(toolRegistry)-2 {
		t.Errorf("registered tool count = %d, want %d", len(tools), len(toolRegistry)-2)
	}
	for _, name := range []string{"record_delete_where", "record_import"} {
		if _, ok := tools[name]; ok {
			t.Errorf("disabled tool %q should not be registered", name)
		}
	}
	for _, name := range []string{"record_fetch", "record_list", "store_flush"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("core tool %q should be registered", name)
		}
	}
}

func TestServerRegistration_WithDisabledTypes(t *testing.T) {
	st, cfg := testSetup(t)

	cfg.DisabledTypes = []string{"inference"}
	s := NewServer(st, nil, cfg, "test")
	tools := s.ListTools()

	for name := range tools {
		if GetTypeForTool(name) == "inference" {
			t.Errorf("tool %q of a disabled type was registered", name)
		}
	}
	if _, ok := tools["record_fetch"]; !ok {
		t.Error("record tools should stay registered")
	}
}

func TestServerRegistration_AllToolsDisabled(t *testing.T) {
	st, cfg := testSetup(t)

	cfg.DisabledTools = AllToolNames()
	s := NewServer(st, nil, cfg, "test")
	if tools := s.ListTools(); len(tools) != 0 {
		t.Errorf("registered tool count = %d, want 0 (all disabled)", len(tools))
	}
}

func TestValidateDisabledTools(t *testing.T) {
	tests := []struct {
		name    string
		input   []string
		wantLen int
	}{
		{"all valid", []string{"record_delete", "store_flush"}, 0},
		{"one unknown", []string{"record_delete", "image_store"}, 1},
		{"all unknown", []string{"foo", "bar", "baz"}, 3},
		{"empty list", []string{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unknown := ValidateDisabledTools(tt.input)
			if len(unknown) != tt.wantLen {
				t.Errorf("ValidateDisabledTools() returned %d unknown, want %d", len(unknown), tt.wantLen)
			}
		})
	}
}

func TestValidateDisabledTypes(t *testing.T) {
	if unknown := ValidateDisabledTypes([]string{"record", "inference", "image"}); len(unknown) != 1 || unknown[0] != "image" {
		t.Errorf("ValidateDisabledTypes() = %v, want [image]", unknown)
	}
}

func TestErrorResult_InternalDoesNotExposeDetails(t *testing.T) {
	r := errorResult(errors.NewInternal(fmt.Errorf("open /home/me/.lotl/annotations.json: permission denied")))
	errObj := errorObject(t, r)

	if errObj["code"] != string(errors.ErrInternal) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrInternal)
	}
	if _, ok := errObj["details"]; ok {
		t.Fatal("expected INTERNAL errors to omit details")
	}
	if strings.Contains(errObj["message"].(string), "/home/me") {
		t.Errorf("internal cause leaked: %v", errObj["message"])
	}
}

func TestErrorResult_WrappedErrorPreservesContext(t *testing.T) {
	wrapped := fmt.Errorf("results[2]: %w", errors.NewNotFound("/scans/x.png"))
	errObj := errorObject(t, errorResult(wrapped))

	if errObj["code"] != string(errors.ErrNotFound) {
		t.Errorf("code=%v, want %v", errObj["code"], errors.ErrNotFound)
	}
	if msg := errObj["message"].(string); !strings.Contains(msg, "results[2]") {
		t.Errorf("message should contain wrapper context 'results[2]', got: %s", msg)
	}
}

func TestErrorResult_PlainError(t *testing.T) {
	errObj := errorObject(t, errorResult(fmt.Errorf("boom")))
	if errObj["code"] != string(errors.ErrInternal) || errObj["message"] != "an internal error occurred" {
		t.Errorf("error = %v", errObj)
	}
}

func TestErrorResult_NonInternalIncludesDetails(t *testing.T) {
	errObj := errorObject(t, errorResult(errors.NewNotFound("/scans/a.png")))

	if errObj["code"] != string(errors.ErrNotFound) {
		t.Fatalf("code=%v, want %v", errObj["code"], errors.ErrNotFound)
	}
	if _, ok := errObj["details"]; !ok {
		t.Fatal("expected non-INTERNAL errors to include details when present")
	}
}

// Helper functions

func errorObject(t *testing.T, r *mcp.CallToolResult) map[string]any {
	t.Helper()
	if !r.IsError {
		t.Fatal("expected IsError=true")
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(r.Content[0].(mcp.TextContent).Text), &payload); err != nil {
		t.Fatalf("failed to unmarshal error payload: %v", err)
	}
	return payload["error"].(map[string]any)
}

// parseOutput extracts and unmarshals the JSON output from an MCP result.
func parseOutput(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	if result.IsError {
		t.Fatalf("expected success, got error: %v", extractErrorMessage(result))
	}
	var output map[string]any
	if err := json.Unmarshal([]byte(result.Content[0].(mcp.TextContent).Text), &output); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	return output
}

func assertErrorCode(t *testing.T, result *mcp.CallToolResult, expectedCode string) {
	t.Helper()

	if !result.IsError {
		t.Errorf("expected error %s, got success", expectedCode)
		return
	}
	if len(result.Content) == 0 {
		t.Errorf("no content in error result")
		return
	}

	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Errorf("content is not TextContent")
		return
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(text.Text), &payload); err != nil {
		t.Errorf("failed to unmarshal error payload: %v", err)
		return
	}

	errorObj, ok := payload["error"].(map[string]any)
	if !ok {
		t.Errorf("no error object in payload")
		return
	}

	code, ok := errorObj["code"].(string)
	if !ok {
		t.Errorf("no code in error object")
		return
	}

	if code != expectedCode {
		t.Errorf("got error code %q, want %q", code, expectedCode)
	}
}

func extractErrorMessage(result *mcp.CallToolResult) string {
	if len(result.Content) == 0 {
		return "<no content>"
	}

	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		return "<not text content>"
	}

	return text.Text
}
