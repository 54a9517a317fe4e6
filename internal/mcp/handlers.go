package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/lotl/internal/config"
	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/inference"
	"github.com/hpungsan/lotl/internal/ops"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// Inference is the model service used by the inference tools.
type Inference interface {
	ops.Inferer
	Models(ctx context.Context) ([]string, error)
}

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	st     *store.Store
	client Inference
	cfg    *config.Config
}

// NewHandlers creates a new Handlers instance. client may be nil, in which
// case the inference tools report INFERENCE_UNAVAILABLE.
func NewHandlers(st *store.Store, client Inference, cfg *config.Config) *Handlers {
	return &Handlers{st: st, client: client, cfg: cfg}
}

// Request types for each tool

// KeyRequest addresses a single record.
type KeyRequest struct {
	Key string `json:"key"`
}

// FetchManyRequest represents the arguments for record_fetch_many.
type FetchManyRequest struct {
	Keys []string `json:"keys"`
}

// ListRequest represents the arguments for record_list.
type ListRequest struct {
	Processed *bool `json:"processed,omitempty"`
	Verified  *bool `json:"verified,omitempty"`
	Limit     int   `json:"limit,omitempty"`
	Offset    int   `json:"offset,omitempty"`
}

// AddRequest represents the arguments for record_add.
type AddRequest struct {
	Key         string             `json:"key"`
	DisplayName string             `json:"display_name,omitempty"`
	OutputPath  string             `json:"output_path,omitempty"`
	Processed   bool               `json:"processed,omitempty"`
	Verified    bool               `json:"verified,omitempty"`
	Keypoints   []record.Keypoint  `json:"keypoints,omitempty"`
	BoundingBox record.BoundingBox `json:"bounding_box,omitempty"`
	ModelName   string             `json:"model_name,omitempty"`
}

// UpdateRequest represents the arguments for record_update.
type UpdateRequest struct {
	Key         string              `json:"key"`
	DisplayName *string             `json:"display_name,omitempty"`
	OutputPath  *string             `json:"output_path,omitempty"`
	Processed   *bool               `json:"processed,omitempty"`
	Verified    *bool               `json:"verified,omitempty"`
	Keypoints   *[]record.Keypoint  `json:"keypoints,omitempty"`
	BoundingBox *record.BoundingBox `json:"bounding_box,omitempty"`
	ModelName   *string             `json:"model_name,omitempty"`
}

// CriteriaRequest represents the arguments for record_delete_where.
type CriteriaRequest struct {
	Processed *bool `json:"processed,omitempty"`
	Verified  *bool `json:"verified,omitempty"`
}

// ApplyResultsRequest represents the arguments for record_apply_results.
type ApplyResultsRequest struct {
	Results   []inference.Result `json:"results"`
	ModelName string             `json:"model_name,omitempty"`
}

// ExportRequest represents the arguments for record_export.
type ExportRequest struct {
	Path      string `json:"path,omitempty"`
	Processed *bool  `json:"processed,omitempty"`
	Verified  *bool  `json:"verified,omitempty"`
	Compress  bool   `json:"compress,omitempty"`
}

// ImportRequest represents the arguments for record_import and record_import_legacy.
type ImportRequest struct {
	Path string `json:"path"`
	Mode string `json:"mode,omitempty"`
}

// EmbedPNGRequest represents the arguments for record_embed_png.
type EmbedPNGRequest struct {
	Key    string `json:"key"`
	Source string `json:"source,omitempty"`
	Dest   string `json:"dest,omitempty"`
}

// ProcessRequest represents the arguments for inference_process.
type ProcessRequest struct {
	Keys  []string `json:"keys,omitempty"`
	Model string   `json:"model,omitempty"`
}

// NoArgs is accepted by tools without parameters.
type NoArgs struct{}

// Handler implementations

// HandleList handles the record_list tool call.
func (h *Handlers) HandleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ListRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.List(ctx, h.st, ops.ListInput{
		Processed: input.Processed,
		Verified:  input.Verified,
		Limit:     input.Limit,
		Offset:    input.Offset,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleFetch handles the record_fetch tool call.
func (h *Handlers) HandleFetch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[KeyRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Fetch(h.st, ops.FetchInput{Key: input.Key})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleFetchMany handles the record_fetch_many tool call.
func (h *Handlers) HandleFetchMany(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[FetchManyRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if err := ctx.Err(); err != nil {
		return errorResult(errors.NewCancelled("fetch many")), nil
	}

	result, err := ops.FetchMany(h.st, ops.FetchManyInput{Keys: input.Keys})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleAdd handles the record_add tool call.
func (h *Handlers) HandleAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[AddRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Add(h.st, ops.AddInput{
		Key:         input.Key,
		DisplayName: input.DisplayName,
		OutputPath:  input.OutputPath,
		Processed:   input.Processed,
		Verified:    input.Verified,
		Keypoints:   input.Keypoints,
		BoundingBox: input.BoundingBox,
		ModelName:   input.ModelName,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleUpdate handles the record_update tool call.
func (h *Handlers) HandleUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[UpdateRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Update(h.st, ops.UpdateInput{
		Key:         input.Key,
		DisplayName: input.DisplayName,
		OutputPath:  input.OutputPath,
		Processed:   input.Processed,
		Verified:    input.Verified,
		Keypoints:   input.Keypoints,
		BoundingBox: input.BoundingBox,
		ModelName:   input.ModelName,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleDelete handles the record_delete tool call.
func (h *Handlers) HandleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[KeyRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Delete(h.st, ops.DeleteInput{Key: input.Key})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleDeleteWhere handles the record_delete_where tool call.
func (h *Handlers) HandleDeleteWhere(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[CriteriaRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.BulkDelete(ctx, h.st, ops.BulkDeleteInput{
		Processed: input.Processed,
		Verified:  input.Verified,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleApplyResults handles the record_apply_results tool call.
func (h *Handlers) HandleApplyResults(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ApplyResultsRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.ApplyResults(ctx, h.st, ops.ApplyResultsInput{
		Results:   input.Results,
		ModelName: input.ModelName,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleExport handles the record_export tool call.
func (h *Handlers) HandleExport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ExportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Export(ctx, h.st, h.cfg, ops.ExportInput{
		Path:      input.Path,
		Processed: input.Processed,
		Verified:  input.Verified,
		Compress:  input.Compress,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleImport handles the record_import tool call.
func (h *Handlers) HandleImport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ImportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Import(ctx, h.st, h.cfg, ops.ImportInput{
		Path: input.Path,
		Mode: ops.ImportMode(input.Mode),
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleImportLegacy handles the record_import_legacy tool call.
func (h *Handlers) HandleImportLegacy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ImportRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.ImportLegacy(ctx, h.st, h.cfg, ops.ImportLegacyInput{
		Path: input.Path,
		Mode: ops.ImportMode(input.Mode),
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleEmbedPNG handles the record_embed_png tool call.
func (h *Handlers) HandleEmbedPNG(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[EmbedPNGRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.EmbedPNG(h.st, h.cfg, ops.EmbedPNGInput{
		Key:    input.Key,
		Source: input.Source,
		Dest:   input.Dest,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleInventory handles the store_inventory tool call.
func (h *Handlers) HandleInventory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := decode[NoArgs](req); err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Inventory(ctx, h.st)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleFlush handles the store_flush tool call.
func (h *Handlers) HandleFlush(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := decode[NoArgs](req); err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Flush(h.st)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleDump handles the store_dump tool call.
func (h *Handlers) HandleDump(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := decode[NoArgs](req); err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}

	result, err := ops.Dump(h.st)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleProcess handles the inference_process tool call.
func (h *Handlers) HandleProcess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[ProcessRequest](req)
	if err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if h.client == nil {
		return errorResult(errors.NewInferenceUnavailable("no inference service configured", nil)), nil
	}

	result, err := ops.Process(ctx, h.st, h.client, h.cfg, ops.ProcessInput{
		Keys:  input.Keys,
		Model: input.Model,
	})
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(result)
}

// HandleModels handles the inference_models tool call.
func (h *Handlers) HandleModels(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := decode[NoArgs](req); err != nil {
		return errorResult(errors.NewInvalidRequest(err.Error())), nil
	}
	if h.client == nil {
		return errorResult(errors.NewInferenceUnavailable("no inference service configured", nil)), nil
	}

	models, err := h.client.Models(ctx)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(map[string]any{"models": models})
}

// Result helpers

// errorResult creates an MCP error result from any error.
// Uses IsError: true so MCP clients recognize failures properly.
// Internal error causes are never exposed.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if le, ok := errors.As(err); ok {
		message := le.Message
		// Keep context added by wrapping, e.g. "results[3]: ...".
		if prefix := strings.TrimSuffix(err.Error(), le.Error()); prefix != err.Error() {
			message = prefix + message
		}
		errorObj := map[string]any{
			"code":    le.Code,
			"message": message,
			"status":  le.Status,
		}
		if le.Code != errors.ErrInternal && le.Details != nil {
			errorObj["details"] = le.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
				"status":  500,
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
