package web

import (
	"encoding/json"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hpungsan/lotl/internal/config"
	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/ops"
	"github.com/hpungsan/lotl/internal/record"
	"github.com/hpungsan/lotl/internal/store"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Handlers contains HTTP route handlers for the web UI.
type Handlers struct {
	st       *store.Store
	client   Inference
	cfg      *config.Config
	renderer *Renderer
}

// HandleList handles GET /records: list record summaries.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	input := ops.ListInput{
		Processed: parseOptionalBool(r, "processed"),
		Verified:  parseOptionalBool(r, "verified"),
		Limit:     parseIntParam(r, "limit", ops.DefaultListLimit),
		Offset:    parseIntParam(r, "offset", 0),
	}

	result, err := ops.List(r.Context(), h.st, input)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	h.renderer.renderPage(w, r, "list", ListPageData{
		PageData: PageData{
			Title:   "Records",
			Version: h.renderer.version,
			Nav:     "records",
		},
		Items:      result.Items,
		Pagination: result.Pagination,
		Processed:  r.URL.Query().Get("processed"),
		Verified:   r.URL.Query().Get("verified"),
		State:      h.st.State().String(),
	})
}

// HandleDetail handles GET /records/detail?key=...: view one record.
func (h *Handlers) HandleDetail(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Fetch(h.st, ops.FetchInput{Key: r.URL.Query().Get("key")})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result.Record)
		return
	}

	h.renderer.renderPage(w, r, "detail", DetailPageData{
		PageData: PageData{
			Title:   result.DisplayName,
			Version: h.renderer.version,
			Nav:     "records",
		},
		Record: result.Record,
	})
}

// addRequest is the JSON body of POST /records.
type addRequest struct {
	Key         string             `json:"key"`
	DisplayName string             `json:"displayName,omitempty"`
	OutputPath  string             `json:"outputPath,omitempty"`
	Processed   bool               `json:"processed,omitempty"`
	Verified    bool               `json:"verified,omitempty"`
	Keypoints   []record.Keypoint  `json:"keypoints,omitempty"`
	BoundingBox record.BoundingBox `json:"boundingBox,omitempty"`
	ModelName   string             `json:"modelName,omitempty"`
}

// HandleAdd handles POST /records: add a record from a JSON body.
func (h *Handlers) HandleAdd(w http.ResponseWriter, r *http.Request) {
	var body addRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	result, err := ops.Add(h.st, ops.AddInput{
		Key:         body.Key,
		DisplayName: body.DisplayName,
		OutputPath:  body.OutputPath,
		Processed:   body.Processed,
		Verified:    body.Verified,
		Keypoints:   body.Keypoints,
		BoundingBox: body.BoundingBox,
		ModelName:   body.ModelName,
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusCreated, result)
}

// updateRequest is the JSON body of PATCH /records?key=.
type updateRequest struct {
	DisplayName *string             `json:"displayName,omitempty"`
	OutputPath  *string             `json:"outputPath,omitempty"`
	Processed   *bool               `json:"processed,omitempty"`
	Verified    *bool               `json:"verified,omitempty"`
	Keypoints   *[]record.Keypoint  `json:"keypoints,omitempty"`
	BoundingBox *record.BoundingBox `json:"boundingBox,omitempty"`
	ModelName   *string             `json:"modelName,omitempty"`
}

// HandleUpdate handles PATCH /records?key=...: merge a JSON patch into a record.
func (h *Handlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	var body updateRequest
	if err := decodeBody(w, r, &body); err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	result, err := ops.Update(h.st, ops.UpdateInput{
		Key:         r.URL.Query().Get("key"),
		DisplayName: body.DisplayName,
		OutputPath:  body.OutputPath,
		Processed:   body.Processed,
		Verified:    body.Verified,
		Keypoints:   body.Keypoints,
		BoundingBox: body.BoundingBox,
		ModelName:   body.ModelName,
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, result)
}

// HandleVerify handles POST /records/verify: set or clear the verified flag
// from the detail page form.
func (h *Handlers) HandleVerify(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("invalid form data"))
		return
	}

	verified := r.FormValue("verified") == "true"
	result, err := ops.Update(h.st, ops.UpdateInput{
		Key:      r.FormValue("key"),
		Verified: &verified,
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	if result.Updated == 0 {
		h.renderer.renderError(w, r, errors.NewNotFound(result.Key))
		return
	}

	detail := "/records/detail?key=" + url.QueryEscape(result.Key)

	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", detail)
		w.WriteHeader(http.StatusOK)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	http.Redirect(w, r, detail, http.StatusSeeOther)
}

// HandleDelete handles DELETE /records?key= and POST /records/delete.
func (h *Handlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Delete(h.st, ops.DeleteInput{Key: r.FormValue("key")})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	// HTMX request: redirect via HX-Redirect header
	if r.Header.Get("HX-Request") == "true" {
		w.Header().Set("HX-Redirect", "/records")
		w.WriteHeader(http.StatusOK)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	http.Redirect(w, r, "/records", http.StatusSeeOther)
}

// HandleDeleteWhere handles POST /records/delete-where: delete every record
// matching the submitted flags.
func (h *Handlers) HandleDeleteWhere(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("invalid form data"))
		return
	}

	if r.FormValue("confirm") != "true" {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("confirm parameter must be \"true\""))
		return
	}

	input := ops.BulkDeleteInput{
		Processed: parseOptionalBoolValue(r.FormValue("processed")),
		Verified:  parseOptionalBoolValue(r.FormValue("verified")),
	}
	if input.Processed == nil && input.Verified == nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("at least one of processed or verified is required"))
		return
	}

	result, err := ops.BulkDelete(r.Context(), h.st, input)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	// HTMX request: return HTML fragment
	if r.Header.Get("HX-Request") == "true" {
		writeFragment(w, `<div class="bulk-result">`+template.HTMLEscapeString(result.Message)+`</div>`)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	http.Redirect(w, r, "/records", http.StatusSeeOther)
}

// HandleProcess handles POST /records/process: run inference over the
// submitted keys, or over every unprocessed record when none are given.
func (h *Handlers) HandleProcess(w http.ResponseWriter, r *http.Request) {
	if h.client == nil {
		h.renderer.renderError(w, r, errors.NewInferenceUnavailable("no inference service configured", nil))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.renderer.renderError(w, r, errors.NewInvalidRequest("invalid form data"))
		return
	}

	result, err := ops.Process(r.Context(), h.st, h.client, h.cfg, ops.ProcessInput{
		Keys:  r.Form["key"],
		Model: r.FormValue("model"),
	})
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if r.Header.Get("HX-Request") == "true" {
		msg := strconv.Itoa(result.Updated) + " of " + strconv.Itoa(result.Requested) + " records updated"
		writeFragment(w, `<div class="process-result">`+template.HTMLEscapeString(msg)+`</div>`)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	http.Redirect(w, r, "/records", http.StatusSeeOther)
}

// HandleModels handles GET /models: list inference model variants.
func (h *Handlers) HandleModels(w http.ResponseWriter, r *http.Request) {
	if h.client == nil {
		h.renderer.renderError(w, r, errors.NewInferenceUnavailable("no inference service configured", nil))
		return
	}

	models, err := h.client.Models(r.Context())
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}
	renderJSON(w, http.StatusOK, map[string]any{"models": models})
}

// HandleInventory handles GET /inventory: counts by state and model.
func (h *Handlers) HandleInventory(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Inventory(r.Context(), h.st)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	h.renderer.renderPage(w, r, "inventory", InventoryPageData{
		PageData: PageData{
			Title:   "Inventory",
			Version: h.renderer.version,
			Nav:     "inventory",
		},
		InventoryOutput: result,
	})
}

// HandleFlush handles POST /flush: write pending changes now.
func (h *Handlers) HandleFlush(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Flush(h.st)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if r.Header.Get("HX-Request") == "true" {
		writeFragment(w, `<div class="flush-result">Saved `+strconv.Itoa(result.RecordCount)+` records</div>`)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	http.Redirect(w, r, "/records", http.StatusSeeOther)
}

// HandleDump handles GET /dump: the markdown store report rendered as HTML.
func (h *Handlers) HandleDump(w http.ResponseWriter, r *http.Request) {
	result, err := ops.Dump(h.st)
	if err != nil {
		h.renderer.renderError(w, r, err)
		return
	}

	if wantsJSON(r) {
		renderJSON(w, http.StatusOK, result)
		return
	}

	h.renderer.renderPage(w, r, "dump", DumpPageData{
		PageData: PageData{
			Title:   "Dump",
			Version: h.renderer.version,
			Nav:     "dump",
		},
		RenderedHTML: renderMarkdown(result.Markdown),
		State:        result.State,
	})
}

// decodeBody decodes a JSON request body into v, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		return errors.NewInvalidRequest("Content-Type must be application/json")
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.NewInvalidRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeFragment(w http.ResponseWriter, html string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(html))
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// parseOptionalBool parses a tri-state query filter: absent means nil.
func parseOptionalBool(r *http.Request, name string) *bool {
	return parseOptionalBoolValue(r.URL.Query().Get(name))
}

func parseOptionalBoolValue(s string) *bool {
	switch s {
	case "true", "1":
		v := true
		return &v
	case "false", "0":
		v := false
		return &v
	}
	return nil
}
