// Package httpapi exposes views over a JSON HTTP API.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/example/roster-sync/internal/mode"
	"github.com/example/roster-sync/internal/save"
	"github.com/example/roster-sync/internal/session"
	"github.com/example/roster-sync/internal/tracker"
	"github.com/example/roster-sync/internal/types"
	"github.com/example/roster-sync/internal/validate"
)

const maxBodyBytes = 1 << 20

// Opener creates a view over scope.
type Opener func(ctx context.Context, scope types.Scope, schema *types.Schema) (*session.View, error)

// Importer replaces the stored roster of a scope.
type Importer interface {
	ImportRoster(ctx context.Context, scope types.Scope, seeds []types.Seed) error
}

// Handler routes the view API.
type Handler struct {
	mux      *http.ServeMux
	registry *session.Registry
	open     Opener
	importer Importer
	schemas  map[string]*types.Schema
	logger   zerolog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithStream mounts the status stream at GET /views/{id}/stream.
func WithStream(stream http.Handler) Option {
	return func(h *Handler) {
		h.mux.Handle("GET /views/{id}/stream", stream)
	}
}

// WithImporter enables PUT /rosters/{collection}/{key}.
func WithImporter(imp Importer) Option {
	return func(h *Handler) {
		h.importer = imp
	}
}

// WithSchemas sets the schema used for a collection when a request does not
// carry one.
func WithSchemas(schemas map[string]*types.Schema) Option {
	return func(h *Handler) {
		h.schemas = schemas
	}
}

// NewHandler builds the API handler.
func NewHandler(registry *session.Registry, open Opener, logger zerolog.Logger, opts ...Option) *Handler {
	h := &Handler{
		mux:      http.NewServeMux(),
		registry: registry,
		open:     open,
		schemas:  map[string]*types.Schema{},
		logger:   logger,
	}
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("POST /views", h.createView)
	h.mux.HandleFunc("GET /views/{id}", h.getView)
	h.mux.HandleFunc("DELETE /views/{id}", h.closeView)
	h.mux.HandleFunc("POST /views/{id}/edits", h.edit)
	h.mux.HandleFunc("POST /views/{id}/save", h.saveAll)
	h.mux.HandleFunc("POST /views/{id}/records/{rid}/save", h.saveOne)
	h.mux.HandleFunc("POST /views/{id}/records/{rid}/revert", h.revert)
	h.mux.HandleFunc("POST /views/{id}/mode", h.toggleMode)
	h.mux.HandleFunc("POST /views/{id}/discard", h.discard)
	h.mux.HandleFunc("POST /views/{id}/cancel-exit", h.cancelExit)
	h.mux.HandleFunc("POST /views/{id}/reload", h.reload)
	h.mux.HandleFunc("PUT /rosters/{collection}/{key}", h.importRoster)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

type createViewRequest struct {
	Scope  types.Scope   `json:"scope"`
	Schema *types.Schema `json:"schema,omitempty"`
}

type viewResponse struct {
	Status session.Status `json:"status"`
	Rows   []session.Row  `json:"rows"`
}

type editRequest struct {
	Edits []struct {
		ID    types.RecordID `json:"id"`
		Field string         `json:"field"`
		Value *string        `json:"value"`
	} `json:"edits"`
}

type saveResponse struct {
	Message   string                    `json:"message"`
	Succeeded []types.RecordID          `json:"succeeded"`
	Failed    map[types.RecordID]string `json:"failed,omitempty"`
	Status    session.Status            `json:"status"`
}

type modeResponse struct {
	Mode   string         `json:"mode"`
	Status session.Status `json:"status"`
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createView(w http.ResponseWriter, r *http.Request) {
	var req createViewRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Scope.Collection == "" || req.Scope.Key == "" {
		http.Error(w, "scope.collection and scope.key are required", http.StatusBadRequest)
		return
	}
	schema := req.Schema
	if schema == nil {
		schema = h.schemas[req.Scope.Collection]
	}

	view, err := h.open(r.Context(), req.Scope, schema)
	if err != nil {
		h.logger.Error().Err(err).Str("scope", req.Scope.String()).Msg("open view failed")
		h.writeError(w, err)
		return
	}
	h.registry.Register(view)
	writeJSON(w, http.StatusCreated, viewResponse{Status: view.Status(), Rows: view.Rows()})
}

func (h *Handler) getView(w http.ResponseWriter, r *http.Request) {
	view, ok := h.view(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{Status: view.Status(), Rows: view.Rows()})
}

func (h *Handler) closeView(w http.ResponseWriter, r *http.Request) {
	view, ok := h.view(w, r)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if d := view.BeforeLeave(); d.Block && !force {
		writeJSON(w, http.StatusConflict, d)
		return
	}
	if err := h.registry.Remove(view.ID()); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) edit(w http.ResponseWriter, r *http.Request) {
	view, ok := h.view(w, r)
	if !ok {
		return
	}
	var req editRequest
	if !decode(w, r, &req) {
		return
	}
	edits := make([]session.FieldEdit, 0, len(req.Edits))
	for _, e := range req.Edits {
		edits = append(edits, session.FieldEdit{ID: e.ID, Field: e.Field, Value: types.ParseValue(e.Value)})
	}
	if err := view.EditAll(edits); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Status())
}

func (h *Handler) saveAll(w http.ResponseWriter, r *http.Request) {
	view, ok := h.view(w, r)
	if !ok {
		return
	}
	res, err := view.SaveNow(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := saveResponse{Message: res.Message(), Succeeded: res.Succeeded, Status: view.Status()}
	if len(res.Failed) > 0 {
		resp.Failed = make(map[types.RecordID]string, len(res.Failed))
		for id, err := range res.Failed {
			resp.Failed[id] = err.Error()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) saveOne(w http.ResponseWriter, r *http.Request) {
	view, ok := h.view(w, r)
	if !ok {
		return
	}
	out, err := view.SaveOne(r.Context(), types.RecordID(r.PathValue("rid")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	code := http.StatusOK
	if !out.OK() {
		code = statusFor(out.Err)
	}
	writeJSON(w, code, out)
}

func (h *Handler) revert(w http.ResponseWriter, r *http.Request) {
	view, ok := h.view(w, r)
	if !ok {
		return
	}
	if err := view.Revert(types.RecordID(r.PathValue("rid"))); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Status())
}

func (h *Handler) toggleMode(w http.ResponseWriter, r *http.Request) {
	view, ok := h.view(w, r)
	if !ok {
		return
	}
	st, err := view.ToggleMode()
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, modeResponse{Mode: st.String(), Status: view.Status()})
}

func (h *Handler) discard(w http.ResponseWriter, r *http.Request) {
	view, ok := h.view(w, r)
	if !ok {
		return
	}
	if err := view.ConfirmDiscard(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Status())
}

func (h *Handler) cancelExit(w http.ResponseWriter, r *http.Request) {
	view, ok := h.view(w, r)
	if !ok {
		return
	}
	if err := view.CancelExit(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Status())
}

func (h *Handler) reload(w http.ResponseWriter, r *http.Request) {
	view, ok := h.view(w, r)
	if !ok {
		return
	}
	if err := view.Reload(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{Status: view.Status(), Rows: view.Rows()})
}

func (h *Handler) importRoster(w http.ResponseWriter, r *http.Request) {
	if h.importer == nil {
		http.NotFound(w, r)
		return
	}
	var seeds []types.Seed
	if !decode(w, r, &seeds) {
		return
	}
	scope := types.Scope{Collection: r.PathValue("collection"), Key: r.PathValue("key")}
	if err := h.importer.ImportRoster(r.Context(), scope, seeds); err != nil {
		h.logger.Error().Err(err).Str("scope", scope.String()).Msg("roster import failed")
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"records": len(seeds)})
}

func (h *Handler) view(w http.ResponseWriter, r *http.Request) (*session.View, bool) {
	view, err := h.registry.Get(types.ViewID(r.PathValue("id")))
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return view, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.logger.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, errorBody(err))
}

type errorResponse struct {
	Error  string                `json:"error"`
	Fields []validate.FieldError `json:"fields,omitempty"`
}

func errorBody(err error) errorResponse {
	body := errorResponse{Error: err.Error()}
	var verr *validate.Error
	if errors.As(err, &verr) {
		body.Fields = verr.Fields
	}
	return body
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrViewNotFound), errors.Is(err, tracker.ErrUnknownRecord):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone
	case errors.Is(err, session.ErrReadOnly),
		errors.Is(err, save.ErrSaveInProgress),
		errors.Is(err, mode.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, tracker.ErrUnknownField), validate.IsValidation(err):
		return http.StatusUnprocessableEntity
	case save.IsCommitFailure(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
