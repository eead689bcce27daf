package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ksvietme/vmdefaults/internal/render"
	"github.com/ksvietme/vmdefaults/internal/settings"
	"github.com/ksvietme/vmdefaults/internal/storage"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

// Reloader re-reads the settings files and replaces the stored snapshot on success.
type Reloader interface {
	Reload(ctx context.Context) (settings.Settings, error)
}

// Handler wires storage and reload dependencies into HTTP handlers.
type Handler struct {
	storage  storage.Storage
	reloader Reloader

	clock func() time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(store storage.Storage, reloader Reloader, opts ...HandlerOption) *Handler {
	h := &Handler{
		storage:  store,
		reloader: reloader,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	}
	if _, _, err := h.storage.Get(); err != nil {
		resp.Status = "loading"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	format, err := render.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid format", err.Error())
		return
	}

	current, loadedAt, err := h.storage.Get()
	if err != nil {
		if errors.Is(err, storage.ErrNotLoaded) {
			writeError(w, http.StatusServiceUnavailable, "Settings unavailable", err.Error(),
				"Create the key and proxy marker files, then POST /api/settings/reload")
			return
		}
		writeInternalError(w, err)
		return
	}

	if format == render.FormatJSON {
		writeJSON(w, http.StatusOK, newSettingsResponse(current, loadedAt, ""))
		return
	}

	var buf bytes.Buffer
	if err := render.Write(&buf, current, format); err != nil {
		writeInternalError(w, err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	reloaded, err := h.reloader.Reload(r.Context())
	if err != nil {
		if kind := settings.KindOf(err); kind != "" {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
				Error:   "Settings load failed",
				Details: err.Error(),
				Kind:    string(kind),
			})
			return
		}
		writeInternalError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newSettingsResponse(reloaded, h.clock(), "Settings reloaded successfully"))
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type settingsResponse struct {
	render.Document
	Fingerprints *fingerprintsResponse `json:"fingerprints,omitempty"`
	LoadedAt     time.Time             `json:"loadedAt"`
	Message      string                `json:"message,omitempty"`
}

type fingerprintsResponse struct {
	AdminKey string `json:"adminKey,omitempty"`
	RootKey  string `json:"rootKey,omitempty"`
}

func newSettingsResponse(s settings.Settings, loadedAt time.Time, message string) settingsResponse {
	resp := settingsResponse{
		Document: render.NewDocument(s),
		LoadedAt: loadedAt,
		Message:  message,
	}

	// keys that are not authorized_keys entries simply have no fingerprint
	var fp fingerprintsResponse
	if v, err := settings.Fingerprint(s.AdminKey); err == nil {
		fp.AdminKey = v
	}
	if v, err := settings.Fingerprint(s.RootKey); err == nil {
		fp.RootKey = v
	}
	if fp != (fingerprintsResponse{}) {
		resp.Fingerprints = &fp
	}
	return resp
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	writeJSON(w, status, resp)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}
