package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/citiesmods/resource_downloader/internal/logctx"
	"github.com/citiesmods/resource_downloader/internal/registry"
	"github.com/go-chi/chi/v5"
)

// DownloadsHandler exposes the download registry to UI clients.
type DownloadsHandler struct {
	reg      *registry.Registry
	username string
	password string
}

// NewDownloadsHandler creates a new downloads handler. Empty credentials
// disable basic auth.
func NewDownloadsHandler(reg *registry.Registry, username, password string) *DownloadsHandler {
	return &DownloadsHandler{
		reg:      reg,
		username: username,
		password: password,
	}
}

func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" || h.password != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/downloads", h.HandleList)
	r.Post("/downloads", h.HandleStart)
	r.Get("/downloads/{id}", h.HandleGet)
	r.Post("/downloads/{id}/pause", h.HandlePause)
	r.Post("/downloads/{id}/resume", h.HandleResume)
	r.Post("/downloads/{id}/clear", h.HandleClear)
	r.Delete("/downloads/{id}", h.HandleCancel)

	return r
}

type startRequest struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

type statusResponse struct {
	ID          int64   `json:"id"`
	Status      string  `json:"status"`
	Progress    float64 `json:"progress"`
	Downloading bool    `json:"downloading"`
	Paused      bool    `json:"paused"`
}

// HandleStart accepts a download request and starts the transfer in the
// background. The response is 202; terminal outcomes are observed through
// the status endpoints and the notifier.
func (h *DownloadsHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)

		return
	}

	if req.ID <= 0 || req.URL == "" {
		http.Error(w, "id and url are required", http.StatusBadRequest)

		return
	}

	// Detach from the request context; the transfer outlives the request.
	ctx := logctx.WithLogger(context.Background(), logger)

	go func() {
		if _, err := h.reg.Start(ctx, req.ID, req.Title, req.URL); err != nil && !errors.Is(err, registry.ErrPaused) {
			logger.Error("download failed", "download_id", req.ID, "err", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
	h.writeJSON(w, logger, map[string]int64{"id": req.ID})
}

// HandleList returns a snapshot of every known download, newest first.
func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	h.writeJSON(w, logger, h.reg.Snapshot())
}

// HandleGet returns the live status of one download.
func (h *DownloadsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}

	h.writeJSON(w, logger, statusResponse{
		ID:          id,
		Status:      h.reg.StatusText(id),
		Progress:    h.reg.Progress(id),
		Downloading: h.reg.IsDownloading(id),
		Paused:      h.reg.IsPaused(id),
	})
}

// HandlePause requests a pause; the transition is observed asynchronously.
func (h *DownloadsHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}

	h.reg.Pause(id)

	w.WriteHeader(http.StatusAccepted)
}

// HandleResume restarts a paused download in the background. A missing
// resume token is reported synchronously as 409.
func (h *DownloadsHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}

	if !h.reg.IsPaused(id) {
		http.Error(w, "download is not paused", http.StatusConflict)

		return
	}

	ctx := logctx.WithLogger(context.Background(), logger)

	go func() {
		if _, err := h.reg.Resume(ctx, id); err != nil && !errors.Is(err, registry.ErrPaused) {
			logger.Error("resume failed", "download_id", id, "err", err)
		}
	}()

	w.WriteHeader(http.StatusAccepted)
}

// HandleCancel tears down the download and removes all its state.
func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}

	h.reg.Cancel(id)

	w.WriteHeader(http.StatusNoContent)
}

// HandleClear removes a terminal entry from the history.
func (h *DownloadsHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	id, ok := h.downloadID(w, r)
	if !ok {
		return
	}

	h.reg.Clear(id)

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) downloadID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid download id", http.StatusBadRequest)

		return 0, false
	}

	return id, true
}

func (h *DownloadsHandler) writeJSON(w http.ResponseWriter, logger *slog.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "err", err)
	}
}

func (h *DownloadsHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}
