package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mssola/useragent"
	"github.com/rs/zerolog/log"

	"github.com/masurp/travelgram-tracking/internal/blobstore"
	"github.com/masurp/travelgram-tracking/internal/event"
	"github.com/masurp/travelgram-tracking/internal/eventstore"
	"github.com/masurp/travelgram-tracking/internal/export"
	"github.com/masurp/travelgram-tracking/internal/forward"
	"github.com/masurp/travelgram-tracking/internal/guard"
)

type HTTPHandler struct {
	store         *eventstore.Store
	engine        *export.Engine
	guard         *guard.Guard
	forwarder     *forward.Forwarder
	retentionDays int
}

func NewHTTPHandler(store *eventstore.Store, engine *export.Engine, g *guard.Guard, f *forward.Forwarder, retentionDays int) *HTTPHandler {
	return &HTTPHandler{
		store:         store,
		engine:        engine,
		guard:         g,
		forwarder:     f,
		retentionDays: retentionDays,
	}
}

// Routes mounts all endpoints on r.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Get("/health", HealthCheck)
	r.Post("/track", h.HandleTrack)
	r.Post("/ingest", h.HandleIngest)
	r.Get("/tracking-index", h.HandleIndex)
	r.Get("/tracking-data", h.HandleTrackingData)
	r.Post("/tracking-data/delete-all", h.HandleDeleteAll)
	r.Post("/cleanup", h.HandleCleanup)
	r.Post("/export-jobs", h.HandleCreateExportJob)
	r.Get("/export-jobs", h.HandleListExportJobs)
	r.Get("/export-jobs/{id}", h.HandleGetExportJob)
}

type batchRequest struct {
	Events []event.Event `json:"events"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// HandleTrack is the client-facing ingestion endpoint. It always answers
// 2xx, even on internal failure, so the tracker never retries a batch and
// duplicates stored events; error detail rides in the body instead.
func (h *HTTPHandler) HandleTrack(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false, "count": 0, "error": "invalid JSON",
		})
		return
	}
	if len(req.Events) == 0 {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false, "count": 0, "error": "no events",
		})
		return
	}

	if !h.guard.CheckRateLimit(r.RemoteAddr) {
		log.Warn().Str("client", r.RemoteAddr).Msg("Rate limit exceeded")
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false, "count": 0, "error": "rate limit exceeded",
		})
		return
	}

	h.logBrowserInfo(r, len(req.Events))

	info, err := h.store.AppendBatch(r.Context(), req.Events)
	if err != nil {
		log.Error().Err(err).Int("events", len(req.Events)).Msg("Failed to store batch")
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false, "count": 0, "error": err.Error(),
		})
		return
	}

	go h.refreshIndex()
	if h.forwarder.Enabled() {
		// Detached from the request context: the response goes out before
		// the forward completes.
		go h.forwarder.Send(context.Background(), req.Events)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "count": len(req.Events), "url": info.URL,
	})
}

// HandleIngest is the direct event-store write endpoint.
func (h *HTTPHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if len(req.Events) == 0 {
		http.Error(w, "events must be a non-empty array", http.StatusBadRequest)
		return
	}

	info, err := h.store.AppendBatch(r.Context(), req.Events)
	if err != nil {
		// Still 2xx: a client retry here would duplicate data once the
		// store recovers.
		log.Error().Err(err).Msg("Failed to store batch")
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false, "eventsStored": 0, "error": err.Error(),
		})
		return
	}

	go h.refreshIndex()

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true, "eventsStored": len(req.Events), "url": info.URL,
	})
}

// refreshIndex rebuilds the manifest without holding up the response.
// Rebuild failures are non-fatal to ingestion.
func (h *HTTPHandler) refreshIndex() {
	ctx := context.Background()
	if _, err := h.store.RebuildIndex(ctx); err != nil {
		log.Error().Err(err).Msg("Async index rebuild failed")
	}
}

// logBrowserInfo records batch-level browser diagnostics. Stored payloads
// stay verbatim; this only touches the log.
func (h *HTTPHandler) logBrowserInfo(r *http.Request, count int) {
	uaString := r.Header.Get("User-Agent")
	if uaString == "" {
		return
	}
	ua := useragent.New(uaString)
	browser, version := ua.Browser()
	log.Debug().
		Int("events", count).
		Str("browser", browser).
		Str("browser_version", version).
		Str("os", ua.OS()).
		Bool("mobile", ua.Mobile()).
		Msg("Batch received")
}

func (h *HTTPHandler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("forceUpdate"))
	manifest, err := h.store.Index(r.Context(), force)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}

func (h *HTTPHandler) HandleTrackingData(w http.ResponseWriter, r *http.Request) {
	if file := r.URL.Query().Get("file"); file != "" {
		events, err := h.store.FetchBatch(r.Context(), file)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]any{
					"success": false, "error": "file not found",
				})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"success": false, "error": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	batches, err := h.store.ListBatches(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": batches})
}

func (h *HTTPHandler) HandleDeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := h.guard.CheckAdminKey(r.URL.Query().Get("key")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false, "error": "unauthorized",
		})
		return
	}

	result, err := h.store.DeleteAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

func (h *HTTPHandler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	if err := h.guard.CheckAdminKey(r.URL.Query().Get("key")); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"success": false, "error": "unauthorized",
		})
		return
	}

	days := h.retentionDays
	var body struct {
		Days *int `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Days != nil {
		days = *body.Days
	}

	result, err := h.store.Cleanup(r.Context(), days)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "days": days, "result": result})
}

func (h *HTTPHandler) HandleCreateExportJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Format    export.Format `json:"format"`
		StartDate string        `json:"startDate"`
		EndDate   string        `json:"endDate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "error": "invalid JSON",
		})
		return
	}

	job, err := h.engine.Create(r.Context(), req.Format, req.StartDate, req.EndDate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (h *HTTPHandler) HandleListExportJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.engine.List(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *HTTPHandler) HandleGetExportJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, export.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"success": false, "error": "job not found",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false, "error": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
