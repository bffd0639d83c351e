package api

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"offline-sync-engine/internal/config"
	"offline-sync-engine/internal/logger"
	"offline-sync-engine/internal/metrics"
	"offline-sync-engine/internal/network"
	"offline-sync-engine/internal/queue"
	"offline-sync-engine/internal/scheduler"
	"offline-sync-engine/internal/store"
	"offline-sync-engine/internal/sync"
	"offline-sync-engine/internal/syncerr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxBody = 4 << 20

type Handler struct {
	syncManager *sync.Manager
	cfg         config.ServerConfig
	network     *network.Static
}

type Option func(*Handler)

// WithNetwork lets clients report connectivity through PUT /network.
func WithNetwork(s *network.Static) Option {
	return func(h *Handler) { h.network = s }
}

func NewHandler(manager *sync.Manager, cfg config.ServerConfig, opts ...Option) *Handler {
	h := &Handler{
		syncManager: manager,
		cfg:         cfg,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Routes() (chi.Router, error) {
	metricsHandler, err := metrics.Handler(h.syncManager)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(h.CorsMiddleware)

	r.Get("/health", h.HealthCheck)
	r.Handle("/metrics", metricsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Get("/status", h.GetSyncStatus)
		r.Put("/network", h.SetNetwork)

		r.Get("/queue", h.GetQueueStatus)
		r.Post("/queue", h.Enqueue)
		r.Get("/queue/dead-letters", h.ListDeadLetters)
		r.Post("/queue/dead-letters/{id}/requeue", h.RequeueDeadLetter)
		r.Delete("/queue/dead-letters/{id}", h.PurgeDeadLetter)

		r.Get("/schedules", h.ListSchedules)
		r.Get("/schedules/recommendations", h.Recommendations)
		r.Post("/sync/{entity}/trigger", h.TriggerSync)
		r.Get("/history", h.History)

		r.Post("/entities/{entity}/records/{id}/reconcile", h.Reconcile)
		r.Get("/conflicts", h.PendingConflicts)
		r.Post("/conflicts/{id}/resolve", h.ResolveConflict)

		r.Post("/compression/benchmark", h.BenchmarkCompression)
	})

	return r, nil
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.GetStatus())
}

type networkRequest struct {
	Quality string `json:"quality"`
}

func (h *Handler) SetNetwork(w http.ResponseWriter, r *http.Request) {
	if h.network == nil {
		writeError(w, http.StatusConflict, errors.New("network quality is supplied by another monitor"))
		return
	}
	var req networkRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q, err := network.Parse(req.Quality)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.network.Set(q)
	logger.Log.Info("Network quality reported", zap.String("quality", q.String()))
	writeJSON(w, http.StatusOK, map[string]string{"quality": q.String()})
}

func (h *Handler) GetQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.Queue().GetStatus())
}

type enqueueRequest struct {
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id"`
	Operation string         `json:"operation"`
	Payload   map[string]any `json:"payload"`
}

func (h *Handler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := h.syncManager.Enqueue(req.Entity, queue.Operation(req.Operation), req.EntityID, req.Payload)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.syncManager.DeadLetters(limit))
}

func (h *Handler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.syncManager.RequeueDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (h *Handler) PurgeDeadLetter(w http.ResponseWriter, r *http.Request) {
	if err := h.syncManager.PurgeDeadLetter(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	type entry struct {
		scheduler.Schedule
		Metrics scheduler.Metrics `json:"metrics"`
	}
	schedules := h.syncManager.Schedules()
	out := make([]entry, 0, len(schedules))
	for _, sc := range schedules {
		m, _ := h.syncManager.Scheduler().GetMetrics(sc.Entity)
		out = append(out, entry{Schedule: sc, Metrics: m})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Recommendations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.Recommendations())
}

func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	if err := h.syncManager.TriggerSync(r.Context(), entity); err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "synced", "entity": entity})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	history, err := h.syncManager.History(r.Context(), r.URL.Query().Get("entity"), limit, offset)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type recordRequest struct {
	// Record is the local version; null means it was deleted locally.
	Record map[string]any `json:"record"`
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := h.syncManager.Reconcile(r.Context(), chi.URLParam(r, "entity"), chi.URLParam(r, "id"), req.Record)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) PendingConflicts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.syncManager.PendingConflicts())
}

func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req recordRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	out, err := h.syncManager.ResolveConflict(r.Context(), chi.URLParam(r, "id"), req.Record)
	if err != nil {
		writeError(w, statusOf(err), err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) BenchmarkCompression(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("empty payload"))
		return
	}
	report, err := h.syncManager.Compression().Benchmark(payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CorsMiddleware allows the configured origins; no configured origins
// allows any.
func (h *Handler) CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowed := h.allowOrigin(origin); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowOrigin(origin string) string {
	if len(h.cfg.CorsOrigins) == 0 {
		return "*"
	}
	for _, o := range h.cfg.CorsOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

// AuthMiddleware requires "Authorization: Bearer <token>" when a token is
// configured.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Log.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, sync.ErrUnknownEntity),
		errors.Is(err, sync.ErrNoConflict),
		errors.Is(err, queue.ErrNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrNoStore):
		return http.StatusNotImplemented
	case errors.Is(err, sync.ErrOffline):
		return http.StatusServiceUnavailable
	case errors.Is(err, scheduler.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, queue.ErrFull), errors.Is(err, queue.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, queue.ErrDuplicate):
		return http.StatusConflict
	}
	switch syncerr.KindOf(err) {
	case syncerr.KindValidation:
		return http.StatusBadRequest
	case syncerr.KindConflict:
		return http.StatusConflict
	case syncerr.KindTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Warn("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
