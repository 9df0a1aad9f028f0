package meter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Bldg-7/agentmeter/internal/analytics"
	"github.com/Bldg-7/agentmeter/internal/shared"
	"github.com/Bldg-7/agentmeter/internal/storage"
)

// sdkVersionHeader carries the reporting SDK's version; requests from SDKs
// outside the configured constraint are rejected before any write.
const sdkVersionHeader = "X-Agentmeter-SDK"

type HTTPAPI struct {
	engine        *Engine
	feed          *Feed
	db            *sql.DB
	authToken     string
	sdkConstraint *semver.Constraints
	logger        *zap.Logger
	metrics       *Metrics
}

func NewHTTPAPI(engine *Engine, db *sql.DB, authToken string, logger *zap.Logger) *HTTPAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPAPI{
		engine:    engine,
		db:        db,
		authToken: authToken,
		logger:    logger,
		metrics:   GetMetrics(),
	}
}

func (a *HTTPAPI) SetFeed(feed *Feed) {
	a.feed = feed
}

// SetSDKConstraint installs the minimum SDK version gate. A nil constraint
// disables the gate.
func (a *HTTPAPI) SetSDKConstraint(c *semver.Constraints) {
	a.sdkConstraint = c
}

func (a *HTTPAPI) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", a.handleHealth)
	mux.HandleFunc("GET /healthz", a.handleLiveness)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("POST /api/v1/sessions", a.requireAuth(a.requireSDK(http.HandlerFunc(a.handleOpenSession))))
	mux.Handle("GET /api/v1/sessions", a.requireAuth(http.HandlerFunc(a.handleListSessions)))
	mux.Handle("GET /api/v1/sessions/{id}", a.requireAuth(http.HandlerFunc(a.handleGetSummary)))
	mux.Handle("POST /api/v1/sessions/{id}/events", a.requireAuth(a.requireSDK(http.HandlerFunc(a.handleRecordEvent))))
	mux.Handle("POST /api/v1/sessions/{id}/close", a.requireAuth(a.requireSDK(http.HandlerFunc(a.handleCloseSession))))
	mux.Handle("GET /api/v1/latency", a.requireAuth(http.HandlerFunc(a.handleLatency)))
	mux.Handle("GET /api/v1/compare", a.requireAuth(http.HandlerFunc(a.handleCompare)))
	mux.Handle("GET /api/v1/budget", a.requireAuth(http.HandlerFunc(a.handleGetBudget)))
	mux.Handle("PATCH /api/v1/budget", a.requireAuth(http.HandlerFunc(a.handleSetBudget)))
	mux.Handle("GET /api/v1/export", a.requireAuth(http.HandlerFunc(a.handleExport)))
	if a.feed != nil {
		mux.HandleFunc("GET /ws/events", a.feed.ServeWS)
	}

	return a.withCorrelation(mux)
}

// withCorrelation tags every request with a correlation id, honoring one
// supplied by the client.
func (a *HTTPAPI) withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		ctx := r.Context()
		if id == "" {
			id = shared.GetCorrelationID(ctx)
		}
		ctx = shared.WithCorrelationID(ctx, id)
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type apiResponse struct {
	Data    interface{} `json:"data"`
	Warning string      `json:"warning,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiMeta struct {
	Total int `json:"total"`
	Limit int `json:"limit,omitempty"`
}

type apiError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (a *HTTPAPI) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}

		if token == "" || token != a.authToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "AUTH_REQUIRED")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireSDK rejects writes from SDKs older than the configured minimum.
// Requests without the version header pass through: only a client that
// declares a version can be gated on it.
func (a *HTTPAPI) requireSDK(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.sdkConstraint == nil {
			next.ServeHTTP(w, r)
			return
		}

		raw := strings.TrimSpace(r.Header.Get(sdkVersionHeader))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		v, err := semver.NewVersion(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s header: %s", sdkVersionHeader, raw), "BAD_SDK_VERSION")
			return
		}
		if !a.sdkConstraint.Check(v) {
			writeError(w, http.StatusUpgradeRequired,
				fmt.Sprintf("sdk version %s is not supported, required: %s", raw, a.sdkConstraint.String()),
				"SDK_TOO_OLD")
			return
		}

		next.ServeHTTP(w, r)
	})
}

type healthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

func (a *HTTPAPI) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (a *HTTPAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{
		"database": a.checkDBHealth(),
	}
	if a.feed != nil {
		components["event_feed"] = "ok"
	}

	status := "healthy"
	for _, v := range components {
		if v != "ok" {
			status = "degraded"
			break
		}
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:     status,
		Components: components,
		Timestamp:  time.Now().UTC(),
	})
}

func (a *HTTPAPI) checkDBHealth() string {
	if a.db == nil {
		return "unavailable"
	}
	if err := a.db.Ping(); err != nil {
		return "unavailable"
	}
	return "ok"
}

type openSessionRequest struct {
	Label    string         `json:"label"`
	Model    string         `json:"model"`
	Metadata map[string]any `json:"metadata"`
}

func (a *HTTPAPI) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}

	header, err := a.engine.OpenSession(req.Label, req.Model, req.Metadata)
	if err != nil {
		a.writeEngineError(w, r, "open session", err)
		return
	}

	writeJSON(w, http.StatusCreated, apiResponse{Data: header})
}

func (a *HTTPAPI) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	if status == "" {
		status = storage.StatusAll
	}
	limit := parseIntParam(q.Get("limit"), 50)

	headers, err := a.engine.ListSessions(status, limit)
	if err != nil {
		a.writeEngineError(w, r, "list sessions", err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Data: headers,
		Meta: &apiMeta{Total: len(headers), Limit: limit},
	})
}

func (a *HTTPAPI) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	summary, err := a.engine.GetSummary(id)
	if err != nil {
		a.writeEngineError(w, r, "get summary", err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: summary})
}

func (a *HTTPAPI) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var in EventInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}

	warning, err := a.engine.RecordEvent(id, in)
	if err != nil {
		a.writeEngineError(w, r, "record event", err)
		return
	}

	shared.LogWithContext(r.Context(), a.logger, "event recorded",
		zap.String("session_id", id),
		zap.String("kind", in.Kind),
	)

	writeJSON(w, http.StatusAccepted, apiResponse{
		Data:    map[string]string{"status": "recorded"},
		Warning: warning,
	})
}

func (a *HTTPAPI) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	summary, err := a.engine.CloseSession(id)
	if err != nil {
		a.writeEngineError(w, r, "close session", err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: summary})
}

func (a *HTTPAPI) handleLatency(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	report, err := a.engine.LatencyStats(q.Get("tool"), q.Get("session_id"))
	if err != nil {
		a.writeEngineError(w, r, "latency stats", err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: report})
}

func (a *HTTPAPI) handleCompare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	baseline := q.Get("baseline")
	compare := q.Get("compare")
	if baseline == "" || compare == "" {
		writeError(w, http.StatusBadRequest, "baseline and compare are required", "BAD_REQUEST")
		return
	}

	result, err := a.engine.CompareSessions(baseline, compare)
	if err != nil {
		a.writeEngineError(w, r, "compare sessions", err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: result})
}

func (a *HTTPAPI) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.engine.GetBudget()
	if err != nil {
		a.writeEngineError(w, r, "get budget", err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: cfg})
}

func (a *HTTPAPI) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	var patch analytics.BudgetPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}

	cfg, err := a.engine.SetBudget(patch)
	if err != nil {
		a.writeEngineError(w, r, "set budget", err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{Data: cfg})
}

func (a *HTTPAPI) handleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var ids []string
	if raw := strings.TrimSpace(q.Get("ids")); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	limit := parseIntParam(q.Get("limit"), 50)

	summaries, err := a.engine.ExportSummaries(ids, limit)
	if err != nil {
		a.writeEngineError(w, r, "export summaries", err)
		return
	}

	writeJSON(w, http.StatusOK, apiResponse{
		Data: summaries,
		Meta: &apiMeta{Total: len(summaries), Limit: limit},
	})
}

// writeEngineError maps engine sentinels to HTTP statuses. Anything
// unmapped is logged and reported as an opaque internal error.
func (a *HTTPAPI) writeEngineError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, analytics.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, storage.ErrSessionEnded):
		writeError(w, http.StatusConflict, err.Error(), "SESSION_ENDED")
	case errors.Is(err, ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
	case errors.Is(err, analytics.ErrNoData):
		writeError(w, http.StatusNotFound, "no qualifying samples recorded", "NO_DATA")
	default:
		shared.LogErrorWithContext(r.Context(), a.logger, op+" failed", err)
		a.metrics.RecordError("http_api", "internal")
		writeError(w, http.StatusInternalServerError, "internal error", "INTERNAL_ERROR")
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{Error: message, Code: code})
}

func parseIntParam(s string, defaultVal int) int {
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	return v
}

func StartHTTPServer(addr string, handler http.Handler, logger *zap.Logger) (shutdown func(ctx context.Context) error, err error) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http api server starting", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return nil, fmt.Errorf("http server failed to start: %w", err)
	case <-time.After(50 * time.Millisecond):
	}

	return srv.Shutdown, nil
}
