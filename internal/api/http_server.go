package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"channelsync/internal/config"
	"channelsync/internal/database"
	"channelsync/internal/exchange"
	"channelsync/internal/logging"
	"channelsync/internal/metrics"
	"channelsync/internal/models"
	"channelsync/internal/relink"
	"channelsync/internal/service"
	"channelsync/internal/tariff"

	"github.com/rs/zerolog"
)

// Runner runs queued items on demand.
type Runner interface {
	RunOnce(ctx context.Context, taskName string) (*exchange.Report, error)
	RunSpecific(ctx context.Context, taskName string, ids []string) (*exchange.Report, error)
}

// Mover applies platform notifications about bookings changing room.
type Mover interface {
	ApplyExternalMove(ctx context.Context, configID int64, externalID, roomID string) (*relink.Plan, error)
}

// HTTPServer exposes the admin API over the queue and calendar.
type HTTPServer struct {
	cfg     config.APIConfig
	db      *database.DB
	runner  Runner
	mover   Mover
	limiter *rateLimiter
	logger  *zerolog.Logger
	handler http.Handler
	server  *http.Server
}

// NewHTTPServer wires the routes. runner and mover may be nil; their
// endpoints then answer 503.
func NewHTTPServer(cfg config.APIConfig, db *database.DB, runner Runner, mover Mover, logger *zerolog.Logger) *HTTPServer {
	mux := http.NewServeMux()
	srv := &HTTPServer{
		cfg:     cfg,
		db:      db,
		runner:  runner,
		mover:   mover,
		limiter: newRateLimiter(cfg.RateLimit),
		logger:  logging.Component(logger, "http"),
	}

	mux.HandleFunc("/healthz", srv.handleHealth)
	mux.HandleFunc("/api/v1/queue", srv.handleQueue)
	mux.HandleFunc("/api/v1/queue/run", srv.handleRun)
	mux.HandleFunc("/api/v1/queue/cancel", srv.handleCancel)
	mux.HandleFunc("/api/v1/units/", srv.handleTariffs)
	mux.HandleFunc("/api/v1/notifications/booking", srv.handleBookingNotification)

	srv.handler = srv.loggingMiddleware(srv.rateLimitMiddleware(mux))
	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.handler,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
	}
	return srv
}

// Handler returns the root handler with middlewares applied.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("queue")

	q := r.URL.Query()
	filter := database.QueueFilter{
		Status:   strings.TrimSpace(q.Get("status")),
		TaskName: strings.TrimSpace(q.Get("task")),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	items, err := s.db.ListQueueItems(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("list queue items")
		writeError(w, http.StatusInternalServerError, "failed to list queue")
		return
	}
	stats, err := s.db.QueueStats(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("queue stats")
		writeError(w, http.StatusInternalServerError, "failed to read queue stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "stats": stats})
}

type runRequest struct {
	Task string   `json:"task"`
	IDs  []string `json:"ids"`
}

func (s *HTTPServer) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("queue_run")
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner is not configured")
		return
	}

	var body runRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.Task) == "" {
		writeError(w, http.StatusBadRequest, "task is required")
		return
	}

	var (
		report *exchange.Report
		err    error
	)
	if len(body.IDs) > 0 {
		report, err = s.runner.RunSpecific(r.Context(), body.Task, body.IDs)
	} else {
		report, err = s.runner.RunOnce(r.Context(), body.Task)
	}
	if errors.Is(err, exchange.ErrUnknownTask) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("task", body.Task).Msg("run queue")
		writeError(w, http.StatusInternalServerError, "run failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type cancelRequest struct {
	IDs    []string `json:"ids"`
	Reason string   `json:"reason"`
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("queue_cancel")

	var body cancelRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	reason := strings.TrimSpace(body.Reason)
	if reason == "" {
		reason = "cancelled by operator"
	}

	n, err := s.db.CancelItems(r.Context(), body.IDs, reason)
	if err != nil {
		s.logger.Error().Err(err).Msg("cancel queue items")
		writeError(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cancelled": n})
}

// handleTariffs serves /api/v1/units/{id}/tariffs?from=YYYY-MM-DD&to=YYYY-MM-DD.
func (s *HTTPServer) handleTariffs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("tariffs")

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/units/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[1] != "tariffs" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	unitID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || unitID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid unit id")
		return
	}

	from, to, err := parseWindow(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.db.GetUnit(r.Context(), unitID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unit not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load unit")
		return
	}
	ranges, err := s.db.TariffRanges(r.Context(), unitID, from, to)
	if err != nil {
		s.logger.Error().Err(err).Int64("unit_id", unitID).Msg("tariff ranges")
		writeError(w, http.StatusInternalServerError, "failed to load tariffs")
		return
	}

	days := tariff.Flatten(ranges, from, to, tariff.ModelRange)
	writeJSON(w, http.StatusOK, map[string]any{
		"unit_id": unitID,
		"from":    from.Format(models.DateLayout),
		"to":      to.Format(models.DateLayout),
		"days":    days,
		"blocks":  tariff.Compress(days),
	})
}

type bookingNotification struct {
	ConfigID  int64  `json:"config_id"`
	BookingID string `json:"booking_id"`
	RoomID    string `json:"room_id"`
}

// handleBookingNotification applies a platform callback telling that a
// booking moved to another room.
func (s *HTTPServer) handleBookingNotification(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	metrics.IncHTTP("booking_notification")
	if s.mover == nil {
		writeError(w, http.StatusServiceUnavailable, "calendar service is not configured")
		return
	}

	var body bookingNotification
	if !decodeBody(w, r, &body) {
		return
	}
	if body.ConfigID <= 0 || strings.TrimSpace(body.BookingID) == "" || strings.TrimSpace(body.RoomID) == "" {
		writeError(w, http.StatusBadRequest, "config_id, booking_id and room_id are required")
		return
	}

	plan, err := s.mover.ApplyExternalMove(r.Context(), body.ConfigID, body.BookingID, body.RoomID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		writeError(w, http.StatusNotFound, "booking not found")
		return
	case errors.Is(err, service.ErrUnknownRoom), errors.Is(err, service.ErrNoEvent):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case err != nil:
		s.logger.Error().Err(err).Str("booking_id", body.BookingID).Msg("apply booking notification")
		writeError(w, http.StatusInternalServerError, "failed to apply notification")
		return
	}

	resp := map[string]any{
		"created": len(plan.Created()),
		"reused":  len(plan.Reused()),
		"removed": len(plan.Removed),
	}
	if plan.Principal != nil {
		resp["principal_link_id"] = plan.Principal.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseWindow(rawFrom, rawTo string) (time.Time, time.Time, error) {
	if rawFrom == "" || rawTo == "" {
		return time.Time{}, time.Time{}, errors.New("from and to are required")
	}
	from, err := time.Parse(models.DateLayout, rawFrom)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid from; expected YYYY-MM-DD")
	}
	to, err := time.Parse(models.DateLayout, rawTo)
	if err != nil {
		return time.Time{}, time.Time{}, errors.New("invalid to; expected YYYY-MM-DD")
	}
	if !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("to must be after from")
	}
	if to.Sub(from) > 731*24*time.Hour {
		return time.Time{}, time.Time{}, errors.New("window is limited to two years")
	}
	return from, to, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *HTTPServer) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" && !s.limiter.allow(clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
