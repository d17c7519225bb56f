package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/copyleftdev/hpacal/internal/archive"
	"github.com/copyleftdev/hpacal/internal/calibration"
	"github.com/copyleftdev/hpacal/internal/config"
	"github.com/copyleftdev/hpacal/internal/dataset"
	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
	"github.com/copyleftdev/hpacal/internal/logging"
	"github.com/copyleftdev/hpacal/internal/metrics"
	"github.com/copyleftdev/hpacal/internal/model"
)

// Server exposes calibration jobs over REST and JSON-RPC 2.0. Jobs run in
// background goroutines; at most cfg.Optimization.MaxJobs run at once and
// the rest wait as pending.
type Server struct {
	cfg      *config.Config
	logger   *logging.Logger
	zlog     *zap.Logger
	provider *dataset.Provider
	metrics  *metrics.Metrics
	archive  *archive.Store

	slots chan struct{}
	wg    sync.WaitGroup

	calibrations map[string]*CalibrationState
	mu           sync.RWMutex // Protects calibrations and their fields
}

// Option customizes a Server.
type Option func(*Server)

// WithArchive stores every finished ensemble in store.
func WithArchive(store *archive.Store) Option {
	return func(s *Server) { s.archive = store }
}

// WithMetrics replaces the server's private metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithZapLogger sets the logger handed to the numerical packages. By
// default they log through the server logger.
func WithZapLogger(l *zap.Logger) Option {
	return func(s *Server) { s.zlog = l }
}

// NewServer creates a new server instance with the given config and logger
func NewServer(cfg *config.Config, logger *logging.Logger, opts ...Option) *Server {
	maxJobs := cfg.Optimization.MaxJobs
	if maxJobs < 1 {
		maxJobs = 1
	}
	s := &Server{
		cfg:          cfg,
		logger:       logger,
		provider:     dataset.NewProvider(cfg.Data.Dir),
		slots:        make(chan struct{}, maxJobs),
		calibrations: make(map[string]*CalibrationState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.zlog == nil {
		s.zlog = logging.NewZapLogger(logger)
	}
	return s
}

// Handler returns the full router: middleware, probes, metrics and the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(s.logger, "/healthz", "/metrics"))
	r.Use(hpaerrors.RecoveryMiddleware(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", s.metrics.Handler())

	s.RegisterRoutes(r)
	return r
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/calibrations", s.handleStart)
		r.Get("/calibrations", s.handleList)
		r.Get("/calibrations/{id}", s.handleStatus)
		r.Delete("/calibrations/{id}", s.handleCancel)
		r.Get("/models", s.handleModels)
		r.Get("/algorithms", s.handleAlgorithms)
		r.Get("/datasets", s.handleDatasets)
		r.Get("/archive", s.handleArchiveList)
		r.Get("/archive/{id}", s.handleArchiveGet)
	})

	r.Post("/rpc", s.handleJSONRPC)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

// statusFor maps a start or lookup error to an HTTP status.
func statusFor(err error) int {
	switch {
	case hpaerrors.IsInvalidConfig(err):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	case errors.Is(err, errNotCancelled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// handleStart handles POST /api/v1/calibrations. The body is a job in JSON.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var job config.Job
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&job); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	state, err := s.startCalibration(&job)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"calibration_id": state.ID,
		"status":         StatusPending,
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.list())
}

// handleStatus handles GET /api/v1/calibrations/{id}. A wait query
// parameter (a duration such as 30s) long-polls until the job stops.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var (
		view StatusView
		err  error
	)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, perr := time.ParseDuration(raw)
		if perr != nil || d < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid wait duration %q", raw))
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), d)
		defer cancel()
		view, err = s.wait(ctx, id)
	} else {
		view, err = s.status(id)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCancel handles DELETE /api/v1/calibrations/{id}.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.cancelCalibration(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"calibration_id": id,
		"status":         string(StatusCancelled),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, model.All())
}

func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, dataset.Studies())
}

func (s *Server) handleArchiveList(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, errors.New("archive is disabled"))
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}
	entries, err := s.archive.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []archive.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleArchiveGet(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		writeError(w, http.StatusNotFound, errors.New("archive is disabled"))
		return
	}
	entry, ok, err := s.archive.Get(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	case !ok:
		writeError(w, http.StatusNotFound, errors.New("archive entry not found"))
	default:
		writeJSON(w, http.StatusOK, entry)
	}
}

func (s *Server) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, calibration.Algorithms())
}
