package httpserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/splitshelf/splitshelf/internal/archive"
	"github.com/splitshelf/splitshelf/internal/catalog"
	"github.com/splitshelf/splitshelf/internal/config"
	"github.com/splitshelf/splitshelf/internal/database"
	"github.com/splitshelf/splitshelf/internal/engine"
	"github.com/splitshelf/splitshelf/internal/geo"
	"github.com/splitshelf/splitshelf/internal/metrics"
	"github.com/splitshelf/splitshelf/internal/middleware"
	"github.com/splitshelf/splitshelf/internal/models"
	"github.com/splitshelf/splitshelf/internal/storage"
	"go.uber.org/zap"
)

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	DB      *database.PostgresDB
	Redis   *database.RedisDB
	Archive *archive.Sink
	Catalog catalog.Client
	Geo     *geo.Resolver
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Server wraps HTTP handlers and the rotation engine services.
type Server struct {
	experimentService *engine.ExperimentService
	ingestService     *engine.IngestService
	attribution       *engine.AttributionService
	scheduler         *engine.Scheduler
	rateLimit         *middleware.RateLimitMiddleware
	deps              *Dependencies
	logger            *zap.Logger
	config            *config.Config
	metrics           *metrics.Metrics
}

// NewServer wires repositories and services. With no database
// configured everything runs on in-memory stores, which is how the
// test environment and local development operate.
func NewServer(deps *Dependencies) *Server {
	var expRepo storage.ExperimentRepo
	var eventStore storage.EventStore
	var historyRepo storage.RotationHistoryRepo

	if deps.DB != nil {
		expRepo = storage.NewPostgresExperimentRepo(deps.DB.Pool)
		eventStore = storage.NewPostgresEventStore(deps.DB.Pool)
		historyRepo = storage.NewPostgresRotationHistoryRepo(deps.DB.Pool)
	} else {
		expRepo = storage.NewInMemoryExperimentRepo()
		eventStore = storage.NewInMemoryEventStore()
		historyRepo = storage.NewInMemoryRotationHistoryRepo()
	}

	var attribution *engine.AttributionService
	if deps.Redis != nil {
		attribution = engine.NewAttributionService(expRepo, deps.Redis.Client, deps.Config.Redis.CacheTTL, deps.Logger)
	} else {
		attribution = engine.NewAttributionService(expRepo, nil, 0, deps.Logger)
	}

	catalogTimeout := deps.Config.Catalog.Timeout

	rl := middleware.NewRateLimitMiddleware(deps.Config.RateLimit, deps.Logger)
	rl.SetMetrics(deps.Metrics)

	return &Server{
		experimentService: engine.NewExperimentService(expRepo, eventStore, historyRepo,
			deps.Catalog, attribution, catalogTimeout, deps.Logger, deps.Metrics),
		ingestService: engine.NewIngestService(expRepo, eventStore, attribution,
			deps.Archive, deps.Logger, deps.Metrics),
		attribution: attribution,
		scheduler: engine.NewScheduler(expRepo, historyRepo, deps.Catalog,
			attribution, catalogTimeout, deps.Logger, deps.Metrics),
		rateLimit: rl,
		deps:      deps,
		logger:    deps.Logger,
		config:    deps.Config,
		metrics:   deps.Metrics,
	}
}

// Scheduler exposes the rotation scheduler so main can run its loop.
func (s *Server) Scheduler() *engine.Scheduler {
	return s.scheduler
}

// RateLimiter exposes the rate limiter for the periodic cleanup loop.
func (s *Server) RateLimiter() *middleware.RateLimitMiddleware {
	return s.rateLimit
}

// Handler builds the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	rl := s.rateLimit

	// Health check
	mux.HandleFunc("/health", s.handleHealth)

	// Prometheus metrics
	if s.config.Metrics.Enabled {
		mux.Handle(s.config.Metrics.Path, metrics.Handler())
	}

	// Experiment management
	mux.HandleFunc("/experiments", s.handleExperiments)
	mux.HandleFunc("/experiments/", s.handleExperimentByID)

	// Scheduler tick (also driven internally; exposed for ops)
	mux.HandleFunc("/rotations/run", s.handleRunRotations)

	// Attribution lookup for storefront snippets
	mux.HandleFunc("/attribution", s.handleAttribution)

	// Event ingestion, per-IP limited: it faces the open storefront
	mux.Handle("/events", rl.HandlerPerIP(http.HandlerFunc(s.handleEvents)))
	mux.Handle("/webhooks/orders", rl.HandlerPerIP(http.HandlerFunc(s.handleOrderWebhook)))

	var h http.Handler = mux
	h = middleware.NewAuthMiddleware(s.config.Auth, s.logger).Handler(h)
	h = rl.Handler(h)
	h = middleware.NewLoggingMiddleware(s.logger).Handler(h)
	h = middleware.NewRecoveryMiddleware(s.logger).Handler(h)
	return h
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok", "database": "memory", "redis": "disabled"}
	if s.deps.DB != nil {
		status["database"] = "postgres"
		if err := s.deps.DB.Health(r.Context()); err != nil {
			status["status"] = "degraded"
			status["database"] = "unreachable"
		}
	}
	if s.deps.Redis != nil {
		status["redis"] = "ok"
		if err := s.deps.Redis.Health(r.Context()); err != nil {
			status["redis"] = "unreachable"
		}
	}
	status["archive"] = "disabled"
	if s.deps.Archive != nil {
		status["archive"] = "ok"
		if err := s.deps.Archive.Health(r.Context()); err != nil {
			status["archive"] = "unreachable"
		}
	}
	s.jsonResponse(w, status)
}

// ---- Experiments ----

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list, err := s.experimentService.List(r.Context())
		if err != nil {
			s.logger.Error("failed to list experiments", zap.Error(err))
			s.errorResponse(w, "failed to list", http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, list)

	case http.MethodPost:
		var e models.Experiment
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		created, err := s.experimentService.Create(r.Context(), &e)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(created)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExperimentByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/experiments/")
	if rest == "" {
		http.NotFound(w, r)
		return
	}

	id, action, _ := strings.Cut(rest, "/")
	if action != "" {
		s.handleExperimentAction(w, r, id, action)
		return
	}

	switch r.Method {
	case http.MethodGet:
		e, err := s.experimentService.Get(r.Context(), id)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, e)

	case http.MethodPut:
		var req struct {
			Name                  string            `json:"name"`
			TestImages            []models.ImageRef `json:"test_images"`
			RotationIntervalHours float64           `json:"rotation_interval_hours"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, "invalid json", http.StatusBadRequest)
			return
		}
		e, err := s.experimentService.Update(r.Context(), id, req.Name, req.TestImages, req.RotationIntervalHours)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, e)

	case http.MethodDelete:
		if err := s.experimentService.Delete(r.Context(), id); err != nil {
			s.serviceError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleExperimentAction(w http.ResponseWriter, r *http.Request, id, action string) {
	ctx := r.Context()

	switch action {
	case "stats":
		if r.Method != http.MethodGet {
			s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		res, err := s.experimentService.Stats(ctx, id)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, res)
		return

	case "history":
		if r.Method != http.MethodGet {
			s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		entries, err := s.experimentService.History(ctx, id, limit)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, entries)
		return
	}

	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "start":
		var req struct {
			BaseImages []models.ImageRef `json:"base_images"`
		}
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				s.errorResponse(w, "invalid json", http.StatusBadRequest)
				return
			}
		}
		e, err := s.experimentService.Start(ctx, id, req.BaseImages)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, e)

	case "pause":
		e, err := s.experimentService.Pause(ctx, id)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, e)

	case "resume":
		e, err := s.experimentService.Resume(ctx, id)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, e)

	case "complete":
		e, err := s.experimentService.Complete(ctx, id)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, e)

	case "archive":
		e, err := s.experimentService.Archive(ctx, id)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, e)

	case "rotate":
		res, err := s.scheduler.RotateNow(ctx, id)
		if err != nil {
			s.serviceError(w, err)
			return
		}
		s.jsonResponse(w, res)

	default:
		http.NotFound(w, r)
	}
}

// ---- Scheduler ----

func (s *Server) handleRunRotations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	summary, err := s.scheduler.RunDueRotations(r.Context())
	if err != nil {
		s.logger.Error("manual tick failed", zap.Error(err))
		s.errorResponse(w, "tick failed", http.StatusInternalServerError)
		return
	}
	s.jsonResponse(w, summary)
}

// ---- Attribution ----

func (s *Server) handleAttribution(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	productID := r.URL.Query().Get("product_id")
	if productID == "" {
		s.errorResponse(w, "product_id required", http.StatusBadRequest)
		return
	}
	ac, err := s.attribution.ActiveFor(r.Context(), productID, r.URL.Query().Get("variant_id"))
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordAttributionLookup("error")
		}
		s.logger.Error("attribution lookup failed", zap.Error(err))
		s.errorResponse(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	if s.metrics != nil {
		if ac.Active {
			s.metrics.RecordAttributionLookup("active")
		} else {
			s.metrics.RecordAttributionLookup("inactive")
		}
	}
	s.jsonResponse(w, ac)
}

// ---- Events ----

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev models.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	if s.deps.Geo != nil {
		if cc := s.deps.Geo.CountryCode(middleware.GetClientIP(r)); cc != "" {
			if ev.Metadata == nil {
				ev.Metadata = make(map[string]string, 1)
			}
			if _, ok := ev.Metadata[models.MetaCountry]; !ok {
				ev.Metadata[models.MetaCountry] = cc
			}
		}
	}

	res, err := s.ingestService.Record(r.Context(), &ev)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, res)
}

func (s *Server) handleOrderWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.errorResponse(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var order engine.OrderNotification
	if err := json.NewDecoder(r.Body).Decode(&order); err != nil {
		s.errorResponse(w, "invalid json", http.StatusBadRequest)
		return
	}

	res, err := s.ingestService.RecordOrderWebhook(r.Context(), &order)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, res)
}

// ---- Helper Methods ----

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (s *Server) serviceError(w http.ResponseWriter, err error) {
	if engine.IsValidation(err) {
		code := http.StatusBadRequest
		if strings.Contains(err.Error(), "not found") {
			code = http.StatusNotFound
		}
		s.errorResponse(w, err.Error(), code)
		return
	}
	s.logger.Error("request failed", zap.Error(err))
	s.errorResponse(w, "internal error", http.StatusInternalServerError)
}
