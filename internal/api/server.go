package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/medivision/control-plane/internal/config"
	"github.com/medivision/control-plane/internal/events"
	"github.com/medivision/control-plane/internal/imaging"
	"github.com/medivision/control-plane/internal/metrics"
	"github.com/medivision/control-plane/internal/session"
	"github.com/medivision/control-plane/internal/store"
	"github.com/medivision/control-plane/internal/workflows"
)

const defaultKeepAlive = 15 * time.Second

type Server struct {
	sessions     Sessions
	images       Images
	broker       Broker
	analyses     AnalysisService
	store        Pinger
	capabilities CapabilityLister
	capService   CapabilityService
	recentLogs   LogSource
	metrics      *metrics.Metrics
	gatherer     prometheus.Gatherer
	limiter      *ownerLimiter
	cfg          config.Config
	logger       *zap.Logger
	httpClient   *http.Client
	keepAlive    time.Duration
}

// Sessions is the conversation surface the transport drives.
type Sessions interface {
	CreateThread(ctx context.Context, ownerID string) (string, error)
	GetThread(ctx context.Context, threadID string) (*store.Transcript, error)
	ListThreads(ctx context.Context, ownerID string, limit int) ([]store.ThreadSummary, error)
	ClearThread(ctx context.Context, threadID string) error
	AppendTurn(ctx context.Context, req session.TurnRequest) (*events.Stream, error)
	ActiveTurns() int
}

type Images interface {
	IngestUpload(ctx context.Context, filename string, body io.Reader, caseID string) (imaging.Reference, error)
	Resolve(ref string) (imaging.Reference, error)
	UploadDir() string
	ArtifactDir() string
}

type Broker interface {
	Subscribe(ctx context.Context, threadID string) <-chan events.Event
}

type AnalysisService interface {
	StartAnalysis(ctx context.Context, input workflows.AnalysisInput) (string, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type CapabilityLister interface {
	Names() []string
	RemoteNames() []string
}

// CapabilityService reports what the remote capability service advertises.
type CapabilityService interface {
	Configured() bool
	Available(ctx context.Context) ([]string, error)
}

// LogSource returns recent log lines, newest first.
type LogSource interface {
	Lines(limit int) []string
}

type Option func(*Server)

func WithBroker(broker Broker) Option {
	return func(s *Server) {
		s.broker = broker
	}
}

func WithAnalyses(analyses AnalysisService) Option {
	return func(s *Server) {
		s.analyses = analyses
	}
}

func WithStore(pinger Pinger) Option {
	return func(s *Server) {
		s.store = pinger
	}
}

func WithCapabilities(lister CapabilityLister) Option {
	return func(s *Server) {
		s.capabilities = lister
	}
}

func WithCapabilityService(service CapabilityService) Option {
	return func(s *Server) {
		if service != nil {
			s.capService = service
		}
	}
}

// WithRecentLogs serves source on /logs.
func WithRecentLogs(source LogSource) Option {
	return func(s *Server) {
		s.recentLogs = source
	}
}

// WithMetrics records rate limiting on collector and serves gatherer on
// /metrics.
func WithMetrics(collector *metrics.Metrics, gatherer prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = collector
		s.gatherer = gatherer
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithKeepAlive(interval time.Duration) Option {
	return func(s *Server) {
		if interval > 0 {
			s.keepAlive = interval
		}
	}
}

func NewServer(sessions Sessions, images Images, cfg config.Config, opts ...Option) *Server {
	s := &Server{
		sessions:   sessions,
		images:     images,
		cfg:        cfg,
		logger:     zap.NewNop(),
		httpClient: &http.Client{Timeout: 5 * time.Second},
		keepAlive:  defaultKeepAlive,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = newOwnerLimiter(cfg.ChatRPS, cfg.ChatBurst)
	s.logger = s.logger.Named("api")
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(quietRequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Post("/upload", s.upload)
	r.Post("/threads", s.createThread)
	r.Get("/threads", s.listThreads)
	r.Get("/threads/{id}", s.getThread)
	r.Delete("/threads/{id}", s.deleteThread)
	r.Post("/threads/{id}/messages", s.postMessage)
	r.Get("/threads/{id}/events", s.streamThreadEvents)
	r.Post("/chat", s.chat)
	r.Post("/analyses", s.startAnalysis)
	r.Get(imaging.UploadRoute+"/*", s.serveFiles(imaging.UploadRoute, s.images.UploadDir()))
	r.Get(imaging.ArtifactRoute+"/*", s.serveFiles(imaging.ArtifactRoute, s.images.ArtifactDir()))
	r.Get("/health", s.health)
	r.Get("/ready", s.ready)
	if s.recentLogs != nil {
		r.Get("/logs", s.logs)
	}
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

func quietRequestLogger(next http.Handler) http.Handler {
	logged := middleware.Logger(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if shouldSuppressRequestLog(r.Method, r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		logged.ServeHTTP(w, r)
	})
}

func shouldSuppressRequestLog(method string, path string) bool {
	cleanPath := strings.TrimSpace(path)
	if method == http.MethodGet && strings.HasSuffix(cleanPath, "/events") {
		return true
	}
	if method == http.MethodGet && (cleanPath == "/health" || cleanPath == "/ready" || cleanPath == "/metrics" || cleanPath == "/logs") {
		return true
	}
	if method == http.MethodGet && (strings.HasPrefix(cleanPath, imaging.UploadRoute+"/") || strings.HasPrefix(cleanPath, imaging.ArtifactRoute+"/")) {
		return true
	}
	if method == http.MethodOptions {
		return true
	}
	return false
}

type healthResponse struct {
	Status       string   `json:"status"`
	Capabilities []string `json:"capabilities"`
	ActiveTurns  int      `json:"active_turns"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{Status: "ok", Capabilities: []string{}}
	if s.capabilities != nil {
		response.Capabilities = s.capabilities.Names()
	}
	if s.sessions != nil {
		response.ActiveTurns = s.sessions.ActiveTurns()
	}
	writeJSONStatus(w, response, http.StatusOK)
}

const defaultLogLimit = 200

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	lines := s.recentLogs.Lines(limit)
	if lines == nil {
		lines = []string{}
	}
	writeJSONStatus(w, map[string][]string{"logs": lines}, http.StatusOK)
}

type subsystemStatus struct {
	Status     string   `json:"status"`
	Error      string   `json:"error,omitempty"`
	Advertised []string `json:"advertised,omitempty"`
	Missing    []string `json:"missing,omitempty"`
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Subsystems map[string]subsystemStatus `json:"subsystems"`
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	subsystems := map[string]subsystemStatus{}
	overall := http.StatusOK

	if s.store == nil {
		subsystems["store"] = subsystemStatus{Status: "skipped"}
	} else if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("store_ping_failed", zap.Error(err))
		subsystems["store"] = subsystemStatus{Status: "error", Error: "store unreachable"}
		overall = http.StatusServiceUnavailable
	} else {
		subsystems["store"] = subsystemStatus{Status: "ok"}
	}

	capabilityURL := strings.TrimSpace(s.cfg.CapabilityURL)
	if capabilityURL == "" {
		subsystems["capabilities"] = subsystemStatus{Status: "skipped"}
	} else {
		baseURL := strings.TrimRight(capabilityURL, "/")
		resp, err := s.probeHTTP(ctx, baseURL+"/ready")
		if err == nil && resp != nil && resp.StatusCode == http.StatusNotFound {
			resp, err = s.probeHTTP(ctx, baseURL+"/health")
		}
		if err != nil {
			s.logger.Warn("capability_check_failed", zap.Error(err))
			subsystems["capabilities"] = subsystemStatus{Status: "error", Error: "capability service unreachable"}
			overall = http.StatusServiceUnavailable
		} else if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			subsystems["capabilities"] = subsystemStatus{Status: "error", Error: fmt.Sprintf("health status %d", resp.StatusCode)}
			overall = http.StatusServiceUnavailable
		} else {
			subsystems["capabilities"] = s.advertisedCapabilities(ctx)
		}
	}

	status := "ok"
	if overall != http.StatusOK {
		status = "degraded"
	}
	writeJSONStatus(w, readinessResponse{Status: status, Subsystems: subsystems}, overall)
}

// advertisedCapabilities compares the service's advertised names with the
// registry. A service without the listing endpoint still counts as ready.
func (s *Server) advertisedCapabilities(ctx context.Context) subsystemStatus {
	status := subsystemStatus{Status: "ok"}
	if s.capService == nil || !s.capService.Configured() {
		return status
	}
	advertised, err := s.capService.Available(ctx)
	if err != nil {
		s.logger.Debug("capability_listing_unavailable", zap.Error(err))
		return status
	}
	status.Advertised = advertised
	if s.capabilities == nil {
		return status
	}
	offered := make(map[string]struct{}, len(advertised))
	for _, name := range advertised {
		offered[name] = struct{}{}
	}
	for _, name := range s.capabilities.RemoteNames() {
		if _, ok := offered[name]; !ok {
			status.Missing = append(status.Missing, name)
		}
	}
	return status
}

func writeJSONStatus(w http.ResponseWriter, value any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSONStatus(w, map[string]string{"error": message}, statusCode)
}

func (s *Server) probeHTTP(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	return resp, resp.Body.Close()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID, X-Owner-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		s.limiter.Shutdown()
		_ = server.Shutdown(context.Background())
	}()
	err := server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
