package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spider-stats-pusher/internal/config"
	"github.com/spider-stats-pusher/internal/metrics"
	"github.com/spider-stats-pusher/internal/notify"
	"github.com/spider-stats-pusher/internal/pusher"
	"github.com/spider-stats-pusher/internal/stats"
	"github.com/spider-stats-pusher/internal/types"
	"golang.org/x/time/rate"
)

const maxHistory = 100

// Pipeline is the part of the telemetry pipeline the API exposes.
type Pipeline interface {
	Record(issuedAtMs, receivedAtMs int64, statusCode uint16, outcome stats.Outcome)
	Enqueue(m notify.Message)
	Counters() stats.OutcomeCounters
	Latest() *types.Report
	History(limit int) ([]*types.Report, error)
	Targets() []pusher.TargetStatus
	RelayStats() notify.Stats
}

type Server struct {
	config      *config.Config
	pipeline    Pipeline
	metrics     *metrics.Collector
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, pipeline Pipeline, metricsCollector *metrics.Collector) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		pipeline:    pipeline,
		metrics:     metricsCollector,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
	}

	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	s.router.GET("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.Handler()))
	}

	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/stat", s.handleStat)
	protected.GET("/stat/current", s.handleCurrent)
	protected.GET("/history", s.handleHistory)
	protected.GET("/targets", s.handleTargets)
	protected.GET("/relay", s.handleRelay)
	protected.POST("/record", s.handleRecord)
	protected.POST("/notify", s.handleNotify)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Milliseconds(),
			"ip":       c.ClientIP(),
		}).Debug("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		c.Next()

		// FullPath keeps label cardinality bounded for unknown routes.
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, status)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	expectedKey := os.Getenv(s.config.API.APIKeyEnv)
	if expectedKey == "" {
		log.Warn("API key not set in environment, authentication disabled")
	}

	return func(c *gin.Context) {
		if expectedKey == "" {
			c.Next()
			return
		}

		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			apiKey = c.Query("key")
		}

		if apiKey != expectedKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := s.rateLimiter.GetLimiter(c.ClientIP())

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleStat(c *gin.Context) {
	report := s.pipeline.Latest()
	if report == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "No report published yet",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleCurrent(c *gin.Context) {
	counters := s.pipeline.Counters()

	codes := make(map[string]uint64, len(counters.StatusCodes))
	for code, n := range counters.StatusCodes {
		codes[strconv.Itoa(int(code))] = n
	}

	c.JSON(http.StatusOK, gin.H{
		"window_start":        counters.WindowStart,
		"process_start":       counters.ProcessStart,
		"total_requests":      counters.TotalRequests,
		"successful_requests": counters.SuccessfulRequests,
		"cache_hits":          counters.CacheHits,
		"parse_errors":        counters.ParseErrors,
		"timeout_errors":      counters.TimeoutErrors,
		"connection_errors":   counters.ConnectionErrors,
		"total_latency_ms":    counters.TotalLatencyMs,
		"status_codes":        codes,
	})
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := 10
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid limit parameter",
			})
			return
		}
		limit = n
	}
	if limit > maxHistory {
		limit = maxHistory
	}

	reports, err := s.pipeline.History(limit)
	if err != nil {
		log.Errorf("Failed to read report history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "History unavailable",
		})
		return
	}
	if reports == nil {
		reports = []*types.Report{}
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(reports),
		"reports": reports,
	})
}

func (s *Server) handleTargets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"targets": s.pipeline.Targets(),
	})
}

func (s *Server) handleRelay(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.RelayStats())
}

type recordRequest struct {
	IssuedAtMs   int64  `json:"issued_at_ms" binding:"required"`
	ReceivedAtMs int64  `json:"received_at_ms" binding:"required"`
	StatusCode   uint16 `json:"status_code"`
	Outcome      string `json:"outcome" binding:"required"`
}

func (s *Server) handleRecord(c *gin.Context) {
	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	outcome, err := stats.ParseOutcome(req.Outcome)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}
	if req.ReceivedAtMs < req.IssuedAtMs {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "received_at_ms is before issued_at_ms",
		})
		return
	}

	s.pipeline.Record(req.IssuedAtMs, req.ReceivedAtMs, req.StatusCode, outcome)
	c.Status(http.StatusAccepted)
}

type notifyRequest struct {
	Text    string   `json:"text"`
	Files   []string `json:"files"`
	Caption string   `json:"caption"`
}

func (s *Server) handleNotify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	for i, name := range req.Files {
		path, err := confine(s.config.Notify.FileRoot, name)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, errAttachmentsDisabled) || errors.Is(err, errOutsideRoot) {
				status = http.StatusForbidden
				log.WithField("file", name).Warn("Refused notification attachment")
			}
			c.JSON(status, gin.H{
				"error": err.Error(),
			})
			return
		}
		req.Files[i] = path
	}

	msg, ok := req.message()
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Either text or files is required",
		})
		return
	}

	s.pipeline.Enqueue(msg)
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Notification queued",
	})
}

func (r notifyRequest) message() (notify.Message, bool) {
	switch {
	case len(r.Files) > 1:
		return notify.FilesWithCaption{Paths: r.Files, Caption: r.Caption}, true
	case len(r.Files) == 1 && r.Caption != "":
		return notify.FileWithCaption{Path: r.Files[0], Caption: r.Caption}, true
	case len(r.Files) == 1:
		return notify.File{Path: r.Files[0]}, true
	case r.Text != "":
		return notify.Text{Body: r.Text}, true
	}
	return nil, false
}
