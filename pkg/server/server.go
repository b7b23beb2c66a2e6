package server

import (
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AyhanMehrzad/Secure-Chanel/pkg/database"
	"github.com/AyhanMehrzad/Secure-Chanel/pkg/logger"
	"github.com/AyhanMehrzad/Secure-Chanel/pkg/storage"
)

const (
	compactionInterval = 1 * time.Minute
	statsInterval      = 30 * time.Second
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host        string
	Port        int
	MetricsPort int

	SessionTTL time.Duration
	Users      []UserEntry

	MaxFailures   int
	FailureWindow time.Duration
	BlockDuration time.Duration
	EventRate     int
	EventBurst    int

	InitialPageSize  int
	MaxPageSize      int
	SnapshotInterval time.Duration

	UploadDir        string
	MaxUploadBytes   int64
	UploadPublicPath string
}

// DefaultConfig returns the default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Host:        "0.0.0.0",
		Port:        8000,
		MetricsPort: 9090,

		SessionTTL: 24 * time.Hour,
		Users: []UserEntry{
			{Username: "sana", Password: "512683", DisplayName: "Sana"},
			{Username: "ayhan", Password: "512683", DisplayName: "Ayhan"},
		},

		MaxFailures:   5,
		FailureWindow: 10 * time.Minute,
		BlockDuration: 15 * time.Minute,
		EventRate:     10,
		EventBurst:    20,

		InitialPageSize:  50,
		MaxPageSize:      200,
		SnapshotInterval: 30 * time.Second,

		MaxUploadBytes:   50 * 1024 * 1024,
		UploadPublicPath: "/uploads",
	}
}

// Server is the main chat server. It wires the session store, abuse guard,
// message store, connection hub, and upload storage behind one HTTP listener.
type Server struct {
	config   ServerConfig
	db       *database.DB
	store    *database.MemStore
	sessions *SessionManager
	guard    *Guard
	hub      *Hub
	uploads  storage.Storage
	metrics  *Metrics

	listener        net.Listener
	httpServer      *http.Server
	metricsListener net.Listener
	metricsServer   *http.Server

	shutdown  chan struct{}
	wg        sync.WaitGroup
	startTime time.Time
}

// NewServer creates a new server instance
func NewServer(dbPath string, config ServerConfig) (*Server, error) {
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := database.NewMemStore(db, config.SnapshotInterval)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize message store: %w", err)
	}

	guard := NewGuard(config.MaxFailures, config.FailureWindow, config.BlockDuration, config.EventRate, config.EventBurst)

	sessions, err := NewSessionManager(config.Users, config.SessionTTL, guard)
	if err != nil {
		store.Close()
		db.Close()
		return nil, fmt.Errorf("failed to initialize session manager: %w", err)
	}

	uploadDir := config.UploadDir
	if uploadDir == "" {
		uploadDir = filepath.Join(filepath.Dir(dbPath), "uploads")
	}
	uploads, err := storage.NewLocal(uploadDir, config.UploadPublicPath)
	if err != nil {
		store.Close()
		db.Close()
		return nil, fmt.Errorf("failed to initialize upload storage: %w", err)
	}

	metrics := NewMetrics()
	guard.SetMetrics(metrics)
	sessions.SetMetrics(metrics)

	hub := NewHub()
	hub.SetMetrics(metrics)

	return &Server{
		config:    config,
		db:        db,
		store:     store,
		sessions:  sessions,
		guard:     guard,
		hub:       hub,
		uploads:   uploads,
		metrics:   metrics,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

// Start starts the server
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			logger.L().Error().Err(err).Msg("http server error")
		}
	}()

	logger.L().Info().
		Str("addr", listener.Addr().String()).
		Msg("chat server listening (/api, /ws, /upload)")

	// Metrics server (internal only - do not expose publicly)
	if s.config.MetricsPort > 0 {
		metricsListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.MetricsPort))
		if err != nil {
			s.listener.Close()
			return fmt.Errorf("failed to listen on metrics port %d: %w", s.config.MetricsPort, err)
		}
		s.metricsListener = metricsListener

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{Handler: metricsMux}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			logger.L().Info().
				Str("addr", metricsListener.Addr().String()).
				Msg("metrics server listening (/metrics, /health) - internal only")
			if err := s.metricsServer.Serve(s.metricsListener); err != nil && err != http.ErrServerClosed {
				logger.L().Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	s.wg.Add(1)
	go s.compactionLoop()

	s.wg.Add(1)
	go s.statsLoop()

	return nil
}

// Addr returns the address the public listener is bound to. Useful when
// the server was started with port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	logger.L().Info().Msg("shutting down server...")

	close(s.shutdown)

	// Close rather than Shutdown: websocket connections never drain on
	// their own, and the hub teardown below notifies clients.
	if s.httpServer != nil {
		s.httpServer.Close()
	}
	if s.metricsServer != nil {
		s.metricsServer.Close()
	}

	s.hub.CloseAll()

	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		logger.L().Error().Err(err).Msg("failed to close message store")
	}
	if err := s.db.Close(); err != nil {
		logger.L().Error().Err(err).Msg("failed to close database")
		return err
	}

	logger.L().Info().Msg("server stopped")
	return nil
}

// compactionLoop periodically drops expired guard blocks and sessions.
// Expiry is enforced lazily on every lookup; compaction only reclaims
// memory for entries that are never looked up again.
func (s *Server) compactionLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(compactionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.sessions.Compact()
			s.guard.Compact()
		}
	}
}

// statsLoop periodically publishes store gauges and logs a summary line.
func (s *Server) statsLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			stats := s.store.Stats()
			if s.metrics != nil {
				s.metrics.RecordStoredMessages(stats.Messages)
			}
			logger.L().Debug().
				Int("messages", stats.Messages).
				Int64("newest_ts", stats.NewestTS).
				Int("sessions", s.sessions.CountActive()).
				Int("connections", s.hub.CountConnections()).
				Int("blocked_origins", s.guard.BlockedCount()).
				Dur("uptime", time.Since(s.startTime)).
				Msg("server stats")
		}
	}
}
