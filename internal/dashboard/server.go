package dashboard

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tradeflow/config"
	"tradeflow/internal/execution"
	"tradeflow/internal/stream"
	"tradeflow/logger"
)

// Sources supplies the live state the dashboard serves.
type Sources struct {
	Status func() stream.Status
	Orders func() []execution.OrderContext
}

// Server hosts a Gin-powered JSON operations surface: connection and breaker
// health, admission-control counters, working orders, and a bounded ring of
// recent log entries.
type Server struct {
	cfg        config.DashboardConfig
	log        *logger.Log
	sources    Sources
	logStore   *logStore
	httpServer *http.Server
}

// NewServer constructs a dashboard server when the feature is enabled. When
// disabled the returned server is nil and every method is a no-op.
func NewServer(cfg config.DashboardConfig, log *logger.Log, sources Sources) *Server {
	if !cfg.Enabled {
		return nil
	}

	cfg.Address = normalizeAddress(cfg.Address)
	if cfg.LogHistory <= 0 {
		cfg.LogHistory = 200
	}

	store := newLogStore(cfg.LogHistory)
	log.AddHook(store)

	return &Server{
		cfg:      cfg,
		log:      log,
		sources:  sources,
		logStore: store,
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.logStore.close()

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/api/status", func(c *gin.Context) {
		if s.sources.Status == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no status source"})
			return
		}
		c.JSON(http.StatusOK, s.sources.Status())
	})

	router.GET("/api/orders", func(c *gin.Context) {
		if s.sources.Orders == nil {
			c.JSON(http.StatusOK, gin.H{"orders": []any{}})
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": s.sources.Orders()})
	})

	router.GET("/api/logs", func(c *gin.Context) {
		snapshot := s.logStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, l := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": l.Timestamp.Format(time.RFC3339Nano),
				"level":     l.Level,
				"component": l.Component,
				"message":   l.Message,
				"fields":    l.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"logs": payload})
	})

	return router, nil
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.HasPrefix(addr, ":") {
		if len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
			return "0.0.0.0" + addr
		}
	}

	host, port, err := net.SplitHostPort(addr)
	if err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
