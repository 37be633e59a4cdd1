package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/franksops/blobshift/store"
)

// Liveness reports process activity next to the stored counts. Either
// function may be nil when the process does not run that component.
type Liveness struct {
	Workers func() int
	Lister  func() bool
}

// Server is a read-only HTTP view of the record store.
type Server struct {
	store    store.Store
	liveness Liveness
	logger   *zap.Logger
	engine   *gin.Engine
}

// NewServer builds the routes. gatherer backs /metrics; nil uses the
// default Prometheus registry.
func NewServer(st store.Store, liveness Liveness, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:    st,
		liveness: liveness,
		logger:   logger.Named("status"),
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery())

	s.engine.GET("/", s.handleStats)
	s.engine.GET("/stats", s.handleStats)
	s.engine.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok\n") })
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context())
	if err != nil {
		s.logger.Error("failed to read stats", zap.Error(err))
		c.String(http.StatusInternalServerError, "stats unavailable\n")
		return
	}
	c.String(http.StatusOK, Render(stats, s.liveness))
}

// Render formats stats as one "key: value" line per field.
func Render(stats store.Stats, liveness Liveness) string {
	workers := 0
	if liveness.Workers != nil {
		workers = liveness.Workers()
	}
	listing := false
	if liveness.Lister != nil {
		listing = liveness.Lister()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "count_all: %d\n", stats.Total)
	fmt.Fprintf(&sb, "count_transferred: %d\n", stats.Transferred)
	fmt.Fprintf(&sb, "validated_checksum: %d\n", stats.ValidatedChecksum)
	fmt.Fprintf(&sb, "validated_length: %d\n", stats.ValidatedLength)
	fmt.Fprintf(&sb, "validation_failed: %d\n", stats.ValidationFailed)
	fmt.Fprintf(&sb, "deleted: %d\n", stats.Deleted)
	fmt.Fprintf(&sb, "pending: %d\n", stats.Pending)
	fmt.Fprintf(&sb, "marker: %s\n", stats.Marker)
	fmt.Fprintf(&sb, "workers_active: %d\n", workers)
	fmt.Fprintf(&sb, "lister_running: %t\n", listing)
	return sb.String()
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("status server: %w", err)
	}
	return nil
}
