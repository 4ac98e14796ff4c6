package metrics

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Server struct {
	bind       string
	httpServer *http.Server
}

func New(bind string, collector *Collector, source StatsSource, logger *zap.Logger) (*Server, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, errors.New("metrics bind is required")
	}
	if collector == nil || source == nil {
		return nil, errors.New("metrics collector and stats source are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{bind: bind}
	s.httpServer = &http.Server{
		Addr:              bind,
		Handler:           newRouter(collector, source, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func newRouter(collector *Collector, source StatsSource, logger *zap.Logger) *gin.Engine {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})))
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, source.Stats())
	})
	return r
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug("metrics_http_request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("latency_ms", time.Since(started).Milliseconds()),
		)
	}
}

func (s *Server) URL() string {
	return "http://" + s.bind
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
