package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/krzko/gcp-cloud-trace-context/pkg/propagation"
	"github.com/krzko/gcp-cloud-trace-context/pkg/sampler"
)

const (
	shutdownTimeout = 10 * time.Second
	maxWorkDepth    = 16
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run an HTTP server whose requests are traced",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer func() { _ = env.logger.Sync() }()
			return serve(cmd.Context(), env)
		},
	}
}

func serve(ctx context.Context, env *environment) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := env.logger

	smp, err := sampler.FromConfig(env.cfg.Sampler.Type, env.cfg.Sampler.Rate)
	if err != nil {
		return err
	}

	m := newMetrics()
	exporter, shutdownExporter, err := buildExporter(ctx, env, m)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownExporter(sctx); err != nil {
			logger.Warn("Error shutting down exporters", zap.Error(err))
		}
	}()

	mw := propagation.NewMiddleware(exporter,
		propagation.WithSampler(smp),
		propagation.WithLogger(logger),
		propagation.WithMetrics(m),
	)

	srv := &http.Server{
		Addr:              env.cfg.Server.ListenAddr,
		Handler:           newRouter(mw),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Service running. Press ctrl+c to stop...", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)

	select {
	case sig := <-signalCh:
		logger.Info("Received signal. Shutting down...", zap.Stringer("signal", sig))
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	logger.Info("Service stopped.")
	return nil
}

func newRouter(mw *propagation.Middleware) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	traced := router.Group("/", mw.Gin())
	traced.GET("/context", contextHandler)
	traced.GET("/work", workHandler)
	return router
}

// contextHandler reports the trace context seen by the request.
func contextHandler(c *gin.Context) {
	tr := propagation.FromContext(c.Request.Context())
	tc := tr.TraceContext()
	c.JSON(http.StatusOK, gin.H{
		"trace_id": tc.TraceID,
		"span_id":  strconv.FormatUint(tc.SpanID, 10),
		"enabled":  tr.Enabled(),
		"header":   propagation.HeaderValue(tr),
	})
}

// workHandler nests depth spans, to exercise the span stack end to end.
func workHandler(c *gin.Context) {
	depth, err := strconv.Atoi(c.DefaultQuery("depth", "3"))
	if err != nil || depth < 0 || depth > maxWorkDepth {
		c.JSON(http.StatusBadRequest, gin.H{"error": "depth must be between 0 and 16"})
		return
	}

	tr := propagation.FromContext(c.Request.Context())
	for i := 0; i < depth; i++ {
		tr.StartSpan("work.level." + strconv.Itoa(i)).SetLabel("level", strconv.Itoa(i))
	}
	for i := 0; i < depth; i++ {
		if err := tr.EndSpan(); err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"trace_id": tr.TraceContext().TraceID,
		"depth":    depth,
	})
}
