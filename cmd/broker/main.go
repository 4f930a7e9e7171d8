package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wyfcoding/commoditybroker/internal/broker/application"
	httpserver "github.com/wyfcoding/commoditybroker/internal/broker/interfaces/http"
	"github.com/wyfcoding/commoditybroker/internal/messaging"
	"github.com/wyfcoding/commoditybroker/internal/platform"
	"github.com/wyfcoding/commoditybroker/pkg/config"
	"github.com/wyfcoding/commoditybroker/pkg/logger"
	"github.com/wyfcoding/commoditybroker/pkg/metrics"
	"github.com/wyfcoding/commoditybroker/pkg/middleware"
)

var configPath = flag.String("config", "configs/broker/config.toml", "config file path")

func main() {
	flag.Parse()

	// 1. Config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 2. Logger
	if err := logger.Init(platform.LoggerConfig(cfg.Logger)); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	slog.SetDefault(logger.Get())

	if err := run(cfg); err != nil {
		slog.Error("broker exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Metrics
	m := metrics.New(cfg.ServiceName)
	if err := m.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	collector := metrics.NewCollector(m)

	// 4. Infrastructure
	transport, closeTransport, err := platform.NewTransport(cfg)
	if err != nil {
		return err
	}
	defer closeTransport()

	dir, err := platform.NewDirectory(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect directory: %w", err)
	}
	defer dir.Close()

	limiter, err := platform.NewRateLimiter(cfg.RateLimit, dir.Redis)
	if err != nil {
		return err
	}

	activity := platform.ActivitySink(cfg.Logger, logger.NewConsoleSink(os.Stdout))

	// 5. Agents
	opts := []application.Option{
		application.WithActivity(activity),
		application.WithMetrics(collector),
	}
	if d := cfg.Broker.ProcessingDelay(); d > 0 {
		opts = append(opts, application.WithDelayPolicy(application.FixedDelay(d)))
	}
	broker, err := application.NewBroker(application.Config{
		AgentID:            messaging.AgentID(cfg.Broker.AgentID),
		Name:               cfg.Broker.Name,
		HistoryCapacity:    cfg.Broker.HistoryCapacity,
		PurchaseTimeout:    cfg.Broker.PurchaseTimeout(),
		SelectionCacheSize: cfg.Broker.SelectionCacheSize,
	}, transport, dir, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return broker.Run(gctx) })

	select {
	case <-broker.Ready():
	case <-gctx.Done():
		return g.Wait()
	}

	if err := platform.StartRetailers(gctx, g, cfg.Retailers, transport, dir, activity); err != nil {
		stop()
		_ = g.Wait()
		return err
	}

	home := application.NewInitiator(messaging.AgentID(cfg.Broker.HomeAgentID), broker.ID(), transport)
	if err := home.Start(gctx); err != nil {
		stop()
		_ = g.Wait()
		return err
	}

	// 6. Interfaces
	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "dev" {
		gin.SetMode(gin.DebugMode)
	}
	r := gin.New()
	r.Use(
		middleware.GinRecoveryMiddleware(),
		middleware.GinLoggingMiddleware(),
		middleware.GinCORSMiddleware(),
		middleware.GinMetricsMiddleware(collector),
	)
	r.GET("/health", func(c *gin.Context) {
		if _, err := broker.Inspect(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.ServiceName, "version": cfg.Version})
	})
	if cfg.Metrics.Enabled && cfg.Metrics.Port == 0 {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api")
	api.Use(middleware.RateLimitMiddleware(limiter, cfg.RateLimit, cfg.Broker.AgentID))
	callTimeout := cfg.Broker.PurchaseTimeout() + 2*cfg.Broker.ProcessingDelay() + time.Second
	httpserver.NewBrokerHandler(home, broker, callTimeout).RegisterRoutes(api)

	// 7. Start
	if cfg.Metrics.Enabled && cfg.Metrics.Port > 0 {
		g.Go(func() error { return metrics.StartHTTPServer(gctx, cfg.Metrics.Port, cfg.Metrics.Path) })
	}

	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
		server := &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
			WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
		}
		go func() {
			<-gctx.Done()
			slog.Info("shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
		slog.Info("HTTP server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	return g.Wait()
}
