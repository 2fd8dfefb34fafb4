// Command twinedit runs two local-first replicas of one document in a single
// process and exposes them over the RESP editing shell and HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	localfirst "github.com/raniellyferreira/localfirst-replica"
	"github.com/raniellyferreira/localfirst-replica/events"
	"github.com/raniellyferreira/localfirst-replica/httpapi"
	"github.com/raniellyferreira/localfirst-replica/internal/config"
	"github.com/raniellyferreira/localfirst-replica/metrics"
	"github.com/raniellyferreira/localfirst-replica/protocol"
	"github.com/raniellyferreira/localfirst-replica/storage"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (default: ./config/twinedit.yaml or ./twinedit.yaml)")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("twinedit", localfirst.Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}
	if err := run(cfg); err != nil {
		log.Fatalf("twinedit: %v", err)
	}
}

func run(cfg *config.Config) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	logger := localfirst.NewLogger(os.Stderr, level)

	opts := []localfirst.Option{
		localfirst.WithLogger(logger),
		localfirst.WithPersistTimeout(cfg.Storage.Timeout),
	}
	if cfg.Actors.A != "" || cfg.Actors.B != "" {
		opts = append(opts, localfirst.WithActorIDs(protocol.ActorID(cfg.Actors.A), protocol.ActorID(cfg.Actors.B)))
	}
	if cfg.Shell.Addr != "" {
		opts = append(opts, localfirst.WithShellAddr(cfg.Shell.Addr))
		if cfg.Shell.Password != "" {
			opts = append(opts, localfirst.WithShellAuth(cfg.Shell.Password))
		}
	}

	provider, err := openStorage(cfg)
	if err != nil {
		return err
	}
	if provider != nil {
		opts = append(opts, localfirst.WithStorage(provider))
	}

	var metricsHandler http.Handler
	reg := prometheus.NewRegistry()
	if cfg.Metrics.Enabled {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		prom, err := metrics.NewPrometheus(reg)
		if err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		opts = append(opts, localfirst.WithMetrics(prom))
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	var dispatcher *events.Dispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer producer.Close()
		dispatcher = events.NewDispatcher(producer, cfg.Kafka.Topic, events.Options{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
			Logger:      localfirst.Adapt(logger, localfirst.Field{Key: "component", Value: "events"}),
		})
		opts = append(opts, localfirst.WithObserver(dispatcher))
	}

	session, err := localfirst.New(opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	if cfg.Metrics.Enabled {
		reg.MustRegister(metrics.NewLoopCollector(session.LoopStats))
	}

	var httpSrv *http.Server
	if cfg.HTTP.Addr != "" {
		gin.SetMode(gin.ReleaseMode)
		router := httpapi.NewRouter(session, httpapi.Options{
			AllowOrigins: cfg.HTTP.AllowOrigins,
			Metrics:      metricsHandler,
			Logger:       localfirst.Adapt(logger, localfirst.Field{Key: "component", Value: "http"}),
		})
		httpSrv = &http.Server{Addr: cfg.HTTP.Addr, Handler: router}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server failed", localfirst.Field{Key: "error", Value: err})
				stop()
			}
		}()
		logger.Info("HTTP shell listening", localfirst.Field{Key: "addr", Value: cfg.HTTP.Addr})
	}

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case <-session.Done():
		logger.Error("Synchronization loop ended", localfirst.Field{Key: "error", Value: session.Err()})
	}

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown failed", localfirst.Field{Key: "error", Value: err})
		}
		cancel()
	}

	err = session.Close()
	if dispatcher != nil {
		if derr := dispatcher.Close(); derr != nil {
			err = errors.Join(err, derr)
		}
		st := dispatcher.Stats()
		logger.Info("Change events", localfirst.Field{Key: "sent", Value: st.Sent},
			localfirst.Field{Key: "failed", Value: st.Failed},
			localfirst.Field{Key: "dropped", Value: st.Dropped})
	}
	return err
}

// openStorage returns nil for the memory driver; the session then keeps its
// history in memory only
func openStorage(cfg *config.Config) (storage.Provider, error) {
	switch cfg.Storage.Driver {
	case "bolt":
		b, err := storage.OpenBolt(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Storage.Path, err)
		}
		return b, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Storage.Timeout)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Storage.Redis.Addr, err)
		}
		return &closingProvider{Provider: storage.NewRedis(rdb, cfg.Storage.Redis.Prefix), close: rdb.Close}, nil
	default:
		return nil, nil
	}
}

// closingProvider closes the Redis client it was built on
type closingProvider struct {
	storage.Provider
	close func() error
}

func (p *closingProvider) Close() error {
	return errors.Join(p.Provider.Close(), p.close())
}
