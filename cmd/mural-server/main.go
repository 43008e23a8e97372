// Command mural-server runs the canvas coordinator behind its HTTP
// surface: WebSocket and SSE rooms plus REST endpoints, with
// Prometheus metrics on a separate listener and optional event
// mirroring to NATS or Kafka.
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
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-mural/v1/adapter"
	"github.com/mirkobrombin/go-mural/v1/core"
	"github.com/mirkobrombin/go-mural/v1/metrics"
	"github.com/mirkobrombin/go-mural/v1/realtime"
	"github.com/mirkobrombin/go-mural/v1/relay"
	"github.com/mirkobrombin/go-mural/v1/validator"
)

var (
	addr        = flag.String("addr", ":8080", "HTTP listen address")
	metricsAddr = flag.String("metrics-addr", ":9090", "Prometheus listen address, empty disables")
	storeFlag   = flag.String("store", "memory", "Tile store backend: memory, redis or sqlite")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis address for -store redis")
	sqlitePath  = flag.String("sqlite-path", "mural.db", "Database file for -store sqlite")
	lease       = flag.Duration("lease", core.DefaultLease, "Tile lock lease duration")
	heartbeat   = flag.Duration("heartbeat-timeout", 30*time.Second, "Room heartbeat timeout")
	queueSize   = flag.Int("queue", 256, "Per-subscriber event queue size")
	natsURL     = flag.String("nats", "", "NATS URL to mirror events to, empty disables")
	kafkaAddrs  = flag.String("kafka", "", "Comma-separated Kafka brokers to mirror events to, empty disables")
	kafkaTopic  = flag.String("kafka-topic", "mural-events", "Kafka topic for -kafka")
	auditFlag   = flag.String("audit", "off", "Commit audit: off, alert or heal")
	traceOut    = flag.Bool("trace", false, "Emit spans to stdout")
)

func main() {
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *traceOut {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatalf("trace exporter: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(tp)
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)

	store, cached, err := buildStore()
	if err != nil {
		log.Fatalf("tile store: %v", err)
	}

	opts := []core.Option{
		core.WithLease(*lease),
		core.WithHeartbeatTimeout(*heartbeat),
		core.WithQueueSize(*queueSize),
		core.WithLogger(logger),
		core.WithMetrics(reg),
	}
	if cached {
		opts = append(opts, core.WithTileCache())
	}
	if *traceOut {
		opts = append(opts, core.WithTracing())
	}

	sink, closeSink, err := buildSink(store, logger)
	if err != nil {
		log.Fatalf("relay sink: %v", err)
	}
	if sink != nil {
		opts = append(opts, core.WithRelay(sink))
		defer closeSink()
	}

	coord := core.New(store, opts...)
	defer coord.Close()

	handler := realtime.NewHandler(coord, realtime.WithLogger(logger))
	srv := &http.Server{Addr: *addr, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", *addr, "store", *storeFlag)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var msrv *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		msrv = &http.Server{Addr: *metricsAddr, Handler: mux}
		g.Go(func() error {
			logger.Info("metrics listening", "addr", *metricsAddr)
			if err := msrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if msrv != nil {
			_ = msrv.Shutdown(shutdownCtx)
		}
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server: %v", err)
	}
	logger.Info("shut down cleanly")
}

// buildStore returns the tile store and whether the ristretto cache
// belongs in front of it. The in-memory store gains nothing from one.
func buildStore() (adapter.TileStore, bool, error) {
	switch *storeFlag {
	case "memory":
		return adapter.NewInMemoryTileStore(), false, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		return adapter.NewRedisTileStore(client), true, nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(*sqlitePath), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			return nil, false, err
		}
		return adapter.NewGormTileStore(db), true, nil
	default:
		return nil, false, fmt.Errorf("unknown store %q", *storeFlag)
	}
}

// buildSink assembles the optional relay chain: the commit audit, plus
// a broker mirror wrapped in a circuit breaker so a dead broker cannot
// slow the rooms down.
func buildSink(store adapter.TileStore, logger *slog.Logger) (relay.Sink, func(), error) {
	var sinks []relay.Sink
	closers := func() {}

	switch *auditFlag {
	case "off":
	case "alert":
		sinks = append(sinks, validator.New(store, validator.ModeAlert, validator.WithLogger(logger)))
	case "heal":
		sinks = append(sinks, validator.New(store, validator.ModeAutoHeal, validator.WithLogger(logger)))
	default:
		return nil, nil, fmt.Errorf("unknown audit mode %q", *auditFlag)
	}

	switch {
	case *natsURL != "":
		conn, err := nats.Connect(*natsURL, nats.Name("mural-server"))
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, relay.NewCircuitBreaker(relay.NewNATSSink(conn), 5, 30*time.Second))
		closers = func() { conn.Close() }
	case *kafkaAddrs != "":
		kafka, err := relay.NewKafkaSink(strings.Split(*kafkaAddrs, ","), *kafkaTopic, nil)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, relay.NewCircuitBreaker(kafka, 5, 30*time.Second))
		closers = func() { _ = kafka.Close() }
	}

	switch len(sinks) {
	case 0:
		return nil, nil, nil
	case 1:
		return sinks[0], closers, nil
	default:
		return relay.NewMultiSink(sinks...), closers, nil
	}
}
