package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/coursebridge/coursebridge/internal/platform/timeouts"
	"github.com/coursebridge/coursebridge/internal/services/sync/domain"
	"github.com/coursebridge/coursebridge/internal/services/sync/mapper"
	"github.com/coursebridge/coursebridge/internal/services/sync/queue"
	"github.com/coursebridge/coursebridge/internal/services/sync/remote"
	"github.com/coursebridge/coursebridge/internal/services/sync/retry"
	"github.com/coursebridge/coursebridge/internal/services/sync/state"
	"github.com/coursebridge/coursebridge/internal/services/sync/storage/sqlite"
	"github.com/coursebridge/coursebridge/internal/services/sync/txn"
	"github.com/coursebridge/coursebridge/internal/testkit/remotefakes"
)

// RuntimeConfig controls syncd startup, dependencies, and worker behavior.
type RuntimeConfig struct {
	Port               int
	AdminPort          int
	DBPath             string
	Consumer           string
	PollInterval       time.Duration
	LeaseTTL           time.Duration
	BatchSize          int
	MaxAttempts        int
	RetryBackoff       time.Duration
	RetryMaxDelay      time.Duration
	ConflictStrategy   string
	CollapseSuperseded bool
	// Clients are the two external systems. Local runs without real
	// integrations fall back to in-memory fakes.
	Clients remote.Clients
}

const (
	defaultSyncdPort      = 8090
	defaultSyncdAdminPort = 8091
	defaultSyncdDB        = "data/syncd.db"
)

// Run starts the syncd runtime: durable store, tier workers, the admin
// surface, and the gRPC health endpoint. It blocks until ctx is canceled
// and drains in-flight operations before returning.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultSyncdPort
	}
	if cfg.AdminPort <= 0 {
		cfg.AdminPort = defaultSyncdAdminPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultSyncdDB
	}

	strategy := domain.StrategySourceWins
	if strings.TrimSpace(cfg.ConflictStrategy) != "" {
		parsed, err := domain.ParseStrategy(cfg.ConflictStrategy)
		if err != nil {
			return fmt.Errorf("conflict strategy: %w", err)
		}
		strategy = parsed
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create sync storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sync sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close sync sqlite store: %v", closeErr)
		}
	}()

	clients := cfg.Clients
	if clients.Courseware == nil || clients.Forum == nil {
		log.Printf("remote clients not configured; using in-memory fakes")
		clients = remote.Clients{
			Courseware: remotefakes.NewCourseware(),
			Forum:      remotefakes.NewForum(),
		}
	}

	entityMapper := mapper.New(store)
	tracker := state.New(store)
	coordinator := txn.New(txn.Config{
		Committer: store,
		Mapper:    entityMapper,
		Tracker:   tracker,
		Clients:   clients,
		Strategy:  strategy,
	})
	policy := retry.Policy{
		Base:        cfg.RetryBackoff,
		Cap:         cfg.RetryMaxDelay,
		MaxAttempts: cfg.MaxAttempts,
	}
	pipeline := NewPipeline(coordinator, store, policy)
	workQueue := queue.New(store, pipeline.Process, queue.Config{
		Consumer:           cfg.Consumer,
		PollInterval:       cfg.PollInterval,
		LeaseTTL:           cfg.LeaseTTL,
		BatchSize:          cfg.BatchSize,
		CollapseSuperseded: cfg.CollapseSuperseded,
	})

	service := NewService(ServiceConfig{
		Clients:     clients,
		Mapper:      entityMapper,
		Tracker:     tracker,
		Results:     store,
		DeadLetters: store,
		Queue:       workQueue,
		Coordinator: coordinator,
	})

	if err := workQueue.StartProcessing(ctx); err != nil {
		return fmt.Errorf("start tier workers: %w", err)
	}
	defer workQueue.Stop()

	adminListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.AdminPort))
	if err != nil {
		return fmt.Errorf("listen on sync admin port %d: %w", cfg.AdminPort, err)
	}
	adminServer := &http.Server{Handler: NewAdminMux(service)}
	adminErr := make(chan error, 1)
	go func() {
		adminErr <- adminServer.Serve(adminListener)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if shutdownErr := adminServer.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Printf("shutdown sync admin server: %v", shutdownErr)
		}
		<-adminErr
	}()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on sync port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("sync.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("sync server listening at %v (admin at %v)", listener.Addr(), adminListener.Addr())
	<-ctx.Done()
	return nil
}
