package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/classlive/live-control-plane/internal/api"
	"github.com/classlive/live-control-plane/internal/config"
	"github.com/classlive/live-control-plane/internal/harvest"
	"github.com/classlive/live-control-plane/internal/pairing"
	"github.com/classlive/live-control-plane/internal/realtime"
	"github.com/classlive/live-control-plane/internal/stack"
	"github.com/classlive/live-control-plane/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	st := store.New(pool)

	client, err := buildStackClient(ctx, cfg)
	if err != nil {
		log.Fatalf("init stack client: %v", err)
	}
	prov := stack.NewProvisioner(client, stack.ProvisionerOptions{
		Environment:  cfg.Environment,
		WaitInterval: cfg.WaitInterval,
		WaitAttempts: cfg.WaitAttempts,
	})

	var dispatcher realtime.Dispatcher = realtime.NopDispatcher{}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("ping redis: %v", err)
		}
		dispatcher = realtime.NewRedisDispatcher(rdb)
	}

	handler := api.NewRouter(cfg, api.Deps{
		Store:       st,
		Provisioner: prov,
		Channels:    client,
		Harvester:   harvest.New(client, cfg.HarvestProbeTimeout),
		Pairing:     pairing.NewBroker(st, cfg.PairingExpiration, cfg.JitsiDomain),
		Throttle:    pairing.NewThrottle(3, time.Minute),
		Dispatcher:  dispatcher,
	})

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Stack provisioning may take minutes before the handler writes a response.
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Printf("live-control-plane listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}

func buildStackClient(ctx context.Context, cfg config.Config) (stack.Client, error) {
	if cfg.CloudProvider == "aws" {
		return stack.NewAWSClient(ctx, stack.AWSClientOptions{
			Environment:   cfg.Environment,
			Region:        cfg.AWSRegion,
			MediaLiveRole: cfg.MediaLiveRole,
			HarvestBucket: cfg.HarvestBucket,
			HarvestRole:   cfg.HarvestRole,
		})
	}
	return stack.NewFakeClient(cfg.Environment), nil
}
