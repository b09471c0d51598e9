package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/classlive/live-control-plane/internal/config"
	"github.com/classlive/live-control-plane/internal/jobs"
	"github.com/classlive/live-control-plane/internal/notify"
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

	var client stack.Client
	if cfg.CloudProvider == "aws" {
		client, err = stack.NewAWSClient(ctx, stack.AWSClientOptions{
			Environment:   cfg.Environment,
			Region:        cfg.AWSRegion,
			MediaLiveRole: cfg.MediaLiveRole,
			HarvestBucket: cfg.HarvestBucket,
			HarvestRole:   cfg.HarvestRole,
		})
		if err != nil {
			log.Fatalf("init stack client: %v", err)
		}
	} else {
		client = stack.NewFakeClient(cfg.Environment)
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

	jobs.NewRunner(st, client, prov, dispatcher, notify.LogMailer{}, jobs.Options{
		Environment:   cfg.Environment,
		IdleRetention: cfg.IdleRetention,
	}).Start(ctx)

	log.Printf("live-jobs worker started environment=%s", cfg.Environment)
	<-ctx.Done()
	log.Printf("live-jobs worker stopping")
}
