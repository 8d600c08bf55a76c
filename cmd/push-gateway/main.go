// cmd/push-gateway/main.go
package main

import (
	"context"
	"log"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"crowdx/internal/pkg/bootstrap"
	"crowdx/internal/pkg/logger"
	"crowdx/internal/pkg/redis"
	"crowdx/internal/service/payment/infrastructure/adapter"
	"crowdx/internal/service/pushgateway"
)

const serviceName = "push-gateway"

func main() {
	cfg, err := bootstrap.LoadConfig("")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	bootstrap.StartService(bootstrap.AppInfo{
		ServiceName:      serviceName,
		Config:           cfg,
		RegisterHandlers: register,
	})
}

func register(appCtx bootstrap.AppCtx) ([]func(context.Context) error, error) {
	cfg := appCtx.Config
	nodeID := serviceName + "-" + uuid.New().String()[:8]

	redisClient := redis.NewClient(cfg.Infra.Redis.Addr, cfg.Infra.Redis.Password, cfg.Infra.Redis.DB)
	if err := redisClient.Ping(appCtx.Ctx); err != nil {
		return nil, errors.Wrap(err, "connect redis")
	}

	hub := pushgateway.NewHub(nodeID)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(appCtx.Ctx)
	}()

	subDone := make(chan struct{})
	go func() {
		defer close(subDone)
		if err := pushgateway.NewSubscriber(redisClient, hub).Run(appCtx.Ctx, nil); err != nil {
			logger.L().Error().Err(err).Msg("push: subscriber stopped")
		}
	}()

	snapshots := func(ctx context.Context, campaignID int64) ([]byte, error) {
		return adapter.LatestSnapshot(ctx, redisClient, campaignID)
	}
	pushgateway.NewHandler(hub, snapshots, cfg.Push.AllowedOrigins).RegisterRoutes(appCtx.Mux)
	logger.L().Info().Str("node_id", nodeID).Msg("push gateway wired")

	closers := []func(context.Context) error{
		func(context.Context) error { return redisClient.Close() },
		func(ctx context.Context) error {
			for _, done := range []chan struct{}{subDone, hubDone} {
				select {
				case <-done:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			return nil
		},
	}
	return closers, nil
}
