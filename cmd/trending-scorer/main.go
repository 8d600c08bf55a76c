// cmd/trending-scorer/main.go
package main

import (
	"context"
	"log"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"crowdx/internal/pkg/bootstrap"
	"crowdx/internal/pkg/db"
	"crowdx/internal/pkg/logger"
	"crowdx/internal/pkg/metrics"
	"crowdx/internal/service/campaign/application"
	"crowdx/internal/service/campaign/infrastructure"
	"crowdx/internal/service/campaign/infrastructure/rule"
	"crowdx/internal/service/campaign/interfaces"
	"crowdx/internal/zookeeper"
)

const serviceName = "trending-scorer"

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
	t := cfg.Trending
	m := metrics.New("trending")

	var closers []func(context.Context) error

	gdb, err := db.OpenMySQL(cfg.Infra.MySQL.DSN, cfg.Infra.MySQL.MaxOpenConns, cfg.Infra.MySQL.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	if err := infrastructure.AutoMigrate(gdb); err != nil {
		return nil, errors.Wrap(err, "migrate campaigns")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	closers = append(closers, func(context.Context) error { return sqlDB.Close() })

	eligibility, err := rule.NewCELRule(t.EligibilityRule)
	if err != nil {
		return nil, err
	}
	scorer := application.NewScorer(infrastructure.NewGormCampaignRepository(gdb), eligibility, otel.Tracer(serviceName), m, application.ScorerOptions{
		PerCampaignTimeout: t.PerCampaignTimeout,
		DecayK:             t.DecayK,
	})

	// without ZooKeeper every replica scores on its own schedule
	var lock interfaces.Locker
	if len(cfg.Infra.Zookeeper.Servers) > 0 {
		conn, err := zookeeper.Connect(cfg.Infra.Zookeeper.Servers, cfg.Infra.Zookeeper.SessionTimeout)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func(context.Context) error {
			conn.Close()
			return nil
		})
		zkLock, err := zookeeper.NewDistributedLock(conn, t.LockName)
		if err != nil {
			return nil, err
		}
		lock = zkLock
	} else {
		logger.L().Warn().Msg("trending: no zookeeper servers configured, running without a batch lock")
	}

	scheduler := interfaces.NewScheduler(scorer, t.Interval, lock)
	scheduler.Start(appCtx.Ctx)
	closers = append(closers, func(context.Context) error {
		scheduler.Stop()
		return nil
	})

	logger.L().Info().Str("rule", eligibility.Expression()).Float64("decay_k", t.DecayK).Msg("trending scorer wired")
	interfaces.NewAdminHandler(scheduler, m.Handler()).RegisterRoutes(appCtx.Mux)
	return closers, nil
}
