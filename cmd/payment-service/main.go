// cmd/payment-service/main.go
package main

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"crowdx/internal/pkg/bootstrap"
	"crowdx/internal/pkg/db"
	"crowdx/internal/pkg/httpclient"
	"crowdx/internal/pkg/metrics"
	"crowdx/internal/pkg/mq"
	"crowdx/internal/pkg/redis"
	"crowdx/internal/service/payment/application"
	"crowdx/internal/service/payment/domain"
	"crowdx/internal/service/payment/domain/port"
	"crowdx/internal/service/payment/infrastructure"
	"crowdx/internal/service/payment/infrastructure/adapter"
	"crowdx/internal/service/payment/interfaces"
)

const (
	serviceName = "payment-service"
	// retryDelay is how long a message rests on the retry topic before the
	// retry consumer picks it up again.
	retryDelay  = 30 * time.Second
	snapshotTTL = 7 * 24 * time.Hour
)

// main is the composition root: it builds every dependency and hands the
// wiring to bootstrap.
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
	p := cfg.Payments
	tracer := otel.Tracer(serviceName)
	m := metrics.New("payment")

	var closers []func(context.Context) error

	gdb, err := db.OpenMySQL(cfg.Infra.MySQL.DSN, cfg.Infra.MySQL.MaxOpenConns, cfg.Infra.MySQL.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	if err := infrastructure.AutoMigrate(gdb); err != nil {
		return nil, errors.Wrap(err, "migrate payment tables")
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	closers = append(closers, func(context.Context) error { return sqlDB.Close() })

	redisClient := redis.NewClient(cfg.Infra.Redis.Addr, cfg.Infra.Redis.Password, cfg.Infra.Redis.DB)
	if err := redisClient.Ping(appCtx.Ctx); err != nil {
		return nil, errors.Wrap(err, "connect redis")
	}
	closers = append(closers, func(context.Context) error { return redisClient.Close() })

	registry, fees, err := buildProviders(p, tracer, m)
	if err != nil {
		return nil, err
	}
	defaultMethod, err := domain.ParsePaymentMethod(p.DefaultMethod)
	if err != nil {
		return nil, errors.Wrap(err, "payments.default_method")
	}

	broadcaster, err := adapter.NewRedisBroadcaster(redisClient, snapshotTTL)
	if err != nil {
		return nil, err
	}
	campaigns := infrastructure.NewGormCampaignStore(gdb)
	ledger := infrastructure.NewGormLedger(gdb, campaigns)
	reconciler := application.NewReconciler(ledger, campaigns, registry, broadcaster, tracer, m, p.BroadcastTimeout)
	service := application.NewPaymentService(ledger, campaigns, registry, reconciler, broadcaster, adapter.NewRedisDeduper(redisClient), tracer, m, application.Options{
		Currency:         p.Currency,
		DefaultMethod:    defaultMethod,
		PublicBaseURL:    p.PublicBaseURL,
		DedupeTTL:        p.DedupeTTL,
		BroadcastTimeout: p.BroadcastTimeout,
		Fees:             fees,
	})
	closers = append(closers, func(context.Context) error {
		reconciler.Wait()
		return nil
	})

	switch p.QueueMode {
	case "kafka":
		queueClosers, err := startKafkaQueue(appCtx.Ctx, cfg.Infra.Kafka, service, m)
		if err != nil {
			return nil, err
		}
		closers = append(closers, queueClosers...)
	default:
		// events the pool gives up on lose their dedupe marker so the
		// provider's redelivery is processed
		pool := adapter.NewWorkerPoolQueue(service.HandleEvent, p.Workers, p.QueueSize, domain.Retryable,
			adapter.WithDropHandler(service.ReleaseEvent))
		service.SetQueue(pool)
		pool.Start(appCtx.Ctx)
		closers = append(closers, pool.Stop)
	}

	interfaces.NewPaymentHandler(service, m.Handler()).RegisterRoutes(appCtx.Mux)
	return closers, nil
}

// buildProviders registers a gateway and a verifier for every enabled
// provider and collects their fee models.
func buildProviders(p bootstrap.PaymentsConfig, tracer trace.Tracer, m *metrics.Metrics) (*port.Registry, map[domain.PaymentMethod]domain.FeeModel, error) {
	registry := port.NewRegistry()
	fees := map[domain.PaymentMethod]domain.FeeModel{}

	if p.Stripe.Enabled {
		fee, err := domain.NewFeeModel(p.Stripe.Fee.Rate, p.Stripe.Fee.Fixed)
		if err != nil {
			return nil, nil, errors.Wrap(err, "stripe fee")
		}
		fees[domain.MethodStripe] = fee
		registry.
			RegisterGateway(adapter.NewStripeGateway(adapter.NewStripeClient(p.Stripe.SecretKey, p.ProviderTimeout), tracer, m)).
			RegisterVerifier(adapter.NewStripeVerifier(p.Stripe.WebhookSecret, p.ReplayWindow))
	}

	if p.PayPal.Enabled {
		fee, err := domain.NewFeeModel(p.PayPal.Fee.Rate, p.PayPal.Fee.Fixed)
		if err != nil {
			return nil, nil, errors.Wrap(err, "paypal fee")
		}
		fees[domain.MethodPayPal] = fee
		hc := httpclient.NewClient(tracer)
		hc.HTTPClient.Timeout = p.ProviderTimeout
		client := adapter.NewPayPalClient(hc, p.PayPal.BaseURL, p.PayPal.ClientID, p.PayPal.ClientSecret)
		registry.
			RegisterGateway(adapter.NewPayPalGateway(client, p.PayPal.BrandName, tracer, m)).
			RegisterVerifier(adapter.NewPayPalVerifier(client, p.PayPal.WebhookID, p.ReplayWindow))
	}
	return registry, fees, nil
}

// startKafkaQueue routes accepted webhooks through Kafka: the main topic, a
// delayed retry topic and a dead-letter topic that is only logged.
func startKafkaQueue(ctx context.Context, k bootstrap.KafkaConfig, service *application.PaymentService, m *metrics.Metrics) ([]func(context.Context) error, error) {
	webhookWriter := mq.NewKafkaWriter(k.Brokers, k.WebhookTopic)
	retryWriter := mq.NewKafkaWriter(k.Brokers, k.RetryTopic)
	dltWriter := mq.NewKafkaWriter(k.Brokers, k.DLTTopic)
	service.SetQueue(adapter.NewKafkaEventQueue(webhookWriter))

	failures := mq.NewFailureHandler(retryWriter, dltWriter, k.MaxRetries, domain.Retryable)
	mainConsumer := interfaces.NewWebhookConsumer(mq.NewKafkaReader(k.Brokers, k.WebhookTopic, k.ConsumerGroup), service, failures)
	retryConsumer := interfaces.NewWebhookConsumer(mq.NewKafkaReader(k.Brokers, k.RetryTopic, k.ConsumerGroup+"-retry"), service, failures)
	retryConsumer.SetDelay(retryDelay)
	dltConsumer := interfaces.NewDLTConsumer(mq.NewKafkaReader(k.Brokers, k.DLTTopic, k.ConsumerGroup+"-dlt"), m, service.ReleaseEvent)

	for _, start := range []func(context.Context) error{mainConsumer.Start, retryConsumer.Start, dltConsumer.Start} {
		if err := start(ctx); err != nil {
			return nil, err
		}
	}

	closers := []func(context.Context) error{
		func(context.Context) error {
			return errors.Wrap(closeAll(webhookWriter.Close, retryWriter.Close, dltWriter.Close), "close kafka writers")
		},
		func(ctx context.Context) error {
			mainConsumer.Stop(ctx)
			retryConsumer.Stop(ctx)
			dltConsumer.Stop(ctx)
			return nil
		},
	}
	return closers, nil
}

func closeAll(fns ...func() error) error {
	var first error
	for _, fn := range fns {
		if err := fn(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
