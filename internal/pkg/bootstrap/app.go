// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"crowdx/internal/pkg/logger"
	"crowdx/internal/pkg/nacos"
	"crowdx/internal/tracing"
)

type AppCtx struct {
	Ctx    context.Context
	Config *Config
	Mux    *http.ServeMux
	Nacos  *nacos.Client
}

// AppInfo is what a service hands to StartService.
type AppInfo struct {
	ServiceName string
	Config      *Config
	// RegisterHandlers wires routes and background workers. The returned
	// closers run on shutdown in reverse order.
	RegisterHandlers func(appCtx AppCtx) ([]func(context.Context) error, error)
}

// StartService runs the common life-cycle: tracer, optional Nacos
// registration, HTTP server, then an ordered shutdown on SIGINT/SIGTERM.
func StartService(info AppInfo) {
	cfg := info.Config
	if cfg == nil {
		cfg = GetCurrentConfig()
	}
	logger.Init(info.ServiceName, cfg.App.LogLevel, cfg.App.LogPretty)

	tp, err := tracing.InitTracerProvider(info.ServiceName, cfg.Infra.Jaeger.Endpoint, cfg.Infra.Jaeger.SampleRatio)
	if err != nil {
		log.Fatalf("failed to initialize tracer provider: %v", err)
	}

	var (
		namingClient *nacos.Client
		ip           string
	)
	if cfg.Infra.Nacos.Enabled {
		namingClient, err = nacos.NewNacosClient(cfg.Infra.Nacos.Addrs, cfg.Infra.Nacos.Namespace, cfg.Infra.Nacos.Group)
		if err != nil {
			log.Fatalf("failed to initialize nacos client: %v", err)
		}
		ip, err = outboundIP()
		if err != nil {
			log.Fatalf("failed to get outbound IP address: %v", err)
		}
		if err := namingClient.RegisterServiceInstance(info.ServiceName, ip, cfg.App.Port); err != nil {
			log.Fatalf("failed to register service with nacos: %v", err)
		}
	}

	rootCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	var closers []func(context.Context) error
	if info.RegisterHandlers != nil {
		closers, err = info.RegisterHandlers(AppCtx{Ctx: rootCtx, Config: cfg, Mux: mux, Nacos: namingClient})
		if err != nil {
			log.Fatalf("failed to wire %s: %v", info.ServiceName, err)
		}
	}

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.App.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.L().Info().Int("port", cfg.App.Port).Msgf("%s listening", info.ServiceName)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("could not listen on %s: %v\n", server.Addr, err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.L().Info().Msgf("Shutting down service %s...", info.ServiceName)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if namingClient != nil {
		if err := namingClient.DeregisterServiceInstance(info.ServiceName, ip, cfg.App.Port); err != nil {
			logger.L().Error().Err(err).Msg("error deregistering from Nacos")
		}
	}

	// stop accepting webhooks before draining the workers that process them
	if err := server.Shutdown(ctx); err != nil {
		logger.L().Error().Err(err).Msg("error shutting down http server")
	}
	stopWorkers()
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			logger.L().Error().Err(err).Msg("error during shutdown")
		}
	}

	if err := tp.Shutdown(ctx); err != nil {
		logger.L().Error().Err(err).Msg("error shutting down tracer provider")
	}
	logger.L().Info().Msgf("Service %s gracefully shut down.", info.ServiceName)
}

func outboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}
