package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/comigor/chatsync/internal/api"
	"github.com/comigor/chatsync/internal/chat"
	"github.com/comigor/chatsync/internal/config"
	"github.com/comigor/chatsync/internal/logger"
	"github.com/comigor/chatsync/internal/realtime"
)

type app struct {
	configPath  string
	metricsAddr string
	asID        string
	asKind      string

	cfg    *config.Config
	client *api.Client
	self   chat.Identity
}

func main() {
	a := &app{}
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Multi-identity chat client",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file")
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	root.PersistentFlags().StringVar(&a.asID, "as", "", "identity id to act as")
	root.PersistentFlags().StringVar(&a.asKind, "as-kind", "", "kind of the --as identity (person or organization)")

	root.AddCommand(a.conversationsCmd(), a.resolveCmd(), a.tailCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		logger.L.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func (a *app) setup(ctx context.Context) error {
	if a.configPath != "" {
		os.Setenv("CONFIG_PATH", a.configPath)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if a.metricsAddr != "" {
		cfg.Metrics.Addr = a.metricsAddr
	}
	if a.asID != "" {
		cfg.Identity.ID = a.asID
	}
	if a.asKind != "" {
		cfg.Identity.Kind = a.asKind
	}

	logger.SetOutput(os.Stderr, cfg.Log.Format)
	logger.SetLevel(cfg.Log.Level)

	self, err := cfg.Identity.Identity()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if self.IsZero() {
		return errors.New("no identity configured: set identity.id or pass --as")
	}

	a.cfg = cfg
	a.self = self
	a.client = api.NewClient(cfg.API)

	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, cfg.Metrics.Addr)
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.L.Info("serving metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.L.Error("metrics server failed", "error", err)
	}
}

// transport opens the configured broker.
func (a *app) transport(ctx context.Context) (*realtime.Transport, error) {
	rc := a.cfg.Realtime
	var (
		broker realtime.Broker
		err    error
	)
	switch rc.Driver {
	case config.DriverRedis:
		broker, err = realtime.NewRedisBroker(ctx, rc.RedisURL)
	case config.DriverMemory:
		broker = realtime.NewMemoryBroker()
	default:
		header := http.Header{}
		if a.cfg.API.Token != "" {
			header.Set("Authorization", "Bearer "+a.cfg.API.Token)
		}
		broker, err = realtime.NewWSBroker(ctx, realtime.WSOptions{
			URL:              rc.URL,
			Header:           header,
			HandshakeTimeout: rc.HandshakeTimeout,
			PingInterval:     rc.PingInterval,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open %s broker: %w", rc.Driver, err)
	}
	logger.L.Debug("realtime broker ready", "driver", rc.Driver)
	return realtime.NewTransport(broker), nil
}
