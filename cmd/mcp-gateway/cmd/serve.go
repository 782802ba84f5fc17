package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kagenti/mcp-gateway/internal/aggregator"
	"github.com/kagenti/mcp-gateway/internal/credentials"
	"github.com/kagenti/mcp-gateway/internal/gatewayserver"
	"github.com/kagenti/mcp-gateway/internal/gwconfig"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway and serve the Streamable HTTP endpoint",
	Long: `serve loads the declared provider set from --config, warms up every
enabled provider, binds a loopback listener, and serves /mcp until
interrupted. It watches --config for edits and reconciles the provider set
live.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "providers.yaml", "path to the providers config file")
	serveCmd.Flags().String("host", "127.0.0.1", "address to bind")
	serveCmd.Flags().Int("port", 0, "port to bind (0 picks an OS-assigned port)")
	serveCmd.Flags().String("credentials-dir", "", "directory of mounted secret files resolved for $VAR env references")
	serveCmd.Flags().Duration("token-ttl", 24*time.Hour, "expiry written into the bearer token's claims (not checked by the gateway, which accepts the token until the next restart)")

	for _, name := range []string{"config", "host", "port", "credentials-dir", "token-ttl"} {
		_ = viper.BindPFlag(name, serveCmd.Flags().Lookup(name))
	}
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	_ = level.UnmarshalText([]byte(viper.GetString("log_level")))
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()

	configPath := viper.GetString("config")
	store, err := gwconfig.NewStore(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("reading config: %w", err)
	}

	resolver := credentials.NewResolver(viper.GetString("credentials-dir"))
	agg := aggregator.New(resolver, log)
	if err := agg.LoadProviders(cfg.Providers); err != nil {
		return fmt.Errorf("loading providers: %w", err)
	}

	report := agg.Warmup(ctx)
	log.Info("warmup complete", "succeeded", report.Succeeded, "failed", report.Failed)

	store.RegisterObserver(gwconfig.ObserverFunc(func(cfg *gwconfig.ProvidersConfig) {
		reconcileProviders(context.Background(), agg, log, cfg.Providers)
	}))
	if err := store.Watch(ctx); err != nil {
		log.Warn("config watch disabled", "err", err)
	}

	srv := gatewayserver.New(gatewayserver.Config{
		Host:           viper.GetString("host"),
		Port:           viper.GetInt("port"),
		BearerTokenTTL: viper.GetDuration("token-ttl"),
		Log:            log,
	}, agg)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}

	fmt.Printf("mcp-gateway listening on http://%s:%d/mcp\n", viper.GetString("host"), srv.CurrentPort())
	fmt.Printf("bearer token: %s\n", srv.AuthToken())

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), gatewayserver.ShutdownGrace)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// reconcileProviders applies a reloaded provider set: updates changed or new
// entries (UpdateService itself warms up and swaps in each one's
// ServiceCache), removes enabled ones no longer declared. A provider that is
// already disabled and is then dropped from the file keeps its config entry
// and its name in the aggregator. Mirrors the teacher's
// viper.OnConfigChange handler in cmd/mcp-broker-router/main.go, adapted to
// this module's declarative UpdateService/RemoveService pair instead of a
// single config-wide rebuild.
func reconcileProviders(ctx context.Context, agg *aggregator.Aggregator, log *slog.Logger, providers []gwconfig.ProviderConfig) {
	seen := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		seen[p.ID] = struct{}{}
		if err := agg.UpdateService(ctx, p); err != nil {
			log.Warn("reconcile: updating service failed", "id", p.ID, "err", err)
		}
	}
	for _, id := range agg.EnabledServiceIDs() {
		if _, ok := seen[id]; !ok {
			agg.RemoveService(id)
		}
	}
}
