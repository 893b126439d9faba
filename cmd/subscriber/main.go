package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/glimte/mmate-subscriber/config"
	"github.com/glimte/mmate-subscriber/health"
	"github.com/glimte/mmate-subscriber/internal/rabbitmq"
	"github.com/glimte/mmate-subscriber/internal/students"
	"github.com/glimte/mmate-subscriber/subscriber"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "mmate-subscriber",
		Short: "Consume RabbitMQ queues with registered handlers",
		Long: `mmate-subscriber declares the configured exchanges, binds a queue per
subscription and dispatches every message to its handler. Failed messages are
dead-lettered until the broker's x-death count reaches the limit.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	config.RegisterFlags(rootCmd.PersistentFlags())

	load := func(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, nil, err
		}
		if err := config.ApplyFlags(cfg, cmd.Flags()); err != nil {
			return nil, nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
		return cfg, newLogger(cmd.ErrOrStderr(), cfg.Log), nil
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to RabbitMQ and consume until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Print the exchanges and bindings without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(cmd)
			if err != nil {
				return err
			}

			registry, err := buildRegistry(cfg, logger)
			if err != nil {
				return err
			}

			printTopology(cmd.OutOrStdout(), cfg, registry)
			return nil
		},
	}

	rootCmd.AddCommand(runCmd, topologyCmd)
	return rootCmd
}

// run connects the server, serves health and blocks until ctx is done
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	server := newServer(cfg, registry, logger)
	defer server.Close()

	var probe *http.Server
	if cfg.Health.Addr != "" {
		probe = serveHealth(cfg, server, registry, logger)
	}

	logger.Info("connecting to RabbitMQ",
		"hosts", cfg.Broker.Hosts,
		"subscribers", registry.Len())

	if err := server.Connect(ctx); err != nil {
		return fmt.Errorf("cannot start subscriber: %w", err)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if probe != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := probe.Shutdown(shutdownCtx); err != nil {
			logger.Warn("health server shutdown failed", "error", err)
		}
	}
	return nil
}

func buildRegistry(cfg *config.Config, logger *slog.Logger) (*subscriber.Registry, error) {
	svc, err := students.NewService(cfg.Subscriptions, logger)
	if err != nil {
		return nil, err
	}

	registry := subscriber.NewRegistry()
	if err := registry.RegisterService(svc); err != nil {
		return nil, err
	}
	return registry, nil
}

func newServer(cfg *config.Config, registry *subscriber.Registry, logger *slog.Logger) *subscriber.Server {
	exchanges := make([]subscriber.Exchange, 0, len(cfg.Exchanges))
	for _, name := range cfg.Exchanges {
		exchanges = append(exchanges, subscriber.TopicExchange(name))
	}

	return subscriber.NewServer(registry, cfg.Broker.URLs(),
		subscriber.WithLogger(logger),
		subscriber.WithExchanges(exchanges...),
		subscriber.WithConnectionName(cfg.Broker.ConnectionName),
		subscriber.WithReconnectDelay(cfg.Broker.ReconnectDelay),
		subscriber.WithInitialAttempts(cfg.Broker.InitialAttempts),
		subscriber.WithChannelRetryDelay(cfg.Broker.ChannelRetryDelay),
		subscriber.WithConcurrency(cfg.Consumer.Concurrency),
		subscriber.WithPrefetchCount(cfg.Consumer.PrefetchCount),
		subscriber.WithDispatcherOptions(subscriber.WithMaxDeathCount(cfg.Consumer.MaxDeathCount)),
	)
}

func newHealthRegistry(server *subscriber.Server, registry *subscriber.Registry) *health.Registry {
	queues := make([]string, 0, registry.Len())
	for _, b := range registry.Subscribers() {
		queues = append(queues, b.Spec.Queue)
	}

	checks := health.NewRegistry()
	checks.Register(health.NewListeningChecker(server))
	checks.Register(health.NewQueuesChecker(server, queues))
	checks.Register(health.NewGoroutineChecker(500, 1000))
	checks.SetMetadata("version", version)
	return checks
}

func serveHealth(cfg *config.Config, server *subscriber.Server, registry *subscriber.Registry, logger *slog.Logger) *http.Server {
	probe := &http.Server{
		Addr:              cfg.Health.Addr,
		Handler:           health.NewHandler(newHealthRegistry(server, registry), cfg.Health.Timeout, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("health probe listening", "addr", cfg.Health.Addr)
		if err := probe.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health probe stopped", "error", err)
		}
	}()
	return probe
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func printTopology(w io.Writer, cfg *config.Config, registry *subscriber.Registry) {
	fmt.Fprintln(w, "Exchanges:")
	for _, name := range cfg.Exchanges {
		fmt.Fprintf(w, "  %-40s %s\n", name, "topic (durable)")
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-24s %-40s %-20s %s\n", "Subscriber", "Exchange", "Routing Keys", "Queue")
	fmt.Fprintln(w, strings.Repeat("-", 120))
	for _, b := range registry.Subscribers() {
		fmt.Fprintf(w, "%-24s %-40s %-20s %s\n",
			b.ID(),
			b.Spec.Exchange,
			strings.Join(b.Spec.RoutingKeys, ","),
			b.Spec.Queue,
		)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Brokers: %s\n", strings.Join(sanitized(cfg.Broker.URLs()), ", "))
}

func sanitized(urls []string) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = rabbitmq.SanitizeURL(u)
	}
	return out
}
