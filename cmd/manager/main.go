// Command manager runs the proxy manager: a forward proxy that fronts
// a fleet of upstream proxies, health-probing and load-balancing across
// them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caua1503/forwardproxy/pkg/auth"
	"github.com/caua1503/forwardproxy/pkg/config"
	"github.com/caua1503/forwardproxy/pkg/firewall"
	"github.com/caua1503/forwardproxy/pkg/health"
	"github.com/caua1503/forwardproxy/pkg/logging"
	"github.com/caua1503/forwardproxy/pkg/manager"
	"github.com/caua1503/forwardproxy/pkg/upstream"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Run the proxy manager",
		Long: `manager fronts a fleet of upstream proxies: it terminates the client
connection and forwards through whichever upstream choose_upstream selects,
while a background health prober keeps the pool ordered by live latency.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to YAML config file")
	cmd.Flags().String("host", "", "listen host (overrides config)")
	cmd.Flags().Int("port", 0, "listen port (overrides config)")
	cmd.Flags().Bool("debug", false, "enable debug logging (overrides config)")

	return cmd
}

func run(cmd *cobra.Command, configPath string) error {
	cfg, err := config.LoadManager(configPath)
	if err != nil {
		return err
	}
	applyOverrides(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync()

	var fw *firewall.Config
	if cfg.Firewall != nil {
		fw, err = firewall.New(cfg.Firewall.Allow, cfg.Firewall.Block, cfg.Firewall.NoAuthRequired)
		if err != nil {
			return fmt.Errorf("invalid firewall configuration: %w", err)
		}
	}

	var authenticator *auth.Authenticator
	if cfg.Credential != nil {
		authenticator, err = auth.New(cfg.Credential.Username, cfg.Credential.Password)
		if err != nil {
			return fmt.Errorf("invalid credential configuration: %w", err)
		}
	}

	pool, err := buildPool(cfg, logger)
	if err != nil {
		return fmt.Errorf("building upstream pool: %w", err)
	}

	healthTable := &health.Table{}
	prober := health.NewProber(pool, healthTable,
		health.WithBatchSize(cfg.BatchSize),
		health.WithProbeTimeout(cfg.TimeoutTest),
		health.WithPassPeriod(cfg.UpdateTimeout),
		health.WithLogger(logger),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go prober.Run(ctx)

	server := manager.New(manager.Config{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Backlog:        cfg.Backlog,
		MaxConnections: cfg.MaxConnections,
		Firewall:       fw,
		Authenticator:  authenticator,
		Pool:           pool,
		HeaderTimeout:  cfg.Timeout,
		ConnTimeout:    cfg.Timeout,
		Logger:         logger,
	})

	return server.ListenAndServe(ctx)
}

// buildPool normalizes and deduplicates the configured upstreams, then
// folds in a co-hosted edge proxy unless doing so would create a
// forwarding loop.
func buildPool(cfg *config.Config, logger *zap.Logger) (*upstream.Pool, error) {
	descriptors := make([]*upstream.Descriptor, 0, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		d, err := upstream.ParseDescriptor(u.URL, u.MaxConnections, u.Priority)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, d)
	}

	pool := upstream.NewPool(descriptors)

	if cfg.ProxyServerHost != "" {
		if upstream.ShouldAppendLocal(cfg.ProxyServerHost, cfg.ProxyServerPort, cfg.Port) {
			local, err := upstream.ParseDescriptor(
				fmt.Sprintf("%s:%d", cfg.ProxyServerHost, cfg.ProxyServerPort), 0, 0)
			if err != nil {
				return nil, err
			}
			pool.AppendIfAbsent(local)
		} else {
			logger.Warn("skipping co-hosted edge proxy as upstream: would create a forwarding loop",
				zap.String("proxy_server_host", cfg.ProxyServerHost),
				zap.Int("proxy_server_port", cfg.ProxyServerPort))
		}
	}

	return pool, nil
}

func applyOverrides(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		cfg.Host = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v != 0 {
		cfg.Port = v
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug, _ = cmd.Flags().GetBool("debug")
	}
}
