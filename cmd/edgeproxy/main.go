// Command edgeproxy runs the edge proxy: a direct HTTP/1.1 forward
// proxy that tunnels CONNECT requests and relays plain HTTP to the origin.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/caua1503/forwardproxy/pkg/auth"
	"github.com/caua1503/forwardproxy/pkg/config"
	"github.com/caua1503/forwardproxy/pkg/edge"
	"github.com/caua1503/forwardproxy/pkg/firewall"
	"github.com/caua1503/forwardproxy/pkg/logging"
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
		Use:   "edgeproxy",
		Short: "Run the edge HTTP/1.1 forward proxy",
		Long: `edgeproxy accepts client connections directly and either tunnels them
(CONNECT) or relays plain HTTP to the requested origin. Configure it with
--config pointing to a YAML file; CLI flags listed below override the file.`,
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
	cfg, err := config.LoadEdge(configPath)
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

	server := edge.New(edge.Config{
		Host:           cfg.Host,
		Port:           cfg.Port,
		Backlog:        cfg.Backlog,
		MaxConnections: cfg.MaxConnections,
		Firewall:       fw,
		Authenticator:  authenticator,
		HeaderTimeout:  cfg.Timeout,
		ConnTimeout:    cfg.Timeout,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return server.ListenAndServe(ctx)
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
