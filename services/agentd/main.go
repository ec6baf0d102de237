package agentd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"polyswarmclient/config"
	"polyswarmclient/observability/logging"
	telemetry "polyswarmclient/observability/otel"
)

// RootOptions holds flags shared by every role command.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// Main runs the agent command line.
func Main() error {
	return NewRootCommand().Execute()
}

// NewRootCommand creates the agentd command tree with one subcommand per role.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "agentd",
		Short: "Polyswarm marketplace participant",
		Long: `Run a polyswarm participant against one or more chains.

Each role subcommand connects to the gateway, dispatches chain events to the
role and submits its transactions until interrupted.

Example:
  agentd microengine --config agentd.yaml
  agentd ambassador --config agentd.toml --log-level debug`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "agentd.yaml", "path to agentd configuration (yaml or toml)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newRoleCommand(opts, config.RoleAmbassador, "Post bounties and settle them"))
	cmd.AddCommand(newRoleCommand(opts, config.RoleMicroengine, "Scan artifacts, assert on bounties and reveal"))
	cmd.AddCommand(newRoleCommand(opts, config.RoleArbiter, "Establish ground truth and vote on bounties"))

	return cmd
}

func newRoleCommand(opts *RootOptions, role, short string) *cobra.Command {
	return &cobra.Command{
		Use:           role,
		Short:         short,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, role)
		},
	}
}

func run(parent context.Context, opts *RootOptions, role string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}

	logger, closer := logging.SetupWithOptions(logging.Options{
		Service:    "agentd-" + role,
		Env:        cfg.Logging.Env,
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer func() { _ = closer.Close() }()

	agent, err := New(cfg, role, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := agent.Close(); err != nil {
			logger.Warn("close agent", slog.Any("error", err))
		}
	}()

	shutdownTelemetry, err := telemetry.Init(parent, telemetry.Config{
		ServiceName: "agentd",
		Environment: cfg.Logging.Env,
		Role:        role,
		Account:     agent.Address(),
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.OTLPHeaders),
		SampleRatio: cfg.Telemetry.SampleRatio,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agent starting", slog.String("role", role), slog.Any("chains", cfg.Gateway.Chains))
	if err := agent.Run(ctx); err != nil {
		return err
	}
	logger.Info("agent stopped", slog.String("role", role))
	return nil
}
