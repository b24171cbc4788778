package main

import (
	"time"

	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the gateway.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the realtime gateway",
		Long: `Start the realtime gateway.

The server will:
1. Load configuration from the specified file (or pulse.yaml)
2. Connect to Postgres, or fall back to the in-memory store when database.url is empty
3. Connect to the S3 media bucket when media is enabled
4. Serve WebSocket and HTTP endpoints, plus /metrics on the metrics port
5. Reload logging.level and rate_limit when the config file changes

Graceful shutdown is handled on SIGINT/SIGTERM: every connection is closed
with 1001 before the listener stops.`,
		Example: `  # Start with default config
  pulse serve

  # Start with custom config and debug logging
  pulse serve --config /etc/pulse/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildTokenCmd creates the "token" command that mints a development JWT.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		opts       tokenOptions
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed JWT for local testing",
		Example: `  pulse token --user 42
  pulse token --user 42 --ttl 10m --name "Ada"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, resolveConfigPath(configPath), opts)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	cmd.Flags().StringVarP(&opts.UserID, "user", "u", "", "User ID to put in the token subject (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "Display name claim")
	cmd.Flags().StringVar(&opts.Email, "email", "", "Email claim")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 0, "Token lifetime (default: auth.token_expiry)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

type tokenOptions struct {
	UserID string
	Name   string
	Email  string
	TTL    time.Duration
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration files",
	}
	cmd.AddCommand(buildConfigValidateCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load a config file and report every problem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(cmd, resolveConfigPath(configPath))
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			runVersion(cmd)
		},
	}
}
