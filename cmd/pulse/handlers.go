package main

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/config"
	"github.com/haasonsaas/pulse/pkg/models"
)

// runToken mints a JWT signed with the configured secret.
func runToken(cmd *cobra.Command, configPath string, opts tokenOptions) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	authCfg := authConfig(cfg.Auth)
	if opts.TTL > 0 {
		authCfg.TokenExpiry = opts.TTL
	}
	token, err := auth.NewService(authCfg).GenerateJWT(&models.User{
		ID:    opts.UserID,
		Name:  opts.Name,
		Email: opts.Email,
	})
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

// runConfigValidate loads the file and lists every validation issue.
func runConfigValidate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.Load(configPath)
	if err != nil {
		var verr *config.ConfigValidationError
		if errors.As(err, &verr) {
			fmt.Fprintf(out, "%s: %d problem(s)\n", configPath, len(verr.Issues))
			for _, issue := range verr.Issues {
				fmt.Fprintf(out, "  - %s\n", issue)
			}
		}
		return err
	}

	fmt.Fprintf(out, "%s: OK\n", configPath)
	fmt.Fprintf(out, "  http:     %s\n", cfg.Server.Addr())
	if addr := cfg.Server.MetricsAddr(); addr != "" {
		fmt.Fprintf(out, "  metrics:  %s\n", addr)
	}
	store := "memory"
	if cfg.Database.URL != "" {
		store = "postgres"
	}
	fmt.Fprintf(out, "  store:    %s\n", store)
	fmt.Fprintf(out, "  media:    %t\n", cfg.Media.Enabled)
	fmt.Fprintf(out, "  tracing:  %t\n", cfg.Tracing.Endpoint != "")
	return nil
}

func runVersion(cmd *cobra.Command) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "pulse %s\n", version)
	fmt.Fprintf(out, "  commit: %s\n", commit)
	fmt.Fprintf(out, "  built:  %s\n", date)
	fmt.Fprintf(out, "  go:     %s\n", runtime.Version())
}
