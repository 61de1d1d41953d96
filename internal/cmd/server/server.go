// Package server is the command wiring for the lockhaven binary.
package server

import (
	"context"
	"flag"

	"github.com/lockhaven/lockhaven/internal/auth/app"
	platformcmd "github.com/lockhaven/lockhaven/internal/platform/cmd"
)

// ParseConfig loads environment defaults and layers command-line flags on
// top of them.
func ParseConfig(fs *flag.FlagSet, args []string) (app.Config, error) {
	cfg, err := app.LoadConfigFromEnv()
	if err != nil {
		return app.Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "Path to the sqlite database file")
	if err := platformcmd.ParseArgs(fs, args); err != nil {
		return app.Config{}, err
	}
	return cfg, nil
}

// Run starts the auth server with telemetry configured.
func Run(ctx context.Context, cfg app.Config) error {
	return platformcmd.RunWithTelemetry(ctx, platformcmd.ServiceAuth, func(ctx context.Context) error {
		return app.Run(ctx, cfg)
	})
}
