// Package presence parses presence command flags and composes the realtime
// transport entrypoint.
package presence

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/tpflaum/Guardian/internal/platform/cmd"
	server "github.com/tpflaum/Guardian/internal/services/presence/app"
)

// Config holds presence command configuration.
type Config struct {
	HTTPAddr    string `env:"GUARDIAN_PRESENCE_HTTP_ADDR" envDefault:":4000"`
	JournalPath string `env:"GUARDIAN_PRESENCE_JOURNAL_PATH"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "presence HTTP listen address")
	fs.StringVar(&cfg.JournalPath, "journal-path", cfg.JournalPath, "assignment journal SQLite path (empty disables)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the presence app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServicePresence, func(context.Context) error {
		if err := server.Run(ctx, server.Config{
			HTTPAddr:    cfg.HTTPAddr,
			JournalPath: cfg.JournalPath,
		}); err != nil {
			return fmt.Errorf("serve presence: %w", err)
		}
		return nil
	})
}
