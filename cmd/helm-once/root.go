package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-once/pkg/config"
	"github.com/Mindburn-Labs/helm-once/pkg/idempotency"
	"github.com/Mindburn-Labs/helm-once/pkg/lease"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
	"github.com/Mindburn-Labs/helm-once/pkg/saga"
	"github.com/Mindburn-Labs/helm-once/pkg/store/memstore"
	"github.com/Mindburn-Labs/helm-once/pkg/store/redisstore"
	"github.com/Mindburn-Labs/helm-once/pkg/store/sqlstore"
)

// rootOptions holds global flags and what PersistentPreRunE builds from them.
type rootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "helm-once",
		Short:         "Operate idempotency records, the outbox and sagas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "json" && opts.Format != "text" {
				return usageError{fmt.Errorf("invalid format %q: must be json or text", opts.Format)}
			}
			var err error
			if opts.ConfigPath != "" {
				opts.cfg, err = config.LoadFile(opts.ConfigPath)
			} else {
				opts.cfg, err = config.Load()
			}
			if err != nil {
				return err
			}
			opts.logger = newLogger(opts.cfg, cmd.ErrOrStderr())
			slog.SetDefault(opts.logger)
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "YAML config file (environment overrides it)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newOutboxCommand(opts))
	cmd.AddCommand(newPurgeCommand(opts))
	cmd.AddCommand(newSagaCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	return cmd
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, hopts))
	}
	return slog.New(slog.NewJSONHandler(w, hopts))
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("%s takes %d argument(s), got %d", cmd.CommandPath(), n, len(args))}
		}
		return nil
	}
}

// backend bundles the store ports selected by configuration.
type backend struct {
	records idempotency.Store
	outbox  outbox.Store
	sagas   saga.Store
	locker  lease.Locker
	closers []func() error
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
}

func openBackend(ctx context.Context, opts *rootOptions) (*backend, error) {
	cfg := opts.cfg
	b := &backend{}
	switch cfg.Driver {
	case config.DriverMemory:
		s := memstore.New()
		b.records, b.outbox, b.sagas, b.locker = s.Records(), s.Outbox(), s.Sagas(), s.Locker()
	case config.DriverSQLite, config.DriverPostgres:
		s, err := sqlstore.Open(ctx, sqlstore.Dialect(cfg.Driver), cfg.DatabaseURL, sqlstore.WithLogger(opts.logger))
		if err != nil {
			return nil, err
		}
		b.records, b.outbox, b.sagas, b.locker = s.Records(), s.Outbox(), s.Sagas(), s.Locker()
		b.closers = append(b.closers, s.Close)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}

	if cfg.RedisAddr != "" {
		l := redisstore.New(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), redisstore.WithLogger(opts.logger))
		if err := l.Ping(ctx); err != nil {
			_ = l.Close()
			b.Close()
			return nil, err
		}
		b.locker = l
		b.closers = append(b.closers, l.Close)
	}
	return b, nil
}

// emit writes v as indented JSON, or calls text in text mode.
func emit(cmd *cobra.Command, opts *rootOptions, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
