package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-once/pkg/lease"
	"github.com/Mindburn-Labs/helm-once/pkg/observability"
	"github.com/Mindburn-Labs/helm-once/pkg/outbox"
)

const relayLockName = "outbox:relay"

func newOutboxCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Relay and inspect outbox events",
	}
	cmd.AddCommand(newRelayCommand(opts))
	cmd.AddCommand(newOutboxStatsCommand(opts))
	cmd.AddCommand(newDLQCommand(opts))
	return cmd
}

// lineWriter publishes each event as one JSON line. It is the relay's sink
// when no broker is wired in, e.g. to pipe events into another tool.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) Publish(ctx context.Context, e *outbox.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = fmt.Fprintf(l.w, "%s\n", raw)
	return err
}

func newRelayCommand(opts *rootOptions) *cobra.Command {
	var (
		once      bool
		exclusive bool
		workerID  string
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish pending events as JSON lines on stdout",
		Long: `Claim due outbox events and publish them, one JSON object per line.

Events of one aggregate are published in creation order. Failed publishes
are retried with exponential backoff and dead-lettered once the attempt
budget is spent.

Examples:
  helm-once outbox relay --once
  helm-once outbox relay --exclusive`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			b, err := openBackend(ctx, opts)
			if err != nil {
				return err
			}
			defer b.Close()

			provider, err := observability.New(ctx, opts.cfg.Observability())
			if err != nil {
				return err
			}
			defer func() { _ = provider.Shutdown(context.WithoutCancel(ctx)) }()

			if workerID == "" {
				workerID = "relay-" + uuid.New().String()
			}
			if exclusive {
				lock, err := holdRelayLock(ctx, b.locker, workerID, opts)
				if err != nil {
					return err
				}
				defer lock.release()
				var cancel context.CancelFunc
				ctx, cancel = context.WithCancel(ctx)
				defer cancel()
				go func() {
					select {
					case <-lock.lost:
						cancel()
					case <-ctx.Done():
					}
				}()
			}

			p := outbox.NewProcessor(b.outbox, &lineWriter{w: cmd.OutOrStdout()}, opts.cfg.Relay(workerID),
				outbox.WithLogger(opts.logger),
				outbox.WithMetrics(provider.Metrics()),
				outbox.WithDeadLetterHook(func(ctx context.Context, e *outbox.Event) {
					opts.logger.WarnContext(ctx, "event dead-lettered", "event_id", e.ID, "event_type", e.EventType, "error", e.LastError)
				}))

			if once {
				stats, err := p.Drain(ctx)
				if err != nil {
					return err
				}
				opts.logger.InfoContext(ctx, "relay drained",
					"published", stats.Published, "failed", stats.Failed, "dead_lettered", stats.DeadLettered)
				return nil
			}
			err = p.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "drain due events and exit")
	cmd.Flags().BoolVar(&exclusive, "exclusive", false, "hold the relay lease so only one relay runs")
	cmd.Flags().StringVar(&workerID, "worker", "", "worker id recorded on claims (default: random)")
	return cmd
}

type relayLock struct {
	release func()
	lost    chan struct{} // closed if the lease is taken away
}

// holdRelayLock takes the relay lease and renews it until release is called.
func holdRelayLock(ctx context.Context, locker lease.Locker, holder string, opts *rootOptions) (*relayLock, error) {
	ttl := opts.cfg.Lease
	token, err := locker.Acquire(ctx, relayLockName, holder, ttl)
	if err != nil {
		return nil, fmt.Errorf("relay lease: %w", err)
	}
	r := &relayLock{lost: make(chan struct{})}
	var lostOnce sync.Once
	stop := lease.Keepalive(ctx, lease.RenewInterval(ttl), func(ctx context.Context) error {
		return locker.Renew(ctx, relayLockName, token, ttl)
	}, func(err error) {
		opts.logger.ErrorContext(ctx, "relay lease lost", "error", err)
		lostOnce.Do(func() { close(r.lost) })
	}, opts.logger)
	r.release = func() {
		stop()
		_ = locker.Release(context.WithoutCancel(ctx), relayLockName, token)
	}
	return r, nil
}

func newOutboxStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count live events per status",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, opts)
			if err != nil {
				return err
			}
			defer b.Close()

			counts, err := b.outbox.CountByStatus(ctx)
			if err != nil {
				return err
			}
			return emit(cmd, opts, counts, func(w io.Writer) {
				statuses := make([]string, 0, len(counts))
				for s := range counts {
					statuses = append(statuses, string(s))
				}
				sort.Strings(statuses)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				for _, s := range statuses {
					_, _ = fmt.Fprintf(tw, "%s\t%d\n", s, counts[outbox.Status(s)])
				}
				_ = tw.Flush()
			})
		},
	}
}

func newDLQCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List and requeue dead-lettered events",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered events, oldest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, opts)
			if err != nil {
				return err
			}
			defer b.Close()

			dead, err := b.outbox.ListDeadLetters(ctx, limit)
			if err != nil {
				return err
			}
			if dead == nil {
				dead = []*outbox.Event{}
			}
			return emit(cmd, opts, dead, func(w io.Writer) {
				if len(dead) == 0 {
					_, _ = fmt.Fprintln(w, "No dead-lettered events.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "EVENT ID\tTYPE\tAGGREGATE\tATTEMPTS\tUPDATED\tLAST ERROR")
				for _, e := range dead {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%d\t%s\t%s\n", e.ID, e.EventType, e.AggregateType, e.AggregateID,
						e.AttemptCount, e.UpdatedAt.Format(time.RFC3339), e.LastError)
				}
				_ = tw.Flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum events to list (0 for all)")

	requeue := &cobra.Command{
		Use:   "requeue <event-id>",
		Short: "Move a dead-lettered event back to pending with a fresh attempt budget",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, opts)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.outbox.Requeue(ctx, args[0], time.Now()); err != nil {
				return err
			}
			opts.logger.InfoContext(ctx, "event requeued", "event_id", args[0])
			return emit(cmd, opts, map[string]string{"event_id": args[0], "status": string(outbox.StatusPending)}, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "Requeued %s\n", args[0])
			})
		},
	}

	cmd.AddCommand(list, requeue)
	return cmd
}
