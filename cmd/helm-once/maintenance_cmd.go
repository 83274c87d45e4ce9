package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-once/pkg/faults"
	"github.com/Mindburn-Labs/helm-once/pkg/idempotency"
	"github.com/Mindburn-Labs/helm-once/pkg/saga"
)

type purgeResult struct {
	Records        int `json:"records"`
	Sagas          int `json:"sagas"`
	ArchivedEvents int `json:"archived_events"`
}

func newPurgeCommand(opts *rootOptions) *cobra.Command {
	var archiveAfter time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired records and old terminal sagas, archive published events",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, opts)
			if err != nil {
				return err
			}
			defer b.Close()

			now := time.Now()
			var res purgeResult
			if res.Records, err = idempotency.NewJanitor(b.records, 0, opts.logger).RunOnce(ctx); err != nil {
				return err
			}
			if res.Sagas, err = b.sagas.PurgeTerminal(ctx, now.Add(-opts.cfg.Saga.Retention)); err != nil {
				return err
			}
			if archiveAfter > 0 {
				if res.ArchivedEvents, err = b.outbox.Archive(ctx, now.Add(-archiveAfter)); err != nil {
					return err
				}
			}
			opts.logger.InfoContext(ctx, "purge finished",
				"records", res.Records, "sagas", res.Sagas, "archived_events", res.ArchivedEvents)
			return emit(cmd, opts, res, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "Purged %d record(s), %d saga(s); archived %d event(s)\n",
					res.Records, res.Sagas, res.ArchivedEvents)
			})
		},
	}
	cmd.Flags().DurationVar(&archiveAfter, "archive-after", 24*time.Hour, "archive events published longer ago than this (0 disables)")
	return cmd
}

func newSagaCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saga",
		Short: "Inspect saga instances",
		Long: `Inspect saga instances.

Recovery runs inside the service that registers the step implementations
(Coordinator.RecoverAll). Use "saga list" to find instances waiting for it.`,
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List running and compensating sagas, oldest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, opts)
			if err != nil {
				return err
			}
			defer b.Close()

			active, err := b.sagas.ListActive(ctx, limit)
			if err != nil {
				return err
			}
			if active == nil {
				active = []*saga.Instance{}
			}
			return emit(cmd, opts, active, func(w io.Writer) {
				if len(active) == 0 {
					_, _ = fmt.Fprintln(w, "No active sagas.")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "SAGA ID\tNAME\tSTATUS\tSTEP\tUPDATED")
				for _, inst := range active {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\n", inst.ID, inst.Name, inst.Status,
						inst.CurrentStep, len(inst.StepIDs), inst.UpdatedAt.Format(time.RFC3339))
				}
				_ = tw.Flush()
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum sagas to list (0 for all)")

	show := &cobra.Command{
		Use:   "show <saga-id>",
		Short: "Print one saga instance",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, opts)
			if err != nil {
				return err
			}
			defer b.Close()

			inst, err := b.sagas.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return emit(cmd, opts, inst, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "Saga %s (%s) is %s\n", inst.ID, inst.Name, inst.Status)
				for _, id := range inst.StepIDs {
					status := "pending"
					if r, ok := inst.StepResults[id]; ok {
						status = string(r.Status)
					}
					_, _ = fmt.Fprintf(w, "  %-24s %s\n", id, status)
				}
				if inst.Error != "" {
					_, _ = fmt.Fprintf(w, "Error: %s\n", inst.Error)
				}
				if inst.CompensationError != "" {
					_, _ = fmt.Fprintf(w, "Compensation error: %s\n", inst.CompensationError)
				}
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var byKey bool
	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Print the idempotency record of an execution",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			b, err := openBackend(ctx, opts)
			if err != nil {
				return err
			}
			defer b.Close()

			var rec *idempotency.Record
			if byKey {
				rec, err = b.records.Get(ctx, idempotency.Key(args[0]))
			} else {
				rec, err = b.records.GetByExecutionID(ctx, args[0])
			}
			if errors.Is(err, faults.ErrNotFound) {
				return fmt.Errorf("no live record for %s", args[0])
			}
			if err != nil {
				return err
			}
			return emit(cmd, opts, rec, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "Key:        %s\n", rec.Key)
				_, _ = fmt.Fprintf(w, "Execution:  %s\n", rec.ExecutionID)
				_, _ = fmt.Fprintf(w, "Status:     %s\n", rec.Status)
				_, _ = fmt.Fprintf(w, "Expires:    %s\n", rec.ExpiresAt.Format(time.RFC3339))
				if len(rec.Result) > 0 {
					_, _ = fmt.Fprintf(w, "Result:     %s\n", rec.Result)
				}
				if rec.Error != "" {
					_, _ = fmt.Fprintf(w, "Error:      %s\n", rec.Error)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&byKey, "key", false, "treat the argument as an idempotency key")
	return cmd
}
