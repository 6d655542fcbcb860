package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/internal/app"
)

// NewOutboxCommand groups the outbox maintenance commands. The server holds
// the outbox file lock, so these run while it is stopped.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair the ledger outbox",
	}
	cmd.AddCommand(newOutboxListCommand(rootOpts))
	cmd.AddCommand(newOutboxDrainCommand(rootOpts))
	cmd.AddCommand(newOutboxReplayCommand(rootOpts))
	cmd.AddCommand(newOutboxDiscardCommand(rootOpts))
	return cmd
}

// outboxEntryView drops the snapshot from listings.
type outboxEntryView struct {
	ID          string            `json:"id"`
	EscrowID    string            `json:"escrowId"`
	Command     domain.Command    `json:"command"`
	Kind        domain.OutboxKind `json:"kind"`
	TxHash      string            `json:"txHash"`
	BaseVersion int64             `json:"baseVersion"`
	Attempts    int               `json:"attempts"`
	LastError   string            `json:"lastError,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

func newOutboxEntryViews(entries []domain.OutboxEntry) []outboxEntryView {
	views := make([]outboxEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, outboxEntryView{
			ID:          e.ID,
			EscrowID:    e.EscrowID,
			Command:     e.Command,
			Kind:        e.Kind,
			TxHash:      e.TxHash,
			BaseVersion: e.BaseVersion,
			Attempts:    e.Attempts,
			LastError:   e.LastError,
			CreatedAt:   e.CreatedAt,
		})
	}
	return views
}

func newOutboxListCommand(opts *RootOptions) *cobra.Command {
	var dead bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending or dead outbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, service *app.App) error {
				entries, err := service.Reconciler.Entries(dead)
				if err != nil {
					return out.Fail(err)
				}
				views := newOutboxEntryViews(entries)
				return out.Success(views, func(w io.Writer) error {
					if len(views) == 0 {
						_, err := fmt.Fprintln(w, "Outbox is empty.")
						return err
					}
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tESCROW\tCOMMAND\tKIND\tTX\tATTEMPTS\tLAST ERROR")
					for _, v := range views {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n", v.ID, v.EscrowID, v.Command, v.Kind, v.TxHash, v.Attempts, v.LastError)
					}
					return tw.Flush()
				})
			})
		},
	}

	cmd.Flags().BoolVar(&dead, "dead", false, "list dead letters instead of pending entries")
	return cmd
}

func newOutboxDrainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process one batch of pending entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, service *app.App) error {
				if err := service.Reconciler.Drain(ctx); err != nil {
					return out.Fail(err)
				}
				return reportDepth(out, service)
			})
		},
	}
}

func newOutboxReplayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay [entry-id]",
		Short: "Revive a dead entry, or retry every pending entry now",
		Long: `Without an id, every pending entry is processed immediately regardless
of its age. With an id, the dead entry is moved back to pending and
processed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			out := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, service *app.App) error {
				if err := service.Reconciler.Replay(ctx, id); err != nil {
					return out.Fail(err)
				}
				return reportDepth(out, service)
			})
		},
	}
}

func newOutboxDiscardCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <entry-id>",
		Short: "Drop an entry after manual repair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, service *app.App) error {
				if err := service.Reconciler.Discard(args[0]); err != nil {
					return out.Fail(err)
				}
				return out.Success(map[string]string{"discarded": args[0]}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Discarded %s.\n", args[0])
					return err
				})
			})
		},
	}
}

type outboxDepth struct {
	Pending int `json:"pending"`
	Dead    int `json:"dead"`
}

func reportDepth(out *OutputFormatter, service *app.App) error {
	pending, err := service.Outbox.Size()
	if err != nil {
		return out.Fail(err)
	}
	dead, err := service.Outbox.DeadSize()
	if err != nil {
		return out.Fail(err)
	}
	depth := outboxDepth{Pending: pending, Dead: dead}
	return out.Success(depth, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "pending=%d dead=%d\n", depth.Pending, depth.Dead)
		return err
	})
}
