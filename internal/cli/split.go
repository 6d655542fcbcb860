package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/fastygo/escrow/api/transport"
	"github.com/fastygo/escrow/domain"
)

// SplitOptions holds flags for the split command.
type SplitOptions struct {
	*RootOptions
	Amount string
	Fee    string
}

// NewSplitCommand previews the release split without touching any store.
func NewSplitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SplitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "split",
		Short: "Preview the release split of an amount",
		Long: `Compute how a released amount is divided between the platform, the
protocol operator and the service provider.

Examples:
  escrowctl split --amount 1000 --fee 5
  escrowctl split --amount 250000 --fee 12.5 --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSplit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Amount, "amount", "", "gross amount (required)")
	cmd.Flags().StringVar(&opts.Fee, "fee", "0", "platform fee percent")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func runSplit(opts *SplitOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)

	amount, err := decimal.NewFromString(opts.Amount)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --amount", err)
	}
	fee, err := decimal.NewFromString(opts.Fee)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --fee", err)
	}
	if err := domain.ValidateAmount("amount", amount); err != nil {
		return out.Fail(err)
	}
	if err := domain.ValidateFeePercent(fee); err != nil {
		return out.Fail(err)
	}

	view := transport.NewSplitView(amount, fee)
	return out.Success(view, func(w io.Writer) error {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "amount\t%s\n", view.Amount)
		fmt.Fprintf(tw, "fee percent\t%s\n", view.PlatformFeePercent)
		fmt.Fprintf(tw, "platform\t%s\n", view.Platform)
		fmt.Fprintf(tw, "operator\t%s\n", view.Operator)
		fmt.Fprintf(tw, "service provider\t%s\n", view.ServiceProvider)
		fmt.Fprintf(tw, "total\t%s\n", view.Total)
		return tw.Flush()
	})
}
