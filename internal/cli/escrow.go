package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fastygo/escrow/api/transport"
	"github.com/fastygo/escrow/domain"
	"github.com/fastygo/escrow/internal/app"
	"github.com/fastygo/escrow/repository"
	"github.com/fastygo/escrow/usecase"
	escrowUC "github.com/fastygo/escrow/usecase/escrow"
)

// NewEscrowCommand groups the escrow inspection and creation commands.
func NewEscrowCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrow",
		Short: "Inspect and create escrows",
	}
	cmd.AddCommand(newEscrowGetCommand(rootOpts))
	cmd.AddCommand(newEscrowListCommand(rootOpts))
	cmd.AddCommand(newEscrowRolesCommand(rootOpts))
	cmd.AddCommand(newEscrowInitCommand(rootOpts))
	return cmd
}

func newEscrowGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <escrow-id>",
		Short: "Show one escrow snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, service *app.App) error {
				escrow, err := usecase.Query[*domain.Escrow](ctx, service.Dispatcher, escrowUC.QueryGet, args[0])
				if err != nil {
					return out.Fail(err)
				}
				view := transport.NewEscrowView(escrow)
				return out.Success(view, func(w io.Writer) error { return writeEscrow(w, view) })
			})
		},
	}
}

// EscrowListOptions holds flags for escrow list.
type EscrowListOptions struct {
	*RootOptions
	Role    string
	Address string
	Limit   int
	Offset  int
}

func newEscrowListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EscrowListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the escrows an address participates in",
		Long: `List escrows by participant address, optionally narrowed to one role.

Examples:
  escrowctl escrow list --address GABC...
  escrowctl escrow list --address GABC... --role approver --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := repository.EscrowFilter{Address: opts.Address, Limit: opts.Limit, Offset: opts.Offset}
			if opts.Role != "" {
				role, ok := domain.ParseRole(opts.Role)
				if !ok {
					return NewExitError(ExitCommandError, fmt.Sprintf("unknown role %q", opts.Role))
				}
				filter.Role = role
			}

			out := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, service *app.App) error {
				escrows, err := usecase.Query[[]domain.Escrow](ctx, service.Dispatcher, escrowUC.QueryList, filter)
				if err != nil {
					return out.Fail(err)
				}
				views := transport.NewEscrowViews(escrows)
				return out.Success(views, func(w io.Writer) error {
					if len(views) == 0 {
						_, err := fmt.Fprintln(w, "No escrows found.")
						return err
					}
					tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "ID\tSTATE\tAMOUNT\tBALANCE\tVERSION\tTITLE")
					for _, v := range views {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", v.ID, v.State, v.Amount, v.Balance, v.Version, v.Title)
					}
					return tw.Flush()
				})
			})
		},
	}

	cmd.Flags().StringVar(&opts.Address, "address", "", "participant address (required)")
	cmd.Flags().StringVar(&opts.Role, "role", "", "restrict to one role")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "page offset")
	_ = cmd.MarkFlagRequired("address")

	return cmd
}

func newEscrowRolesCommand(opts *RootOptions) *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "roles <escrow-id>",
		Short: "Show the roles an address holds on an escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, service *app.App) error {
				roles, err := usecase.Query[domain.RoleSet](ctx, service.Dispatcher, escrowUC.QueryRoles, escrowUC.RolesQuery{
					EscrowID: args[0],
					Address:  address,
				})
				if err != nil {
					return out.Fail(err)
				}
				if roles == nil {
					roles = domain.RoleSet{}
				}
				return out.Success(roles, func(w io.Writer) error {
					if len(roles) == 0 {
						_, err := fmt.Fprintln(w, "No roles.")
						return err
					}
					for _, role := range roles {
						if _, err := fmt.Fprintln(w, role); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "wallet address (required)")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

// EscrowInitOptions holds flags for escrow init.
type EscrowInitOptions struct {
	*RootOptions
	File   string
	Caller string
}

func newEscrowInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EscrowInitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Deploy a new escrow from a YAML or JSON payload",
		Long: `Deploy a new escrow. The payload file uses the same fields as
POST /api/v1/escrows; JSON is valid YAML.

Examples:
  escrowctl escrow init -f escrow.yaml --caller GABC...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := loadInitializeRequest(opts.File)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read payload", err)
			}

			out := opts.formatter(cmd)
			return opts.withApp(cmd, func(ctx context.Context, service *app.App) error {
				out.VerboseLog("deploying escrow %q as %s", req.Title, opts.Caller)
				escrow, err := usecase.Command[*domain.Escrow](ctx, service.Dispatcher,
					escrowUC.CommandName(domain.CommandInitialize), req.Command(opts.Caller))
				if err != nil {
					return out.Fail(err)
				}
				view := transport.NewEscrowView(escrow)
				return out.Success(view, func(w io.Writer) error { return writeEscrow(w, view) })
			})
		},
	}

	cmd.Flags().StringVarP(&opts.File, "file", "f", "", "payload file (required)")
	cmd.Flags().StringVar(&opts.Caller, "caller", "", "signing wallet address (required)")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("caller")

	return cmd
}

func loadInitializeRequest(path string) (transport.InitializeRequest, error) {
	var req transport.InitializeRequest
	raw, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := yaml.Unmarshal(raw, &req); err != nil {
		return req, fmt.Errorf("decode %s: %w", path, err)
	}
	return req, nil
}

func writeEscrow(w io.Writer, view transport.EscrowView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", view.ID)
	fmt.Fprintf(tw, "contract\t%s\n", view.ContractID)
	fmt.Fprintf(tw, "title\t%s\n", view.Title)
	fmt.Fprintf(tw, "state\t%s\n", view.State)
	fmt.Fprintf(tw, "amount\t%s\n", view.Amount)
	fmt.Fprintf(tw, "balance\t%s\n", view.Balance)
	fmt.Fprintf(tw, "fee percent\t%s\n", view.PlatformFeePercent)
	fmt.Fprintf(tw, "version\t%d\n", view.Version)
	for i, m := range view.Milestones {
		fmt.Fprintf(tw, "milestone %d\t%s [%s] approved=%t\n", i, m.Description, m.Status, m.Flag)
	}
	return tw.Flush()
}
