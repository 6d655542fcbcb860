// Package cli implements escrowctl, the operator command line for the escrow
// service: fee split previews, escrow inspection and outbox maintenance.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fastygo/escrow/internal/app"
	"github.com/fastygo/escrow/internal/config"
	"github.com/fastygo/escrow/internal/services/lifecycle"
	"github.com/fastygo/escrow/pkg/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// Open assembles the service. Tests replace it with an in-memory graph.
	Open func(ctx context.Context, verbose bool) (*app.App, func(), error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for escrowctl.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{Open: openFromEnv})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrowctl",
		Short: "Operate the escrow service",
		Long:  "Inspect escrows, preview fee splits and maintain the ledger outbox.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSplitCommand(opts))
	cmd.AddCommand(NewEscrowCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openFromEnv loads the service configuration from the environment. The
// reconciler and monitor are not started; commands drive them explicitly.
func openFromEnv(ctx context.Context, verbose bool) (*app.App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	zapLogger, err := logger.New(logger.Config{Level: level, Encoding: "console"})
	if err != nil {
		return nil, nil, err
	}

	manager := lifecycle.New(cfg.Context.ShutdownTimeout, zapLogger)
	closeAll := func() {
		if err := manager.Shutdown(context.Background()); err != nil {
			zapLogger.Warn("shutdown failed", zap.Error(err))
		}
		_ = zapLogger.Sync()
	}

	service, err := app.Build(ctx, cfg, manager, zapLogger, app.Options{})
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	service.Monitor.Refresh()
	return service, closeAll, nil
}

// withApp opens the service for the duration of fn.
func (o *RootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, service *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	service, closeAll, err := o.Open(ctx, o.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open escrow service", err)
	}
	defer closeAll()
	return fn(ctx, service)
}
