// Package cmd defines and implements the CLI commands for the crashproc executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/crash-processor/internal/config"
	"github.com/JakeFAU/crash-processor/internal/crash"
	"github.com/JakeFAU/crash-processor/internal/pipeline"
	"github.com/JakeFAU/crash-processor/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use, so tests can
// inject a fake.
type App interface {
	Run(ctx context.Context) error
	Process(ctx context.Context, id crash.ID) (*pipeline.Run, error)
	Reprocess(ctx context.Context, ids []crash.ID) ([]string, error)
	Show(ctx context.Context, id crash.ID) (crash.ProcessedCrash, error)
	Submit(ctx context.Context, id crash.ID, annotations map[string]string, dumps map[string]io.Reader) (string, error)
	Logger() *zap.Logger
	Close(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "crashproc",
		Short: "Processes crash reports from a work queue.",
		Long: `crashproc pulls crash ids from a queue, symbolicates their minidumps with an
external stackwalker, runs the processing rules and stores the processed crash,
its summary row and its search document.`,
		SilenceUsage: true,

		// Builds the application once the flags are parsed and before the
		// subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				if err := appInstance.Close(context.Background()); err != nil {
					appInstance.Logger().Warn("close failed", zap.Error(err))
				}
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and CRASHPROC_* environment variables apply)")

	cmd.AddCommand(
		newServeCmd(),
		newProcessCmd(),
		newReprocessCmd(),
		newShowCmd(),
		newSubmitCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
