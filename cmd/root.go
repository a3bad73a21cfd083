// Package cmd defines and implements the CLI commands for the boostserve executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/boostserve/internal/config"
	"github.com/JakeFAU/boostserve/internal/registry"
	"github.com/JakeFAU/boostserve/internal/server"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context) error
	Registry() *registry.Registry
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (App, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "boostserve",
		Short: "Train and serve gradient-boosted binary classifiers.",
		Long: `boostserve trains binary classifiers on a bundled tabular dataset, a ZIP
archive, a single web page or a breadth-first crawl, stores every trained
model as a new version and serves predictions from the active one.`,
		SilenceUsage: true,

		// Build the application once the flags are parsed and before the
		// subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), &cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				_ = appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); BOOST_* env vars override it")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newTrainCmd())
	cmd.AddCommand(newProjectsCmd())
	cmd.AddCommand(newModelsCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
