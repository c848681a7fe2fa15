// Package cmd defines the CLI commands of the adnotifier executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/adnotifier/internal/config"
	"github.com/JakeFAU/adnotifier/internal/registry"
	"github.com/JakeFAU/adnotifier/internal/server"
	"github.com/JakeFAU/adnotifier/internal/worker"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App is the application surface the commands use.
type App interface {
	Run(ctx context.Context) error
	RunCycle(ctx context.Context) (worker.CycleReport, error)
	Registry() *registry.Registry
	Logger() *zap.Logger
	Close() error
}

// newApp is the application factory. Tests replace it.
var newApp = func(ctx context.Context, configPath string) (App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return app, nil
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "adnotifier",
		Short: "Watches web pages for advertisement numbers and emails their owners on change.",
		Long: `adnotifier polls registered pages on a fixed interval, counts the
occurrences of each tracked advertisement number, fingerprints the content
around it, and sends one digest per user whenever something changed.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				_ = appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); ADNOTIFIER_* env vars override it")
	cmd.AddCommand(newServeCmd(), newCycleCmd(), newRegisterCmd())
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	root := newRootCmd()
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
