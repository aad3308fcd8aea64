package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"clinscribe/internal/app"
	"clinscribe/internal/config"
)

type rootOptions struct {
	configPath string
	dbPath     string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "clinscribe",
		Short:        "Record clinical encounters and draft documentation from them",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.configPath != "" {
				cfg, err := config.LoadFile(opts.configPath)
				if err != nil {
					return fmt.Errorf("loading config %s: %w", opts.configPath, err)
				}
				opts.cfg = cfg
			} else {
				opts.cfg = config.Load()
			}
			if opts.dbPath != "" {
				opts.cfg.Storage.Path = opts.dbPath
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "INI config file (environment variables take precedence)")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "", "session database path")

	root.AddCommand(
		newRecordCmd(opts),
		newListCmd(opts),
		newShowCmd(opts),
		newFinalizeCmd(opts),
		newDeleteCmd(opts),
	)
	return root
}

// open builds the application for a command. Offline commands skip the
// transcription backends.
func (o *rootOptions) open(ctx context.Context, appOpts app.Options) (*app.Application, error) {
	a, err := app.New(ctx, o.cfg, appOpts)
	if err != nil {
		return nil, err
	}
	if err := a.Start(); err != nil {
		a.Shutdown(ctx)
		return nil, err
	}
	return a, nil
}
