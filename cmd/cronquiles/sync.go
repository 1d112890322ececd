package main

import (
	"github.com/cronquiles/cronquiles/internal/app"
	"github.com/spf13/cobra"
)

func newSyncCommand(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch, enrich and publish once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync()
			}()

			_, err = app.Run(cmd.Context(), cfg, app.Deps{Logger: logger})
			return err
		},
	}
}
