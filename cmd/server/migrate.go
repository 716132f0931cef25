package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newMigrateCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the shop, voucher and order tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.catalog.Migrate(cmd.Context()); err != nil {
				return err
			}
			a.log.Info("migration complete")
			return nil
		},
	}
}
