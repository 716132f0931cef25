package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newPrewarmCommand(v *viper.Viper) *cobra.Command {
	var shopIDs []int64
	cmd := &cobra.Command{
		Use:   "prewarm",
		Short: "Load seckill campaigns into redis and warm voucher and shop cache entries",
		Long: `Campaigns already present in redis are left untouched so a live stock
counter is never reset. Shops are warmed with logical expiry entries.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, v)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.vouchers.Prewarm(ctx)
			if err != nil {
				return err
			}
			if err := a.shops.Prewarm(ctx, shopIDs...); err != nil {
				return err
			}
			a.log.WithField("vouchers", n).WithField("shops", len(shopIDs)).Info("prewarm complete")
			return nil
		},
	}
	cmd.Flags().Int64SliceVar(&shopIDs, "shop-ids", nil, "shop ids to warm")
	return cmd
}
