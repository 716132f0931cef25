package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rl1809/voucher-seckill/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(config.New()).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "seckill",
		Short:         "seckill runs the voucher flash-sale service",
		SilenceUsage:  true,
		SilenceErrors: true,
		Example: `
  # serve HTTP and gRPC with two stream workers
  SECKILL_AUTH_JWT_SECRET=dev seckill serve --workers 2

  # create tables, then load every seckill campaign into Redis
  seckill migrate && seckill prewarm --shop-ids 1,2,3`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to a config file (yaml, json or toml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "json", "log format (json, text)")
	flags.String("redis-addr", "localhost:6379", "redis address")
	flags.String("mysql-dsn", "root:root@tcp(localhost:3306)/seckill?parseTime=true", "mysql DSN")
	mustBind(v, flags, map[string]string{
		"config":     "config",
		"log.level":  "log-level",
		"log.format": "log-format",
		"redis.addr": "redis-addr",
		"mysql.dsn":  "mysql-dsn",
	})

	cmd.AddCommand(newServeCommand(v), newPrewarmCommand(v), newMigrateCommand(v))
	return cmd
}

func mustBind(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", name, err))
		}
	}
}
