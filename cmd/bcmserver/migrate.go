package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bcmapp/bcm-server-sub002/internal/config"
	"github.com/bcmapp/bcm-server-sub002/internal/store/sqlstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "create or update the accounts/groups/messages schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		db, err := sqlstore.Open(cfg.SQL.DSN)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := sqlstore.Migrate(context.Background(), db); err != nil {
			return err
		}
		fmt.Println("schema up to date")
		return nil
	},
}
