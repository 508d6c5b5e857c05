package cmd

import (
	"fmt"

	"echofm/config"
	"echofm/db"
	"echofm/model"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()

		if err := db.ConnectGormDB(cfg); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.CloseGormDB()

		return db.AutoMigrateModels(
			&model.User{},
			&model.Song{},
			&model.UploadSession{},
			&model.BackupSyncLogEntry{},
			&model.StorageStatus{},
			&model.StorageEvent{},
		)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
