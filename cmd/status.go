package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"echofm/config"
	"echofm/core/storagehealth"
	"echofm/db"
	"echofm/logger"
	"echofm/repository"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe both storage tiers and print their status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		logger.Init(logger.Config{Level: logger.LogLevel(cfg.LogLevel)})

		if err := db.ConnectDB(cfg); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.DB.Close()

		statusRepo := repository.NewMySQLStorageStatusRepository()
		monitor := storagehealth.NewMonitor(cfg, statusRepo, nil)
		monitor.CheckAll(context.Background())

		statuses, err := statusRepo.GetAllStatuses()
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(statuses)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
