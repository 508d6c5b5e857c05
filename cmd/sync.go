package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"echofm/config"
	"echofm/core/backup"
	"echofm/core/storagehealth"
	"echofm/db"
	"echofm/logger"
	"echofm/repository"

	"github.com/spf13/cobra"
)

var syncVerify bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one backup reconciliation cycle and exit",
	Long: `Probe both storage tiers, copy unsynced songs from the primary tier
to the fallback tier and print a cycle report. With --verify, also sweep
existing backup copies and demote any that are missing or corrupt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		logger.Init(logger.Config{Level: logger.LogLevel(cfg.LogLevel)})

		if err := db.ConnectDB(cfg); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.DB.Close()

		songRepo := repository.NewMySQLSongRepository()
		syncLogRepo := repository.NewMySQLSyncLogRepository()
		statusRepo := repository.NewMySQLStorageStatusRepository()

		ctx := context.Background()

		// Refresh tier health before deciding whether to sync.
		monitor := storagehealth.NewMonitor(cfg, statusRepo, nil)
		monitor.CheckAll(ctx)

		reconciler := backup.NewReconciler(cfg, songRepo, syncLogRepo, statusRepo)

		if syncVerify {
			demoted, err := reconciler.VerifyBackups(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("verification demoted %d backup copies\n", demoted)
		}

		report, err := reconciler.RunCycle(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncVerify, "verify", false, "verify existing backup copies before syncing")
	rootCmd.AddCommand(syncCmd)
}
