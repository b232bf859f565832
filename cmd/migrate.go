package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/store"
)

// migrateCmd applies pending schema migrations and exits. store.Open runs the
// same migrations on serve; this exists for pre-deploy checks and backups.
func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		Run: func(cmd *cobra.Command, args []string) {
			setupLogging()

			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				slog.Error("failed to load config", "error", err)
				os.Exit(1)
			}
			if err := os.MkdirAll(cfg.Paths.DataDir, 0o755); err != nil {
				slog.Error("failed to create data dir", "error", err)
				os.Exit(1)
			}
			path := filepath.Join(cfg.Paths.DataDir, "pynchy.db")
			st, err := store.Open(path)
			if err != nil {
				slog.Error("migration failed", "error", err)
				os.Exit(1)
			}
			st.Close()
			fmt.Printf("database up to date: %s\n", path)
		},
	}
}
