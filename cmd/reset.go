package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB      bool
	resetUploads bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (history database, upload directory)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetUploads {
			resetDB = true
			resetUploads = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if DB == nil {
				fmt.Println("ℹ️  No database configured, skipping.")
			} else if confirm(reader, "⚠️  Are you sure you want to DROP the analysis history?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetUploads {
			if confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete everything in %s?", Cfg.Server.UploadDir)) {
				fmt.Println("🗑️  Clearing Uploads...")
				removeDir(Cfg.Server.UploadDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "history", false, "Clear the PostgreSQL analysis history")
	resetCmd.Flags().BoolVar(&resetUploads, "uploads", false, "Clear leftover uploaded media")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
