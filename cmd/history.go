package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/deepscan/internal/utils"
	"github.com/spf13/cobra"
)

var (
	historySource string
	historyLimit  int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent analyses recorded in the database",
	Run: func(cmd *cobra.Command, args []string) {
		if err := requireDB(); err != nil {
			utils.Die("History is unavailable", err, nil)
		}
		entries, err := DB.List(cmd.Context(), historySource, historyLimit)
		if err != nil {
			utils.Die("Failed to list history", err, nil)
		}

		if len(entries) == 0 {
			fmt.Println("No analyses found in database.")
			return
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tWHEN\tTYPE\tRESULT\tSOURCE")
		fmt.Fprintln(w, "--\t----\t----\t------\t------")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.ID, e.CreatedAt.Local().Format("2006-01-02 15:04"), e.AnalysisType, e.Result, e.Source)
		}
		w.Flush()
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historySource, "source", "s", "", "Only show entries for this file name or URL")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum number of entries")
	rootCmd.AddCommand(historyCmd)
}
