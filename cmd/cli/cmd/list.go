package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	listLimit  int
	listBefore string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List prediction sessions",
	Long: `List prediction sessions, newest first.

With --user only that user's sessions are shown. The cron secret lists every session.
Use the printed cursor with --before to fetch the next page.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if viper.GetString("token") == "" && viper.GetString("user") == "" {
			cmd.Println("Credentials not found. Please set --token (FORECASTPLANE_TOKEN) or --user (FORECASTPLANE_USER)")
			return
		}

		resp, err := newClient().ListSessions(listLimit, listBefore)
		if err != nil {
			printAPIError(cmd, "Failed to list sessions", err)
			return
		}

		if len(resp.Sessions) == 0 {
			cmd.Println("No sessions found.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tMODEL\tDONE\tFAILED\tLEFT\tCREATED")
		for _, s := range resp.Sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s ago\n",
				s.ID, s.Status, s.ModelName,
				s.Progress.Completed, s.Progress.Targets, s.Progress.Failed, s.Progress.Remaining,
				relativeTime(s.CreatedAt))
		}
		w.Flush()

		if resp.NextBefore != "" {
			cmd.Printf("\nMore sessions: forecastctl list --before %s\n", resp.NextBefore)
		}
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "l", 0, "Maximum sessions to return (server default 50)")
	listCmd.Flags().StringVar(&listBefore, "before", "", "Cursor from a previous page (RFC3339 timestamp)")

	rootCmd.AddCommand(listCmd)
}
