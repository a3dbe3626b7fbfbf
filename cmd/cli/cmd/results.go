package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var resultsCmd = &cobra.Command{
	Use:   "results [session_id]",
	Short: "Show the predictions stored for a session",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if viper.GetString("token") == "" && viper.GetString("user") == "" {
			cmd.Println("Credentials not found. Please set --token (FORECASTPLANE_TOKEN) or --user (FORECASTPLANE_USER)")
			return
		}

		resp, err := newClient().ListResults(args[0])
		if err != nil {
			printAPIError(cmd, "Failed to get results", err)
			return
		}

		if len(resp.Results) == 0 {
			cmd.Println("No predictions stored yet.")
			return
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MARKET\tMODEL\tCREATED\tPREDICTION")
		for _, r := range resp.Results {
			fmt.Fprintf(w, "%s\t%s\t%s ago\t%s\n", r.MarketID, r.ModelName, relativeTime(r.CreatedAt), string(r.Prediction))
		}
		w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(resultsCmd)
}
