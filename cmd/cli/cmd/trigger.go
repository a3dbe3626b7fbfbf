package cmd

import (
	"errors"
	"forecastplane/pkg/api"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	triggerTop     int
	triggerRange   int
	triggerDays    int
	triggerModel   string
	triggerBalance bool
	triggerOwner   string
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Start a prediction batch",
	Long: `Select eligible markets and queue a prediction batch for the workers.

Selection flags that are not given fall back to the controller defaults
(top 20 markets closing within 24 hours, forecast 7 days ahead).`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if viper.GetString("token") == "" {
			cmd.Println("Cron secret not found. Please set it using the --token flag or the FORECASTPLANE_TOKEN environment variable")
			return
		}

		req := api.TriggerRequest{
			ModelName:         triggerModel,
			BalanceCategories: triggerBalance,
			OwnerID:           triggerOwner,
		}
		if cmd.Flags().Changed("top") {
			req.TopMarketsCount = &triggerTop
		}
		if cmd.Flags().Changed("range") {
			req.EndDateRangeHours = &triggerRange
		}
		if cmd.Flags().Changed("days") {
			req.TargetDaysFromNow = &triggerDays
		}

		resp, err := newClient().Trigger(req)
		if err != nil {
			printAPIError(cmd, "Failed to trigger batch", err)
			return
		}

		if resp.SessionID == "" {
			cmd.Printf("%s %s\n", statusIcon("completed"), resp.Message)
			return
		}
		cmd.Printf("%s %s\n", statusIcon("pending"), resp.Message)
		cmd.Printf("%sSession:%s  %s\n", colorDim, colorReset, resp.SessionID)
		cmd.Printf("%sTargets:%s  %d\n", colorDim, colorReset, resp.Targets)
		cmd.Printf("\nTrack it with: forecastctl status %s\n", resp.SessionID)
	},
}

// printAPIError prints server rejections with their status code and transport errors as is.
func printAPIError(cmd *cobra.Command, prefix string, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		cmd.Printf("%s: %s (status %d)\n", prefix, apiErr.Message, apiErr.StatusCode)
		return
	}
	cmd.Printf("%s: %v\n", prefix, err)
}

func init() {
	triggerCmd.Flags().IntVar(&triggerTop, "top", 20, "Number of markets to select")
	triggerCmd.Flags().IntVar(&triggerRange, "range", 24, "Only markets closing within this many hours")
	triggerCmd.Flags().IntVar(&triggerDays, "days", 7, "Forecast horizon in days")
	triggerCmd.Flags().StringVarP(&triggerModel, "model", "m", "", "Model name (default: controller's DEFAULT_MODEL)")
	triggerCmd.Flags().BoolVar(&triggerBalance, "balance", false, "Balance the selection across categories")
	triggerCmd.Flags().StringVar(&triggerOwner, "owner", "", "Attribute the batch to a user ID")

	rootCmd.AddCommand(triggerCmd)
}
