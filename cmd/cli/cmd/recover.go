package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Run a recovery pass now",
	Long:  `Ask the controller to sweep for stuck sessions immediately. Passes requested while one is running are coalesced into it.`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if viper.GetString("token") == "" {
			cmd.Println("Cron secret not found. Please set it using the --token flag or the FORECASTPLANE_TOKEN environment variable")
			return
		}

		resp, err := newClient().Recover()
		if err != nil {
			printAPIError(cmd, "Failed to schedule recovery", err)
			return
		}
		cmd.Printf("%s %s\n", colorGreen+"✓"+colorReset, resp.Message)
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}
