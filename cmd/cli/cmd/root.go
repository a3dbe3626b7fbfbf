package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "forecastctl",
	Short: "Forecastctl is a command line tool for operating the forecastplane prediction service",
	Long: `forecastctl is the command-line interface for the forecastplane batch prediction service.

forecastplane selects open markets, asks language models for forecasts and stores
the results. Batches run as durable sessions that survive worker crashes:

  - Controller: HTTP API that starts batches and reports session progress
  - Worker: pulls queued sessions, leases them and dispatches the prediction calls

Common workflows:

  Start a batch with the default selection:
    forecastctl trigger

  Start a balanced batch on a specific model:
    forecastctl trigger --top 30 --balance --model gpt-4o

  Resume stuck sessions now instead of waiting for the next sweep:
    forecastctl recover

  Inspect sessions:
    forecastctl list --limit 20
    forecastctl status <session-id>
    forecastctl results <session-id>

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    FORECASTPLANE_URL      API endpoint (default: http://localhost:6161)
    FORECASTPLANE_TOKEN    Cron secret for the internal endpoints and operator reads
    FORECASTPLANE_USER     User ID for owner-scoped session reads`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".forecastctl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".forecastctl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "FORECASTPLANE_VARNAME"
	viper.SetEnvPrefix("FORECASTPLANE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newClient builds a client from the resolved url, token and user settings.
func newClient() *PredictionClient {
	return NewPredictionClient(viper.GetString("url"), viper.GetString("token"), viper.GetString("user"))
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.forecastctl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6161", "forecastplane Controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Cron secret for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	rootCmd.PersistentFlags().StringP("user", "u", "", "User ID for owner-scoped reads")
	viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}
