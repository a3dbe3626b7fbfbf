package cmd

import (
	"fmt"
	"forecastplane/pkg/api"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status [session_id]",
	Short: "Get status of a prediction session",
	Long:  `Retrieve detailed status information for a prediction session, including its state (pending, in_progress, completed, partially_failed, failed, abandoned), progress counters and failed markets.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if viper.GetString("token") == "" && viper.GetString("user") == "" {
			cmd.Println("Credentials not found. Please set --token (FORECASTPLANE_TOKEN) or --user (FORECASTPLANE_USER)")
			return
		}

		session, err := newClient().GetSession(args[0])
		if err != nil {
			printAPIError(cmd, "Failed to get session", err)
			return
		}

		printStatus(cmd, *session)
	},
}

func printStatus(cmd *cobra.Command, session api.SessionSummary) {
	icon := statusIcon(session.Status)
	cmd.Printf("%s %sSession Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s          %s\n", colorDim, colorReset, session.ID)
	cmd.Printf("%sStatus:%s      %s\n", colorDim, colorReset, colorizeStatus(session.Status))
	cmd.Printf("%sModel:%s       %s\n", colorDim, colorReset, session.ModelName)

	p := session.Progress
	cmd.Printf("%sProgress:%s    %s%d%s/%d done", colorDim, colorReset, colorGreen, p.Completed, colorReset, p.Targets)
	if p.Failed > 0 {
		cmd.Printf(", %s%d failed%s", colorRed, p.Failed, colorReset)
	}
	if p.Remaining > 0 {
		cmd.Printf(", %s%d remaining%s", colorYellow, p.Remaining, colorReset)
	}
	cmd.Println()

	if session.RecoveryAttempts > 0 {
		cmd.Printf("%sRecovered:%s   %d time(s)\n", colorDim, colorReset, session.RecoveryAttempts)
	}

	cmd.Printf("%sCreated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&session.CreatedAt))
	if session.CompletedAt != nil {
		cmd.Printf("%sFinished:%s    %s %s(%s)%s\n", colorDim, colorReset,
			formatTimeWithRelative(session.CompletedAt),
			colorCyan, formatDuration(session.CompletedAt.Sub(session.CreatedAt)), colorReset)
	} else {
		cmd.Printf("%sUpdated:%s     %s\n", colorDim, colorReset, formatTimeWithRelative(&session.UpdatedAt))
	}

	if len(session.FailedMarkets) > 0 {
		cmd.Printf("\n%sFailed markets:%s\n", colorBold, colorReset)
		ids := make([]string, 0, len(session.FailedMarkets))
		for id := range session.FailedMarkets {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			cmd.Printf("  %s✗%s %s: %s\n", colorRed, colorReset, id, session.FailedMarkets[id])
		}
	}
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "completed":
		return colorGreen + "✓" + colorReset
	case "failed", "abandoned":
		return colorRed + "✗" + colorReset
	case "partially_failed":
		return colorYellow + "!" + colorReset
	case "in_progress":
		return colorYellow + "⏳" + colorReset
	case "pending":
		return colorCyan + "◯" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "completed":
		return icon + " " + colorGreen + status + colorReset
	case "failed", "abandoned":
		return icon + " " + colorRed + status + colorReset
	case "partially_failed", "in_progress":
		return icon + " " + colorYellow + status + colorReset
	case "pending":
		return icon + " " + colorCyan + status + colorReset
	default:
		return status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	}
	days := int(duration.Hours() / 24)
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	} else if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
