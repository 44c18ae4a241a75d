package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	server  string
	token   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "alarmwatch",
		Short: "Watch silent alarms and suspicious-activity reports from a terminal",
		Long: `alarmwatch subscribes to a silent-alarm server and prints every new alert and
report. It listens on the WebSocket push path and polls while that path is down,
so nothing is missed and nothing is shown twice.`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVar(&server, "server", envOr("ALARM_SERVER", "http://localhost:8080"), "Server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("ALARM_TOKEN"), "Session token (defaults to $ALARM_TOKEN)")

	rootCmd.AddCommand(
		newWatchCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
