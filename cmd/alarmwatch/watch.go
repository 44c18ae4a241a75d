package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/JJSiabato/silent-alarm/internal/client"
	"github.com/JJSiabato/silent-alarm/internal/fanout"
	"github.com/JJSiabato/silent-alarm/internal/notify"
)

func newWatchCmd() *cobra.Command {
	var (
		topics       []string
		pollInterval time.Duration
		ttl          time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print new alerts and reports until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return errors.New("a session token is required (--token or $ALARM_TOKEN)")
			}
			parsed, err := parseTopics(topics)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if !cmd.Flags().Changed("ttl") {
				if d, err := client.NotificationTTL(ctx, server, token, nil); err == nil {
					ttl = d
				} else {
					fmt.Fprintf(cmd.ErrOrStderr(), "using default ttl %s: %v\n", ttl, err)
				}
			}
			w := client.NewWatcher(client.Config{
				BaseURL:         server,
				Token:           token,
				Topics:          parsed,
				PollInterval:    pollInterval,
				NotificationTTL: ttl,
				OnStateChange: func(_, to client.State) {
					fmt.Fprintf(out, "-- %s\n", to)
				},
			}, func(v notify.View) { printView(out, v) })

			fmt.Fprintf(out, "Watching %s on %s\n", strings.Join(topics, ", "), server)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&topics, "topics", []string{"alerts", "reports"}, "Topics to watch")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", client.DefaultPollInterval, "Poll cadence while push is down")
	cmd.Flags().DurationVar(&ttl, "ttl", notify.DefaultTTL, "How long a notification stays active (default: as advertised by the server)")
	return cmd
}

func parseTopics(raw []string) ([]fanout.Topic, error) {
	out := make([]fanout.Topic, 0, len(raw))
	for _, r := range raw {
		t, err := fanout.ParseTopic(strings.TrimSpace(r))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func printView(w io.Writer, v notify.View) {
	fmt.Fprintf(w, "[%s] %s  %s\n", v.Timestamp.Local().Format("15:04:05"), v.Message, v.Location)
}
