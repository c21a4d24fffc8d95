package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nfrund/remora/cmd/remora/internal/filter"
	"github.com/nfrund/remora/internal/bridge"
	"github.com/nfrund/remora/internal/config"
	"github.com/nfrund/remora/internal/logging"
	"github.com/nfrund/remora/internal/router"
	"github.com/nfrund/remora/internal/topics"
)

var (
	tailFilter   string
	tailLast     bool
	tailConsumer string
)

// tailCmd represents the tail command
var tailCmd = &cobra.Command{
	Use:   "tail <topic> [topics...]",
	Short: "Stream events from a relay to stdout",
	Long: `Connect to the configured relay, subscribe to the given topics, and
print one line per event: received time, topic, payload. Diagnostics go
to stderr, so stdout stays pipeable.

The --filter expression is Tengo with "topic" and "payload" in scope;
only events it evaluates truthy for are printed. --last also prints
whatever the client has already retained per topic before streaming.

Examples:
  remora tail tasks
  remora tail tasks calendar --last
  remora tail tasks --filter 'payload.priority >= 2'
  remora tail tasks calendar --filter 'topic == "tasks" || payload.urgent'`,
	Args: cobra.MinimumNArgs(1),
	Run:  tailHandler,
}

func tailHandler(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(overrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logging.NewWithWriter(os.Stderr, cfg.Log.Format, cfg.Log.Level)

	var keep *filter.Filter
	if tailFilter != "" {
		keep, err = filter.New(tailFilter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	b, err := bridge.New(cfg.BridgeConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := b.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()

	tt := make([]topics.Topic, 0, len(args))
	for _, arg := range args {
		tt = append(tt, topics.Topic(arg))
	}
	sub := b.Subscribe(tailConsumer, tt...)

	printEvent := func(msg router.Message) {
		if keep != nil && !keep.Keep(msg.Topic.String(), msg.Payload) {
			return
		}
		fmt.Printf("%s %s %s\n", msg.ReceivedAt.Format(time.RFC3339), msg.Topic, msg.Payload)
	}

	// Retained messages print before the listeners attach, so the stream
	// (and the filter, which is single-threaded) stays on one goroutine.
	if tailLast {
		for _, topic := range tt {
			if msg, ok := sub.LastMessage(topic); ok {
				printEvent(msg)
			}
		}
	}
	for _, topic := range tt {
		sub.OnMessage(topic, printEvent)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
}

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailFilter, "filter", "", "Tengo expression; only truthy events print")
	tailCmd.Flags().BoolVar(&tailLast, "last", false, "print the retained last message per topic before streaming")
	tailCmd.Flags().StringVar(&tailConsumer, "consumer", "remora-tail", "consumer name announced to the registry")
}
