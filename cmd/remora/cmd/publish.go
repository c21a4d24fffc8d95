package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"

	"github.com/nfrund/remora/internal/config"
)

var publishRelay string

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish <topic> [json]",
	Short: "Push one event into a relay",
	Long: `POST an event to the relay's /publish endpoint. The payload is the
second argument, or stdin when omitted, and must be valid JSON.

The target is derived from the configured WebSocket URL unless --relay
names an HTTP base explicitly.

Examples:
  remora publish tasks '{"id":1,"title":"ship it"}'
  cat event.json | remora publish tasks
  remora publish tasks '{}' --relay http://localhost:8787`,
	Args: cobra.RangeArgs(1, 2),
	Run:  publishHandler,
}

func publishHandler(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(overrides())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	payload, err := readPayload(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	base := publishRelay
	if base == "" {
		base, err = httpBase(cfg.URL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	client := resty.New().SetBaseURL(base).SetTimeout(10 * time.Second)
	resp, err := client.R().
		SetContext(cmd.Context()).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"topic": args[0], "payload": json.RawMessage(payload)}).
		Post("/publish")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if resp.IsError() {
		fmt.Fprintf(os.Stderr, "Error: relay answered %s: %s\n", resp.Status(), resp.String())
		os.Exit(1)
	}
	fmt.Printf("published to %s\n", args[0])
}

func readPayload(args []string) ([]byte, error) {
	var raw []byte
	if len(args) == 2 {
		raw = []byte(args[1])
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		raw = data
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return raw, nil
}

// httpBase turns the configured WebSocket URL into the relay's HTTP
// origin: ws://host/ws becomes http://host.
func httpBase(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("parse relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = ""
	return u.String(), nil
}

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVar(&publishRelay, "relay", "", "HTTP base URL of the relay (overrides the derived one)")
}
