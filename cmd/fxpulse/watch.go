package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vadiminshakov/fxpulse/internal/domain"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the rate stream of a running server",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().String("url", "http://localhost:8080/rates/stream", "SSE endpoint URL")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	target, _ := cmd.Flags().GetString("url")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned status %d", resp.StatusCode)
	}

	err = readRateEvents(resp.Body, func(s domain.RateSnapshot) error {
		fmt.Fprint(os.Stdout, "\033[H\033[2J")
		return printSnapshot(os.Stdout, s)
	})
	if ctx.Err() != nil {
		return nil
	}

	return err
}

// readRateEvents calls fn for every "rates" event until r ends. Comments and other
// events are skipped.
func readRateEvents(r io.Reader, fn func(domain.RateSnapshot) error) error {
	reader := bufio.NewReader(r)

	var event string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			event = ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:") && event == "rates":
			var s domain.RateSnapshot
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &s); err != nil {
				return fmt.Errorf("decode rate event: %w", err)
			}
			if err := fn(s); err != nil {
				return err
			}
		}
	}
}

