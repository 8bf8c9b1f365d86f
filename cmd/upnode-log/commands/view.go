package commands

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/upnode/upnode-go/pkg/log"
)

// RunView prints matching events in human-readable form.
func RunView(path string, filter log.Filter, w io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(w, event)
	}
}

// formatEvent writes one event followed by a blank line.
//
// Header: timestamp [conn:id] ROLE DIRECTION LAYER Type
func formatEvent(w io.Writer, event log.Event) {
	layer := event.Layer.String()
	if event.Category == log.CategoryControl {
		layer = "CTRL"
	}
	fmt.Fprintf(w, "%s [conn:%s] %s %-3s %s %s\n",
		event.Timestamp.UTC().Format(timeFormat),
		shortenConnID(event.ConnectionID),
		event.LocalRole, event.Direction, layer, eventType(event))

	if event.RemoteAddr != "" {
		fmt.Fprintf(w, "  Remote: %s\n", event.RemoteAddr)
	}
	if event.Attempt > 0 {
		fmt.Fprintf(w, "  Attempt: %d\n", event.Attempt)
	}

	switch {
	case event.Frame != nil:
		fmt.Fprintf(w, "  Size: %d bytes\n", event.Frame.Size)
		if len(event.Frame.Data) > 0 {
			fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(event.Frame.Data))
			if event.Frame.Truncated {
				fmt.Fprint(w, " (truncated)")
			}
			fmt.Fprintln(w)
		}
	case event.Message != nil:
		formatMessage(w, event.Message)
	case event.StateChange != nil:
		sc := event.StateChange
		fmt.Fprintf(w, "  Entity: %s\n", sc.Entity)
		if sc.OldState != "" {
			fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
		} else {
			fmt.Fprintf(w, "  -> %s\n", sc.NewState)
		}
		if sc.Reason != "" {
			fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
		}
	case event.ControlMsg != nil:
		if event.ControlMsg.Latency != nil {
			fmt.Fprintf(w, "  Latency: %s\n", formatDuration(*event.ControlMsg.Latency))
		}
	case event.Error != nil:
		fmt.Fprintf(w, "  Layer: %s\n", event.Error.Layer)
		fmt.Fprintf(w, "  Message: %s\n", event.Error.Message)
		if event.Error.Context != "" {
			fmt.Fprintf(w, "  Context: %s\n", event.Error.Context)
		}
	}

	fmt.Fprintln(w)
}

func formatMessage(w io.Writer, msg *log.MessageEvent) {
	if msg.MessageID != 0 {
		fmt.Fprintf(w, "  MessageID: %d\n", msg.MessageID)
	}
	if msg.Method != "" {
		fmt.Fprintf(w, "  Method: %s\n", msg.Method)
	}
	if len(msg.Methods) > 0 {
		fmt.Fprintf(w, "  Methods: %s\n", strings.Join(msg.Methods, ", "))
	}
	if msg.Error != "" {
		fmt.Fprintf(w, "  Error: %s\n", msg.Error)
	}
	if msg.Latency != nil {
		fmt.Fprintf(w, "  Duration: %s\n", formatDuration(*msg.Latency))
	}
}
