package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/musepi/drivemonitord/internal/analyzer"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatStatus renders the daemon's current snapshot in the requested format.
func formatStatus(status statusView, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatStatusJSON(status)
	case formatTable:
		return formatStatusTable(status), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEvents renders a slice of analyzer events in the requested format.
func formatEvents(events []analyzer.Event, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatEventsJSON(events)
	case formatTable:
		return formatEventsTable(events), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEvent renders a single event, as observed by watch, in the
// requested format.
func formatEvent(event analyzer.Event, format string) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.Marshal(event)
		if err != nil {
			return "", fmt.Errorf("marshal event to JSON: %w", err)
		}
		return string(data), nil
	case formatTable:
		return formatEventLine(event), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatStatusTable(status statusView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Score:\t%.1f\n", status.Score)
	fmt.Fprintf(w, "Level:\t%s\n", status.Level)
	fmt.Fprintf(w, "Events:\t%d\n", status.EventCount)
	fmt.Fprintln(w, "Detections:")
	for _, d := range status.Detections {
		fmt.Fprintf(w, "  %s\t%.2f\n", d.Label, d.Confidence)
	}

	w.Flush()
	return buf.String()
}

func formatEventsTable(events []analyzer.Event) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tLEVEL\tBEHAVIOR\tDURATION\tCOUNT\tCONFIDENCE")

	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1fs\t%d\t%.2f\n",
			e.WallTime.Format(time.RFC3339),
			e.Kind,
			e.Level,
			e.Behavior,
			e.DurationS,
			e.Count,
			e.Confidence,
		)
	}

	w.Flush()
	return buf.String()
}

func formatEventLine(e analyzer.Event) string {
	return fmt.Sprintf("[%s] %s %s behavior=%s duration=%.1fs count=%d confidence=%.2f",
		e.WallTime.Format(time.RFC3339),
		e.Kind,
		e.Level,
		e.Behavior,
		e.DurationS,
		e.Count,
		e.Confidence,
	)
}

// --- JSON formatters ---

func formatStatusJSON(status statusView) (string, error) {
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal status to JSON: %w", err)
	}
	return string(data), nil
}

func formatEventsJSON(events []analyzer.Event) (string, error) {
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal events to JSON: %w", err)
	}
	return string(data), nil
}
