// Package commands implements the monitorctl CLI commands.
package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/musepi/drivemonitord/internal/analyzer"
)

// statusView mirrors internal/ctlserver's snapshotView wire shape.
type statusView struct {
	Score      float64              `json:"score"`
	Level      string               `json:"level"`
	Detections []analyzer.Detection `json:"detections"`
	Events     []analyzer.Event     `json:"events,omitempty"`
	EventCount int                  `json:"eventCount"`
}

// ctlClient is a plain net/http JSON client for internal/ctlserver's
// read-only surface. The daemon exposes no session management, only the
// current snapshot, its recent events and a streaming feed, so this client
// carries no write methods.
type ctlClient struct {
	baseURL string
	http    *http.Client
}

func newCtlClient(addr string) *ctlClient {
	return &ctlClient{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *ctlClient) Status(ctx context.Context) (statusView, error) {
	var view statusView
	if err := c.getJSON(ctx, "/status", &view); err != nil {
		return statusView{}, err
	}
	return view, nil
}

func (c *ctlClient) Events(ctx context.Context, limit int) ([]analyzer.Event, error) {
	path := "/events"
	if limit > 0 {
		path = fmt.Sprintf("/events?limit=%d", limit)
	}
	var events []analyzer.Event
	if err := c.getJSON(ctx, path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *ctlClient) Healthz(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("build healthz request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("healthz request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz: status %d", resp.StatusCode)
	}
	return nil
}

// Watch streams the daemon's ndjson snapshot feed, calling fn once per
// decoded line until ctx is cancelled or the connection closes.
func (c *ctlClient) Watch(ctx context.Context, fn func(statusView) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/watch", nil)
	if err != nil {
		return fmt.Errorf("build watch request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("watch request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("watch: status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var view statusView
		if err := json.Unmarshal(scanner.Bytes(), &view); err != nil {
			return fmt.Errorf("decode watch frame: %w", err)
		}
		if err := fn(view); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("watch stream: %w", err)
	}
	return nil
}

func (c *ctlClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", path, err)
	}
	return nil
}
