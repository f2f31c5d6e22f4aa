package integration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/musepi/drivemonitord/internal/offlinequeue"
	"github.com/musepi/drivemonitord/internal/telemetry"
)

// TestNetworkDegradeQueuesEventsOffline exercises spec §8 scenario 4: with
// the modem/transport absent, every reported event must land in the
// offline queue's persisted file with a non-decreasing enqueue time and
// retry_count 0, wiring internal/telemetry and internal/offlinequeue
// together the way buildComponents does in cmd/drivemonitord.
func TestNetworkDegradeQueuesEventsOffline(t *testing.T) {
	storagePath := filepath.Join(t.TempDir(), "offline_data.json")
	queue := offlinequeue.New(offlinequeue.Config{Capacity: 100, MaxRetries: 5, StoragePath: storagePath}, nil)

	mgr := telemetry.New(telemetry.Config{
		BaseURL:  "http://unreachable.invalid",
		DeviceID: "test-device",
	}, nil, queue, nil, nil)
	mgr.SetOfflineMode(true)

	for i := 0; i < 5; i++ {
		if _, err := mgr.ReportEvent(context.Background(), telemetry.EventPayload{
			Behavior: "eyes_closed",
			Level:    "Level 1",
			Score:    float64(60 + i),
		}); err == nil {
			t.Fatalf("ReportEvent %d: expected an error in offline mode (item cached instead of sent)", i)
		}
	}

	if queue.Len() != 5 {
		t.Fatalf("queue length = %d, want 5", queue.Len())
	}

	raw, err := os.ReadFile(storagePath)
	if err != nil {
		t.Fatalf("read offline queue file: %v", err)
	}
	var items []offlinequeue.Item
	if err := json.Unmarshal(raw, &items); err != nil {
		t.Fatalf("unmarshal offline queue file: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("persisted items = %d, want 5", len(items))
	}

	var lastEnqueueTime time.Time
	for i, item := range items {
		if item.RetryCount != 0 {
			t.Errorf("item %d retry_count = %d, want 0", i, item.RetryCount)
		}
		if item.EnqueueTime.Before(lastEnqueueTime) {
			t.Errorf("item %d enqueue_time %v precedes previous item's %v", i, item.EnqueueTime, lastEnqueueTime)
		}
		lastEnqueueTime = item.EnqueueTime
	}
}
