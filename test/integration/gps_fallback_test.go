package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/musepi/drivemonitord/internal/gps"
	"github.com/musepi/drivemonitord/internal/modem"
	"github.com/musepi/drivemonitord/internal/offlinequeue"
	"github.com/musepi/drivemonitord/internal/telemetry"
)

// gpsTransport is a telemetry.Transport whose GNSS leg can be toggled to
// fail or succeed across calls, and which records the location carried by
// every /data/report body, to drive internal/gps's staged fallback policy
// through internal/telemetry's own ReportEvent call end to end.
type gpsTransport struct {
	mu           sync.Mutex
	fail         bool
	fix          modem.Location
	reportedLats []*float64
}

type reportedEnvelope struct {
	Data struct {
		LocationLat *float64 `json:"locationLat"`
	} `json:"data"`
}

func (tr *gpsTransport) HTTPRequest(_ context.Context, _, reqURL string, body []byte, _ int, _ time.Duration) (modem.HTTPResponse, error) {
	if containsPath(reqURL, "/auth/token") {
		return modem.HTTPResponse{StatusCode: 200, Body: `{"code":200,"message":"ok","data":{"token":"tok","expiresIn":3600}}`}, nil
	}

	var env reportedEnvelope
	if err := json.Unmarshal(body, &env); err == nil {
		tr.mu.Lock()
		tr.reportedLats = append(tr.reportedLats, env.Data.LocationLat)
		tr.mu.Unlock()
	}
	return modem.HTTPResponse{StatusCode: 200, Body: `{"code":200,"message":"ok"}`}, nil
}

func (tr *gpsTransport) GetGNSSLocation(_ context.Context, _ int, _ time.Duration) (modem.Location, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.fail {
		return modem.Location{}, fmt.Errorf("simulated GNSS timeout")
	}
	return tr.fix, nil
}

func (tr *gpsTransport) setFail(v bool) {
	tr.mu.Lock()
	tr.fail = v
	tr.mu.Unlock()
}

func (tr *gpsTransport) lastLat() *float64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.reportedLats[len(tr.reportedLats)-1]
}

func containsPath(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func newGPSTestManager(t *testing.T, tr *gpsTransport, tracker *gps.Tracker) *telemetry.Manager {
	t.Helper()
	queue := offlinequeue.New(offlinequeue.Config{
		Capacity:    10,
		MaxRetries:  3,
		StoragePath: filepath.Join(t.TempDir(), "offline_data.json"),
	}, nil)
	return telemetry.New(telemetry.Config{
		BaseURL:       "http://telemetry.example.com/api/v1",
		DeviceID:      "device-1",
		GPSRetries:    1,
		GPSRetryDelay: time.Millisecond,
	}, tr, queue, tracker, nil)
}

// TestGPSFallbackStagesThroughLastRealFix exercises spec §8 scenario 5's
// first two stages: with no prior fix, the first GNSS failure reports the
// configured default coordinates; once a real fix arrives, it is reported
// directly, and every later failure reports that cached fix (stale) rather
// than falling back to the default or dropping the location, since
// internal/gps never gives up once it holds a real fix (spec §9: the
// give-up tier only applies to the no-history default-position branch).
func TestGPSFallbackStagesThroughLastRealFix(t *testing.T) {
	tr := &gpsTransport{fail: true}
	tracker := gps.New(gps.Config{MaxFailures: 3, DefaultLatitude: 33.5, DefaultLongitude: 119.0})
	mgr := newGPSTestManager(t, tr, tracker)

	ev := telemetry.EventPayload{Behavior: "eyes_closed"}

	if _, err := mgr.ReportEvent(context.Background(), ev); err != nil {
		t.Fatalf("ReportEvent (1st failure, no history): %v", err)
	}
	if lat := tr.lastLat(); lat == nil || *lat != 33.5 {
		t.Fatalf("reported lat = %v, want the default 33.5", lat)
	}

	tr.setFail(false)
	tr.fix = modem.Location{Latitude: 40.0, Longitude: -73.9}
	if _, err := mgr.ReportEvent(context.Background(), ev); err != nil {
		t.Fatalf("ReportEvent (real fix): %v", err)
	}
	if lat := tr.lastLat(); lat == nil || *lat != 40.0 {
		t.Fatalf("reported lat = %v, want the real fix 40.0", lat)
	}

	tr.setFail(true)
	resumedFailures := tracker.FailureCount() + 5
	for i := 0; i < resumedFailures; i++ {
		if _, err := mgr.ReportEvent(context.Background(), ev); err != nil {
			t.Fatalf("ReportEvent (resumed failure %d): %v", i, err)
		}
		if lat := tr.lastLat(); lat == nil || *lat != 40.0 {
			t.Errorf("resumed failure %d: reported lat = %v, want the cached real fix 40.0 to persist", i, lat)
		}
	}
}

// TestGPSFallbackGivesUpWithoutAnyRealFix exercises the pure give-up tier:
// with no real fix ever recorded, once max_failures consecutive GNSS
// failures accumulate, the event is reported with no location at all.
func TestGPSFallbackGivesUpWithoutAnyRealFix(t *testing.T) {
	const maxFailures = 3
	tr := &gpsTransport{fail: true}
	tracker := gps.New(gps.Config{MaxFailures: maxFailures, DefaultLatitude: 33.5, DefaultLongitude: 119.0})
	mgr := newGPSTestManager(t, tr, tracker)

	ev := telemetry.EventPayload{Behavior: "eyes_closed"}
	for i := 0; i < maxFailures-1; i++ {
		if _, err := mgr.ReportEvent(context.Background(), ev); err != nil {
			t.Fatalf("ReportEvent (failure %d): %v", i, err)
		}
	}

	if lat := tr.lastLat(); lat == nil {
		t.Fatalf("reported lat after %d failures = nil, want the default still in play one more round", maxFailures-1)
	}

	if _, err := mgr.ReportEvent(context.Background(), ev); err != nil {
		t.Fatalf("ReportEvent (give-up round): %v", err)
	}
	if lat := tr.lastLat(); lat != nil {
		t.Errorf("reported lat after exceeding max_failures = %v, want nil (no location)", *lat)
	}
}
