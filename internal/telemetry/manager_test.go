package telemetry_test

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

type fakeTransport struct {
	mu         sync.Mutex
	calls      []string
	bodies     [][]byte
	loginOK    bool
	reportCode int
	httpErr    error
	gnssErr    error
	gnssFix    modem.Location
}

func (f *fakeTransport) HTTPRequest(ctx context.Context, method, reqURL string, body []byte, contextID int, timeout time.Duration) (modem.HTTPResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, reqURL)
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	if f.httpErr != nil {
		return modem.HTTPResponse{}, f.httpErr
	}

	switch {
	case contains(reqURL, "/auth/token"):
		if !f.loginOK {
			return modem.HTTPResponse{Body: `{"code":401,"message":"bad credentials"}`}, nil
		}
		return modem.HTTPResponse{StatusCode: 200, Body: `{"code":200,"message":"ok","data":{"token":"tok-1","expiresIn":3600}}`}, nil
	case contains(reqURL, "/data/report"):
		return modem.HTTPResponse{StatusCode: 200, Body: fmt.Sprintf(`{"code":%d,"message":"done"}`, f.reportCode)}, nil
	case contains(reqURL, "/device/heartbeat"):
		return modem.HTTPResponse{StatusCode: 200, Body: fmt.Sprintf(`{"code":%d,"message":"done"}`, f.reportCode)}, nil
	default:
		return modem.HTTPResponse{}, fmt.Errorf("unexpected URL %q", reqURL)
	}
}

func (f *fakeTransport) GetGNSSLocation(ctx context.Context, retries int, interval time.Duration) (modem.Location, error) {
	if f.gnssErr != nil {
		return modem.Location{}, f.gnssErr
	}
	return f.gnssFix, nil
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

func newTestManager(t *testing.T, tr *fakeTransport) *telemetry.Manager {
	t.Helper()
	q := offlinequeue.New(offlinequeue.Config{
		Capacity:    100,
		MaxRetries:  3,
		StoragePath: filepath.Join(t.TempDir(), "offline_data.json"),
	}, nil)
	cfg := telemetry.Config{
		BaseURL:        "http://telemetry.example.com/api/v1",
		DeviceID:       "device-123",
		RequestTimeout: 5 * time.Second,
		GPSRetries:     1,
		GPSRetryDelay:  time.Millisecond,
	}
	return telemetry.New(cfg, tr, q, gps.New(gps.Config{MaxFailures: 3}), nil)
}

func TestReportEventSucceedsAfterLogin(t *testing.T) {
	tr := &fakeTransport{loginOK: true, reportCode: 200}
	m := newTestManager(t, tr)

	ok, err := m.ReportEvent(context.Background(), telemetry.EventPayload{EventID: "e1", Behavior: "head_down"})
	if err != nil || !ok {
		t.Fatalf("ReportEvent = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestReportEventEnqueuesWhenOffline(t *testing.T) {
	tr := &fakeTransport{loginOK: true, reportCode: 200}
	m := newTestManager(t, tr)
	m.SetOfflineMode(true)

	ok, err := m.ReportEvent(context.Background(), telemetry.EventPayload{EventID: "e1"})
	if ok || err == nil {
		t.Fatalf("ReportEvent = (%v, %v), want (false, error) while offline", ok, err)
	}
	if len(tr.calls) != 0 {
		t.Errorf("expected no HTTP calls while offline, got %v", tr.calls)
	}
}

func TestReportEventEnqueuesOnLoginFailure(t *testing.T) {
	tr := &fakeTransport{loginOK: false}
	m := newTestManager(t, tr)

	ok, err := m.ReportEvent(context.Background(), telemetry.EventPayload{EventID: "e1"})
	if ok || err == nil {
		t.Fatalf("ReportEvent = (%v, %v), want (false, error) on login failure", ok, err)
	}
}

func TestReportEventInvalidatesTokenOn401(t *testing.T) {
	tr := &fakeTransport{loginOK: true, reportCode: 401}
	m := newTestManager(t, tr)

	ok, err := m.ReportEvent(context.Background(), telemetry.EventPayload{EventID: "e1"})
	if ok || err == nil {
		t.Fatalf("ReportEvent = (%v, %v), want (false, error) on 401", ok, err)
	}

	// A second call must re-login since the token was invalidated.
	tr2calls := len(tr.calls)
	_, _ = m.ReportEvent(context.Background(), telemetry.EventPayload{EventID: "e2"})
	loginCalls := 0
	for _, c := range tr.calls[tr2calls:] {
		if contains(c, "/auth/token") {
			loginCalls++
		}
	}
	if loginCalls == 0 {
		t.Error("expected a fresh login call after a 401 invalidated the token")
	}
}

func TestReportEventEnrichesLocationFromGNSS(t *testing.T) {
	tr := &fakeTransport{loginOK: true, reportCode: 200, gnssFix: modem.Location{Latitude: 31.5, Longitude: 121.3}}
	m := newTestManager(t, tr)

	ok, err := m.ReportEvent(context.Background(), telemetry.EventPayload{EventID: "e1"})
	if err != nil || !ok {
		t.Fatalf("ReportEvent = (%v, %v), want (true, nil)", ok, err)
	}

	var env struct {
		Data struct {
			LocationLat *float64 `json:"locationLat"`
		} `json:"data"`
	}
	if err := json.Unmarshal(tr.bodies[len(tr.bodies)-1], &env); err != nil {
		t.Fatalf("decode report body: %v", err)
	}
	if env.Data.LocationLat == nil || *env.Data.LocationLat != 31.5 {
		t.Errorf("reported locationLat = %v, want the GNSS fix 31.5", env.Data.LocationLat)
	}
}

func TestReportHeartbeatHitsItsOwnEndpointNotDataReport(t *testing.T) {
	tr := &fakeTransport{loginOK: true, reportCode: 200}
	m := newTestManager(t, tr)

	ok, err := m.ReportHeartbeat(context.Background())
	if err != nil || !ok {
		t.Fatalf("ReportHeartbeat = (%v, %v), want (true, nil)", ok, err)
	}

	sawHeartbeat := false
	for _, c := range tr.calls {
		if contains(c, "/data/report") {
			t.Errorf("heartbeat call %q hit /data/report, whose dataType enum is closed to event|gps", c)
		}
		if contains(c, "/device/heartbeat") {
			sawHeartbeat = true
		}
	}
	if !sawHeartbeat {
		t.Errorf("expected a call to /device/heartbeat, got %v", tr.calls)
	}
}

func TestReportHeartbeatEnqueuesWhenOffline(t *testing.T) {
	tr := &fakeTransport{loginOK: true, reportCode: 200}
	m := newTestManager(t, tr)
	m.SetOfflineMode(true)

	ok, err := m.ReportHeartbeat(context.Background())
	if ok || err == nil {
		t.Fatalf("ReportHeartbeat = (%v, %v), want (false, error) while offline", ok, err)
	}
	if len(tr.calls) != 0 {
		t.Errorf("expected no HTTP calls while offline, got %v", tr.calls)
	}
}

func TestSeverityForScore(t *testing.T) {
	cases := []struct {
		score float64
		want  telemetry.Severity
	}{
		{0, telemetry.SeverityNone},
		{39.9, telemetry.SeverityNone},
		{40, telemetry.SeverityLow},
		{60, telemetry.SeverityMedium},
		{70, telemetry.SeverityHigh},
		{85, telemetry.SeverityCritical},
		{100, telemetry.SeverityCritical},
	}
	for _, c := range cases {
		if got := telemetry.SeverityForScore(c.score); got != c.want {
			t.Errorf("SeverityForScore(%v) = %q, want %q", c.score, got, c.want)
		}
	}
}

func TestEventTypeForBehavior(t *testing.T) {
	cases := []struct {
		behavior string
		want     telemetry.EventType
	}{
		{"eyes_closed", telemetry.EventTypeFatigue},
		{"head_up", telemetry.EventTypeFatigue},
		{"head_down", telemetry.EventTypeDistraction},
		{"seeing_left", telemetry.EventTypeDistraction},
		{"focused", telemetry.EventTypeEmergency},
	}
	for _, c := range cases {
		if got := telemetry.EventTypeForBehavior(c.behavior); got != c.want {
			t.Errorf("EventTypeForBehavior(%q) = %q, want %q", c.behavior, got, c.want)
		}
	}
}

var _ = json.Marshal
