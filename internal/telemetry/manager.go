// Package telemetry is the network manager (spec §4.F): device login and
// token lifecycle, event/GPS/heartbeat reporting, and fan-in to the
// offline queue on failure. Grounded on
// original_source/muse-hardware/network_manager.py, with its
// request_in_progress "busy flag" replaced by the same skip-if-busy ->
// enqueue behavior expressed without a raw bool (spec §9 REDESIGN FLAG).
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/musepi/drivemonitord/internal/gps"
	"github.com/musepi/drivemonitord/internal/modem"
	"github.com/musepi/drivemonitord/internal/offlinequeue"
)

// Transport is the narrow seam Manager needs from the modem: one HTTP
// request/response cycle, and GNSS position. Satisfied by *modem.Modem;
// a fake in tests avoids a real serial port.
type Transport interface {
	HTTPRequest(ctx context.Context, method, url string, body []byte, contextID int, timeout time.Duration) (modem.HTTPResponse, error)
	GetGNSSLocation(ctx context.Context, retries int, interval time.Duration) (modem.Location, error)
}

// Config holds the device identity, server, and timing parameters a
// Manager needs (spec §4.F, §6).
type Config struct {
	BaseURL        string
	DeviceID       string
	DeviceType     string
	Username       string
	Password       string
	RequestTimeout time.Duration
	GPSRetries     int
	GPSRetryDelay  time.Duration
}

// Manager owns the token session, the offline queue fan-in, and the GPS
// fallback policy, and serializes HTTP dispatch the way the source's
// request_in_progress flag did (spec §9: "skip-if-busy becomes
// try-send-else-enqueue").
type Manager struct {
	cfg       Config
	transport Transport
	queue     *offlinequeue.Queue
	gpsPolicy *gps.Tracker
	log       *slog.Logger

	mu             sync.Mutex
	token          string
	tokenExpiresAt time.Time
	inProgress     bool
	offlineMode    bool
}

// New builds a Manager. gpsPolicy may be nil to disable GPS fallback
// tracking (tests that don't exercise GPS reporting).
func New(cfg Config, transport Transport, queue *offlinequeue.Queue, gpsPolicy *gps.Tracker, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, transport: transport, queue: queue, gpsPolicy: gpsPolicy, log: log}
}

// SetOfflineMode latches the manager into unconditional-enqueue mode
// (spec glossary: "Offline mode").
func (m *Manager) SetOfflineMode(enabled bool) {
	m.mu.Lock()
	m.offlineMode = enabled
	m.mu.Unlock()
}

// IsOfflineMode reports the current offline-mode latch.
func (m *Manager) IsOfflineMode() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offlineMode
}

// LoginAsync fires a background login attempt with the source's retry
// shape: up to 3 attempts, 5s apart, never blocking the caller (spec
// §4.F: "Up to 3 retries separated by 5 s, fully in a background task").
func (m *Manager) LoginAsync(ctx context.Context) {
	go func() {
		for attempt := 1; attempt <= 3; attempt++ {
			if err := m.login(ctx); err == nil {
				return
			}
			if attempt < 3 {
				select {
				case <-time.After(5 * time.Second):
				case <-ctx.Done():
					return
				}
			}
		}
		m.log.Warn("telemetry: device login failed after all retries")
	}()
}

// Login performs a single login attempt synchronously, for callers that
// need to know the outcome immediately.
func (m *Manager) Login(ctx context.Context) error {
	return m.login(ctx)
}

func (m *Manager) login(ctx context.Context) error {
	reqURL := fmt.Sprintf("%s/auth/token?deviceId=%s", m.cfg.BaseURL, url.QueryEscape(m.cfg.DeviceID))
	resp, err := m.transport.HTTPRequest(ctx, "POST", reqURL, nil, 1, m.cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("telemetry: login request failed: %w", err)
	}

	var body apiResponse
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil {
		return fmt.Errorf("telemetry: parse login response: %w", err)
	}
	if body.Code != 200 {
		return fmt.Errorf("telemetry: login rejected: %s", body.Message)
	}

	var data loginResponseData
	if err := json.Unmarshal(body.Data, &data); err != nil {
		return fmt.Errorf("telemetry: parse login token: %w", err)
	}

	m.mu.Lock()
	m.token = data.Token
	m.tokenExpiresAt = time.Now().Add(time.Duration(data.ExpiresIn) * time.Second)
	m.mu.Unlock()
	return nil
}

func (m *Manager) checkTokenValidity() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != "" && time.Now().Before(m.tokenExpiresAt)
}

// ReportEvent reports a behavior event, enriching its location from the
// GPS fallback policy when the event didn't already carry coordinates.
func (m *Manager) ReportEvent(ctx context.Context, ev EventPayload) (bool, error) {
	if ev.LocationLat == nil && m.gpsPolicy != nil {
		m.attachLocation(ctx, &ev.LocationLat, &ev.LocationLng)
	}
	return m.apiCall(ctx, "event", ev)
}

// ReportGPS reports a periodic fatigue/GPS sample.
func (m *Manager) ReportGPS(ctx context.Context, gpsData GPSPayload) (bool, error) {
	if gpsData.LocationLat == nil && m.gpsPolicy != nil {
		m.attachLocation(ctx, &gpsData.LocationLat, &gpsData.LocationLng)
	}
	return m.apiCall(ctx, "gps", gpsData)
}

// heartbeatPayload mirrors the original's bare {"timestamp": ...} body
// (network_manager.py's send_heartbeat), not the dataType/timestamp/data
// envelope /data/report expects.
type heartbeatPayload struct {
	Timestamp string `json:"timestamp"`
}

// ReportHeartbeat reports device liveness. Folds the source's separate
// device_online/device_offline/heartbeat endpoints into one call (spec
// §4.F supplement: all three exist only to say "the unit is alive"), but
// keeps its own endpoint rather than routing through /data/report: that
// endpoint's dataType envelope is a closed "event"|"gps" enum (spec §6)
// and heartbeat is not a third value of it.
func (m *Manager) ReportHeartbeat(ctx context.Context) (bool, error) {
	payload := heartbeatPayload{Timestamp: time.Now().UTC().Format(time.RFC3339)}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("telemetry: marshal heartbeat payload: %w", err)
	}
	return m.dispatch(ctx, "heartbeat", payload, "/device/heartbeat", body)
}

func (m *Manager) attachLocation(ctx context.Context, lat, lng **float64) {
	if m.transport == nil {
		if fix, ok := m.gpsPolicy.RecordFailure(); ok {
			*lat, *lng = &fix.Latitude, &fix.Longitude
		}
		return
	}
	loc, err := m.transport.GetGNSSLocation(ctx, m.cfg.GPSRetries, m.cfg.GPSRetryDelay)
	if err != nil {
		fix, ok := m.gpsPolicy.RecordFailure()
		if !ok {
			return
		}
		*lat, *lng = &fix.Latitude, &fix.Longitude
		return
	}
	m.gpsPolicy.RecordSuccess(gps.Fix{Latitude: loc.Latitude, Longitude: loc.Longitude})
	*lat, *lng = &loc.Latitude, &loc.Longitude
}

// apiCall wraps event/gps data in the /data/report envelope (spec §6's
// closed dataType enum) and dispatches it (spec §4.F "api_call").
func (m *Manager) apiCall(ctx context.Context, dataType string, data any) (bool, error) {
	env := envelope{DataType: dataType, Timestamp: time.Now().UnixMilli(), Data: data}
	body, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("telemetry: marshal %s payload: %w", dataType, err)
	}
	return m.dispatch(ctx, dataType, data, "/data/report", body)
}

// dispatch is the shared path every report goes through regardless of
// endpoint: skip (and enqueue) if a request is already in flight or the
// manager is offline, otherwise ensure a valid token and POST the given
// body to cfg.BaseURL+endpoint. label identifies the call in log/error
// text and offline-queue bookkeeping; cacheData is what gets enqueued on
// any failure path, re-marshaled by enqueue independently of body.
func (m *Manager) dispatch(ctx context.Context, label string, cacheData any, endpoint string, body []byte) (bool, error) {
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		m.enqueue(label, cacheData)
		return false, fmt.Errorf("telemetry: request in progress, %s data cached", label)
	}
	if m.offlineMode {
		m.mu.Unlock()
		m.enqueue(label, cacheData)
		return false, fmt.Errorf("telemetry: offline mode, %s data cached", label)
	}
	m.inProgress = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inProgress = false
		m.mu.Unlock()
	}()

	if !m.checkTokenValidity() {
		if err := m.login(ctx); err != nil {
			m.enqueue(label, cacheData)
			return false, fmt.Errorf("telemetry: %s failed: login failed, data cached: %w", label, err)
		}
	}

	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	reqURL := fmt.Sprintf("%s%s?device_id=%s&token=%s", m.cfg.BaseURL, endpoint, url.QueryEscape(m.cfg.DeviceID), url.QueryEscape(token))

	resp, err := m.transport.HTTPRequest(ctx, "POST", reqURL, body, 1, m.cfg.RequestTimeout)
	if err != nil {
		m.enqueue(label, cacheData)
		return false, fmt.Errorf("telemetry: %s request failed, data cached: %w", label, err)
	}

	var parsed apiResponse
	if err := json.Unmarshal([]byte(resp.Body), &parsed); err != nil {
		m.enqueue(label, cacheData)
		return false, fmt.Errorf("telemetry: parse %s response: %w", label, err)
	}

	switch parsed.Code {
	case 200:
		return true, nil
	case 401:
		m.mu.Lock()
		m.token = ""
		m.mu.Unlock()
		m.enqueue(label, cacheData)
		return false, fmt.Errorf("telemetry: %s rejected, token invalid", label)
	default:
		m.enqueue(label, cacheData)
		return false, fmt.Errorf("telemetry: %s rejected: %s", label, parsed.Message)
	}
}

// Resend delivers a previously-queued offlinequeue.Item directly, without
// re-enqueueing on failure: the caller (the offline-retry scheduler job,
// via offlinequeue.Queue.RetryCycle) owns the item's retry-count and
// requeue/drop decision, so unlike apiCall this never calls enqueue
// itself. Satisfies offlinequeue.Sender.
func (m *Manager) Resend(ctx context.Context, item offlinequeue.Item) (bool, error) {
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		return false, fmt.Errorf("telemetry: request in progress, deferring %s retry", item.Kind.Label())
	}
	if m.offlineMode {
		m.mu.Unlock()
		return false, fmt.Errorf("telemetry: offline mode, deferring %s retry", item.Kind.Label())
	}
	m.inProgress = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inProgress = false
		m.mu.Unlock()
	}()

	if !m.checkTokenValidity() {
		if err := m.login(ctx); err != nil {
			return false, fmt.Errorf("telemetry: %s retry failed: login failed: %w", item.Kind.Label(), err)
		}
	}

	env := envelope{DataType: item.Kind.Label(), Timestamp: item.EnqueueTime.UnixMilli(), Data: item.Payload}
	body, err := json.Marshal(env)
	if err != nil {
		return false, fmt.Errorf("telemetry: marshal %s retry payload: %w", item.Kind.Label(), err)
	}

	m.mu.Lock()
	token := m.token
	m.mu.Unlock()
	reqURL := fmt.Sprintf("%s/data/report?device_id=%s&token=%s", m.cfg.BaseURL, url.QueryEscape(m.cfg.DeviceID), url.QueryEscape(token))

	resp, err := m.transport.HTTPRequest(ctx, "POST", reqURL, body, 1, m.cfg.RequestTimeout)
	if err != nil {
		return false, fmt.Errorf("telemetry: %s retry request failed: %w", item.Kind.Label(), err)
	}

	var parsed apiResponse
	if err := json.Unmarshal([]byte(resp.Body), &parsed); err != nil {
		return false, fmt.Errorf("telemetry: parse %s retry response: %w", item.Kind.Label(), err)
	}

	switch parsed.Code {
	case 200:
		return true, nil
	case 401:
		m.mu.Lock()
		m.token = ""
		m.mu.Unlock()
		return false, fmt.Errorf("telemetry: %s retry rejected, token invalid", item.Kind.Label())
	default:
		return false, fmt.Errorf("telemetry: %s retry rejected: %s", item.Kind.Label(), parsed.Message)
	}
}

func (m *Manager) enqueue(dataType string, data any) {
	if m.queue == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		m.log.Error("telemetry: marshal offline payload failed", "dataType", dataType, "err", err)
		return
	}
	kind := offlinequeue.KindEvent
	if dataType == "gps" {
		kind = offlinequeue.KindGPS
	}
	if err := m.queue.Enqueue(kind, payload, time.Now()); err != nil {
		m.log.Error("telemetry: enqueue offline item failed", "dataType", dataType, "err", err)
	}
}
