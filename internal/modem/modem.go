package modem

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Config configures a Modem's serial transport and APN.
type Config struct {
	Port     string
	BaudRate int
	APN      string
}

// Modem is the high-level LTE modem client: AT-command initialization,
// NTP time sync, GNSS fix/satellite queries, and HTTP-over-AT requests.
// Grounded line-for-line on QuectelEC800M_final.py's method sequence,
// restructured over the single-owner Transport actor.
type Modem struct {
	transport *Transport
	apn       string
	log       *slog.Logger

	mu         sync.Mutex
	gnssOn     bool
	timeOffset float64 // seconds, module UTC - local UTC
}

// Open opens the serial port at cfg.Port/cfg.BaudRate and returns a ready
// Modem. The 1s port-level read timeout mirrors the source's
// `serial.Serial(port, baudrate, timeout=1)`.
func Open(cfg Config, log *slog.Logger) (*Modem, error) {
	mode := &serial.Mode{BaudRate: cfg.BaudRate}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, newModuleOperationError("open serial port: "+err.Error(), "")
	}
	if err := port.SetReadTimeout(time.Second); err != nil {
		_ = port.Close()
		return nil, newModuleOperationError("set read timeout: "+err.Error(), "")
	}
	return New(port, cfg.APN, log), nil
}

// New wraps an already-open port (or a fake io.ReadWriteCloser, for tests).
func New(port io.ReadWriteCloser, apn string, log *slog.Logger) *Modem {
	if log == nil {
		log = slog.Default()
	}
	return &Modem{
		transport: NewTransport(port),
		apn:       apn,
		log:       log,
	}
}

// Close releases the underlying serial port.
func (m *Modem) Close() error { return m.transport.Close() }

// Initialize runs the module bring-up sequence (spec §4.A): echo off,
// liveness check, SIM status, network registration.
func (m *Modem) Initialize(ctx context.Context) error {
	if _, err := m.transport.SendAT(ctx, "ATE0", nil, 5*time.Second); err != nil {
		m.log.Warn("modem: disabling echo failed", "err", err)
	}
	if _, err := m.transport.SendAT(ctx, "AT", nil, 5*time.Second); err != nil {
		return newModuleOperationError("module unresponsive", "AT")
	}
	if _, err := m.transport.SendAT(ctx, "AT+CPIN?", nil, 5*time.Second); err != nil {
		return newModuleOperationError("SIM status error", "AT+CPIN?")
	}
	if _, err := m.transport.SendAT(ctx, "AT+CGREG?", nil, 5*time.Second); err != nil {
		return newModuleOperationError("network registration failed", "AT+CGREG?")
	}
	return nil
}

var cclkSplit = regexp.MustCompile(`[+-]`)

// SyncTimeWithNTP configures the given NTP server, waits for the success
// URC, then derives time_offset_s from the module clock (spec §4.A "NTP
// time offset").
func (m *Modem) SyncTimeWithNTP(ctx context.Context, server string) error {
	if err := m.checkAndActivatePDP(ctx, 1); err != nil {
		return err
	}

	cmd := fmt.Sprintf(`AT+QNTP=1,"%s"`, server)
	if _, err := m.transport.SendAT(ctx, cmd, nil, 5*time.Second); err != nil {
		return newModuleOperationError("configure NTP server failed", cmd)
	}

	urc, ok := m.transport.WaitForURC(ctx, "+QNTP:", 65*time.Second)
	if !ok || !strings.Contains(urc, "0") {
		return newModuleOperationError(fmt.Sprintf("NTP sync failed or timed out, urc=%q", urc), "AT+QNTP")
	}

	lines, err := m.transport.SendAT(ctx, "AT+CCLK?", nil, 5*time.Second)
	if err != nil || len(lines) == 0 || !strings.HasPrefix(lines[0], "+CCLK:") {
		return newModuleOperationError("get network time failed", "AT+CCLK?")
	}

	cclk := strings.ReplaceAll(strings.ReplaceAll(lines[0], `+CCLK: "`, ""), `"`, "")
	offset, err := parseCCLKOffset(cclk)
	if err != nil {
		return newParseError("parse module time failed: "+cclk, cclk, err)
	}

	m.mu.Lock()
	m.timeOffset = offset
	m.mu.Unlock()
	return nil
}

// parseCCLKOffset parses "yy/MM/dd,HH:mm:ss±tz" (tz in quarter-hour units)
// and returns time_offset_s = module_utc - local_utc.
func parseCCLKOffset(cclk string) (float64, error) {
	parts := cclkSplit.Split(cclk, 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("unexpected CCLK format: %q", cclk)
	}
	moduleTimeStr, tzStr := parts[0], parts[1]

	moduleTime, err := time.Parse("06/01/02,15:04:05", moduleTimeStr)
	if err != nil {
		return 0, err
	}

	tzQuarterHours, err := strconv.Atoi(strings.TrimSpace(tzStr))
	if err != nil {
		return 0, err
	}
	if cclk[len(moduleTimeStr)] == '-' {
		tzQuarterHours = -tzQuarterHours
	}
	tzOffsetSeconds := float64(tzQuarterHours) / 4.0 * 3600.0

	moduleUTC := float64(moduleTime.Unix()) - tzOffsetSeconds
	localUTC := float64(time.Now().Unix())
	return moduleUTC - localUTC, nil
}

// AccurateTimestamp returns now + the NTP-derived offset (spec §4.A
// "accurate_timestamp() = now_wall + time_offset_s").
func (m *Modem) AccurateTimestamp() time.Time {
	m.mu.Lock()
	offset := m.timeOffset
	m.mu.Unlock()
	return time.Now().Add(time.Duration(offset * float64(time.Second)))
}

// checkAndActivatePDP ensures the PDP context is active, configuring the
// APN and activating it manually if needed.
func (m *Modem) checkAndActivatePDP(ctx context.Context, contextID int) error {
	check := fmt.Sprintf("AT+QIACT?")
	lines, _ := m.transport.SendAT(ctx, check, nil, 5*time.Second)
	want := fmt.Sprintf("+QIACT: %d", contextID)
	for _, l := range lines {
		if strings.Contains(l, want) {
			return nil
		}
	}

	configCmd := fmt.Sprintf(`AT+QICSGP=%d,1,"%s","","",1`, contextID, m.apn)
	lines, err := m.transport.SendAT(ctx, configCmd, nil, 5*time.Second)
	if err != nil {
		return newNetworkError("configure APN failed", configCmd)
	}
	for _, l := range lines {
		if strings.Contains(l, want) {
			return nil
		}
	}

	activateCmd := fmt.Sprintf("AT+QIACT=%d", contextID)
	if _, err := m.transport.SendAT(ctx, activateCmd, nil, 150*time.Second); err != nil {
		time.Sleep(time.Second)
		lines, _ := m.transport.SendAT(ctx, check, nil, 5*time.Second)
		for _, l := range lines {
			if strings.Contains(l, want) {
				return nil
			}
		}
		return newNetworkError("manual PDP activation failed", activateCmd)
	}
	return nil
}

// GNSSStart enables dual-GNSS mode (spec §4.A "GNSS. Start").
func (m *Modem) GNSSStart(ctx context.Context) error {
	m.mu.Lock()
	if m.gnssOn {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	_, _ = m.transport.SendAT(ctx, "AT+QGPSEND", nil, 3*time.Second)
	time.Sleep(time.Second)
	if _, err := m.transport.SendAT(ctx, `AT+QGPSCFG="gnssconfig",1`, nil, 5*time.Second); err != nil {
		m.log.Warn("modem: configure GPS+BeiDou dual mode failed", "err", err)
	}
	if _, err := m.transport.SendAT(ctx, "AT+QGPS=1", nil, 5*time.Second); err != nil {
		return newGNSSFixError("enable GNSS engine failed")
	}

	m.mu.Lock()
	m.gnssOn = true
	m.mu.Unlock()
	return nil
}

// GNSSStop disables the GNSS engine (spec §4.A "GNSS. Stop").
func (m *Modem) GNSSStop(ctx context.Context) error {
	m.mu.Lock()
	on := m.gnssOn
	m.mu.Unlock()
	if !on {
		return nil
	}

	_, err := m.transport.SendAT(ctx, "AT+QGPSEND", nil, 5*time.Second)

	m.mu.Lock()
	m.gnssOn = false
	m.mu.Unlock()

	if err != nil {
		m.log.Warn("modem: send GNSS stop command failed, state reset anyway", "err", err)
	}
	return nil
}

// GetGNSSLocation queries the current position, retrying up to retries
// times with interval between attempts (spec §4.A "Position read").
func (m *Modem) GetGNSSLocation(ctx context.Context, retries int, interval time.Duration) (Location, error) {
	m.mu.Lock()
	on := m.gnssOn
	m.mu.Unlock()
	if !on {
		return Location{}, newGNSSFixError("cannot get fix, GNSS engine is off")
	}

	for i := 0; i < retries; i++ {
		lines, _ := m.transport.SendAT(ctx, "AT+QGPSLOC=0", nil, 2*time.Second)
		for _, line := range lines {
			if strings.HasPrefix(line, "+QGPSLOC:") {
				return parseQGPSLoc(line)
			}
		}
		if i < retries-1 {
			time.Sleep(interval)
		}
	}
	return Location{}, newGNSSFixError(fmt.Sprintf("no fix after %d attempts", retries))
}

// GetCurrentSatellitesInfo queries and counts satellites in view per
// constellation (spec §4.A "Satellites view").
func (m *Modem) GetCurrentSatellitesInfo(ctx context.Context) (SatelliteInfo, error) {
	m.mu.Lock()
	on := m.gnssOn
	m.mu.Unlock()
	if !on {
		return SatelliteInfo{}, newGNSSFixError("cannot get satellite info, GNSS engine is off")
	}

	lines, err := m.transport.SendAT(ctx, `AT+QGPSGNMEA="GSV"`, nil, 5*time.Second)
	if err != nil {
		return SatelliteInfo{}, newGNSSFixError("query GSV failed")
	}
	return parseGSV(lines), nil
}

// HTTPResponse is the parsed result of HTTPRequest.
type HTTPResponse struct {
	StatusCode int
	Body       string
}

// HTTPRequest performs one HTTP request over the AT+QHTTP command family:
// PDP activate, URL config, method-specific GET/POST, result URC, body
// read, always followed by QHTTPSTOP (spec §4.A "HTTP over AT"). The whole
// sequence is serialized end-to-end by the HTTP session token so concurrent
// callers queue rather than interleave commands.
func (m *Modem) HTTPRequest(ctx context.Context, method, url string, body []byte, contextID int, timeout time.Duration) (resp HTTPResponse, err error) {
	err = m.transport.withHTTPSession(ctx, func() error {
		defer func() {
			_, _ = m.transport.SendAT(ctx, "AT+QHTTPSTOP", nil, 5*time.Second)
		}()

		if err := m.checkAndActivatePDP(ctx, contextID); err != nil {
			return err
		}

		if _, err := m.transport.SendAT(ctx, `AT+QHTTPCFG="contextid",1`, nil, 5*time.Second); err != nil {
			return newHTTPRequestError("configure HTTP context failed", "AT+QHTTPCFG", "")
		}
		if _, err := m.transport.SendAT(ctx, `AT+QHTTPCFG="requestheader",1`, nil, 5*time.Second); err != nil {
			m.log.Warn("modem: enable custom request headers failed", "err", err)
		}
		if method == "POST" && len(body) == 0 {
			body = []byte("{}")
		}
		if method == "POST" {
			if _, err := m.transport.SendAT(ctx, `AT+QHTTPCFG="contenttype",4`, nil, 5*time.Second); err != nil {
				m.log.Warn("modem: set content type failed", "err", err)
			}
		}

		urlCmd := fmt.Sprintf("AT+QHTTPURL=%d,%d", len(url), 10)
		if _, err := m.transport.SendAT(ctx, urlCmd, []string{"CONNECT"}, 10*time.Second); err != nil {
			return newHTTPRequestError("QHTTPURL setup failed", urlCmd, "")
		}
		if err := m.transport.WriteRaw(ctx, []byte(url)); err != nil {
			return newHTTPRequestError("write URL failed", urlCmd, "")
		}
		if !m.transport.ReadUntilOK(ctx, 5*time.Second) {
			return newHTTPRequestError("URL write not acknowledged", urlCmd, "")
		}

		httpTimeout := int(timeout.Seconds())
		var reqCmd string
		switch method {
		case "GET":
			reqCmd = fmt.Sprintf("AT+QHTTPGET=%d", httpTimeout)
			if _, err := m.transport.SendAT(ctx, reqCmd, nil, timeout+5*time.Second); err != nil {
				return newHTTPRequestError("QHTTPGET failed", reqCmd, "")
			}
		case "POST":
			reqCmd = fmt.Sprintf("AT+QHTTPPOST=%d,%d,%d", len(body), httpTimeout, httpTimeout)
			if _, err := m.transport.SendAT(ctx, reqCmd, []string{"CONNECT"}, 10*time.Second); err != nil {
				return newHTTPRequestError("QHTTPPOST setup failed", reqCmd, "")
			}
			if err := m.transport.WriteRaw(ctx, body); err != nil {
				return newHTTPRequestError("write POST body failed", reqCmd, "")
			}
			if !m.transport.ReadUntilOK(ctx, 5*time.Second) {
				return newHTTPRequestError("POST body write not acknowledged", reqCmd, "")
			}
		default:
			return newHTTPRequestError("unsupported HTTP method "+method, "", "")
		}

		urc, ok := m.transport.WaitForURC(ctx, "+QHTTPGET:", timeout+5*time.Second)
		if !ok {
			urc, ok = m.transport.WaitForURC(ctx, "+QHTTPPOST:", timeout+5*time.Second)
		}
		if !ok {
			return newHTTPRequestError("no HTTP result URC received", reqCmd, "")
		}

		errCode, status, err := parseHTTPResultURC(urc)
		if err != nil {
			return newParseError("parse HTTP result URC failed", urc, err)
		}
		if errCode != 0 {
			return newHTTPRequestError(fmt.Sprintf("HTTP request error code %d", errCode), reqCmd, urc)
		}
		resp.StatusCode = status

		readCmd := fmt.Sprintf("AT+QHTTPREAD=%d", httpTimeout)
		if _, err := m.transport.SendAT(ctx, readCmd, []string{"CONNECT"}, 10*time.Second); err != nil {
			return newHTTPRequestError("QHTTPREAD setup failed", readCmd, "")
		}
		respBody, err := m.transport.ReadRawUntil(ctx, "+QHTTPREAD: 0", timeout+5*time.Second)
		if err != nil {
			return newHTTPRequestError("read HTTP body failed: "+err.Error(), readCmd, "")
		}
		resp.Body = strings.TrimSpace(respBody)
		return nil
	})
	return resp, err
}

// parseHTTPResultURC parses a "+QHTTPGET: <err>,<status>,<len>" or
// "+QHTTPPOST: <err>,<status>,<len>" URC.
func parseHTTPResultURC(urc string) (errCode, status int, err error) {
	idx := strings.Index(urc, ":")
	if idx < 0 {
		return 0, 0, fmt.Errorf("missing colon in %q", urc)
	}
	fields := strings.Split(strings.TrimSpace(urc[idx+1:]), ",")
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("expected at least 2 fields in %q", urc)
	}
	errCode, err = strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil {
		return 0, 0, err
	}
	status, err = strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return 0, 0, err
	}
	return errCode, status, nil
}
