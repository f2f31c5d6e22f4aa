package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/musepi/drivemonitord/internal/analyzer"
	"github.com/musepi/drivemonitord/internal/config"
	"github.com/musepi/drivemonitord/internal/ctlserver"
	"github.com/musepi/drivemonitord/internal/gps"
	"github.com/musepi/drivemonitord/internal/metrics"
	"github.com/musepi/drivemonitord/internal/modem"
	"github.com/musepi/drivemonitord/internal/offlinequeue"
	"github.com/musepi/drivemonitord/internal/pipeline"
	"github.com/musepi/drivemonitord/internal/plc"
	"github.com/musepi/drivemonitord/internal/scheduler"
	"github.com/musepi/drivemonitord/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// daemonParts holds every long-lived component runDaemon drives, plus
// whatever state Close needs to tear them down in the order spec §5
// requires: pipeline and scheduler are goroutines that observe ctx and
// stop on their own; Close only needs to release the modem port and the
// Modbus connection once those goroutines have already exited.
type daemonParts struct {
	modemDev  *modem.Modem // nil if the serial port never came up
	plcBridge *plc.Bridge
	queue     *offlinequeue.Queue
	telemetry *telemetry.Manager
	pipe      *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	ctl       *ctlserver.Server
}

// Close releases the modem and Modbus resources. Called once runDaemon's
// errgroup has fully unwound (deferred in run(), after g.Wait returns).
func (d *daemonParts) Close(logger *slog.Logger) {
	if d.modemDev != nil {
		if err := d.modemDev.GNSSStop(context.Background()); err != nil {
			logger.Warn("gnss stop failed", slog.String("error", err.Error()))
		}
		if err := d.modemDev.Close(); err != nil {
			logger.Warn("modem close failed", slog.String("error", err.Error()))
		}
	}
	if err := d.plcBridge.Close(); err != nil {
		logger.Warn("plc bridge close failed", slog.String("error", err.Error()))
	}
}

// buildComponents constructs every component from cfg. A modem that fails
// to open or initialize is not fatal (spec §7: ModuleOperationError/
// NetworkError degrade the telemetry path to offline mode rather than
// aborting startup); everything downstream of the modem tolerates a nil
// *modem.Modem.
func buildComponents(cfg *config.Config, logger *slog.Logger, collector *metrics.Collector, reg prometheus.Gatherer) (*daemonParts, error) {
	plcBridge := plc.New(plcConfigFromDomain(cfg.PLC), logger.With(slog.String("component", "plc")))

	modemDev := openModem(cfg.Modem, logger.With(slog.String("component", "modem")))

	encKey, err := offlinequeue.LoadOrCreateKey(cfg.Offline.EncryptionKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load offline queue encryption key: %w", err)
	}
	queue := offlinequeue.New(offlinequeue.Config{
		Capacity:      cfg.Offline.Capacity,
		MaxRetries:    cfg.Offline.MaxRetries,
		StoragePath:   cfg.Offline.FilePath,
		EncryptionKey: encKey,
	}, logger.With(slog.String("component", "offlinequeue")))
	queue.Load()

	gpsTracker := gps.New(gps.Config{
		MaxFailures:      cfg.Telemetry.MaxGPSFailures,
		DefaultLatitude:  cfg.Telemetry.DefaultLat,
		DefaultLongitude: cfg.Telemetry.DefaultLng,
	})

	telemetryLog := logger.With(slog.String("component", "telemetry"))
	var telemetryMgr *telemetry.Manager
	if modemDev != nil {
		telemetryMgr = telemetry.New(telemetryConfigFromDomain(cfg.Telemetry), modemDev, queue, gpsTracker, telemetryLog)
		telemetryMgr.LoginAsync(context.Background())
	} else {
		telemetryMgr = telemetry.New(telemetryConfigFromDomain(cfg.Telemetry), nil, queue, gpsTracker, telemetryLog)
		telemetryMgr.SetOfflineMode(true)
	}

	analyzerEngine := analyzer.New(analyzerConfigFromDomain(cfg.Analyzer))
	pipe := pipeline.New(pipeline.DefaultConfig(), analyzerEngine, plcBridge, telemetryMgr, collector, logger.With(slog.String("component", "pipeline")))

	sched := scheduler.New(logger.With(slog.String("component", "scheduler")), schedulerJobs(cfg, plcBridge, modemDev, telemetryMgr, queue, collector, logger)...)

	ctl := ctlserver.New(ctlserver.Config{ListenAddr: cfg.Ctl.Addr}, pipe, reg, logger.With(slog.String("component", "ctlserver")))

	return &daemonParts{
		modemDev:  modemDev,
		plcBridge: plcBridge,
		queue:     queue,
		telemetry: telemetryMgr,
		pipe:      pipe,
		scheduler: sched,
		ctl:       ctl,
	}, nil
}

func openModem(cfg config.ModemConfig, logger *slog.Logger) *modem.Modem {
	m, err := modem.Open(modem.Config{Port: cfg.Port, BaudRate: cfg.BaudRate, APN: cfg.APN}, logger)
	if err != nil {
		logger.Warn("modem open failed, telemetry path starts in offline mode", slog.String("error", err.Error()))
		return nil
	}
	if err := m.Initialize(context.Background()); err != nil {
		logger.Warn("modem initialization failed, telemetry path starts in offline mode", slog.String("error", err.Error()))
		_ = m.Close()
		return nil
	}
	if err := m.GNSSStart(context.Background()); err != nil {
		logger.Warn("gnss start failed, GPS reports will use the fallback policy", slog.String("error", err.Error()))
	}
	return m
}

// -------------------------------------------------------------------------
// Scheduler wiring (spec §5's "modbus-heartbeat" and "scheduler" tasks)
// -------------------------------------------------------------------------

func schedulerJobs(
	cfg *config.Config,
	plcBridge *plc.Bridge,
	modemDev *modem.Modem,
	telemetryMgr *telemetry.Manager,
	queue *offlinequeue.Queue,
	collector *metrics.Collector,
	logger *slog.Logger,
) []scheduler.Job {
	jobs := []scheduler.Job{
		{
			Name:     "modbus-heartbeat",
			Interval: cfg.Scheduler.HeartbeatInterval,
			Run: func(ctx context.Context) {
				if err := plcBridge.SendYoloHeartbeat(ctx); err != nil {
					collector.IncPLCWrite("error")
					logger.Warn("plc heartbeat write failed", slog.String("error", err.Error()))
				} else {
					collector.IncPLCHeartbeat()
				}
				if _, err := telemetryMgr.ReportHeartbeat(ctx); err != nil {
					collector.IncTelemetryReport("heartbeat", "error")
				} else {
					collector.IncTelemetryReport("heartbeat", "ok")
				}
			},
		},
		{
			Name:     "gps-report",
			Interval: cfg.Telemetry.GPSInterval,
			Run: func(ctx context.Context) {
				reportGPS(ctx, modemDev, telemetryMgr, collector)
			},
		},
		{
			Name:     "offline-retry",
			Interval: cfg.Telemetry.RetryInterval,
			Run: func(ctx context.Context) {
				result := queue.RetryCycle(ctx, telemetryMgr.Resend)
				if result.Delivered > 0 || result.Dropped > 0 {
					logger.Info("offline retry cycle",
						slog.Int("delivered", result.Delivered),
						slog.Int("dropped", result.Dropped),
						slog.Bool("aborted", result.Aborted),
					)
				}
				collector.SetOfflineQueueDepth(queue.Len())
			},
		},
	}
	return jobs
}

// reportGPS samples the modem's GNSS fix (falling back to the GPS
// tracker's last-known/default position on failure, handled inside
// telemetryMgr.ReportGPS) and reports it. A nil modemDev still reports:
// the payload simply carries no realtime fix and the fallback policy
// supplies lat/lng from its default-position tier.
func reportGPS(ctx context.Context, modemDev *modem.Modem, telemetryMgr *telemetry.Manager, collector *metrics.Collector) {
	payload := telemetry.GPSPayload{}

	if modemDev != nil {
		if loc, err := modemDev.GetGNSSLocation(ctx, 3, time.Second); err == nil {
			lat, lng, speed, alt := loc.Latitude, loc.Longitude, loc.SpeedKmh, loc.AltitudeM
			sats := loc.SatellitesInUse
			payload.LocationLat, payload.LocationLng = &lat, &lng
			payload.Speed, payload.Altitude = &speed, &alt
			payload.Satellites = &sats
			collector.IncModemGNSSFixAcquired()
		}
	}

	if _, err := telemetryMgr.ReportGPS(ctx, payload); err != nil {
		collector.IncTelemetryReport("gps", "error")
	} else {
		collector.IncTelemetryReport("gps", "ok")
	}
}

// -------------------------------------------------------------------------
// Classifier feed (spec §1: the classifier is an external collaborator;
// only its interface to the core is in scope). This daemon reads
// newline-delimited JSON detection batches from stdin, one line per
// frame, the same shape a co-located classifier process would pipe in.
// -------------------------------------------------------------------------

func runClassifierFeed(ctx context.Context, parts *daemonParts, logger *slog.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	start := time.Now()
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var detections []analyzer.Detection
		if err := json.Unmarshal(scanner.Bytes(), &detections); err != nil {
			logger.Warn("classifier feed: malformed detection batch, dropping frame", slog.String("error", err.Error()))
			continue
		}

		parts.pipe.Tick(ctx, detections, time.Since(start).Seconds())
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("classifier feed: %w", err)
	}
	<-ctx.Done()
	return nil
}

// -------------------------------------------------------------------------
// Domain config conversion (cfg's koanf-facing shape -> each package's
// own Config), mirroring the teacher's configSessionToBFD.
// -------------------------------------------------------------------------

func plcConfigFromDomain(c config.PLCConfig) plc.Config {
	return plc.Config{
		Host:    c.Host,
		Port:    c.Port,
		UnitID:  c.UnitID,
		Timeout: c.WriteTimeout,
	}
}

func telemetryConfigFromDomain(c config.TelemetryConfig) telemetry.Config {
	return telemetry.Config{
		BaseURL:        c.BaseURL,
		DeviceID:       c.DeviceID,
		DeviceType:     c.DeviceType,
		Username:       c.Username,
		Password:       c.Password,
		RequestTimeout: c.RequestTimeout,
		GPSRetries:     c.GPSRetries,
		GPSRetryDelay:  c.GPSRetryDelay,
	}
}

func analyzerConfigFromDomain(c config.AnalyzerConfig) analyzer.Config {
	weights := make(map[analyzer.Label]float64, len(c.Weights))
	for label, w := range c.Weights {
		weights[analyzer.Label(label)] = w
	}
	return analyzer.Config{
		Weights:                    weights,
		MinConfidence:              c.MinConfidence,
		FatigueMinConfidence:       c.FatigueMinConfidence,
		FocusedMinConfidence:       c.FocusedMinConfidence,
		DurationThreshold:          c.DurationThreshold,
		FatigueDurationThreshold:   c.FatigueDurationThreshold,
		MinDetectionsForDuration:   c.MinDetectionsForDuration,
		WindowSize:                 c.WindowSize,
		CountThreshold:             c.CountThreshold,
		ScoreThreshold:             c.ScoreThreshold,
		ProgressIncrement:          c.ProgressIncrement,
		ProgressDecrementFocused:   c.ProgressDecrementFocused,
		ProgressDecrementNormal:    c.ProgressDecrementNormal,
		SafeDrivingConfirmTime:     c.SafeDrivingConfirmTime,
		LevelResetThreshold:        c.LevelResetThreshold,
		MultiEventCooldown:         c.MultiEventCooldown,
		Level3Cooldown:             c.Level3Cooldown,
		ContinuousDistractedWindow: c.ContinuousDistractedWindow,
		ContinuousDistractedCount:  c.ContinuousDistractedCount,
		EventMergeWindow:           c.EventMergeWindow,
	}
}
