// Package plc implements the Modbus/TCP bridge to the vehicle's PLC: the
// cumulative alert-level coils, the YOLO heartbeat coil, and a
// connection-recycling write path bounded by a hard per-call timeout.
package plc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/grid-x/modbus"

	"github.com/musepi/drivemonitord/internal/analyzer"
)

// Sentinel errors for Bridge operations.
var (
	// ErrNotConnected indicates a write was attempted with no live Modbus
	// connection and reconnection failed.
	ErrNotConnected = errors.New("plc: modbus client not connected")

	// ErrWriteTimeout indicates a coil write exceeded its hard timeout; the
	// connection has been closed and will be rebuilt on the next call.
	ErrWriteTimeout = errors.New("plc: coil write timed out")

	// ErrInvalidMemoryIndex indicates a negative memory-bit index.
	ErrInvalidMemoryIndex = errors.New("plc: memory index must be non-negative")
)

// Coil layout constants (spec §6 "PLC / Modbus TCP").
const (
	coilOutputCount  = 6  // Q0-Q5 occupy addresses 0-5.
	yoloMemoryStart  = 40 // M40 is the first YOLO alert-level coil.
	heartbeatMemory  = 39 // M39 is the heartbeat coil.
	yoloCoilCount    = 3  // M40, M41, M42.
	writeHardTimeout = 2 * time.Second
	ioWriteTimeout   = 1 * time.Second
)

// client is the subset of modbus.Client this bridge depends on, narrowed so
// bridge_test.go can substitute a fake without a real TCP listener.
type client interface {
	WriteMultipleCoils(address, quantity uint16, value []byte) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
}

// handler is the subset of a Modbus TCP connection handler this bridge
// needs to manage liveness.
type handler interface {
	Connect() error
	Close() error
}

// connFactory builds a fresh handler+client pair. Overridden in tests.
type connFactory func(host string, port int, unitID byte, timeout time.Duration) (handler, client, error)

// Config configures a Bridge.
type Config struct {
	Host    string
	Port    int
	UnitID  byte
	Timeout time.Duration
}

// Bridge is a thread-safe Modbus/TCP client for the PLC's YOLO coils.
//
// Two locks mirror the source's split: clientLock guards the lifecycle of
// the underlying connection (connect/reconnect/close), ioLock serializes
// the actual write/read frames on the wire. Keeping them separate lets a
// stuck write be abandoned (closing the connection under clientLock)
// without the closer having to wait on ioLock, which the stuck write still
// holds.
type Bridge struct {
	cfg     Config
	factory connFactory
	log     *slog.Logger

	clientLock sync.Mutex
	ioLock     sync.Mutex

	h handler
	c client

	currentLevel analyzer.Level
}

// New constructs a Bridge. Connection is established lazily on first use.
func New(cfg Config, log *slog.Logger) *Bridge {
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bridge{
		cfg:     cfg,
		factory: dialTCP,
		log:     log,
	}
}

// dialTCP is the production connFactory, backed by github.com/grid-x/modbus.
func dialTCP(host string, port int, unitID byte, timeout time.Duration) (handler, client, error) {
	h := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", host, port))
	h.Timeout = timeout
	h.SlaveID = unitID
	if err := h.Connect(); err != nil {
		return nil, nil, err
	}
	return h, modbus.NewClient(h), nil
}

// ensureClient returns a live client, (re)connecting if necessary.
func (b *Bridge) ensureClient() (client, error) {
	b.clientLock.Lock()
	defer b.clientLock.Unlock()

	if b.c != nil {
		return b.c, nil
	}

	h, c, err := b.factory(b.cfg.Host, b.cfg.Port, b.cfg.UnitID, b.cfg.Timeout)
	if err != nil {
		b.log.Warn("plc: connect failed", "host", b.cfg.Host, "port", b.cfg.Port, "err", err)
		return nil, err
	}
	b.h = h
	b.c = c
	return c, nil
}

// closeStale drops the current connection so the next call reconnects.
func (b *Bridge) closeStale() {
	b.clientLock.Lock()
	defer b.clientLock.Unlock()

	if b.h != nil {
		_ = b.h.Close()
	}
	b.h = nil
	b.c = nil
}

// SetAlertLevel writes the three cumulative YOLO coils for level (spec
// §4.B, §3 invariant 3: L0=000, L1=100, L2=110, L3=111). The in-memory
// current level is only updated on a successful write.
func (b *Bridge) SetAlertLevel(ctx context.Context, level analyzer.Level) error {
	values := coilsForLevel(level)
	if err := b.writeCoils(ctx, coilOutputCount+yoloMemoryStart, values); err != nil {
		return err
	}
	b.currentLevel = level
	return nil
}

func coilsForLevel(level analyzer.Level) []bool {
	switch level {
	case analyzer.LevelOne:
		return []bool{true, false, false}
	case analyzer.LevelTwo:
		return []bool{true, true, false}
	case analyzer.LevelThree:
		return []bool{true, true, true}
	default:
		return []bool{false, false, false}
	}
}

// ResetYoloFlags forces the alert level to Normal (all three coils false).
func (b *Bridge) ResetYoloFlags(ctx context.Context) error {
	return b.SetAlertLevel(ctx, analyzer.LevelNormal)
}

// SendYoloHeartbeat writes the heartbeat coil (M39). Expected cadence is at
// most every 10s; the PLC clears M39 every 15s and flashes a "not ready"
// indicator if it goes 10s without one.
func (b *Bridge) SendYoloHeartbeat(ctx context.Context) error {
	return b.SetMemoryBit(ctx, heartbeatMemory, true)
}

// SetMemoryBit writes one coil at base=6+index, with a hard 2s timeout. On
// timeout the connection is closed and marked stale so the next call
// reconnects rather than reusing a socket that may be wedged.
func (b *Bridge) SetMemoryBit(ctx context.Context, index int, value bool) error {
	if index < 0 {
		return ErrInvalidMemoryIndex
	}

	done := make(chan error, 1)
	go func() {
		done <- b.writeCoils(ctx, coilOutputCount+index, []bool{value})
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(writeHardTimeout):
		b.log.Warn("plc: write timed out, closing connection", "index", index)
		b.closeStale()
		return ErrWriteTimeout
	}
}

// writeCoils performs one atomic multi-coil write, serialized by ioLock.
func (b *Bridge) writeCoils(ctx context.Context, address int, values []bool) error {
	c, err := b.ensureClient()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	packed := packCoils(values)

	b.ioLock.Lock()
	defer b.ioLock.Unlock()

	if _, err := c.WriteMultipleCoils(uint16(address), uint16(len(values)), packed); err != nil {
		b.log.Error("plc: write_coils failed", "address", address, "err", err)
		b.closeStale()
		return fmt.Errorf("plc: write coils at %d: %w", address, err)
	}
	return nil
}

// packCoils packs up to 8 booleans per byte, little-endian bit order, the
// wire format github.com/grid-x/modbus expects for WriteMultipleCoils.
func packCoils(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// TestConnection pre-checks TCP reachability with a 1s timeout, then
// performs a trivial coil read as a protocol probe, retrying up to
// maxRetries times with delay between attempts (spec §4.B). A failed
// reachability check or coil read is only logged: the check succeeds as
// soon as a Modbus client connects.
func (b *Bridge) TestConnection(maxRetries int, delay time.Duration) bool {
	addr := fmt.Sprintf("%s:%d", b.cfg.Host, b.cfg.Port)

	for attempt := 0; attempt < maxRetries; attempt++ {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err != nil {
			b.log.Warn("plc: tcp reachability check failed", "attempt", attempt+1, "err", err)
		} else {
			_ = conn.Close()
		}

		if c, err := b.ensureClient(); err == nil {
			if _, err := c.ReadCoils(0, 1); err != nil {
				b.log.Warn("plc: connection test read_coils errored, but connection is established", "err", err)
			}
			b.log.Info("plc: connection test succeeded", "attempt", attempt+1, "max_retries", maxRetries)
			return true
		}

		if attempt < maxRetries-1 {
			time.Sleep(delay)
		}
	}

	b.log.Error("plc: connection test failed", "max_retries", maxRetries)
	return false
}

// Close shuts down the Modbus connection.
func (b *Bridge) Close() error {
	b.clientLock.Lock()
	defer b.clientLock.Unlock()

	if b.h == nil {
		return nil
	}
	err := b.h.Close()
	b.h = nil
	b.c = nil
	return err
}
