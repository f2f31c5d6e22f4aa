// Package offlinequeue is a bounded, file-persisted FIFO of telemetry
// items that couldn't be delivered immediately. Grounded on
// network_manager.py's offline_queue/_save_offline_data/_retry_offline_data
// trio, with the in-memory deque replaced by a slice-backed ring and the
// pickled-on-every-enqueue file replaced by a full JSON rewrite under the
// same "persist after every mutation" policy.
package offlinequeue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Kind distinguishes the two telemetry payload shapes the source queued.
type Kind int

const (
	KindEvent Kind = iota
	KindGPS
)

// Label returns a short English name for log lines (the source logged a
// localized Chinese friendly-name string here; an English label reads
// better in this codebase's structured logs).
func (k Kind) Label() string {
	switch k {
	case KindEvent:
		return "event"
	case KindGPS:
		return "gps"
	default:
		return "unknown"
	}
}

// Item is one pending telemetry report.
type Item struct {
	EnqueueTime time.Time       `json:"enqueue_time"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	RetryCount  int             `json:"retry_count"`
}

// Config bounds the queue and its retry cycle.
type Config struct {
	Capacity       int
	MaxRetries     int
	StoragePath    string
	EncryptionKey  []byte // 32 bytes for AES-256-GCM; nil disables at-rest encryption
}

// Queue is a bounded FIFO, mirrored to StoragePath after every mutation.
type Queue struct {
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	items []Item
}

// New builds an empty Queue. Call Load to populate it from disk.
func New(cfg Config, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &Queue{cfg: cfg, log: log}
}

// Load reads the persisted queue file, best-effort: a missing or
// unparseable file leaves the queue empty rather than aborting startup
// (spec §4.D: "unparseable file => start empty, do not abort").
func (q *Queue) Load() {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, err := os.ReadFile(q.cfg.StoragePath)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		q.log.Warn("offlinequeue: read storage file failed, starting empty", "path", q.cfg.StoragePath, "err", err)
		return
	}

	if q.cfg.EncryptionKey != nil {
		raw, err = decrypt(q.cfg.EncryptionKey, raw)
		if err != nil {
			q.log.Warn("offlinequeue: decrypt storage file failed, starting empty", "err", err)
			return
		}
	}

	var items []Item
	if err := json.Unmarshal(raw, &items); err != nil {
		q.log.Warn("offlinequeue: parse storage file failed, starting empty", "err", err)
		return
	}
	q.items = items
	q.log.Info("offlinequeue: loaded items from disk", "count", len(items))
}

// Len reports the number of items currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Enqueue appends an item and persists the queue. When the queue is at
// capacity the oldest item is dropped to make room, since the source's
// unbounded deque is explicitly capped here (spec §4.D: "bounded FIFO").
func (q *Queue) Enqueue(kind Kind, payload json.RawMessage, enqueueTime time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.Capacity > 0 && len(q.items) >= q.cfg.Capacity {
		dropped := q.items[0]
		q.items = q.items[1:]
		q.log.Warn("offlinequeue: queue full, dropping oldest item", "dropped_kind", dropped.Kind.Label())
	}

	q.items = append(q.items, Item{EnqueueTime: enqueueTime, Kind: kind, Payload: payload, RetryCount: 0})
	return q.persistLocked()
}

func (q *Queue) persistLocked() error {
	raw, err := json.MarshalIndent(q.items, "", "  ")
	if err != nil {
		return fmt.Errorf("offlinequeue: marshal items: %w", err)
	}

	if q.cfg.EncryptionKey != nil {
		raw, err = encrypt(q.cfg.EncryptionKey, raw)
		if err != nil {
			return fmt.Errorf("offlinequeue: encrypt storage file: %w", err)
		}
	}

	if err := os.WriteFile(q.cfg.StoragePath, raw, 0o600); err != nil {
		return fmt.Errorf("offlinequeue: write storage file: %w", err)
	}
	return nil
}

// Sender delivers one item and reports whether delivery succeeded.
type Sender func(ctx context.Context, item Item) (bool, error)

// RetryResult summarizes one RetryCycle invocation.
type RetryResult struct {
	Delivered int
	Dropped   int
	Aborted   bool // true if the cycle stopped early on a delivery failure
}

// RetryCycle pops and retries items from the front of the queue, up to
// cfg.MaxRetries successful deliveries, stopping immediately on the first
// failure to avoid hammering a still-unreachable endpoint (spec §4.D:
// "on failure ... cycle aborts"). An item that has now failed
// cfg.MaxRetries times is dropped with a warning instead of being retried
// forever.
func (q *Queue) RetryCycle(ctx context.Context, send Sender) RetryResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	var result RetryResult
	attempts := 0

	for len(q.items) > 0 && attempts < q.cfg.MaxRetries {
		item := q.items[0]

		ok, err := send(ctx, item)
		if err != nil {
			q.log.Warn("offlinequeue: retry send errored", "kind", item.Kind.Label(), "err", err)
		}

		if ok {
			q.items = q.items[1:]
			result.Delivered++
			attempts++
			continue
		}

		item.RetryCount++
		if item.RetryCount >= q.cfg.MaxRetries {
			q.items = q.items[1:]
			result.Dropped++
			q.log.Warn("offlinequeue: item exceeded max retries, dropping", "kind", item.Kind.Label(), "retry_count", item.RetryCount)
		} else {
			q.items[0] = item
			q.log.Warn("offlinequeue: retry failed, will retry later", "kind", item.Kind.Label(), "retry_count", item.RetryCount)
		}
		result.Aborted = true
		break
	}

	if attempts > 0 || result.Dropped > 0 || result.Aborted {
		if err := q.persistLocked(); err != nil {
			q.log.Error("offlinequeue: persist after retry cycle failed", "err", err)
		}
	}
	return result
}
