package offlinequeue_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/musepi/drivemonitord/internal/offlinequeue"
)

func newTestQueue(t *testing.T, cap int) *offlinequeue.Queue {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offline_data.json")
	return offlinequeue.New(offlinequeue.Config{Capacity: cap, MaxRetries: 3, StoragePath: path}, nil)
}

func TestEnqueueAndPersistRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline_data.json")
	q := offlinequeue.New(offlinequeue.Config{Capacity: 10, MaxRetries: 3, StoragePath: path}, nil)

	if err := q.Enqueue(offlinequeue.KindEvent, json.RawMessage(`{"a":1}`), time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}

	q2 := offlinequeue.New(offlinequeue.Config{Capacity: 10, MaxRetries: 3, StoragePath: path}, nil)
	q2.Load()
	if q2.Len() != 1 {
		t.Fatalf("Len after reload = %d, want 1", q2.Len())
	}
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	q := offlinequeue.New(offlinequeue.Config{Capacity: 10, StoragePath: filepath.Join(t.TempDir(), "missing.json")}, nil)
	q.Load()
	if q.Len() != 0 {
		t.Fatalf("Len = %d, want 0", q.Len())
	}
}

func TestEnqueueDropsOldestAtCapacity(t *testing.T) {
	q := newTestQueue(t, 2)
	_ = q.Enqueue(offlinequeue.KindEvent, json.RawMessage(`{"n":1}`), time.Now())
	_ = q.Enqueue(offlinequeue.KindEvent, json.RawMessage(`{"n":2}`), time.Now())
	_ = q.Enqueue(offlinequeue.KindEvent, json.RawMessage(`{"n":3}`), time.Now())

	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}
}

func TestRetryCycleDeliversUntilEmpty(t *testing.T) {
	q := newTestQueue(t, 10)
	for i := 0; i < 2; i++ {
		_ = q.Enqueue(offlinequeue.KindGPS, json.RawMessage(`{}`), time.Now())
	}

	result := q.RetryCycle(context.Background(), func(ctx context.Context, item offlinequeue.Item) (bool, error) {
		return true, nil
	})

	if result.Delivered != 2 || result.Dropped != 0 || result.Aborted {
		t.Fatalf("got %+v, want 2 delivered, none dropped, not aborted", result)
	}
	if q.Len() != 0 {
		t.Fatalf("Len = %d, want 0", q.Len())
	}
}

func TestRetryCycleAbortsOnFirstFailure(t *testing.T) {
	q := newTestQueue(t, 10)
	_ = q.Enqueue(offlinequeue.KindEvent, json.RawMessage(`{"n":1}`), time.Now())
	_ = q.Enqueue(offlinequeue.KindEvent, json.RawMessage(`{"n":2}`), time.Now())

	calls := 0
	result := q.RetryCycle(context.Background(), func(ctx context.Context, item offlinequeue.Item) (bool, error) {
		calls++
		return false, nil
	})

	if calls != 1 {
		t.Fatalf("send called %d times, want 1 (cycle must abort on first failure)", calls)
	}
	if result.Aborted != true || result.Delivered != 0 {
		t.Fatalf("got %+v, want aborted with 0 delivered", result)
	}
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (failed item stays queued)", q.Len())
	}
}

func TestRetryCycleDropsItemAfterMaxRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline_data.json")
	q := offlinequeue.New(offlinequeue.Config{Capacity: 10, MaxRetries: 2, StoragePath: path}, nil)
	_ = q.Enqueue(offlinequeue.KindEvent, json.RawMessage(`{"n":1}`), time.Now())

	alwaysFail := func(ctx context.Context, item offlinequeue.Item) (bool, error) { return false, nil }

	r1 := q.RetryCycle(context.Background(), alwaysFail)
	if r1.Aborted != true || q.Len() != 1 {
		t.Fatalf("after first failed cycle: got %+v, Len=%d, want item still queued", r1, q.Len())
	}

	r2 := q.RetryCycle(context.Background(), alwaysFail)
	if r2.Dropped != 1 || q.Len() != 0 {
		t.Fatalf("after second failed cycle: got %+v, Len=%d, want item dropped", r2, q.Len())
	}
}

func TestRetryCycleStopsAtMaxRetriesSuccessesPerCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline_data.json")
	q := offlinequeue.New(offlinequeue.Config{Capacity: 10, MaxRetries: 2, StoragePath: path}, nil)
	for i := 0; i < 5; i++ {
		_ = q.Enqueue(offlinequeue.KindGPS, json.RawMessage(`{}`), time.Now())
	}

	result := q.RetryCycle(context.Background(), func(ctx context.Context, item offlinequeue.Item) (bool, error) {
		return true, nil
	})

	if result.Delivered != 2 {
		t.Fatalf("Delivered = %d, want 2 (capped at MaxRetries successes per cycle)", result.Delivered)
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3 remaining", q.Len())
	}
}

func TestLoadOrCreateKeyReloadsPersistedKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "network_key.bin")
	key, err := offlinequeue.LoadOrCreateKey(keyPath)
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}
	if len(key) != 32 {
		t.Fatalf("key length = %d, want 32", len(key))
	}

	key2, err := offlinequeue.LoadOrCreateKey(keyPath)
	if err != nil {
		t.Fatalf("LoadOrCreateKey (reload): %v", err)
	}
	if !bytesEqual(key, key2) {
		t.Fatal("expected the same key to be reloaded from disk, not regenerated")
	}
}

func TestEncryptedQueueRoundTrip(t *testing.T) {
	dir := t.TempDir()
	key, err := offlinequeue.LoadOrCreateKey(filepath.Join(dir, "network_key.bin"))
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}

	path := filepath.Join(dir, "offline_data.json")
	q := offlinequeue.New(offlinequeue.Config{Capacity: 10, MaxRetries: 3, StoragePath: path, EncryptionKey: key}, nil)
	if err := q.Enqueue(offlinequeue.KindGPS, json.RawMessage(`{"lat":1.5}`), time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	q2 := offlinequeue.New(offlinequeue.Config{Capacity: 10, MaxRetries: 3, StoragePath: path, EncryptionKey: key}, nil)
	q2.Load()
	if q2.Len() != 1 {
		t.Fatalf("Len after encrypted reload = %d, want 1", q2.Len())
	}

	wrongKey := make([]byte, 32)
	q3 := offlinequeue.New(offlinequeue.Config{Capacity: 10, MaxRetries: 3, StoragePath: path, EncryptionKey: wrongKey}, nil)
	q3.Load()
	if q3.Len() != 0 {
		t.Fatal("expected reload with the wrong key to fail closed (empty queue), not silently decrypt")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
