package janitor

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"pastebin/internal/expiry"
	"pastebin/internal/metrics"
	"pastebin/internal/storage"
	"pastebin/internal/storage/boltstore"
)

type scriptedPort struct {
	mu        sync.Mutex
	expired   []string
	failOn    map[string]bool
	scanErr   error
	deleted   []string
	scanCalls int
}

func (p *scriptedPort) InsertIfAbsent(ctx context.Context, id string, meta storage.Metadata, payload []byte) error {
	return nil
}

func (p *scriptedPort) Get(ctx context.Context, id string) (*storage.Record, error) {
	return nil, storage.ErrNotFound
}

func (p *scriptedPort) Delete(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn[id] {
		return false, errors.New("delete failed")
	}
	p.deleted = append(p.deleted, id)
	return true, nil
}

func (p *scriptedPort) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[string, error] {
	p.mu.Lock()
	p.scanCalls++
	ids := append([]string(nil), p.expired...)
	scanErr := p.scanErr
	p.mu.Unlock()
	return func(yield func(string, error) bool) {
		for _, id := range ids {
			if !yield(id, nil) {
				return
			}
		}
		if scanErr != nil {
			yield("", scanErr)
		}
	}
}

func (p *scriptedPort) Close() error { return nil }

func TestSweepSkipsFailedDeletes(t *testing.T) {
	port := &scriptedPort{
		expired: []string{"a", "b", "c"},
		failOn:  map[string]bool{"b": true},
	}
	m := metrics.New(prometheus.NewRegistry())
	j, err := New(Config{Port: port, Metrics: m})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	res := j.Sweep(context.Background())
	if res.Removed != 2 || res.Failed != 1 || res.Err != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(port.deleted) != 2 || port.deleted[0] != "a" || port.deleted[1] != "c" {
		t.Fatalf("expected a and c deleted, got %v", port.deleted)
	}
	if got := testutil.ToFloat64(m.Swept); got != 2 {
		t.Fatalf("expected 2 swept got %v", got)
	}
	if got := testutil.ToFloat64(m.SweepErrors); got != 1 {
		t.Fatalf("expected 1 sweep error got %v", got)
	}
}

func TestSweepScanErrorStopsCycle(t *testing.T) {
	port := &scriptedPort{expired: []string{"a"}, scanErr: errors.New("backend down")}
	j, err := New(Config{Port: port})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	res := j.Sweep(context.Background())
	if res.Err == nil || res.Removed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSweepNothingIsNoop(t *testing.T) {
	j, err := New(Config{Port: &scriptedPort{}})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	if res := j.Sweep(context.Background()); res != (Result{}) {
		t.Fatalf("expected empty result got %+v", res)
	}
}

func TestSweepReclaimsFromBolt(t *testing.T) {
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "sweep.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	insert := func(id string, exp expiry.ExpiresAt) {
		meta := storage.Metadata{ContentType: "text/plain", CreatedAt: now.Add(-time.Hour), ExpiresAt: exp}
		if err := store.InsertIfAbsent(ctx, id, meta, []byte(id)); err != nil {
			t.Fatalf("insert %s: %v", id, err)
		}
	}
	insert("old", expiry.At(now.Add(-time.Minute)))
	insert("fresh", expiry.At(now.Add(time.Hour)))
	insert("forever", expiry.Never())

	j, err := New(Config{Port: store, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	if res := j.Sweep(ctx); res.Removed != 1 {
		t.Fatalf("expected 1 removed got %+v", res)
	}
	if _, err := store.Get(ctx, "old"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected old reclaimed got %v", err)
	}
	for _, id := range []string{"fresh", "forever"} {
		if _, err := store.Get(ctx, id); err != nil {
			t.Fatalf("expected %s kept: %v", id, err)
		}
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	port := &scriptedPort{}
	j, err := New(Config{Port: port, Interval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = j.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		port.mu.Lock()
		calls := port.scanCalls
		port.mu.Unlock()
		if calls >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("janitor did not tick")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor did not stop")
	}
}
