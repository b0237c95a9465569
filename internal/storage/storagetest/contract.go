// Package storagetest holds the behavioural suite every storage.Port
// implementation must pass. Adapter packages call Run from their tests.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"pastebin/internal/expiry"
	"pastebin/internal/storage"
)

// Factory opens an empty Port for one subtest. Cleanup is the factory's job.
type Factory func(t *testing.T) storage.Port

// Run executes the contract suite against ports produced by open.
func Run(t *testing.T, open Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, port storage.Port)
	}{
		{"RoundTrip", testRoundTrip},
		{"GetMissing", testGetMissing},
		{"ConflictKeepsOriginal", testConflictKeepsOriginal},
		{"DeleteIdempotent", testDeleteIdempotent},
		{"RetiredIDConflicts", testRetiredIDConflicts},
		{"ScanExpired", testScanExpired},
		{"ScanWhileDeleting", testScanWhileDeleting},
		{"FarFutureExpiry", testFarFutureExpiry},
		{"ConcurrentInsertSameID", testConcurrentInsertSameID},
		{"LargePayload", testLargePayload},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

// Now is a millisecond-aligned reference instant shared by the suite.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func meta(created time.Time, exp expiry.ExpiresAt) storage.Metadata {
	return storage.Metadata{
		ContentType: "text/plain; charset=utf-8",
		CreatedAt:   created,
		ExpiresAt:   exp,
	}
}

func mustInsert(t *testing.T, port storage.Port, id string, m storage.Metadata, payload []byte) {
	t.Helper()
	if err := port.InsertIfAbsent(context.Background(), id, m, payload); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
}

func testRoundTrip(t *testing.T, port storage.Port) {
	ctx := context.Background()
	now := Now()
	payload := []byte{0x00, 0xff, 'h', 'i', 0x00}

	named := storage.Metadata{
		ContentType: "application/octet-stream",
		FileName:    "blob.bin",
		CreatedAt:   now,
		ExpiresAt:   expiry.At(now.Add(time.Hour)),
	}
	mustInsert(t, port, "named", named, payload)
	mustInsert(t, port, "forever", meta(now, expiry.Never()), []byte("hello"))

	got, err := port.Get(ctx, "named")
	if err != nil {
		t.Fatalf("get named: %v", err)
	}
	if got.ID != "named" {
		t.Fatalf("expected id named got %q", got.ID)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch: %v", got.Payload)
	}
	if got.ContentType != named.ContentType || got.FileName != named.FileName {
		t.Fatalf("metadata mismatch: %+v", got.Metadata)
	}
	if !got.CreatedAt.Equal(now) {
		t.Fatalf("created_at mismatch: want %v got %v", now, got.CreatedAt)
	}
	if !got.ExpiresAt.Equal(named.ExpiresAt) {
		t.Fatalf("expires_at mismatch: want %v got %v", named.ExpiresAt, got.ExpiresAt)
	}

	forever, err := port.Get(ctx, "forever")
	if err != nil {
		t.Fatalf("get forever: %v", err)
	}
	if !forever.ExpiresAt.IsNever() {
		t.Fatalf("expected never expiry, got %v", forever.ExpiresAt)
	}
	if forever.HasFileName() {
		t.Fatalf("expected no file name, got %q", forever.FileName)
	}
}

func testGetMissing(t *testing.T, port storage.Port) {
	if _, err := port.Get(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func testConflictKeepsOriginal(t *testing.T, port storage.Port) {
	ctx := context.Background()
	now := Now()
	mustInsert(t, port, "taken", meta(now, expiry.Never()), []byte("first"))

	err := port.InsertIfAbsent(ctx, "taken", meta(now, expiry.At(now.Add(time.Minute))), []byte("second"))
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected ErrConflict got %v", err)
	}
	got, err := port.Get(ctx, "taken")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Payload) != "first" || !got.ExpiresAt.IsNever() {
		t.Fatalf("original record modified: %q %v", got.Payload, got.ExpiresAt)
	}
}

func testDeleteIdempotent(t *testing.T, port storage.Port) {
	ctx := context.Background()
	mustInsert(t, port, "doomed", meta(Now(), expiry.Never()), []byte("x"))

	removed, err := port.Delete(ctx, "doomed")
	if err != nil || !removed {
		t.Fatalf("first delete: removed=%v err=%v", removed, err)
	}
	removed, err = port.Delete(ctx, "doomed")
	if err != nil || removed {
		t.Fatalf("second delete: removed=%v err=%v", removed, err)
	}
	removed, err = port.Delete(ctx, "never-existed")
	if err != nil || removed {
		t.Fatalf("delete missing: removed=%v err=%v", removed, err)
	}
	if _, err := port.Get(ctx, "doomed"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete got %v", err)
	}
}

func testRetiredIDConflicts(t *testing.T, port storage.Port) {
	ctx := context.Background()
	now := Now()
	mustInsert(t, port, "reused", meta(now, expiry.Never()), []byte("old"))
	if _, err := port.Delete(ctx, "reused"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	err := port.InsertIfAbsent(ctx, "reused", meta(now, expiry.Never()), []byte("new"))
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("expected retired id to conflict, got %v", err)
	}
	if _, err := port.Get(ctx, "reused"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("retired id must stay unreadable, got %v", err)
	}
}

func collect(t *testing.T, port storage.Port, now time.Time) []string {
	t.Helper()
	var ids []string
	for id, err := range port.ScanExpired(context.Background(), now) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func testScanExpired(t *testing.T, port storage.Port) {
	now := Now()
	mustInsert(t, port, "past", meta(now.Add(-time.Hour), expiry.At(now.Add(-time.Minute))), []byte("a"))
	mustInsert(t, port, "edge", meta(now.Add(-time.Hour), expiry.At(now)), []byte("b"))
	mustInsert(t, port, "future", meta(now, expiry.At(now.Add(time.Minute))), []byte("c"))
	mustInsert(t, port, "forever", meta(now, expiry.Never()), []byte("d"))
	mustInsert(t, port, "gone", meta(now.Add(-time.Hour), expiry.At(now.Add(-time.Minute))), []byte("e"))
	if _, err := port.Delete(context.Background(), "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got := collect(t, port, now)
	want := []string{"edge", "past"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v got %v", want, got)
	}
	// Restartable: a second scan sees the same state.
	if again := collect(t, port, now); fmt.Sprint(again) != fmt.Sprint(want) {
		t.Fatalf("second scan expected %v got %v", want, again)
	}
	if none := collect(t, port, now.Add(-2*time.Minute)); len(none) != 0 {
		t.Fatalf("expected nothing expired earlier, got %v", none)
	}
}

// Expiries past the int64 nanosecond range must survive storage intact.
func testFarFutureExpiry(t *testing.T, port storage.Port) {
	ctx := context.Background()
	now := Now()
	far := map[string]time.Time{
		"y2286": time.Unix(9999999999, 0).UTC(),
		"y2554": time.Unix(18446744074, 0).UTC(),
		"max":   expiry.Max,
	}
	for id, at := range far {
		mustInsert(t, port, id, meta(now, expiry.At(at)), []byte(id))
	}
	for id, at := range far {
		rec, err := port.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if !rec.ExpiresAt.Equal(expiry.At(at)) {
			t.Fatalf("%s: expected expiry %s got %s", id, at, rec.ExpiresAt)
		}
		if expiry.IsExpired(rec.ExpiresAt, now) {
			t.Fatalf("%s: reported expired", id)
		}
	}
	if got := collect(t, port, now); len(got) != 0 {
		t.Fatalf("far-future pastes yielded by scan: %v", got)
	}
	if got := collect(t, port, expiry.Max); fmt.Sprint(got) != "[max y2286 y2554]" {
		t.Fatalf("expected every paste expired at the maximum, got %v", got)
	}
}

func testScanWhileDeleting(t *testing.T, port storage.Port) {
	ctx := context.Background()
	now := Now()
	const n = 300
	for i := 0; i < n; i++ {
		exp := expiry.At(now.Add(-time.Duration(i+1) * time.Millisecond))
		mustInsert(t, port, fmt.Sprintf("exp-%04d", i), meta(now.Add(-time.Hour), exp), []byte{byte(i)})
	}
	mustInsert(t, port, "keep", meta(now, expiry.At(now.Add(time.Hour))), []byte("k"))

	seen := make(map[string]struct{})
	for id, err := range port.ScanExpired(ctx, now) {
		if err != nil {
			t.Fatalf("scan: %v", err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("id %s yielded twice", id)
		}
		seen[id] = struct{}{}
		removed, err := port.Delete(ctx, id)
		if err != nil || !removed {
			t.Fatalf("delete %s during scan: removed=%v err=%v", id, removed, err)
		}
	}
	if len(seen) != n {
		t.Fatalf("expected %d expired ids, got %d", n, len(seen))
	}
	if left := collect(t, port, now); len(left) != 0 {
		t.Fatalf("expected empty scan after sweep, got %v", left)
	}
	if _, err := port.Get(ctx, "keep"); err != nil {
		t.Fatalf("live paste lost: %v", err)
	}
}

func testConcurrentInsertSameID(t *testing.T, port storage.Port) {
	const writers = 16
	now := Now()
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := port.InsertIfAbsent(context.Background(), "contended", meta(now, expiry.Never()), []byte(fmt.Sprintf("writer-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, i)
			case errors.Is(err, storage.ErrConflict):
				conflicts++
			default:
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if len(winners) != 1 || conflicts != writers-1 {
		t.Fatalf("expected exactly one winner, got winners=%v conflicts=%d", winners, conflicts)
	}
	got, err := port.Get(context.Background(), "contended")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if want := fmt.Sprintf("writer-%d", winners[0]); string(got.Payload) != want {
		t.Fatalf("expected winner payload %q got %q", want, got.Payload)
	}
}

func testLargePayload(t *testing.T, port storage.Port) {
	size := int64(4 << 20)
	if l, ok := port.(storage.PayloadLimiter); ok && l.MaxPayloadBytes() < size {
		size = l.MaxPayloadBytes()
	}
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	mustInsert(t, port, "large", meta(Now(), expiry.Never()), payload)
	got, err := port.Get(context.Background(), "large")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("large payload corrupted (len %d vs %d)", len(got.Payload), len(payload))
	}
}
