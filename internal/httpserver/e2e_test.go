package httpserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"pastebin/internal/id"
	"pastebin/internal/janitor"
	"pastebin/internal/paste"
	"pastebin/internal/storage/boltstore"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestEndToEndCreateReadExpireSweep(t *testing.T) {
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "pastes.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := &manualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	pastes, err := paste.New(paste.Config{Port: store, IDs: id.New(12), Now: clock.Now})
	if err != nil {
		t.Fatalf("new paste store: %v", err)
	}
	sweeper, err := janitor.New(janitor.Config{Port: store, Now: clock.Now})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	srv, err := New(Config{Pastes: pastes})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	client := &http.Client{Timeout: 5 * time.Second, CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	expires := clock.Now().Add(time.Minute).Unix()
	resp, err := client.Post(ts.URL+"/hello.txt?expires="+strconv.FormatInt(expires, 10), "", strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	created, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 got %d", resp.StatusCode)
	}
	loc := strings.TrimSpace(string(created))
	if !strings.HasPrefix(loc, ts.URL+"/") {
		t.Fatalf("unexpected location %q", loc)
	}

	viewResp, err := client.Get(loc)
	if err != nil {
		t.Fatalf("get view: %v", err)
	}
	viewResp.Body.Close()
	if viewResp.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("expected 301 got %d", viewResp.StatusCode)
	}

	rawResp, err := client.Get(viewResp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("get raw: %v", err)
	}
	rawBody, err := io.ReadAll(rawResp.Body)
	rawResp.Body.Close()
	if err != nil {
		t.Fatalf("read raw: %v", err)
	}
	if rawResp.StatusCode != http.StatusOK {
		t.Fatalf("raw status %d", rawResp.StatusCode)
	}
	if string(rawBody) != "hello world" {
		t.Fatalf("raw body mismatch")
	}
	if rawResp.Header.Get("Expires") == "" {
		t.Fatalf("expected Expires header on expiring paste")
	}

	clock.Advance(2 * time.Minute)

	goneResp, err := client.Get(loc)
	if err != nil {
		t.Fatalf("get expired: %v", err)
	}
	goneResp.Body.Close()
	if goneResp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after expiry got %d", goneResp.StatusCode)
	}

	res := sweeper.Sweep(t.Context())
	if res.Err != nil || res.Removed != 1 {
		t.Fatalf("unexpected sweep result %+v", res)
	}

	// The id stays retired, so the paste never comes back.
	again, err := client.Get(loc)
	if err != nil {
		t.Fatalf("get after sweep: %v", err)
	}
	again.Body.Close()
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after sweep got %d", again.StatusCode)
	}
}

func TestEndToEndFarFutureSurvivesSweep(t *testing.T) {
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "pastes.db"))
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	pastes, err := paste.New(paste.Config{Port: store})
	if err != nil {
		t.Fatalf("new paste store: %v", err)
	}
	sweeper, err := janitor.New(janitor.Config{Port: store})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	srv, err := New(Config{Pastes: pastes})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/?expires=18446744074", "", strings.NewReader("centuries"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	created, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 got %d", resp.StatusCode)
	}
	loc := strings.TrimSpace(string(created))

	if res := sweeper.Sweep(t.Context()); res.Removed != 0 || res.Err != nil {
		t.Fatalf("sweep touched a far-future paste: %+v", res)
	}
	got, err := http.Get(loc)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(got.Body)
	got.Body.Close()
	if got.StatusCode != http.StatusOK || string(body) != "centuries" {
		t.Fatalf("expected far-future paste readable, got %d %q", got.StatusCode, body)
	}
}
