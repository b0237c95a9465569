package httpserver

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/time/rate"

	"pastebin/internal/expiry"
	"pastebin/internal/id"
	"pastebin/internal/metrics"
	"pastebin/internal/paste"
	"pastebin/internal/storage"
)

type memoryPort struct {
	mu      sync.RWMutex
	pastes  map[string]*storage.Record
	retired map[string]struct{}
	failGet error
}

func newMemoryPort() *memoryPort {
	return &memoryPort{
		pastes:  make(map[string]*storage.Record),
		retired: make(map[string]struct{}),
	}
}

func (m *memoryPort) InsertIfAbsent(ctx context.Context, id string, meta storage.Metadata, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pastes[id]; ok {
		return storage.ErrConflict
	}
	if _, ok := m.retired[id]; ok {
		return storage.ErrConflict
	}
	m.pastes[id] = &storage.Record{ID: id, Metadata: meta, Payload: bytes.Clone(payload)}
	return nil
}

func (m *memoryPort) Get(ctx context.Context, id string) (*storage.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failGet != nil {
		return nil, m.failGet
	}
	p, ok := m.pastes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memoryPort) Delete(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pastes[id]; !ok {
		return false, nil
	}
	delete(m.pastes, id)
	m.retired[id] = struct{}{}
	return true, nil
}

func (m *memoryPort) ScanExpired(ctx context.Context, now time.Time) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {}
}

func (m *memoryPort) Close() error { return nil }

type testServer struct {
	srv  *Server
	port *memoryPort
}

func newTestServer(t *testing.T, mutate func(*paste.Config, *Config)) *testServer {
	t.Helper()
	port := newMemoryPort()
	pcfg := paste.Config{Port: port, IDs: id.New(12), MaxPayloadBytes: 1024}
	scfg := Config{}
	if mutate != nil {
		mutate(&pcfg, &scfg)
	}
	store, err := paste.New(pcfg)
	if err != nil {
		t.Fatalf("new paste store: %v", err)
	}
	scfg.Pastes = store
	srv, err := New(scfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &testServer{srv: srv, port: port}
}

func (ts *testServer) do(method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func pathOf(t *testing.T, location string) string {
	t.Helper()
	i := strings.Index(location, "://")
	if i < 0 {
		t.Fatalf("location %q is not absolute", location)
	}
	rest := location[i+3:]
	return rest[strings.Index(rest, "/"):]
}

func TestCreateReadDeleteFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	// curl --data sends a form content type; it must not become the paste type.
	form := http.Header{"Content-Type": {"application/x-www-form-urlencoded"}}
	rr := ts.do(http.MethodPost, "/", []byte("hello"), form)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d: %s", rr.Code, rr.Body.String())
	}
	loc := rr.Header().Get("Location")
	if loc == "" || rr.Body.String() != loc+"\n" {
		t.Fatalf("expected body to echo location, got %q / %q", rr.Body.String(), loc)
	}
	path := pathOf(t, loc)

	view := ts.do(http.MethodGet, path, nil, nil)
	if view.Code != http.StatusOK {
		t.Fatalf("view status: %d", view.Code)
	}
	if view.Body.String() != "hello" {
		t.Fatalf("unexpected body %q", view.Body.String())
	}
	if ct := view.Header().Get("Content-Type"); ct != paste.DefaultContentType {
		t.Fatalf("unexpected content type %q", ct)
	}
	etag := view.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing etag")
	}
	if cached := ts.do(http.MethodGet, path, nil, http.Header{"If-None-Match": {etag}}); cached.Code != http.StatusNotModified {
		t.Fatalf("expected 304 got %d", cached.Code)
	}

	if del := ts.do(http.MethodDelete, path, nil, nil); del.Code != http.StatusOK {
		t.Fatalf("delete status: %d", del.Code)
	}
	if del := ts.do(http.MethodDelete, path, nil, nil); del.Code != http.StatusNotFound {
		t.Fatalf("second delete status: %d", del.Code)
	}
	if gone := ts.do(http.MethodGet, path, nil, nil); gone.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete got %d", gone.Code)
	}
}

func TestNamedPasteRedirects(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(http.MethodPut, "/data.json", []byte(`{"a":1}`), nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rr.Code)
	}
	loc := rr.Header().Get("Location")

	redirect := ts.do(http.MethodGet, pathOf(t, loc), nil, nil)
	if redirect.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301 got %d", redirect.Code)
	}
	target := redirect.Header().Get("Location")
	if target != loc+"/data.json" {
		t.Fatalf("unexpected redirect target %q", target)
	}

	raw := ts.do(http.MethodGet, pathOf(t, target), nil, nil)
	if raw.Code != http.StatusOK {
		t.Fatalf("raw status %d", raw.Code)
	}
	if ct := raw.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json got %q", ct)
	}
	if cd := raw.Header().Get("Content-Disposition"); !strings.Contains(cd, "data.json") {
		t.Fatalf("unexpected content disposition %q", cd)
	}
}

func TestRedirectKeepsBaseURLPrefix(t *testing.T) {
	ts := newTestServer(t, func(_ *paste.Config, s *Config) { s.BaseURL = "https://example.org/paste/" })
	rr := ts.do(http.MethodPut, "/notes.json", []byte(`[]`), nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d", rr.Code)
	}
	loc := rr.Header().Get("Location")
	pasteID, ok := strings.CutPrefix(loc, "https://example.org/paste/")
	if !ok {
		t.Fatalf("expected base url prefix in %q", loc)
	}

	redirect := ts.do(http.MethodGet, "/"+pasteID, nil, nil)
	if redirect.Code != http.StatusMovedPermanently {
		t.Fatalf("expected 301 got %d", redirect.Code)
	}
	if want := "https://example.org/paste/" + pasteID + "/notes.json"; redirect.Header().Get("Location") != want {
		t.Fatalf("expected redirect to %q got %q", want, redirect.Header().Get("Location"))
	}
}

func TestCreateExpiresParam(t *testing.T) {
	ts := newTestServer(t, nil)
	cases := []struct {
		query string
		want  int
	}{
		{"?expires=never", http.StatusCreated},
		{"?expires=4102444800", http.StatusCreated},
		{"?expires=9999999999", http.StatusCreated},
		{"?expires=253402300800", http.StatusBadRequest},
		{"?expires=1", http.StatusBadRequest},
		{"?expires=tomorrow", http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rr := ts.do(http.MethodPost, "/"+tc.query, []byte("x"), nil); rr.Code != tc.want {
			t.Fatalf("%s: expected %d got %d", tc.query, tc.want, rr.Code)
		}
	}
}

func TestPayloadSizeBoundary(t *testing.T) {
	ts := newTestServer(t, func(p *paste.Config, _ *Config) { p.MaxPayloadBytes = 16 })
	if rr := ts.do(http.MethodPost, "/", bytes.Repeat([]byte("a"), 16), nil); rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 at ceiling got %d", rr.Code)
	}
	if rr := ts.do(http.MethodPost, "/", bytes.Repeat([]byte("a"), 17), nil); rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 over ceiling got %d", rr.Code)
	}
}

func TestExpiredPasteNotServed(t *testing.T) {
	ts := newTestServer(t, nil)
	now := time.Now().UTC()
	meta := storage.Metadata{
		ContentType: "text/plain",
		CreatedAt:   now.Add(-time.Hour),
		ExpiresAt:   expiry.At(now.Add(-time.Minute)),
	}
	if err := ts.port.InsertIfAbsent(context.Background(), "stale", meta, []byte("old")); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rr := ts.do(http.MethodGet, "/stale", nil, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for expired paste got %d", rr.Code)
	}
	// Still physically present, so delete succeeds.
	if rr := ts.do(http.MethodDelete, "/stale", nil, nil); rr.Code != http.StatusOK {
		t.Fatalf("expected expired paste deletable got %d", rr.Code)
	}
}

func TestStorageFailureIs500(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.port.failGet = errors.New("backend down")
	if rr := ts.do(http.MethodGet, "/anything", nil, nil); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 got %d", rr.Code)
	}
}

func TestQRCode(t *testing.T) {
	ts := newTestServer(t, func(_ *paste.Config, s *Config) { s.BaseURL = "https://paste.example.com/" })
	rr := ts.do(http.MethodPost, "/", []byte("qr me"), nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status %d", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://paste.example.com/") {
		t.Fatalf("expected base url in location, got %q", loc)
	}
	pasteID := strings.TrimPrefix(loc, "https://paste.example.com/")

	qr := ts.do(http.MethodGet, "/qr/"+pasteID, nil, nil)
	if qr.Code != http.StatusOK || qr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("unexpected qr response %d %q", qr.Code, qr.Header().Get("Content-Type"))
	}
	if missing := ts.do(http.MethodGet, "/qr/nope", nil, nil); missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown qr id got %d", missing.Code)
	}
}

func TestUsage(t *testing.T) {
	ts := newTestServer(t, nil)
	rr := ts.do(http.MethodGet, "/", nil, nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "curl") {
		t.Fatalf("unexpected usage response %d %q", rr.Code, rr.Body.String())
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	ts := newTestServer(t, func(_ *paste.Config, s *Config) {
		s.RateLimiter = NewRateLimiter(rate.Limit(1), 1, time.Minute)
		s.Metrics = m
	})

	// First request allowed
	req1 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req1.RemoteAddr = "1.2.3.4:1234"
	res1 := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(res1, req1)
	if res1.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", res1.Code)
	}

	// Second immediate request should be limited
	req2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req2.RemoteAddr = "1.2.3.4:1234"
	res2 := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(res2, req2)
	if res2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", res2.Code)
	}
	if got := testutil.ToFloat64(m.RateLimitHits.WithLabelValues(http.MethodGet)); got != 1 {
		t.Fatalf("expected 1 rate limit hit got %v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ts := newTestServer(t, func(p *paste.Config, s *Config) {
		p.Metrics = m
		s.Metrics = m
		s.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	})
	if rr := ts.do(http.MethodPost, "/", []byte("count me"), nil); rr.Code != http.StatusCreated {
		t.Fatalf("create status %d", rr.Code)
	}
	rr := ts.do(http.MethodGet, "/metrics", nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"pastebin_pastes_created_total 1", `route="/"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if ip := ClientIP(req, false); ip != "10.0.0.1" {
		t.Fatalf("expected remote addr without proxy trust, got %q", ip)
	}
	if ip := ClientIP(req, true); ip != "203.0.113.9" {
		t.Fatalf("expected forwarded ip, got %q", ip)
	}
}
