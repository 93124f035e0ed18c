package sessionguard

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aadithya-v/sessionguard/store"
)

const testKey = "0123456789abcdef0123456789abcdef"

var (
	basic = Provider{Type: "basic", Name: "basic1"}
	saml  = Provider{Type: "saml", Name: "saml1"}
)

// clock is a controllable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingStore records the writes reaching the index.
type countingStore struct {
	*store.MemoryStore

	mu          sync.Mutex
	creates     []*store.Record
	updates     []*store.Record
	invalidates []store.Filter
}

func newCountingStore(opts ...store.Option) *countingStore {
	return &countingStore{MemoryStore: store.NewMemoryStore(opts...)}
}

func (s *countingStore) Create(ctx context.Context, rec *store.Record) (*store.Record, error) {
	s.mu.Lock()
	s.creates = append(s.creates, rec.Clone())
	s.mu.Unlock()
	return s.MemoryStore.Create(ctx, rec)
}

func (s *countingStore) Update(ctx context.Context, rec *store.Record) (*store.Record, error) {
	s.mu.Lock()
	s.updates = append(s.updates, rec.Clone())
	s.mu.Unlock()
	return s.MemoryStore.Update(ctx, rec)
}

func (s *countingStore) Invalidate(ctx context.Context, filter store.Filter) (int, error) {
	s.mu.Lock()
	s.invalidates = append(s.invalidates, filter)
	s.mu.Unlock()
	return s.MemoryStore.Invalidate(ctx, filter)
}

func (s *countingStore) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

// recordingAuditor keeps every audit event.
type recordingAuditor struct {
	mu     sync.Mutex
	events []ConcurrentLimitLogoutEvent
}

func (a *recordingAuditor) LogConcurrentLimitLogout(_ context.Context, e ConcurrentLimitLogoutEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

type fixture struct {
	manager *Manager
	store   *countingStore
	clock   *clock
	auditor *recordingAuditor
	logs    *bytes.Buffer
}

// newFixture builds a Manager over a counting memory store. cfg may set
// timeouts; collaborators are always replaced with test doubles.
func newFixture(t *testing.T, cfg Config, opts ...store.Option) *fixture {
	t.Helper()

	f := &fixture{
		store:   newCountingStore(opts...),
		clock:   newClock(),
		auditor: &recordingAuditor{},
		logs:    &bytes.Buffer{},
	}

	cfg.EncryptionKey = testKey
	cfg.IndexStore = f.store
	cfg.Auditor = f.auditor
	cfg.Now = f.clock.Now
	cfg.CleanupInterval = Disabled
	cfg.Logger = slog.New(slog.NewTextHandler(f.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	f.manager = m
	return f
}

// browser carries the session cookie between requests.
type browser struct {
	cookie *http.Cookie
}

// do runs fn with a request carrying the current cookie and applies the
// cookie changes of the response.
func (b *browser) do(fn func(w http.ResponseWriter, r *http.Request)) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	if b.cookie != nil {
		r.AddCookie(b.cookie)
	}

	w := httptest.NewRecorder()
	fn(w, r)

	for _, c := range w.Result().Cookies() {
		if c.Name != "sid" {
			continue
		}
		if c.MaxAge < 0 {
			b.cookie = nil
		} else {
			b.cookie = c
		}
	}
	return w
}

func (f *fixture) create(t *testing.T, b *browser, ns NewSession) *SessionValue {
	t.Helper()

	var v *SessionValue
	b.do(func(w http.ResponseWriter, r *http.Request) {
		var err error
		v, err = f.manager.Create(w, r, ns)
		require.NoError(t, err)
	})
	require.NotNil(t, v)
	require.NotNil(t, b.cookie)
	return v
}

func (f *fixture) get(b *browser) (*SessionValue, error) {
	var (
		v   *SessionValue
		err error
	)
	b.do(func(w http.ResponseWriter, r *http.Request) {
		v, err = f.manager.Get(w, r)
	})
	return v, err
}

func (f *fixture) extend(t *testing.T, b *browser, v *SessionValue) *SessionValue {
	t.Helper()

	var out *SessionValue
	b.do(func(w http.ResponseWriter, r *http.Request) {
		var err error
		out, err = f.manager.Extend(w, r, v)
		require.NoError(t, err)
	})
	return out
}

func (f *fixture) update(t *testing.T, b *browser, v *SessionValue) *SessionValue {
	t.Helper()

	var out *SessionValue
	b.do(func(w http.ResponseWriter, r *http.Request) {
		var err error
		out, err = f.manager.Update(w, r, v)
		require.NoError(t, err)
	})
	return out
}

func (f *fixture) invalidate(t *testing.T, b *browser, filter InvalidateFilter) int {
	t.Helper()

	var n int
	b.do(func(w http.ResponseWriter, r *http.Request) {
		var err error
		n, err = f.manager.Invalidate(w, r, filter)
		require.NoError(t, err)
	})
	return n
}

func ptr(t time.Time) *time.Time {
	return &t
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
