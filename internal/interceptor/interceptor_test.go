package interceptor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"shell0/internal/cachestore"
	"shell0/internal/clock"
	"shell0/internal/config"
	"shell0/internal/kvstore"
	"shell0/internal/queue"
	"shell0/internal/storage"
	"shell0/internal/syncer"
)

var errDown = errors.New("origin unreachable")

// switchTransport fails every round trip while down is set.
type switchTransport struct {
	base http.RoundTripper
	down atomic.Bool
}

func (t *switchTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.down.Load() {
		return nil, errDown
	}
	return t.base.RoundTrip(r)
}

type staticController struct {
	gen    cachestore.Generation
	active bool
}

func (c staticController) Active() (cachestore.Generation, bool) { return c.gen, c.active }

type origin struct {
	// failing makes every request answer 500
	failing atomic.Bool

	mu    sync.Mutex
	hits  map[string]int
	posts []string
	srv   *httptest.Server
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{hits: map[string]int{}}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		o.hits[r.URL.RequestURI()]++
		n := o.hits[r.URL.RequestURI()]
		if r.Method != http.MethodGet {
			b, _ := io.ReadAll(r.Body)
			o.posts = append(o.posts, r.Method+" "+r.URL.Path+" "+string(b))
		}
		o.mu.Unlock()

		switch {
		case o.failing.Load():
			http.Error(w, "boom", http.StatusInternalServerError)
		case r.URL.Path == "/stable.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"stable":true}`)
		case r.Method != http.MethodGet:
			w.WriteHeader(http.StatusCreated)
		case strings.HasSuffix(r.URL.Path, ".js"):
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = io.WriteString(w, "console.log('bundle')")
		case r.URL.Path == "/private":
			w.Header().Set("Cache-Control", "no-store")
			_, _ = io.WriteString(w, "secret")
		default:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, r.URL.Path+" #"+strconv.Itoa(n))
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *origin) Hits(uri string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[uri]
}

type harness struct {
	o      *origin
	ic     *Interceptor
	caches *cachestore.Caches
	q      *queue.Queue
	sync   *syncer.Coordinator
	net    *switchTransport
	clk    *clock.Manual
	gen    cachestore.Generation
}

func newHarness(t *testing.T, active bool) *harness {
	t.Helper()
	o := newOrigin(t)
	cfg, err := config.Parse([]byte("server:\n  origin: " + o.srv.URL + "\n"))
	require.NoError(t, err)

	db, err := storage.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewManual(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	q, err := queue.Open(db, clk)
	require.NoError(t, err)

	tr := &switchTransport{base: http.DefaultTransport}
	client := &http.Client{Transport: tr}
	coord, err := syncer.New(q, syncer.NewHTTPReplayer(client, cfg.Server.Origin), kvstore.New(db), clk, zerolog.Nop())
	require.NoError(t, err)

	gen := cachestore.NewGeneration(cfg.Cache.Prefix, cfg.Cache.Version)
	caches := cachestore.New(db)
	ic := New(Deps{
		Config:     cfg,
		Caches:     caches,
		Queue:      q,
		Controller: staticController{gen: gen, active: active},
		Sync:       coord,
		Client:     client,
		Clock:      clk,
		Log:        zerolog.Nop(),
	})
	t.Cleanup(func() {
		ic.Wait()
		coord.Wait()
	})
	return &harness{o: o, ic: ic, caches: caches, q: q, sync: coord, net: tr, clk: clk, gen: gen}
}

func (h *harness) do(method, target string, body string, hdr map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ic.ServeHTTP(rec, req)
	return rec
}

func (h *harness) seed(t *testing.T, role cachestore.Role, key, body string) {
	t.Helper()
	s, err := h.caches.Open(h.gen.Name(role))
	require.NoError(t, err)
	require.NoError(t, s.Put(key, cachestore.NewEntry(http.StatusOK, http.Header{"Content-Type": {"text/html"}}, []byte(body), time.Now())))
}

var navigate = map[string]string{"Sec-Fetch-Mode": "navigate"}

func TestCacheFirst_StoresThenServesOffline(t *testing.T) {
	h := newHarness(t, true)

	rec := h.do(http.MethodGet, "/static/js/bundle.js", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "cache-first:miss", rec.Header().Get("X-Shell0"))
	require.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Shell0")

	s, err := h.caches.Open("lb-admin-v1-static")
	require.NoError(t, err)
	ent, err := s.Get("/static/js/bundle.js")
	require.NoError(t, err)
	require.Equal(t, "console.log('bundle')", string(ent.Body))

	h.net.down.Store(true)
	rec = h.do(http.MethodGet, "/static/js/bundle.js", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "cache-first:hit", rec.Header().Get("X-Shell0"))
	require.Equal(t, "console.log('bundle')", rec.Body.String())
	require.Equal(t, 1, h.o.Hits("/static/js/bundle.js"))
}

func TestNetworkFirst_FallsBackToCache(t *testing.T) {
	h := newHarness(t, true)

	rec := h.do(http.MethodGet, "/api/backends", "", nil)
	require.Equal(t, "network-first:network", rec.Header().Get("X-Shell0"))
	require.Equal(t, "/api/backends #1", rec.Body.String())

	h.net.down.Store(true)
	rec = h.do(http.MethodGet, "/api/backends", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "network-first:cache", rec.Header().Get("X-Shell0"))
	require.Equal(t, "/api/backends #1", rec.Body.String())
	require.False(t, h.sync.Status().Online)
}

func TestNetworkFirst_ServerErrorFallsBackToCache(t *testing.T) {
	h := newHarness(t, true)

	rec := h.do(http.MethodGet, "/api/backends", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	h.o.failing.Store(true)
	rec = h.do(http.MethodGet, "/api/backends", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "network-first:cache", rec.Header().Get("X-Shell0"))
	require.Equal(t, "/api/backends #1", rec.Body.String())

	// a 5xx is never stored over the good copy
	ent, err := h.caches.Match("/api/backends", h.gen.Names()...)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, ent.Status)

	rec = h.do(http.MethodGet, "/api/uncached", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestNetworkFirst_NavigationServerErrorServesShell(t *testing.T) {
	h := newHarness(t, true)
	h.seed(t, cachestore.RoleStatic, "/", "<html>shell</html>")
	h.o.failing.Store(true)

	rec := h.do(http.MethodGet, "/dashboard", "", navigate)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "network-first:fallback", rec.Header().Get("X-Shell0"))
	require.Equal(t, "<html>shell</html>", rec.Body.String())
}

func TestStaleWhileRevalidate_ServerErrorMissIs503(t *testing.T) {
	h := newHarness(t, true)
	h.o.failing.Store(true)

	rec := h.do(http.MethodGet, "/fonts.txt", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "stale-while-revalidate:offline", rec.Header().Get("X-Shell0"))
}

func TestStore_UnchangedBodyKeepsStoredCopy(t *testing.T) {
	h := newHarness(t, true)
	first := h.clk.Now()

	rec := h.do(http.MethodGet, "/stable.json", "", nil)
	require.Equal(t, "stale-while-revalidate:network", rec.Header().Get("X-Shell0"))
	h.ic.Wait()

	h.clk.Advance(time.Hour)
	rec = h.do(http.MethodGet, "/stable.json", "", nil)
	require.Equal(t, "stale-while-revalidate:hit", rec.Header().Get("X-Shell0"))
	h.ic.Wait()
	require.Equal(t, 2, h.o.Hits("/stable.json"))

	ent, err := h.caches.Match("/stable.json", h.gen.Names()...)
	require.NoError(t, err)
	require.True(t, ent.StoredTime().Equal(first))
}

func TestNetworkFirst_APIMissIsJSON503(t *testing.T) {
	h := newHarness(t, true)
	h.net.down.Store(true)

	rec := h.do(http.MethodGet, "/api/stats?window=5m", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "offline", body["error"])
	require.Equal(t, "This content is not available offline", body["message"])
	require.Equal(t, "/api/stats?window=5m", body["path"])
}

func TestStaleWhileRevalidate_ServesStaleAndRefreshesOnce(t *testing.T) {
	h := newHarness(t, true)

	rec := h.do(http.MethodGet, "/manifest.webmanifest", "", nil)
	require.Equal(t, "stale-while-revalidate:network", rec.Header().Get("X-Shell0"))
	h.ic.Wait()
	require.Equal(t, 1, h.o.Hits("/manifest.webmanifest"))

	rec = h.do(http.MethodGet, "/manifest.webmanifest", "", nil)
	require.Equal(t, "stale-while-revalidate:hit", rec.Header().Get("X-Shell0"))
	require.Equal(t, "/manifest.webmanifest #1", rec.Body.String())
	h.ic.Wait()
	require.Equal(t, 2, h.o.Hits("/manifest.webmanifest"))

	// the background refresh replaced the stored copy
	rec = h.do(http.MethodGet, "/manifest.webmanifest", "", nil)
	require.Equal(t, "/manifest.webmanifest #2", rec.Body.String())
	h.ic.Wait()
}

func TestStaleWhileRevalidate_MissOfflineFallsBack(t *testing.T) {
	h := newHarness(t, true)
	h.net.down.Store(true)

	rec := h.do(http.MethodGet, "/fonts.txt", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "stale-while-revalidate:offline", rec.Header().Get("X-Shell0"))
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestNavigation_Fallbacks(t *testing.T) {
	t.Run("home shell", func(t *testing.T) {
		h := newHarness(t, true)
		h.seed(t, cachestore.RoleStatic, "/", "<html>shell</html>")
		h.net.down.Store(true)

		rec := h.do(http.MethodGet, "/backends/7", "", navigate)
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "network-first:fallback", rec.Header().Get("X-Shell0"))
		require.Equal(t, "<html>shell</html>", rec.Body.String())
	})
	t.Run("offline page", func(t *testing.T) {
		h := newHarness(t, true)
		h.seed(t, cachestore.RoleStatic, "/offline.html", "<html>offline</html>")
		h.net.down.Store(true)

		rec := h.do(http.MethodGet, "/backends/7", "", navigate)
		require.Equal(t, "network-first:offline-page", rec.Header().Get("X-Shell0"))
		require.Equal(t, "<html>offline</html>", rec.Body.String())
	})
	t.Run("nothing cached", func(t *testing.T) {
		h := newHarness(t, true)
		h.net.down.Store(true)

		rec := h.do(http.MethodGet, "/backends/7", "", map[string]string{"Accept": "text/html,*/*"})
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	})
}

func TestImage_Placeholder(t *testing.T) {
	h := newHarness(t, true)
	h.net.down.Store(true)

	rec := h.do(http.MethodGet, "/img/logo.png", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "cache-first:fallback", rec.Header().Get("X-Shell0"))
	require.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Body.String(), "<svg")

	h.seed(t, cachestore.RoleStatic, "/static/media/placeholder.svg", "<svg>cached</svg>")
	rec = h.do(http.MethodGet, "/img/logo.png", "", nil)
	require.Equal(t, "<svg>cached</svg>", rec.Body.String())
}

func TestNoStoreIsNotCached(t *testing.T) {
	h := newHarness(t, true)
	rec := h.do(http.MethodGet, "/private", "", navigate)
	require.Equal(t, "secret", rec.Body.String())

	_, err := h.caches.Match("/private", h.gen.Names()...)
	require.ErrorIs(t, err, cachestore.ErrMiss)
}

func TestStrategyOverride(t *testing.T) {
	h := newHarness(t, true)

	rec := h.do(http.MethodGet, "/api/backends", "", map[string]string{HeaderStrategy: "cache-only"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "cache-only:offline", rec.Header().Get("X-Shell0"))
	require.Zero(t, h.o.Hits("/api/backends"))

	rec = h.do(http.MethodGet, "/static/app.css", "", map[string]string{HeaderStrategy: "network-only"})
	require.Equal(t, "network-only:network", rec.Header().Get("X-Shell0"))
	_, err := h.caches.Match("/static/app.css", h.gen.Names()...)
	require.ErrorIs(t, err, cachestore.ErrMiss)

	h.net.down.Store(true)
	rec = h.do(http.MethodGet, "/static/app.css", "", map[string]string{HeaderStrategy: "network-only"})
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestUncontrolledPassesThrough(t *testing.T) {
	h := newHarness(t, false)

	rec := h.do(http.MethodGet, "/static/js/bundle.js", "", nil)
	require.Equal(t, "network-only:network", rec.Header().Get("X-Shell0"))
	names, err := h.caches.Names()
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestMutation_OnlineGoesToOrigin(t *testing.T) {
	h := newHarness(t, true)

	rec := h.do(http.MethodPost, "/api/backends", `{"name":"b1"}`, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, "bypass:network", rec.Header().Get("X-Shell0"))
	n, err := h.q.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestMutation_OfflineIsQueuedThenReplayed(t *testing.T) {
	h := newHarness(t, true)
	h.net.down.Store(true)

	rec := h.do(http.MethodPost, "/api/backends", `{"name":"b1"}`, map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "bypass:queued", rec.Header().Get("X-Shell0"))

	var reply queuedReply
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reply))
	require.True(t, reply.Queued)
	require.Equal(t, "add-backend", reply.Type)
	require.NotEmpty(t, reply.ID)

	st := h.sync.Status()
	require.Equal(t, syncer.StatePending, st.State)
	require.Equal(t, 1, st.Pending)

	h.net.down.Store(false)
	h.sync.SetOnline(true)
	h.sync.Wait()

	st = h.sync.Status()
	require.Equal(t, syncer.StateSynced, st.State)
	require.Zero(t, st.Pending)
	h.o.mu.Lock()
	require.Equal(t, []string{`POST /api/backends {"name":"b1"}`}, h.o.posts)
	h.o.mu.Unlock()
}

func TestMutation_ExplicitDefer(t *testing.T) {
	h := newHarness(t, true)
	h.sync.SetOnline(false)

	rec := h.do(http.MethodDelete, "/api/backends/7", "", map[string]string{HeaderDefer: "1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Zero(t, h.o.Hits("/api/backends/7"))

	actions, err := h.q.Drain()
	require.NoError(t, err)
	require.Len(t, actions, 1)
	require.Equal(t, "remove-backend", actions[0].Type)
}

func TestMutation_NonAPIOfflineIs503(t *testing.T) {
	h := newHarness(t, true)
	h.net.down.Store(true)

	rec := h.do(http.MethodPost, "/login", "user=a", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "bypass:offline", rec.Header().Get("X-Shell0"))
	n, err := h.q.Len()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestActionType(t *testing.T) {
	cases := []struct {
		method, path, want string
	}{
		{http.MethodPost, "/api/backends", "add-backend"},
		{http.MethodPut, "/api/backends/7", "update-backend"},
		{http.MethodPatch, "/api/backends/7", "update-backend"},
		{http.MethodDelete, "/api/backends/7", "remove-backend"},
		{http.MethodPost, "/api/backends/7/drain", "drain-backend"},
		{http.MethodPost, "/api/policies", "add-policy"},
		{http.MethodPost, "/api/", "add-resource"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, ActionType("/api/", c.method, c.path), "%s %s", c.method, c.path)
	}
}

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	require.Zero(t, s.Snapshot().MinRespBytes)

	s.Observe("hit", 10)
	s.Observe("hit", 30)
	s.Observe("miss", 20)

	ss := s.Snapshot()
	require.EqualValues(t, 3, ss.TotalResponses)
	require.EqualValues(t, 10, ss.MinRespBytes)
	require.EqualValues(t, 30, ss.MaxRespBytes)
	require.EqualValues(t, 20, ss.AvgRespBytes)
	require.Equal(t, map[string]uint64{"hit": 2, "miss": 1}, ss.Outcomes)
}

func TestRunStatsStops(t *testing.T) {
	h := newHarness(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.ic.RunStats(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	<-done
}
