package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"shell0/internal/cachestore"
	"shell0/internal/clock"
	"shell0/internal/config"
	"shell0/internal/logging"
	"shell0/internal/queue"
	"shell0/internal/strategy"
)

// Request headers the host page may set to steer the interceptor.
const (
	HeaderStrategy = "X-Shell0-Strategy"
	HeaderDefer    = "X-Shell0-Defer"
	headerOutcome  = "X-Shell0"
)

// Controller reports the cache generation currently in control. Until one is
// active, requests go straight to the origin.
type Controller interface {
	Active() (cachestore.Generation, bool)
}

// Connectivity receives what the interceptor learns about the origin.
type Connectivity interface {
	SetOnline(online bool)
	ActionQueued()
}

type Deps struct {
	Config     config.Config
	Caches     *cachestore.Caches
	Queue      *queue.Queue
	Controller Controller
	Sync       Connectivity
	Client     *http.Client
	Clock      clock.Clock
	Log        zerolog.Logger
}

type Interceptor struct {
	cfg    config.Config
	sel    *strategy.Selector
	caches *cachestore.Caches
	queue  *queue.Queue
	ctrl   Controller
	conn   Connectivity
	client *http.Client
	clk    clock.Clock
	log    zerolog.Logger

	storageLog *logging.Limited
	revalidate singleflight.Group
	wg         sync.WaitGroup
	stats      *statsCollector
}

func New(d Deps) *Interceptor {
	log := d.Log.With().Str("component", "interceptor").Logger()
	return &Interceptor{
		cfg:        d.Config,
		sel:        strategy.NewSelector(d.Config.Routes),
		caches:     d.Caches,
		queue:      d.Queue,
		ctrl:       d.Controller,
		conn:       d.Sync,
		client:     d.Client,
		clk:        d.Clock,
		log:        log,
		storageLog: logging.NewLimited(log, time.Minute),
		stats:      newStatsCollector(),
	}
}

// Wait blocks until background revalidations started so far are done.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}

// result is what a strategy hands back for writing.
type result struct {
	ent     cachestore.Entry
	outcome string
}

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gen, controlled := i.ctrl.Active()
	if !controlled {
		i.serveUncontrolled(w, r)
		return
	}

	dec := i.sel.Select(r)
	if dec.Strategy == strategy.Bypass {
		i.serveMutation(w, r)
		return
	}
	if s := strategy.Strategy(r.Header.Get(HeaderStrategy)); s == strategy.NetworkOnly || s == strategy.CacheOnly {
		dec.Strategy = s
	}

	key := requestKey(r)
	var res result
	switch dec.Strategy {
	case strategy.CacheFirst:
		res = i.cacheFirst(r, dec, gen, key)
	case strategy.NetworkFirst:
		res = i.networkFirst(r, dec, gen, key)
	case strategy.StaleWhileRevalidate:
		res = i.staleWhileRevalidate(r, dec, gen, key)
	case strategy.CacheOnly:
		res = i.cacheOnly(dec, gen, key)
	default:
		res = i.networkOnly(r)
	}
	i.write(w, res, dec.Strategy)
}

// requestKey identifies a GET within a store. The proxy has one origin, so
// path and query are enough.
func requestKey(r *http.Request) string {
	return r.URL.RequestURI()
}

func (i *Interceptor) serveUncontrolled(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	ent, err := i.fetch(r.Context(), r, body)
	if err != nil {
		i.write(w, result{ent: badGateway(), outcome: "bad-gateway"}, strategy.NetworkOnly)
		return
	}
	i.write(w, result{ent: ent, outcome: "network"}, strategy.NetworkOnly)
}

// fetch sends r to the origin. Any HTTP answer is a success here; only
// transport failures are errors, and they mark the origin offline.
func (i *Interceptor) fetch(ctx context.Context, r *http.Request, body []byte) (cachestore.Entry, error) {
	originURL := i.cfg.Server.Origin + r.URL.RequestURI()
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, originURL, rd)
	if err != nil {
		return cachestore.Entry{}, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := i.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			i.conn.SetOnline(false)
		}
		return cachestore.Entry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachestore.Entry{}, err
	}
	i.conn.SetOnline(true)
	return cachestore.NewEntry(resp.StatusCode, resp.Header, b, i.clk.Now()), nil
}

func (i *Interceptor) cacheable(ent cachestore.Entry) bool {
	if !ent.OK() {
		return false
	}
	if strings.Contains(strings.ToLower(ent.Header.Get("Cache-Control")), "no-store") {
		return false
	}
	if limit := i.cfg.MaxEntryBytes(); limit > 0 && int64(len(ent.Body)) > limit {
		return false
	}
	return true
}

// store writes ent into the store for role unless the stored copy has the
// same content hash. Storage failures are logged and swallowed.
func (i *Interceptor) store(gen cachestore.Generation, role cachestore.Role, key string, ent cachestore.Entry) {
	if !i.cacheable(ent) {
		return
	}
	name := gen.Name(role)
	s, err := i.caches.Open(name)
	if err == nil {
		if prev, gerr := s.Get(key); gerr == nil && prev.Status == ent.Status && prev.Hash == ent.Hash {
			// unchanged body; keep the stored copy and its timestamp
			return
		}
		err = s.Put(key, ent)
	}
	if err != nil {
		i.storageLog.Warn(name, err, "cache write failed")
	}
}

// lookup searches every store of the generation. Storage failures read as a miss.
func (i *Interceptor) lookup(gen cachestore.Generation, key string) (cachestore.Entry, bool) {
	ent, err := i.caches.Match(key, gen.Names()...)
	if errors.Is(err, cachestore.ErrMiss) {
		return cachestore.Entry{}, false
	}
	if err != nil {
		i.storageLog.Warn("match", err, "cache read failed")
		return cachestore.Entry{}, false
	}
	return ent, true
}

func (i *Interceptor) write(w http.ResponseWriter, res result, s strategy.Strategy) {
	for k, vs := range res.ent.Header {
		if strings.EqualFold(k, headerOutcome) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set(headerOutcome, fmt.Sprintf("%s:%s", s, res.outcome))
	ensureExposedHeader(w.Header(), headerOutcome)

	status := res.ent.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(res.ent.Body)
	i.stats.Observe(res.outcome, len(res.ent.Body))
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Connection":    true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Te":                  true,
	"Trailer":             true,
	"Content-Length":      true,
	"Host":                true,
	"Proxy-Authorization": true,
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopHeaders[ck] || strings.HasPrefix(ck, "X-Shell0") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}
