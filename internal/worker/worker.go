// Package worker wires the interceptor, sync coordinator and lifecycle
// manager into one process and exposes their control surface over HTTP.
package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"

	"shell0/internal/cachestore"
	"shell0/internal/clock"
	"shell0/internal/config"
	"shell0/internal/interceptor"
	"shell0/internal/kvstore"
	"shell0/internal/lifecycle"
	"shell0/internal/queue"
	"shell0/internal/syncer"
	"shell0/internal/ttlcache"
)

const installRetry = 30 * time.Second

type Options struct {
	Config config.Config
	DB     *leveldb.DB
	Log    zerolog.Logger
	// Client defaults to a client with a 30s timeout.
	Client *http.Client
	// Clock defaults to the system clock.
	Clock clock.Clock
}

type Worker struct {
	cfg config.Config
	log zerolog.Logger

	caches *cachestore.Caches
	queue  *queue.Queue
	ttl    *ttlcache.Cache
	sync   *syncer.Coordinator
	life   *lifecycle.Manager
	ic     *interceptor.Interceptor
	prober *syncer.Prober
	disp   *Dispatcher
	router chi.Router

	wg sync.WaitGroup
}

func New(opts Options) (*Worker, error) {
	cfg := opts.Config
	log := opts.Log
	clk := opts.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	q, err := queue.Open(opts.DB, clk)
	if err != nil {
		return nil, err
	}
	kv := kvstore.New(opts.DB)
	coord, err := syncer.New(q, syncer.NewHTTPReplayer(client, cfg.Server.Origin), kv, clk, log)
	if err != nil {
		return nil, err
	}
	caches := cachestore.New(opts.DB)
	life := lifecycle.New(lifecycle.Deps{
		Config:   cfg,
		Caches:   caches,
		Client:   client,
		Notifier: logNotifier{log: log.With().Str("component", "push").Logger()},
		Clock:    clk,
		Log:      log,
	})
	ic := interceptor.New(interceptor.Deps{
		Config:     cfg,
		Caches:     caches,
		Queue:      q,
		Controller: life,
		Sync:       coord,
		Client:     client,
		Clock:      clk,
		Log:        log,
	})

	coord.OnChange(func(st syncer.Status) { life.PWA().SetOnline(st.Online) })
	coord.Register(cfg.Sync.Tag)

	w := &Worker{
		cfg:    cfg,
		log:    log,
		caches: caches,
		queue:  q,
		ttl:    ttlcache.New(kv, clk, cfg.DefaultTTL()),
		sync:   coord,
		life:   life,
		ic:     ic,
		prober: syncer.NewProber(client, cfg.Server.Origin+cfg.Sync.ProbePath),
		disp:   NewDispatcher(),
	}
	w.registerHandlers()
	w.router = w.routes()
	return w, nil
}

func (w *Worker) Handler() http.Handler { return w.router }

func (w *Worker) Dispatcher() *Dispatcher { return w.disp }

func (w *Worker) Lifecycle() *lifecycle.Manager { return w.life }

func (w *Worker) Sync() *syncer.Coordinator { return w.sync }

func (w *Worker) registerHandlers() {
	On(w.disp, EventInstall, func(ctx context.Context, gen cachestore.Generation) (struct{}, error) {
		return struct{}{}, w.life.Install(ctx, gen)
	})
	On(w.disp, EventActivate, func(ctx context.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, w.life.SkipWaiting(ctx)
	})
	On(w.disp, EventFetch, func(_ context.Context, ev FetchEvent) (struct{}, error) {
		w.ic.ServeHTTP(ev.W, ev.R)
		return struct{}{}, nil
	})
	On(w.disp, EventMessage, w.life.HandleMessage)
	On(w.disp, EventSync, func(ctx context.Context, ev SyncEvent) (SyncOutcome, error) {
		res, ran, err := w.sync.Fire(ctx, ev.Tag)
		return SyncOutcome{Result: res, Ran: ran}, err
	})
	On(w.disp, EventPeriodicSync, func(ctx context.Context, _ SyncEvent) (SyncOutcome, error) {
		res, ran := w.sync.Trigger(ctx, syncer.ReasonPeriodic)
		return SyncOutcome{Result: res, Ran: ran}, nil
	})
	On(w.disp, EventPush, w.life.Push)
	On(w.disp, EventNotificationClick, func(_ context.Context, ev ClickEvent) (string, error) {
		u, _ := w.life.NotificationClick(ev.Action, ev.Data)
		return u, nil
	})
}

// Generation is the cache generation the current config describes.
func (w *Worker) Generation() cachestore.Generation {
	return cachestore.NewGeneration(w.cfg.Cache.Prefix, w.cfg.Cache.Version)
}

// Start installs the configured generation and runs the background loops
// until ctx is done. An install that fails is retried; requests pass straight
// through to the origin meanwhile.
func (w *Worker) Start(ctx context.Context) {
	w.goLoop(func() { w.installLoop(ctx) })

	if d := w.cfg.PeriodicSync(); d > 0 {
		w.goLoop(func() { w.periodicSync(ctx, d) })
	}
	if d := w.cfg.ProbeInterval(); d > 0 {
		w.goLoop(func() { w.sync.WatchConnectivity(ctx, w.prober, d) })
	}
	if d := w.cfg.StatsEvery(); d > 0 {
		w.goLoop(func() { w.ic.RunStats(ctx, d) })
	}
	w.goLoop(func() { w.pruneLoop(ctx, w.cfg.DefaultTTL()) })
}

// Close waits for background work started by Start and by requests.
func (w *Worker) Close() {
	w.wg.Wait()
	w.ic.Wait()
	w.sync.Wait()
}

func (w *Worker) goLoop(fn func()) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

func (w *Worker) installLoop(ctx context.Context) {
	gen := w.Generation()
	for {
		_, err := w.disp.Dispatch(ctx, EventInstall, gen)
		if err == nil {
			return
		}
		w.log.Warn().Err(err).Dur("retry_in", installRetry).Msg("install failed")
		select {
		case <-ctx.Done():
			return
		case <-time.After(installRetry):
		}
	}
}

func (w *Worker) periodicSync(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := w.disp.Dispatch(ctx, EventPeriodicSync, SyncEvent{Tag: w.cfg.Sync.Tag}); err != nil {
				w.log.Warn().Err(err).Msg("periodic sync")
			}
		}
	}
}

func (w *Worker) pruneLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = ttlcache.DefaultTTL
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := w.ttl.Prune()
			if err != nil {
				w.log.Warn().Err(err).Msg("prune data cache")
				continue
			}
			if n > 0 {
				w.log.Debug().Int("evicted", n).Msg("pruned data cache")
			}
		}
	}
}

type logNotifier struct {
	log zerolog.Logger
}

func (n logNotifier) Show(_ context.Context, nt lifecycle.Notification) error {
	n.log.Info().Str("title", nt.Title).Str("tag", nt.Tag).Str("url", nt.Data.URL).Msg("notification")
	return nil
}

func isClientError(err error) bool {
	return errors.Is(err, lifecycle.ErrUnknownMessage) ||
		errors.Is(err, lifecycle.ErrNothingWaiting) ||
		errors.Is(err, lifecycle.ErrNotInstallable) ||
		errors.Is(err, syncer.ErrUnknownTag) ||
		errors.Is(err, ErrBadPayload)
}
