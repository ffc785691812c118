// Package lifecycle installs, activates and replaces cache generations, and
// carries the platform integration that lives next to them: install prompt
// state and push notifications.
package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"shell0/internal/cachestore"
	"shell0/internal/clock"
	"shell0/internal/config"
)

type WorkerState string

const (
	StateInstalling WorkerState = "installing"
	StateInstalled  WorkerState = "installed"
	StateActivating WorkerState = "activating"
	StateActivated  WorkerState = "activated"
	StateRedundant  WorkerState = "redundant"
)

var (
	ErrNothingWaiting = errors.New("no installed generation is waiting")
	ErrUnknownMessage = errors.New("unknown message type")
)

// Worker is one generation moving through install and activation.
type Worker struct {
	Generation cachestore.Generation `json:"-"`
	Version    string                `json:"version"`
	State      WorkerState           `json:"state"`
}

type Deps struct {
	Config   config.Config
	Caches   *cachestore.Caches
	Client   *http.Client
	Notifier Notifier
	// Clock stamps precached entries; defaults to the system clock.
	Clock    clock.Clock
	Log      zerolog.Logger
}

type Manager struct {
	cfg      config.Config
	caches   *cachestore.Caches
	client   *http.Client
	notifier Notifier
	clk      clock.Clock
	log      zerolog.Logger
	pwa      *PWA

	// serialises install and activation
	opMu sync.Mutex

	mu      sync.Mutex
	active  *Worker
	waiting *Worker

	current atomic.Pointer[cachestore.Generation]
}

func New(d Deps) *Manager {
	clk := d.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Manager{
		cfg:      d.Config,
		caches:   d.Caches,
		client:   d.Client,
		notifier: d.Notifier,
		clk:      clk,
		log:      d.Log.With().Str("component", "lifecycle").Logger(),
		pwa:      NewPWA(),
	}
}

func (m *Manager) PWA() *PWA { return m.pwa }

// Active returns the generation in control of requests.
func (m *Manager) Active() (cachestore.Generation, bool) {
	g := m.current.Load()
	if g == nil {
		return cachestore.Generation{}, false
	}
	return *g, true
}

// Version is the active generation id, or "" before the first activation.
func (m *Manager) Version() string {
	if g, ok := m.Active(); ok {
		return g.ID()
	}
	return ""
}

// Workers returns copies of the active and waiting workers; either may be nil.
func (m *Manager) Workers() (active, waiting *Worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		a := *m.active
		active = &a
	}
	if m.waiting != nil {
		w := *m.waiting
		waiting = &w
	}
	return active, waiting
}

// Install seeds gen's stores. The first generation ever installed activates
// right away; later ones wait for SkipWaiting.
func (m *Manager) Install(ctx context.Context, gen cachestore.Generation) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	w := &Worker{Generation: gen, Version: gen.ID(), State: StateInstalling}
	log := m.log.With().Str("version", w.Version).Logger()
	log.Info().Msg("installing")

	m.mu.Lock()
	if m.active != nil && m.active.Version == w.Version {
		m.mu.Unlock()
		log.Debug().Msg("version already active, install skipped")
		return nil
	}
	m.mu.Unlock()

	stats, err := m.precache(ctx, gen)
	if err != nil {
		w.State = StateRedundant
		log.Error().Err(err).Msg("install failed")
		return err
	}
	log.Info().
		Int("static", stats.static).
		Int("critical", stats.critical).
		Int("critical_failed", stats.criticalFailed).
		Msg("installed")

	m.mu.Lock()
	w.State = StateInstalled
	first := m.active == nil
	if !first {
		if m.waiting != nil {
			m.waiting.State = StateRedundant
		}
		m.waiting = w
	}
	m.mu.Unlock()

	if first {
		return m.activate(ctx, w)
	}
	m.pwa.UpdateFound()
	log.Info().Msg("installed, waiting to activate")
	return nil
}

// SkipWaiting activates the waiting generation now.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	w := m.waiting
	m.waiting = nil
	m.mu.Unlock()
	if w == nil {
		return ErrNothingWaiting
	}
	return m.activate(ctx, w)
}

// activate deletes every store outside w's generation, then claims all
// clients by swapping the active generation.
func (m *Manager) activate(_ context.Context, w *Worker) error {
	m.mu.Lock()
	w.State = StateActivating
	m.mu.Unlock()

	deleted, err := m.caches.Cleanup(w.Generation)
	if err != nil {
		// stale stores stay behind until the next activation; control still moves
		m.log.Warn().Err(err).Str("version", w.Version).Msg("cache cleanup failed")
	}
	for _, name := range deleted {
		m.log.Info().Str("store", name).Msg("deleted stale store")
	}

	gen := w.Generation
	m.mu.Lock()
	if m.active != nil {
		m.active.State = StateRedundant
	}
	w.State = StateActivated
	m.active = w
	m.mu.Unlock()
	m.current.Store(&gen)
	m.pwa.updateApplied()

	m.log.Info().Str("version", w.Version).Msg("activated")
	return nil
}

// Message types accepted from the host page.
const (
	MsgSkipWaiting = "SKIP_WAITING"
	MsgGetVersion  = "GET_VERSION"
)

type Message struct {
	Type string `json:"type"`
}

type Reply struct {
	Version string `json:"version,omitempty"`
	OK      bool   `json:"ok"`
}

func (m *Manager) HandleMessage(ctx context.Context, msg Message) (Reply, error) {
	switch msg.Type {
	case MsgSkipWaiting:
		if err := m.SkipWaiting(ctx); err != nil && !errors.Is(err, ErrNothingWaiting) {
			return Reply{}, err
		}
		return Reply{OK: true, Version: m.Version()}, nil
	case MsgGetVersion:
		return Reply{OK: true, Version: m.Version()}, nil
	}
	return Reply{}, ErrUnknownMessage
}
