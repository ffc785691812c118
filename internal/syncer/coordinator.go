package syncer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"shell0/internal/clock"
	"shell0/internal/kvstore"
	"shell0/internal/queue"
)

type State string

const (
	StateSynced  State = "synced"
	StatePending State = "pending"
	StateSyncing State = "syncing"
	StateError   State = "error"
)

// Reason names what started a sync pass.
type Reason string

const (
	ReasonOnline     Reason = "online"
	ReasonManual     Reason = "manual"
	ReasonBackground Reason = "background"
	ReasonPeriodic   Reason = "periodic"
	ReasonEnqueue    Reason = "enqueue"
)

const lastSyncKey = "last-sync"

var ErrUnknownTag = errors.New("sync tag is not registered")

type Status struct {
	State     State     `json:"state"`
	Pending   int       `json:"pending"`
	Online    bool      `json:"online"`
	LastSync  time.Time `json:"lastSync,omitempty"`
	LastError string    `json:"lastError,omitempty"`
}

// Result accounts for one sync pass.
type Result struct {
	Reason    Reason
	Attempted int
	Succeeded int
	Remaining int
	Err       error
}

// Replayer sends one queued action to the origin.
type Replayer interface {
	Replay(ctx context.Context, a queue.Action) error
}

// Coordinator drains the offline queue. At most one pass runs at a time;
// triggers that arrive during a pass are dropped.
type Coordinator struct {
	q      *queue.Queue
	replay Replayer
	kv     *kvstore.Store
	clk    clock.Clock
	log    zerolog.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu        sync.Mutex
	state     State
	online    bool
	pending   int
	lastSync  time.Time
	lastError string
	tags      map[string]struct{}

	lmu       sync.RWMutex
	listeners []func(Status)
}

func New(q *queue.Queue, replay Replayer, kv *kvstore.Store, clk clock.Clock, log zerolog.Logger) (*Coordinator, error) {
	n, err := q.Len()
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		q:       q,
		replay:  replay,
		kv:      kv,
		clk:     clk,
		log:     log.With().Str("component", "sync").Logger(),
		state:   StateSynced,
		online:  true,
		pending: n,
		tags:    map[string]struct{}{},
	}
	if n > 0 {
		c.state = StatePending
	}

	var last int64
	if err := kv.Get(lastSyncKey, &last); err == nil && last > 0 {
		c.lastSync = time.UnixMilli(last).UTC()
	} else if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		c.log.Warn().Err(err).Msg("read last sync time")
	}

	q.OnChange(c.pendingChanged)
	return c, nil
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Coordinator) statusLocked() Status {
	return Status{
		State:     c.state,
		Pending:   c.pending,
		Online:    c.online,
		LastSync:  c.lastSync,
		LastError: c.lastError,
	}
}

// OnChange registers fn to receive a snapshot after every status change.
func (c *Coordinator) OnChange(fn func(Status)) {
	c.lmu.Lock()
	c.listeners = append(c.listeners, fn)
	c.lmu.Unlock()
}

func (c *Coordinator) emit(st Status) {
	c.lmu.RLock()
	ls := c.listeners
	c.lmu.RUnlock()
	for _, fn := range ls {
		fn(st)
	}
}

func (c *Coordinator) update(fn func()) {
	c.mu.Lock()
	fn()
	st := c.statusLocked()
	c.mu.Unlock()
	c.emit(st)
}

func (c *Coordinator) pendingChanged(n int) {
	c.update(func() {
		c.pending = n
		if n > 0 && c.state == StateSynced && !c.online {
			c.state = StatePending
		}
	})
}

func (c *Coordinator) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetOnline records connectivity. Coming back online starts a pass in the
// background; going offline with queued work moves to pending.
func (c *Coordinator) SetOnline(online bool) {
	c.mu.Lock()
	if c.online == online {
		c.mu.Unlock()
		return
	}
	c.online = online
	if !online && c.pending > 0 && c.state == StateSynced {
		c.state = StatePending
	}
	st := c.statusLocked()
	c.mu.Unlock()
	c.emit(st)

	if online {
		c.log.Info().Msg("connectivity restored")
		c.triggerAsync(ReasonOnline)
	} else {
		c.log.Info().Msg("connectivity lost")
	}
}

// ActionQueued is called by producers right after a successful enqueue.
func (c *Coordinator) ActionQueued() {
	c.update(func() {
		if c.state == StateSynced {
			c.state = StatePending
		}
	})
	if c.Online() {
		c.triggerAsync(ReasonEnqueue)
	}
}

func (c *Coordinator) triggerAsync(r Reason) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.Trigger(context.Background(), r)
	}()
}

// Wait blocks until every background pass started so far has finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) Register(tag string) {
	c.mu.Lock()
	c.tags[tag] = struct{}{}
	c.mu.Unlock()
}

// Fire runs a pass for a registered background sync tag.
func (c *Coordinator) Fire(ctx context.Context, tag string) (Result, bool, error) {
	c.mu.Lock()
	_, ok := c.tags[tag]
	c.mu.Unlock()
	if !ok {
		return Result{}, false, ErrUnknownTag
	}
	res, ran := c.Trigger(ctx, ReasonBackground)
	return res, ran, nil
}

// Trigger runs one sync pass. ran is false when another pass was already in
// flight and this trigger was dropped.
func (c *Coordinator) Trigger(ctx context.Context, reason Reason) (res Result, ran bool) {
	if !c.running.CompareAndSwap(false, true) {
		c.log.Debug().Str("reason", string(reason)).Msg("sync already running, trigger ignored")
		return Result{Reason: reason}, false
	}
	defer c.running.Store(false)

	res = c.pass(ctx, reason)
	ev := c.log.Info()
	if res.Err != nil {
		ev = c.log.Warn().Err(res.Err)
	}
	ev.Str("reason", string(reason)).
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Int("remaining", res.Remaining).
		Msg("sync pass")
	return res, true
}

func (c *Coordinator) pass(ctx context.Context, reason Reason) Result {
	res := Result{Reason: reason}
	c.update(func() { c.state = StateSyncing })

	actions, err := c.q.Drain()
	if err != nil {
		return c.fail(res, err)
	}

	for i, a := range actions {
		res.Attempted++
		if err := c.replay.Replay(ctx, a); err != nil {
			res.Remaining = len(actions) - i
			return c.fail(res, err)
		}
		res.Succeeded++
		if err := c.q.Remove(a.ID); err != nil {
			// left in place; a later pass replays it again
			c.log.Warn().Err(err).Str("id", a.ID).Msg("remove replayed action")
		}
	}

	// Producers may have appended while we replayed; whatever is left stays.
	left, err := c.q.Drain()
	if err != nil {
		return c.fail(res, err)
	}
	res.Remaining = len(left)

	now := c.clk.Now()
	if err := c.kv.Put(lastSyncKey, now.UnixMilli()); err != nil {
		c.log.Warn().Err(err).Msg("store last sync time")
	}
	c.update(func() {
		c.lastSync = now.Truncate(time.Millisecond)
		c.lastError = ""
		if len(left) == 0 {
			c.state = StateSynced
		} else {
			c.state = StatePending
		}
	})
	return res
}

func (c *Coordinator) fail(res Result, err error) Result {
	res.Err = err
	c.update(func() {
		c.state = StateError
		c.lastError = err.Error()
	})
	return res
}
