package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"shell0/internal/clock"
	"shell0/internal/kvstore"
	"shell0/internal/queue"
	"shell0/internal/storage"
)

type fakeReplayer struct {
	mu     sync.Mutex
	calls  []string
	failOn map[string]error
	hook   func(a queue.Action)
}

func (f *fakeReplayer) Replay(_ context.Context, a queue.Action) error {
	f.mu.Lock()
	f.calls = append(f.calls, string(a.Body))
	err := f.failOn[string(a.Body)]
	hook := f.hook
	f.mu.Unlock()
	if hook != nil {
		hook(a)
	}
	return err
}

func (f *fakeReplayer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	q   *queue.Queue
	kv  *kvstore.Store
	clk *clock.Manual
	rep *fakeReplayer
	c   *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewManual(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	q, err := queue.Open(db, clk)
	require.NoError(t, err)
	kv := kvstore.New(db)
	rep := &fakeReplayer{failOn: map[string]error{}}
	c, err := New(q, rep, kv, clk, zerolog.Nop())
	require.NoError(t, err)
	return &fixture{q: q, kv: kv, clk: clk, rep: rep, c: c}
}

func (f *fixture) enqueue(t *testing.T, bodies ...string) {
	t.Helper()
	for _, b := range bodies {
		_, err := f.q.Enqueue(queue.Draft{Type: "add-backend", Method: http.MethodPost, URL: "/api/backends", Body: []byte(b)})
		require.NoError(t, err)
	}
}

func bodies(t *testing.T, q *queue.Queue) []string {
	t.Helper()
	actions, err := q.Drain()
	require.NoError(t, err)
	out := []string{}
	for _, a := range actions {
		out = append(out, string(a.Body))
	}
	return out
}

func TestCoordinator_ReplaysAllInOrder(t *testing.T) {
	f := newFixture(t)
	f.c.SetOnline(false)
	f.enqueue(t, "a1", "a2", "a3")
	require.Equal(t, StatePending, f.c.Status().State)
	require.Equal(t, 3, f.c.Status().Pending)

	res, ran := f.c.Trigger(context.Background(), ReasonManual)
	require.True(t, ran)
	require.NoError(t, res.Err)
	require.Equal(t, 3, res.Attempted)
	require.Equal(t, 3, res.Succeeded)
	require.Zero(t, res.Remaining)

	require.Equal(t, []string{"a1", "a2", "a3"}, f.rep.Calls())
	require.Empty(t, bodies(t, f.q))

	st := f.c.Status()
	require.Equal(t, StateSynced, st.State)
	require.Zero(t, st.Pending)
	require.True(t, st.LastSync.Equal(f.clk.Now()))

	var stored int64
	require.NoError(t, f.kv.Get(lastSyncKey, &stored))
	require.Equal(t, f.clk.Now().UnixMilli(), stored)
}

func TestCoordinator_FailureKeepsTailAndResumes(t *testing.T) {
	f := newFixture(t)
	f.c.SetOnline(false)
	f.enqueue(t, "a1", "a2", "a3", "a4")
	f.rep.failOn["a3"] = errors.New("connection refused")

	res, ran := f.c.Trigger(context.Background(), ReasonManual)
	require.True(t, ran)
	require.Error(t, res.Err)
	require.Equal(t, 3, res.Attempted)
	require.Equal(t, 2, res.Succeeded)
	require.Equal(t, 2, res.Remaining)

	require.Equal(t, []string{"a3", "a4"}, bodies(t, f.q))
	st := f.c.Status()
	require.Equal(t, StateError, st.State)
	require.Equal(t, "connection refused", st.LastError)
	require.True(t, st.LastSync.IsZero())

	delete(f.rep.failOn, "a3")
	res, _ = f.c.Trigger(context.Background(), ReasonOnline)
	require.NoError(t, res.Err)

	// a1 and a2 are never attempted again.
	require.Equal(t, []string{"a1", "a2", "a3", "a3", "a4"}, f.rep.Calls())
	require.Empty(t, bodies(t, f.q))
	require.Equal(t, StateSynced, f.c.Status().State)
	require.Empty(t, f.c.Status().LastError)
}

func TestCoordinator_IgnoresTriggerWhileSyncing(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "slow")

	entered := make(chan struct{})
	release := make(chan struct{})
	f.rep.hook = func(queue.Action) {
		close(entered)
		<-release
	}

	done := make(chan Result)
	go func() {
		res, _ := f.c.Trigger(context.Background(), ReasonManual)
		done <- res
	}()

	<-entered
	require.Equal(t, StateSyncing, f.c.Status().State)
	_, ran := f.c.Trigger(context.Background(), ReasonManual)
	require.False(t, ran)

	f.rep.mu.Lock()
	f.rep.hook = nil
	f.rep.mu.Unlock()
	close(release)

	res := <-done
	require.NoError(t, res.Err)
	require.Equal(t, []string{"slow"}, f.rep.Calls())
}

func TestCoordinator_KeepsActionsQueuedMidPass(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "first")

	var once sync.Once
	f.rep.hook = func(queue.Action) {
		once.Do(func() { f.enqueue(t, "late") })
	}

	res, _ := f.c.Trigger(context.Background(), ReasonManual)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Remaining)
	require.Equal(t, []string{"late"}, bodies(t, f.q))
	require.Equal(t, StatePending, f.c.Status().State)
}

func TestCoordinator_KeepsActionQueuedAfterLastReplay(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "a1", "a2")

	// Arrives the moment the queue first drops to empty, after the
	// coordinator's own replays are done.
	var once sync.Once
	f.q.OnChange(func(n int) {
		if n == 0 {
			once.Do(func() { f.enqueue(t, "late") })
		}
	})

	res, _ := f.c.Trigger(context.Background(), ReasonManual)
	require.NoError(t, res.Err)
	require.Equal(t, 2, res.Succeeded)
	require.Equal(t, 1, res.Remaining)
	require.Equal(t, []string{"late"}, bodies(t, f.q))
	require.Equal(t, StatePending, f.c.Status().State)

	res, _ = f.c.Trigger(context.Background(), ReasonManual)
	require.NoError(t, res.Err)
	require.Empty(t, bodies(t, f.q))
	require.Equal(t, StateSynced, f.c.Status().State)
}

func TestCoordinator_OnlineTransitions(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, StateSynced, f.c.Status().State)

	// Going offline with an empty queue changes nothing but the flag.
	f.c.SetOnline(false)
	require.Equal(t, StateSynced, f.c.Status().State)
	require.False(t, f.c.Status().Online)

	f.enqueue(t, "x")
	f.c.ActionQueued()
	require.Equal(t, StatePending, f.c.Status().State)
	require.Empty(t, f.rep.Calls())

	f.c.SetOnline(true)
	f.c.Wait()
	require.Equal(t, []string{"x"}, f.rep.Calls())
	require.Equal(t, StateSynced, f.c.Status().State)
}

func TestCoordinator_OfflineWithQueuedWorkIsPending(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "x")
	// Queue already had entries when the coordinator came up.
	c, err := New(f.q, f.rep, f.kv, f.clk, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, StatePending, c.Status().State)
}

func TestCoordinator_EnqueueWhileOnlineSyncs(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "deferred")
	f.c.ActionQueued()
	f.c.Wait()
	require.Equal(t, []string{"deferred"}, f.rep.Calls())
}

func TestCoordinator_BackgroundTags(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, "bg")

	_, _, err := f.c.Fire(context.Background(), "sync-offline-actions")
	require.ErrorIs(t, err, ErrUnknownTag)
	require.Empty(t, f.rep.Calls())

	f.c.Register("sync-offline-actions")
	res, ran, err := f.c.Fire(context.Background(), "sync-offline-actions")
	require.NoError(t, err)
	require.True(t, ran)
	require.Equal(t, ReasonBackground, res.Reason)
	require.Equal(t, []string{"bg"}, f.rep.Calls())
}

func TestCoordinator_OnChange(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var states []State
	f.c.OnChange(func(s Status) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	f.enqueue(t, "a")
	f.c.Trigger(context.Background(), ReasonManual)

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, states, StateSyncing)
	require.Equal(t, StateSynced, states[len(states)-1])
}

func TestHTTPReplayer(t *testing.T) {
	type seen struct {
		method, path, ctype, idem, replay, body string
	}
	got := make(chan seen, 1)
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{r.Method, r.URL.RequestURI(), r.Header.Get("Content-Type"), r.Header.Get("Idempotency-Key"), r.Header.Get("X-Shell0-Replay"), string(b)}
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	rep := NewHTTPReplayer(srv.Client(), srv.URL+"/")
	a := queue.Action{
		ID:     "id-1",
		Type:   "add-backend",
		Method: http.MethodPost,
		URL:    "/api/backends?dry=0",
		Header: http.Header{"Content-Type": {"application/json"}, "Content-Length": {"999"}},
		Body:   []byte(`{"name":"b1"}`),
	}
	require.NoError(t, rep.Replay(context.Background(), a))
	s := <-got
	require.Equal(t, seen{http.MethodPost, "/api/backends?dry=0", "application/json", "id-1", "add-backend", `{"name":"b1"}`}, s)

	status.Store(http.StatusUnprocessableEntity)
	err := rep.Replay(context.Background(), a)
	<-got
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	require.Equal(t, http.StatusUnprocessableEntity, rej.Status)
}

func TestProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	url := fmt.Sprintf("%s/api/health", srv.URL)
	p := NewProber(srv.Client(), url)
	require.True(t, p.Check(context.Background()))

	srv.Close()
	require.False(t, p.Check(context.Background()))
}
