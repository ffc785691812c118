// Package queue is the durable FIFO of mutating requests that could not reach
// the origin. Every operation works on freshly read persisted state, never on
// an in-memory snapshot, so several producers and a draining coordinator can
// share one database.
package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/zeebo/xxh3"
	"go.trai.ch/zerr"

	"shell0/internal/clock"
)

const (
	orderPrefix  = "q:"
	actionPrefix = "a:"
)

// Action is one deferred mutating request.
type Action struct {
	ID          string      `json:"id"`
	Type        string      `json:"type"`
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	Header      http.Header `json:"header,omitempty"`
	Body        []byte      `json:"body,omitempty"`
	EnqueuedAt  time.Time   `json:"enqueuedAt"`
	Fingerprint uint64      `json:"fingerprint"`

	Seq string `json:"seq"`
}

// Draft is what a producer knows about an action before it is queued.
type Draft struct {
	Type   string
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type Queue struct {
	db  *leveldb.DB
	clk clock.Clock

	mu      sync.Mutex
	lastSeq int64

	lmu       sync.RWMutex
	listeners []func(pending int)
}

func Open(db *leveldb.DB, clk clock.Clock) (*Queue, error) {
	q := &Queue{db: db, clk: clk}

	it := db.NewIterator(util.BytesPrefix([]byte(orderPrefix)), nil)
	defer it.Release()
	if it.Last() {
		var seq int64
		if _, err := fmt.Sscanf(string(bytes.TrimPrefix(it.Key(), []byte(orderPrefix))), "%d", &seq); err == nil {
			q.lastSeq = seq
		}
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return q, nil
}

// OnChange registers fn to receive the pending count after every mutation.
func (q *Queue) OnChange(fn func(pending int)) {
	q.lmu.Lock()
	q.listeners = append(q.listeners, fn)
	q.lmu.Unlock()
}

// Enqueue appends a new action with a fresh id and the current time. A PUT or
// DELETE identical to the action at the tail of the queue is not queued
// twice; the pending action is returned instead.
func (q *Queue) Enqueue(d Draft) (Action, error) {
	now := q.clk.Now()
	a := Action{
		ID:          uuid.NewString(),
		Type:        d.Type,
		Method:      d.Method,
		URL:         d.URL,
		Header:      d.Header,
		Body:        d.Body,
		EnqueuedAt:  now,
		Fingerprint: fingerprint(d),
	}

	q.mu.Lock()
	queued, err := q.appendLocked(&a)
	q.mu.Unlock()
	if err != nil {
		return Action{}, zerr.With(zerr.Wrap(err, "enqueue offline action"), "type", a.Type)
	}
	if queued {
		q.notify()
	}
	return a, nil
}

// appendLocked writes a unless it repeats the idempotent action at the tail,
// in which case a is replaced by that action. Callers hold q.mu.
func (q *Queue) appendLocked(a *Action) (bool, error) {
	if idempotent(a.Method) {
		tail, ok, err := q.tail()
		if err != nil {
			return false, err
		}
		if ok && tail.Fingerprint == a.Fingerprint {
			*a = tail
			return false, nil
		}
	}

	seq := a.EnqueuedAt.UnixNano()
	if seq <= q.lastSeq {
		seq = q.lastSeq + 1
	}
	a.Seq = fmt.Sprintf("%020d", seq)

	b, err := json.Marshal(a)
	if err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(actionPrefix+a.ID), b)
	batch.Put([]byte(orderPrefix+a.Seq), []byte(a.ID))
	if err := q.db.Write(batch, nil); err != nil {
		return false, err
	}
	q.lastSeq = seq
	return true, nil
}

func idempotent(method string) bool {
	return method == http.MethodPut || method == http.MethodDelete
}

// tail returns the most recently queued action still pending.
func (q *Queue) tail() (Action, bool, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(orderPrefix)), nil)
	defer it.Release()
	for ok := it.Last(); ok; ok = it.Prev() {
		a, err := q.get(string(it.Value()))
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		}
		if err != nil {
			return Action{}, false, err
		}
		return a, true, nil
	}
	return Action{}, false, it.Error()
}

// Drain returns every pending action in enqueue order without removing any.
func (q *Queue) Drain() ([]Action, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(orderPrefix)), nil)
	defer it.Release()

	var out []Action
	for it.Next() {
		a, err := q.get(string(it.Value()))
		if errors.Is(err, leveldb.ErrNotFound) {
			// removed between the index read and the action read
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Remove deletes one action. Removing an id that is already gone is not an error.
func (q *Queue) Remove(id string) error {
	a, err := q.get(id)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	}
	if err != nil {
		return zerr.With(zerr.Wrap(err, "read offline action"), "id", id)
	}
	batch := new(leveldb.Batch)
	batch.Delete([]byte(actionPrefix + id))
	batch.Delete([]byte(orderPrefix + a.Seq))
	if err := q.db.Write(batch, nil); err != nil {
		return zerr.With(zerr.Wrap(err, "remove offline action"), "id", id)
	}
	q.notify()
	return nil
}

// Clear drops every action in one batch.
func (q *Queue) Clear() error {
	batch := new(leveldb.Batch)
	for _, p := range []string{orderPrefix, actionPrefix} {
		it := q.db.NewIterator(util.BytesPrefix([]byte(p)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	if err := q.db.Write(batch, nil); err != nil {
		return err
	}
	q.notify()
	return nil
}

func (q *Queue) Len() (int, error) {
	it := q.db.NewIterator(util.BytesPrefix([]byte(orderPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (q *Queue) get(id string) (Action, error) {
	b, err := q.db.Get([]byte(actionPrefix+id), nil)
	if err != nil {
		return Action{}, err
	}
	var a Action
	if err := json.Unmarshal(b, &a); err != nil {
		return Action{}, err
	}
	return a, nil
}

func (q *Queue) notify() {
	q.lmu.RLock()
	ls := q.listeners
	q.lmu.RUnlock()
	if len(ls) == 0 {
		return
	}
	n, err := q.Len()
	if err != nil {
		return
	}
	for _, fn := range ls {
		fn(n)
	}
}

func fingerprint(d Draft) uint64 {
	h := xxh3.New()
	_, _ = h.Write([]byte(d.Method + " " + d.URL + "\n"))
	_, _ = h.Write(d.Body)
	return h.Sum64()
}
