package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"shell0/internal/lifecycle"
	"shell0/internal/syncer"
)

type EventType string

const (
	EventInstall           EventType = "install"
	EventActivate          EventType = "activate"
	EventFetch             EventType = "fetch"
	EventMessage           EventType = "message"
	EventSync              EventType = "sync"
	EventPeriodicSync      EventType = "periodicsync"
	EventPush              EventType = "push"
	EventNotificationClick EventType = "notificationclick"
)

var (
	ErrNoHandler  = errors.New("no handler for event")
	ErrBadPayload = errors.New("event payload has the wrong type")
)

// Event payloads.
type (
	FetchEvent struct {
		W http.ResponseWriter
		R *http.Request
	}
	SyncEvent struct {
		Tag string
	}
	// SyncOutcome is the reply to sync events. Ran is false when a pass
	// was already in flight.
	SyncOutcome struct {
		Result syncer.Result
		Ran    bool
	}
	ClickEvent struct {
		Action string                     `json:"action"`
		Data   lifecycle.NotificationData `json:"data"`
	}
)

type handler func(ctx context.Context, payload any) (any, error)

// Dispatcher routes events to one handler per type. Dispatch returns once the
// handler is done.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[EventType]handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: map[EventType]handler{}}
}

// On registers fn for t, replacing any earlier handler.
func On[P, R any](d *Dispatcher, t EventType, fn func(ctx context.Context, p P) (R, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[t] = func(ctx context.Context, payload any) (any, error) {
		p, ok := payload.(P)
		if !ok {
			return nil, fmt.Errorf("%s: %w: %T", t, ErrBadPayload, payload)
		}
		return fn(ctx, p)
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, t EventType, payload any) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[t]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", t, ErrNoHandler)
	}
	return h(ctx, payload)
}

// Call dispatches and asserts the reply type.
func Call[R any](ctx context.Context, d *Dispatcher, t EventType, payload any) (R, error) {
	var zero R
	out, err := d.Dispatch(ctx, t, payload)
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	r, ok := out.(R)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected reply %T", t, out)
	}
	return r, nil
}
