package syncer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"shell0/internal/queue"
)

// RejectedError is a replay that reached the origin and got a non-2xx answer.
type RejectedError struct {
	ID     string
	Status int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("replay %s: origin answered %d", e.ID, e.Status)
}

// HTTPReplayer resends actions with their stored method, headers and body.
type HTTPReplayer struct {
	client *http.Client
	origin string
}

func NewHTTPReplayer(client *http.Client, origin string) *HTTPReplayer {
	return &HTTPReplayer{client: client, origin: strings.TrimRight(origin, "/")}
}

func (r *HTTPReplayer) Replay(ctx context.Context, a queue.Action) error {
	target := a.URL
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = r.origin + target
	}
	req, err := http.NewRequestWithContext(ctx, a.Method, target, bytes.NewReader(a.Body))
	if err != nil {
		return err
	}
	for k, vs := range a.Header {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Idempotency-Key") == "" {
		req.Header.Set("Idempotency-Key", a.ID)
	}
	req.Header.Set("X-Shell0-Replay", a.Type)

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RejectedError{ID: a.ID, Status: resp.StatusCode}
	}
	return nil
}
