package syncer

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Prober decides whether the origin is reachable. Any HTTP answer counts as
// online; only transport failures count as offline.
type Prober struct {
	client *http.Client
	url    string
}

func NewProber(client *http.Client, url string) *Prober {
	return &Prober{client: client, url: url}
}

func (p *Prober) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return true
}

// WatchConnectivity probes every interval and feeds the result to SetOnline
// until ctx is done.
func (c *Coordinator) WatchConnectivity(ctx context.Context, p *Prober, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			pctx, cancel := context.WithTimeout(ctx, every)
			online := p.Check(pctx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			c.SetOnline(online)
		}
	}
}
