package interceptor

import (
	"encoding/json"
	"net/http"

	"shell0/internal/cachestore"
	"shell0/internal/strategy"
)

const offlineMessage = "This content is not available offline"

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="200" height="150" viewBox="0 0 200 150">` +
	`<rect width="200" height="150" fill="#e5e7eb"/>` +
	`<text x="100" y="80" font-family="sans-serif" font-size="14" fill="#6b7280" text-anchor="middle">Offline</text>` +
	`</svg>`

const offlineHTML = `<!doctype html><html><head><meta charset="utf-8"><title>Offline</title></head>` +
	`<body><h1>You are offline</h1><p>` + offlineMessage + `.</p></body></html>`

// fallback is used once both network and cache failed for key.
func (i *Interceptor) fallback(dec strategy.Decision, gen cachestore.Generation, key string) result {
	switch dec.Kind {
	case strategy.KindImage:
		if ent, ok := i.lookup(gen, i.cfg.Shell.Placeholder); ok {
			return result{ent: ent, outcome: "fallback"}
		}
		return result{ent: placeholder(), outcome: "fallback"}
	case strategy.KindNavigation:
		if ent, ok := i.lookup(gen, i.cfg.Shell.Home); ok {
			return result{ent: ent, outcome: "fallback"}
		}
		if ent, ok := i.lookup(gen, i.cfg.Shell.OfflinePage); ok {
			return result{ent: ent, outcome: "offline-page"}
		}
	}
	return result{ent: unavailable(dec.Kind, key), outcome: "offline"}
}

// unavailable is the synthetic 503 for a request nothing could satisfy.
func unavailable(kind strategy.Kind, key string) cachestore.Entry {
	h := http.Header{}
	h.Set("Cache-Control", "no-store")
	switch kind {
	case strategy.KindAPI:
		h.Set("Content-Type", "application/json")
		b, _ := json.Marshal(map[string]any{
			"error":   "offline",
			"message": offlineMessage,
			"path":    key,
		})
		return cachestore.Entry{Status: http.StatusServiceUnavailable, Header: h, Body: b}
	case strategy.KindNavigation:
		h.Set("Content-Type", "text/html; charset=utf-8")
		return cachestore.Entry{Status: http.StatusServiceUnavailable, Header: h, Body: []byte(offlineHTML)}
	}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return cachestore.Entry{Status: http.StatusServiceUnavailable, Header: h, Body: []byte(offlineMessage)}
}

func placeholder() cachestore.Entry {
	h := http.Header{}
	h.Set("Content-Type", "image/svg+xml")
	h.Set("Cache-Control", "no-store")
	return cachestore.Entry{Status: http.StatusOK, Header: h, Body: []byte(placeholderSVG)}
}

func badGateway() cachestore.Entry {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return cachestore.Entry{Status: http.StatusBadGateway, Header: h, Body: []byte("bad gateway")}
}
