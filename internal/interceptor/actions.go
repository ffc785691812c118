package interceptor

import (
	"encoding/json"
	"net/http"
	"strings"

	"shell0/internal/cachestore"
	"shell0/internal/queue"
	"shell0/internal/strategy"
)

// serveMutation passes a non-GET request to the origin. Mutating API calls
// that cannot reach it are queued for replay instead of failing.
func (i *Interceptor) serveMutation(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	deferrable := i.deferrable(r)

	if deferrable && r.Header.Get(HeaderDefer) != "" {
		i.enqueue(w, r, body)
		return
	}

	ent, err := i.fetch(r.Context(), r, body)
	if err == nil {
		i.write(w, result{ent: ent, outcome: "network"}, strategy.Bypass)
		return
	}
	if !deferrable || r.Context().Err() != nil {
		kind := strategy.KindDefault
		if strings.HasPrefix(r.URL.Path, i.cfg.Routes.APIPrefix) {
			kind = strategy.KindAPI
		}
		i.write(w, result{ent: unavailable(kind, requestKey(r)), outcome: "offline"}, strategy.Bypass)
		return
	}
	i.enqueue(w, r, body)
}

func (i *Interceptor) deferrable(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return false
	}
	return strings.HasPrefix(r.URL.Path, i.cfg.Routes.APIPrefix)
}

type queuedReply struct {
	Queued bool   `json:"queued"`
	ID     string `json:"id"`
	Type   string `json:"type"`
}

func (i *Interceptor) enqueue(w http.ResponseWriter, r *http.Request, body []byte) {
	h := http.Header{}
	copyHeaders(h, r.Header)

	a, err := i.queue.Enqueue(queue.Draft{
		Type:   ActionType(i.cfg.Routes.APIPrefix, r.Method, r.URL.Path),
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Header: h,
		Body:   body,
	})
	if err != nil {
		// dropped; the caller sees the same answer as any other offline miss
		i.storageLog.Warn("enqueue", err, "offline action dropped")
		i.write(w, result{ent: unavailable(strategy.KindAPI, requestKey(r)), outcome: "offline"}, strategy.Bypass)
		return
	}
	i.log.Info().Str("id", a.ID).Str("type", a.Type).Str("url", a.URL).Msg("action queued")
	i.conn.ActionQueued()

	b, _ := json.Marshal(queuedReply{Queued: true, ID: a.ID, Type: a.Type})
	rh := http.Header{}
	rh.Set("Content-Type", "application/json")
	rh.Set("Cache-Control", "no-store")
	i.write(w, result{ent: cachestore.Entry{Status: http.StatusAccepted, Header: rh, Body: b}, outcome: "queued"}, strategy.Bypass)
}

// ActionType names a mutating API call after its verb and resource:
// POST /api/backends is "add-backend", DELETE /api/backends/7 is
// "remove-backend", POST /api/backends/7/drain is "drain-backend".
func ActionType(apiPrefix, method, urlPath string) string {
	rest := strings.Trim(strings.TrimPrefix(urlPath, apiPrefix), "/")
	segs := strings.Split(rest, "/")
	resource := "resource"
	if len(segs) > 0 && segs[0] != "" {
		resource = singular(segs[0])
	}

	verb := strings.ToLower(method)
	switch method {
	case http.MethodPost:
		verb = "add"
		if len(segs) >= 3 && segs[2] != "" {
			verb = segs[2]
		}
	case http.MethodPut, http.MethodPatch:
		verb = "update"
	case http.MethodDelete:
		verb = "remove"
	}
	return verb + "-" + resource
}

func singular(s string) string {
	switch {
	case strings.HasSuffix(s, "ies") && len(s) > 3:
		return s[:len(s)-3] + "y"
	case strings.HasSuffix(s, "ss"), strings.HasSuffix(s, "us"):
		return s
	case strings.HasSuffix(s, "s") && len(s) > 1:
		return s[:len(s)-1]
	}
	return s
}
