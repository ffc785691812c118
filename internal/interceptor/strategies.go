package interceptor

import (
	"context"
	"net/http"

	"shell0/internal/cachestore"
	"shell0/internal/strategy"
)

func (i *Interceptor) cacheFirst(r *http.Request, dec strategy.Decision, gen cachestore.Generation, key string) result {
	if ent, ok := i.lookup(gen, key); ok {
		return result{ent: ent, outcome: "hit"}
	}
	ent, err := i.fetch(r.Context(), r, nil)
	if err != nil {
		return i.fallback(dec, gen, key)
	}
	i.store(gen, dec.Role, key, ent)
	return result{ent: ent, outcome: "miss"}
}

func (i *Interceptor) networkFirst(r *http.Request, dec strategy.Decision, gen cachestore.Generation, key string) result {
	ent, err := i.fetch(r.Context(), r, nil)
	if err == nil && !serverError(ent) {
		i.store(gen, dec.Role, key, ent)
		return result{ent: ent, outcome: "network"}
	}
	if cached, ok := i.lookup(gen, key); ok {
		return result{ent: cached, outcome: "cache"}
	}
	return i.fallback(dec, gen, key)
}

// staleWhileRevalidate always revalidates in the background. A cache hit is
// returned right away and never waits on the network.
func (i *Interceptor) staleWhileRevalidate(r *http.Request, dec strategy.Decision, gen cachestore.Generation, key string) result {
	cached, hit := i.lookup(gen, key)
	done := i.revalidateAsync(r, dec, gen, key)
	if hit {
		return result{ent: cached, outcome: "hit"}
	}

	select {
	case fr := <-done:
		if fr.err != nil || serverError(fr.ent) {
			return i.fallback(dec, gen, key)
		}
		return result{ent: fr.ent, outcome: "network"}
	case <-r.Context().Done():
		return i.fallback(dec, gen, key)
	}
}

func (i *Interceptor) networkOnly(r *http.Request) result {
	ent, err := i.fetch(r.Context(), r, nil)
	if err != nil {
		return result{ent: badGateway(), outcome: "bad-gateway"}
	}
	return result{ent: ent, outcome: "network"}
}

func (i *Interceptor) cacheOnly(dec strategy.Decision, gen cachestore.Generation, key string) result {
	if ent, ok := i.lookup(gen, key); ok {
		return result{ent: ent, outcome: "hit"}
	}
	return result{ent: unavailable(dec.Kind, key), outcome: "offline"}
}

// serverError reports an origin 5xx. Strategies that can fall back treat it
// like an unreachable origin.
func serverError(ent cachestore.Entry) bool {
	return ent.Status >= 500
}

type fetchResult struct {
	ent cachestore.Entry
	err error
}

// revalidateAsync fetches key from the origin detached from the caller and
// stores a successful answer. Concurrent revalidations of one key share a
// single origin request.
func (i *Interceptor) revalidateAsync(r *http.Request, dec strategy.Decision, gen cachestore.Generation, key string) <-chan fetchResult {
	out := make(chan fetchResult, 1)
	req := r.Clone(context.WithoutCancel(r.Context()))
	sfKey := gen.Name(dec.Role) + "\x00" + key

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		res := <-i.revalidate.DoChan(sfKey, func() (any, error) {
			ent, err := i.fetch(req.Context(), req, nil)
			if err != nil {
				return nil, err
			}
			i.store(gen, dec.Role, key, ent)
			return ent, nil
		})
		if res.Err != nil {
			out <- fetchResult{err: res.Err}
			return
		}
		out <- fetchResult{ent: res.Val.(cachestore.Entry)}
	}()
	return out
}
