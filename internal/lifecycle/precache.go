package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"go.trai.ch/zerr"
	"golang.org/x/sync/errgroup"

	"shell0/internal/cachestore"
)

const fetchConcurrency = 4

type precacheStats struct {
	static         int
	critical       int
	criticalFailed int
}

type fetched struct {
	path string
	ent  cachestore.Entry
}

// precache fills the static store with the app shell and then warms the API
// store with critical endpoints. The shell is all-or-nothing: every asset is
// fetched before anything is written. Critical endpoints are best-effort.
func (m *Manager) precache(ctx context.Context, gen cachestore.Generation) (precacheStats, error) {
	var stats precacheStats

	assets := append([]string(nil), m.cfg.Precache.Assets...)
	if m.cfg.Precache.Manifest != "" {
		found, err := m.discoverManifest(ctx, m.cfg.Precache.Manifest)
		if err != nil {
			m.log.Warn().Err(err).Str("manifest", m.cfg.Precache.Manifest).Msg("asset manifest unavailable")
		}
		assets = append(assets, found...)
	}
	assets = dedupe(assets)

	shell, err := m.fetchAll(ctx, assets)
	if err != nil {
		return stats, zerr.Wrap(err, "precache app shell")
	}
	static, err := m.caches.Open(gen.Name(cachestore.RoleStatic))
	if err != nil {
		return stats, zerr.Wrap(err, "open static store")
	}
	for _, f := range shell {
		if err := static.Put(f.path, f.ent); err != nil {
			return stats, zerr.With(zerr.Wrap(err, "store asset"), "asset", f.path)
		}
	}
	stats.static = len(shell)

	stats.critical, stats.criticalFailed = m.warm(ctx, gen, m.cfg.Precache.CriticalEndpoints)
	return stats, nil
}

// fetchAll fetches every path or fails on the first one that cannot be had.
func (m *Manager) fetchAll(ctx context.Context, paths []string) ([]fetched, error) {
	out := make([]fetched, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, p := range paths {
		g.Go(func() error {
			ent, err := m.fetch(gctx, p)
			if err != nil {
				return zerr.With(err, "asset", p)
			}
			out[i] = fetched{path: normalizePath(p), ent: ent}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// warm stores whatever critical endpoints answer; failures are only logged.
func (m *Manager) warm(ctx context.Context, gen cachestore.Generation, paths []string) (ok, failed int) {
	if len(paths) == 0 {
		return 0, 0
	}
	api, err := m.caches.Open(gen.Name(cachestore.RoleAPI))
	if err != nil {
		m.log.Warn().Err(err).Msg("open api store")
		return 0, len(paths)
	}

	results := make([]error, len(paths))
	var g errgroup.Group
	g.SetLimit(fetchConcurrency)
	for i, p := range paths {
		g.Go(func() error {
			ent, err := m.fetch(ctx, p)
			if err == nil {
				err = api.Put(normalizePath(p), ent)
			}
			results[i] = err
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range results {
		if err != nil {
			failed++
			m.log.Debug().Err(err).Str("path", paths[i]).Msg("critical endpoint not cached")
			continue
		}
		ok++
	}
	return ok, failed
}

func (m *Manager) fetch(ctx context.Context, p string) (cachestore.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.absolute(p), nil)
	if err != nil {
		return cachestore.Entry{}, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return cachestore.Entry{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return cachestore.Entry{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cachestore.Entry{}, err
	}
	return cachestore.NewEntry(resp.StatusCode, resp.Header, body, m.clk.Now()), nil
}

func (m *Manager) absolute(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return m.cfg.Server.Origin + u
}

// assetManifest is the build tool's asset-manifest.json.
type assetManifest struct {
	Files       map[string]string `json:"files"`
	Entrypoints []string          `json:"entrypoints"`
}

// discoverManifest lists the paths named by the asset manifest at u. Source
// maps are left out.
func (m *Manager) discoverManifest(ctx context.Context, u string) ([]string, error) {
	ent, err := m.fetch(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("fetch asset manifest %q: %w", u, err)
	}
	var doc assetManifest
	if err := json.Unmarshal(ent.Body, &doc); err != nil {
		return nil, fmt.Errorf("parse asset manifest %q: %w", u, err)
	}

	raw := make([]string, 0, len(doc.Files)+len(doc.Entrypoints))
	for _, v := range doc.Files {
		raw = append(raw, v)
	}
	raw = append(raw, doc.Entrypoints...)

	out := make([]string, 0, len(raw))
	for _, loc := range raw {
		p := normalizePath(loc)
		if p == "" || strings.HasSuffix(p, ".map") {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}

func normalizePath(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		loc = u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
