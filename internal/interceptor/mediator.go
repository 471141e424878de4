package interceptor

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"offcache/internal/config"
	"offcache/internal/logging"
)

// Mediator answers intercepted requests according to the environment policy
// table. Only same-origin GET requests are mediated; everything else is
// forwarded untouched.
type Mediator struct {
	cfg   *config.Config
	env   config.Environment
	log   logrus.FieldLogger
	mgr   *Manager
	fetch *originFetcher
	proxy *http.Client

	bgSem chan struct{}
	sf    singleflight.Group
	wg    sync.WaitGroup
	bgLog *logging.RateLimited
	stats *statsCollector
}

func NewMediator(cfg *config.Config, log logrus.FieldLogger, mgr *Manager, fetch *originFetcher) *Mediator {
	l := log.WithField("component", "mediator")
	return &Mediator{
		cfg:   cfg,
		env:   cfg.Environment(),
		log:   l,
		mgr:   mgr,
		fetch: fetch,
		proxy: &http.Client{Timeout: 30 * time.Second},
		bgSem: make(chan struct{}, 32),
		bgLog: logging.NewRateLimited(l, time.Minute),
		stats: newStatsCollector(),
	}
}

// Stats snapshots the serving statistics.
func (m *Mediator) Stats() statsSnapshot {
	return m.stats.Snapshot()
}

// Close waits for in-flight background cache writes to drain.
func (m *Mediator) Close() {
	m.wg.Wait()
}

func (m *Mediator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || !m.sameOrigin(r) {
		m.passThrough(w, r)
		return
	}

	path := r.URL.Path
	switch {
	case m.env == config.Development && matchAnyPrefix(path, m.cfg.Patterns.DevExclude):
		m.passThrough(w, r)
	case matchAnyExact(path, m.cfg.Patterns.Passthrough) || matchAnyPrefix(path, m.cfg.Patterns.Icons):
		m.networkNeverCached(w, r)
	case m.env == config.Production && matchAnyExact(path, m.cfg.Patterns.Manifest):
		m.serveManifest(w, r)
	case isNavigation(r):
		m.serveNavigation(w, r)
	case matchAnySuffix(path, m.cfg.Patterns.Cacheable):
		m.serveAsset(w, r)
	default:
		m.networkNoCache(w, r)
	}
}

// sameOrigin reports whether the request targets the mediated origin.
// Origin-form requests (no host in the URL) are by definition same-origin;
// absolute-form requests are compared against the configured origin host.
func (m *Mediator) sameOrigin(r *http.Request) bool {
	if r.URL.Host == "" {
		return true
	}
	return r.URL.Host == m.fetch.origin.Host
}

// passThrough forwards the request unchanged and writes nothing to any store.
func (m *Mediator) passThrough(w http.ResponseWriter, r *http.Request) {
	target := r.URL.String()
	if r.URL.Host == "" {
		target = m.fetch.origin.String() + r.URL.RequestURI()
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	copyHeaders(req.Header, r.Header)

	resp, err := m.proxy.Do(req)
	if err != nil {
		setMediatorHeader(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setMediatorHeader(w.Header(), "bypass")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// networkNeverCached serves passthrough files and icon-class assets: network
// always, 404 on failure, no cache involvement in either direction.
func (m *Mediator) networkNeverCached(w http.ResponseWriter, r *http.Request) {
	ent, err := m.fetch.Fetch(r.Context(), r.URL.RequestURI())
	if err != nil {
		setMediatorHeader(w.Header(), "fallback")
		w.WriteHeader(http.StatusNotFound)
		return
	}
	m.writeEntry(w, ent, "bypass")
}

// serveManifest handles the manifest-class document in production: cached
// copy, else fetch-and-cache, else a synthesized minimal manifest.
func (m *Mediator) serveManifest(w http.ResponseWriter, r *http.Request) {
	key := requestKey(r)
	gen := m.mgr.Active()
	if gen != nil {
		if ent, ok := gen.Get(key); ok {
			m.writeEntry(w, ent, "hit")
			return
		}
	}
	ent, err := m.fetch.Fetch(r.Context(), r.URL.RequestURI())
	if err == nil && isSuccess(ent.Status) {
		m.cacheDetached(gen, key, ent)
		m.writeEntry(w, ent, "miss")
		return
	}
	m.writeEntry(w, defaultManifest(m.cfg.App.Name), "recovery")
}

// serveNavigation handles top-level document requests. Development always
// asks the origin (short timeout) so edits show up; production serves the
// cached shell instantly and refreshes it in the background.
func (m *Mediator) serveNavigation(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.RequestURI()
	key := requestKey(r)

	if m.env == config.Development {
		ctx, cancel := context.WithTimeout(r.Context(), m.cfg.NavigationTimeout())
		defer cancel()
		ent, err := m.fetch.Fetch(ctx, uri)
		if err != nil {
			m.writeEntry(w, devUnreachableDocument(), "recovery")
			return
		}
		m.writeEntry(w, ent, "miss")
		return
	}

	gen := m.mgr.Active()
	if gen != nil {
		if ent, ok := gen.Get(key); ok {
			m.writeEntry(w, ent, "hit")
			m.revalidateAsync(gen, key, uri)
			return
		}
		// App shell fallback: the entry document is stored under the root
		// path so any navigation resolves offline.
		if ent, ok := gen.Get(entryKey("/")); ok {
			m.writeEntry(w, ent, "hit")
			m.revalidateAsync(gen, entryKey("/"), "/")
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), m.cfg.NavigationTimeout())
	defer cancel()
	ent, err := m.fetch.Fetch(ctx, uri)
	if err == nil {
		if isSuccess(ent.Status) {
			m.cacheDetached(gen, key, ent)
		}
		m.writeEntry(w, ent, "miss")
		return
	}
	m.writeEntry(w, notCachedDocument(), "recovery")
}

// serveAsset handles generic assets matching a cacheable pattern.
func (m *Mediator) serveAsset(w http.ResponseWriter, r *http.Request) {
	uri := r.URL.RequestURI()
	key := requestKey(r)
	gen := m.mgr.Active()

	if m.env == config.Production && gen != nil {
		if ent, ok := gen.Get(key); ok {
			m.writeEntry(w, ent, "hit")
			m.revalidateAsync(gen, key, uri)
			return
		}
	}

	ent, err := m.fetch.Fetch(r.Context(), uri)
	if err == nil {
		if isSuccess(ent.Status) {
			m.cacheDetached(gen, key, ent)
		}
		m.writeEntry(w, ent, "miss")
		return
	}

	// Network down: fall back to whatever the cache still holds.
	if gen != nil {
		if stale, ok := gen.Get(key); ok {
			m.writeEntry(w, stale, "stale")
			return
		}
	}
	m.typedFallback(w, r)
}

// networkNoCache serves non-cacheable patterns: network only, typed fallback
// on failure, nothing written to any store.
func (m *Mediator) networkNoCache(w http.ResponseWriter, r *http.Request) {
	ent, err := m.fetch.Fetch(r.Context(), r.URL.RequestURI())
	if err != nil {
		m.typedFallback(w, r)
		return
	}
	m.writeEntry(w, ent, "bypass")
}

// typedFallback answers a request that has no cache and no network. Image
// destinations get an empty 404 so broken-image chrome stays quiet; anything
// else gets an empty 503 that still signals real failure.
func (m *Mediator) typedFallback(w http.ResponseWriter, r *http.Request) {
	setMediatorHeader(w.Header(), "fallback")
	if isImageRequest(r) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}

// revalidateAsync refreshes a cached entry without blocking the response that
// served it. The semaphore bounds concurrent refreshes and singleflight
// collapses storms on the same key. The write is fire-and-forget: its failure
// never reaches the original request.
func (m *Mediator) revalidateAsync(gen *GenStore, key, uri string) {
	select {
	case m.bgSem <- struct{}{}:
	default:
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.bgSem }()
		_, _, _ = m.sf.Do(key, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			m.revalidateOnce(ctx, gen, key, uri)
			return nil, nil
		})
	}()
}

func (m *Mediator) revalidateOnce(ctx context.Context, gen *GenStore, key, uri string) {
	ent, err := m.fetch.Fetch(ctx, uri)
	if err != nil {
		return
	}
	// Only a direct 200 may overwrite; redirects and errors leave the cached
	// copy alone.
	if ent.Status != http.StatusOK {
		return
	}
	if cur, ok := gen.Get(key); ok && cur.Hash32 == ent.Hash32 {
		return
	}
	if err := gen.Put(key, ent); err != nil {
		m.bgLog.Warnf("background revalidate write failed for %s: %v", key, err)
	}
}

// cacheDetached opportunistically stores an entry off the request path.
func (m *Mediator) cacheDetached(gen *GenStore, key string, ent CacheEntry) {
	if gen == nil {
		return
	}
	select {
	case m.bgSem <- struct{}{}:
	default:
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.bgSem }()
		if err := gen.Put(key, ent); err != nil {
			m.bgLog.Warnf("opportunistic cache write failed for %s: %v", key, err)
		}
	}()
}

func (m *Mediator) writeEntry(w http.ResponseWriter, ent CacheEntry, tag string) {
	switch tag {
	case "hit", "stale":
		m.stats.Observe(len(ent.Body), true)
	case "miss":
		m.stats.Observe(len(ent.Body), false)
	}
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "x-offcache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setMediatorHeader(w.Header(), tag)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func requestKey(r *http.Request) string {
	return entryKey(r.URL.RequestURI())
}

func isNavigation(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func isImageRequest(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Dest") == "image" {
		return true
	}
	if strings.HasPrefix(r.Header.Get("Accept"), "image/") {
		return true
	}
	return matchAnySuffix(r.URL.Path, []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".avif"})
}

func matchAnyExact(path string, patterns []string) bool {
	for _, p := range patterns {
		if path == p {
			return true
		}
	}
	return false
}

func matchAnyPrefix(path string, patterns []string) bool {
	for _, p := range patterns {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func matchAnySuffix(path string, patterns []string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}

func setMediatorHeader(h http.Header, tag string) {
	if tag != "" {
		h.Set("X-Offcache", tag)
	}
	// In a CORS context custom headers are invisible to page scripts unless
	// explicitly exposed.
	ensureExposedHeader(h, "X-Offcache")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
