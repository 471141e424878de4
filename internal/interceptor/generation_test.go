package interceptor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"offcache/internal/bus"
	"offcache/internal/version"
)

// testOrigin is an httptest-backed origin whose assets can be made to fail
// mid-test.
type testOrigin struct {
	srv *httptest.Server

	mu      sync.Mutex
	assets  map[string]string
	failing map[string]bool
}

func newTestOrigin(t *testing.T, assets map[string]string) *testOrigin {
	t.Helper()
	o := &testOrigin{assets: assets, failing: map[string]bool{}}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		body, ok := o.assets[r.URL.Path]
		fail := o.failing[r.URL.Path]
		o.mu.Unlock()
		if fail {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) setFailing(path string, fail bool) {
	o.mu.Lock()
	o.failing[path] = fail
	o.mu.Unlock()
}

func newTestManager(t *testing.T, origin, env, versionString string, static []string) (*Manager, *StoreDir, *bus.Bus) {
	t.Helper()
	cfg := testConfig(t, origin, env, static)
	dir := openTestDir(t, cfg)
	b := bus.New()
	mgr := NewManager(cfg, quietLogger(), dir, newOriginFetcher(cfg.OriginURL()), b, versionString)
	return mgr, dir, b
}

func TestInstallScenario(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{
		"/index.html":       `<html><head><script src="/bundle.abc123.js"></script></head></html>`,
		"/app.css":          "body{}",
		"/bundle.abc123.js": "console.log(1)",
	})
	mgr, _, _ := newTestManager(t, origin.srv.URL, "production", "1.2.0-abcd1234", []string{"/app.css"})

	gen, err := mgr.Install(context.Background())
	if err != nil {
		t.Fatalf("install: %v", err)
	}
	for _, key := range []string{
		entryKey("/app.css"),
		entryKey("/bundle.abc123.js"),
		entryKey("/index.html"),
		entryKey("/"),
	} {
		if _, ok := gen.Get(key); !ok {
			t.Errorf("missing %q after install", key)
		}
	}
	if n := gen.Count(); n != 4 {
		t.Fatalf("entry count = %d, want 4 (three assets, entry doc aliased at /)", n)
	}
	if gen.Status() != StatusInstalling {
		t.Fatalf("status = %q, want installing", gen.Status())
	}
}

func TestInstallSkipsFailedAssets(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{
		"/app.css": "body{}",
	})
	mgr, _, _ := newTestManager(t, origin.srv.URL, "production", "1.2.0-abcd1234",
		[]string{"/app.css", "/missing.css"})

	gen, err := mgr.Install(context.Background())
	if err != nil {
		t.Fatalf("install must survive per-asset failures: %v", err)
	}
	if _, ok := gen.Get(entryKey("/app.css")); !ok {
		t.Error("healthy asset missing")
	}
	if _, ok := gen.Get(entryKey("/missing.css")); ok {
		t.Error("failed asset should not be stored")
	}
	// Entry document fetch failed too: discovery skipped, install still fine.
	if _, ok := gen.Get(entryKey("/")); ok {
		t.Error("root alias should not exist without an entry document")
	}
}

func TestInstallNeverStoresPassthroughPaths(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{
		"/index.html": `<html><link rel="stylesheet" href="/robots.txt"></html>`,
		"/robots.txt": "User-agent: *",
	})
	mgr, _, _ := newTestManager(t, origin.srv.URL, "production", "1.2.0-abcd1234", nil)

	gen, err := mgr.Install(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := gen.Get(entryKey("/robots.txt")); ok {
		t.Fatal("passthrough path must never enter a generation")
	}
}

func TestPruneRetention(t *testing.T) {
	mgr, dir, _ := newTestManager(t, "http://localhost:9", "development", "1.0.9-x", nil)

	versions := []string{"1.0.1-a", "1.0.2-b", "1.0.3-c", "1.0.4-d", "1.0.5-e"}
	for _, v := range versions {
		if _, err := dir.Open(version.GenerationName("vault", v)); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := mgr.Prune()
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 2 {
		t.Fatalf("deleted = %d, want 2 (maxGenerations=3)", deleted)
	}
	remaining, _ := dir.ListOwned("vault-v")
	want := map[string]bool{
		"vault-v1.0.3-c": true,
		"vault-v1.0.4-d": true,
		"vault-v1.0.5-e": true,
	}
	if len(remaining) != 3 {
		t.Fatalf("remaining = %v", remaining)
	}
	for _, name := range remaining {
		if !want[name] {
			t.Errorf("retained %q, want the newest three", name)
		}
	}
}

func TestProductionActivateKeepsSingleGeneration(t *testing.T) {
	mgr, dir, _ := newTestManager(t, "http://localhost:9", "production", "1.0.3-c", nil)

	for _, v := range []string{"1.0.1-a", "1.0.2-b", "1.0.3-c"} {
		if _, err := dir.Open(version.GenerationName("vault", v)); err != nil {
			t.Fatal(err)
		}
	}
	gen, err := dir.Open("vault-v1.0.3-c")
	if err != nil {
		t.Fatal(err)
	}

	mgr.Activate(gen)
	if _, err := mgr.Prune(); err != nil {
		t.Fatal(err)
	}

	remaining, _ := dir.ListOwned("vault-v")
	if len(remaining) != 1 || remaining[0] != "vault-v1.0.3-c" {
		t.Fatalf("remaining = %v, want only the active generation", remaining)
	}
	if gen.Status() != StatusActive {
		t.Fatalf("status = %q", gen.Status())
	}
}

func TestActivatePublishesAndSupersedes(t *testing.T) {
	mgr, dir, b := newTestManager(t, "http://localhost:9", "development", "1.0.2-b", nil)
	_, events := b.Subscribe()

	old, _ := dir.Open("vault-v1.0.1-a")
	mgr.Activate(old)
	<-events // activated old

	next, _ := dir.Open("vault-v1.0.2-b")
	mgr.MarkWaiting(next)
	if next.Status() != StatusWaiting {
		t.Fatalf("status = %q, want waiting", next.Status())
	}

	mgr.PromoteWaiting()
	ev := <-events
	if ev.Kind != bus.Activated || ev.Name != "vault-v1.0.2-b" {
		t.Fatalf("event = %+v", ev)
	}
	if next.Status() != StatusActive {
		t.Fatalf("promoted status = %q", next.Status())
	}
	if old.Status() != StatusSuperseded {
		t.Fatalf("old status = %q, want superseded", old.Status())
	}
	// Promoting again with nothing waiting is a no-op.
	mgr.PromoteWaiting()
}

func TestForceUpdatePartialFailure(t *testing.T) {
	assets := map[string]string{}
	var manifest []string
	for i := 0; i < 10; i++ {
		path := fmt.Sprintf("/asset-%d.js", i)
		assets[path] = fmt.Sprintf("asset %d", i)
		manifest = append(manifest, path)
	}
	origin := newTestOrigin(t, assets)
	mgr, _, _ := newTestManager(t, origin.srv.URL, "production", "1.2.0-abcd1234", manifest)

	gen, err := mgr.Install(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	mgr.Activate(gen)
	if n := gen.Count(); n != 10 {
		t.Fatalf("initial entries = %d, want 10", n)
	}

	origin.setFailing("/asset-3.js", true)
	origin.setFailing("/asset-7.js", true)

	v, err := mgr.ForceUpdate(context.Background())
	if err != nil {
		t.Fatalf("force update must tolerate partial asset loss: %v", err)
	}
	if v != "1.2.0-abcd1234" {
		t.Fatalf("version = %q", v)
	}
	rebuilt := mgr.Active()
	if rebuilt == nil {
		t.Fatal("no active generation after force update")
	}
	if n := rebuilt.Count(); n != 8 {
		t.Fatalf("rebuilt entries = %d, want 8", n)
	}
	if _, ok := rebuilt.Get(entryKey("/asset-3.js")); ok {
		t.Error("failed asset present after rebuild")
	}
}

func TestClearOwnedIdempotent(t *testing.T) {
	mgr, dir, _ := newTestManager(t, "http://localhost:9", "development", "1.0.1-a", nil)
	_, _ = dir.Open("vault-v1.0.1-a")
	_, _ = dir.Open("vault-v1.0.2-b")
	_, _ = dir.Open("other-v1.0.0-z")

	n, err := mgr.ClearOwned()
	if err != nil || n != 2 {
		t.Fatalf("first clear = %d, %v", n, err)
	}
	n, err = mgr.ClearOwned()
	if err != nil || n != 0 {
		t.Fatalf("second clear = %d, %v, want 0 without error", n, err)
	}
	// The foreign store is untouched by ClearOwned but not by ClearAll.
	if !dir.Exists("other-v1.0.0-z") {
		t.Fatal("foreign store deleted by ClearOwned")
	}
	n, err = mgr.ClearAll()
	if err != nil || n != 1 {
		t.Fatalf("clear all = %d, %v", n, err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	origin := newTestOrigin(t, map[string]string{"/app.css": "body{}"})
	mgr, _, _ := newTestManager(t, origin.srv.URL, "production", "1.2.0-abcd1234", []string{"/app.css"})

	st := mgr.Status()
	if st.CurrentGenerationExists {
		t.Fatal("generation should not exist before install")
	}

	if _, err := mgr.Install(context.Background()); err != nil {
		t.Fatal(err)
	}
	st = mgr.Status()
	if !st.CurrentGenerationExists {
		t.Fatal("generation missing after install")
	}
	if st.CurrentVersion != "1.2.0-abcd1234" {
		t.Fatalf("version = %q", st.CurrentVersion)
	}
	if st.Environment != "production" {
		t.Fatalf("environment = %q", st.Environment)
	}
	if st.EntryCount != 1 {
		t.Fatalf("entry count = %d", st.EntryCount)
	}
	if len(st.OwnedGenerationNames) != 1 {
		t.Fatalf("owned = %v", st.OwnedGenerationNames)
	}
}
