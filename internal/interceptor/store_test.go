package interceptor

import (
	"net/http"
	"testing"
)

func testEntry(body string) CacheEntry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return newEntry(200, h, []byte(body))
}

func TestStorePutGet(t *testing.T) {
	cfg := testConfig(t, "http://localhost:9", "production", nil)
	dir := openTestDir(t, cfg)

	g, err := dir.Open("vault-v1.2.0-abc")
	if err != nil {
		t.Fatal(err)
	}
	key := entryKey("/app.css")
	if err := g.Put(key, testEntry("body{}")); err != nil {
		t.Fatal(err)
	}
	ent, ok := g.Get(key)
	if !ok {
		t.Fatal("entry missing after put")
	}
	if string(ent.Body) != "body{}" {
		t.Fatalf("body = %q", ent.Body)
	}
	if ent.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("header lost: %v", ent.Header)
	}
	if _, ok := g.Get(entryKey("/other")); ok {
		t.Fatal("unexpected hit for unrelated key")
	}
}

func TestStoreLastWriteWins(t *testing.T) {
	cfg := testConfig(t, "http://localhost:9", "production", nil)
	dir := openTestDir(t, cfg)
	g, _ := dir.Open("vault-v1.2.0-abc")

	key := entryKey("/a.js")
	_ = g.Put(key, testEntry("one"))
	_ = g.Put(key, testEntry("two"))
	ent, _ := g.Get(key)
	if string(ent.Body) != "two" {
		t.Fatalf("expected last write, got %q", ent.Body)
	}
}

func TestStoreStatusRoundTrip(t *testing.T) {
	cfg := testConfig(t, "http://localhost:9", "production", nil)
	dir := openTestDir(t, cfg)
	g, _ := dir.Open("vault-v1.2.0-abc")

	if g.Status() != StatusInstalling {
		t.Fatalf("default status = %q", g.Status())
	}
	if err := g.SetStatus(StatusActive); err != nil {
		t.Fatal(err)
	}
	if g.Status() != StatusActive {
		t.Fatalf("status = %q after set", g.Status())
	}
}

func TestDirListOwnedAndDelete(t *testing.T) {
	cfg := testConfig(t, "http://localhost:9", "production", nil)
	dir := openTestDir(t, cfg)

	for _, name := range []string{"vault-v1.0.0-a", "vault-v1.1.0-b", "other-v9.0.0-z"} {
		if _, err := dir.Open(name); err != nil {
			t.Fatal(err)
		}
	}
	owned, err := dir.ListOwned("vault-v")
	if err != nil {
		t.Fatal(err)
	}
	if len(owned) != 2 {
		t.Fatalf("owned = %v", owned)
	}
	all, _ := dir.List()
	if len(all) != 3 {
		t.Fatalf("all = %v", all)
	}

	if err := dir.Delete("vault-v1.0.0-a"); err != nil {
		t.Fatal(err)
	}
	// Deleting again is a no-op, not an error.
	if err := dir.Delete("vault-v1.0.0-a"); err != nil {
		t.Fatal(err)
	}
	if dir.Exists("vault-v1.0.0-a") {
		t.Fatal("store still exists after delete")
	}

	n, err := dir.DeleteAll()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("DeleteAll cleared %d, want 2", n)
	}
}

func TestDirRejectsPathTraversal(t *testing.T) {
	cfg := testConfig(t, "http://localhost:9", "production", nil)
	dir := openTestDir(t, cfg)
	if _, err := dir.Open("../escape"); err == nil {
		t.Fatal("expected error for name with path separator")
	}
}
