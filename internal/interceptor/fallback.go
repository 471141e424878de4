package interceptor

import (
	"fmt"
	"net/http"
	"time"
)

// Recovery documents are self-contained: no external assets, since they are
// served exactly when no asset can be loaded.

const devUnreachableHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Origin unreachable</title>
<style>body{font-family:sans-serif;max-width:32rem;margin:4rem auto;color:#333}button{padding:.5rem 1rem}</style>
</head>
<body>
<h1>Development origin unreachable</h1>
<p>The dev server did not answer. Make sure it is running, then retry.</p>
<button onclick="location.reload()">Retry</button>
</body>
</html>`

const notCachedHTML = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>Not yet cached</title>
<style>body{font-family:sans-serif;max-width:32rem;margin:4rem auto;color:#333}button{padding:.5rem 1rem;margin-right:.5rem}</style>
</head>
<body>
<h1>This page is not cached yet</h1>
<p>The network is unavailable and no offline copy exists for this page.
Reconnect and retry, or reset the offline cache if the problem persists.</p>
<button onclick="location.reload()">Retry</button>
<button onclick="location.replace('/')">Reset</button>
</body>
</html>`

func recoveryEntry(body string) CacheEntry {
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	return CacheEntry{
		Status:   http.StatusOK,
		Header:   h,
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
		Hash32:   hash32([]byte(body)),
	}
}

func devUnreachableDocument() CacheEntry {
	return recoveryEntry(devUnreachableHTML)
}

func notCachedDocument() CacheEntry {
	return recoveryEntry(notCachedHTML)
}

// defaultManifest synthesizes a minimal application manifest when neither
// cache nor network can produce the real one.
func defaultManifest(appName string) CacheEntry {
	body := fmt.Sprintf(`{"name":%q,"short_name":%q,"start_url":"/","display":"standalone"}`, appName, appName)
	h := make(http.Header)
	h.Set("Content-Type", "application/manifest+json")
	return CacheEntry{
		Status:   http.StatusOK,
		Header:   h,
		Body:     []byte(body),
		StoredAt: time.Now().Unix(),
		Hash32:   hash32([]byte(body)),
	}
}
