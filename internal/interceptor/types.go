package interceptor

import "net/http"

// CacheEntry is one stored response.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// GenStatus is the lifecycle state persisted with each generation.
type GenStatus string

const (
	StatusInstalling GenStatus = "installing"
	StatusWaiting    GenStatus = "waiting"
	StatusActive     GenStatus = "active"
	StatusSuperseded GenStatus = "superseded"
)

// entryKey is the request key for a cached GET response. Only GET requests
// are ever cached, so the method is fixed into the key format.
func entryKey(path string) string {
	return "GET " + path
}
