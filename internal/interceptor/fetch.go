package interceptor

import (
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"time"
)

// originFetcher issues GET requests against the one configured origin. The
// client never follows redirects: a redirected response surfaces with its 3xx
// status so callers can tell a direct 200 from anything else.
type originFetcher struct {
	origin *url.URL
	client *http.Client
}

func newOriginFetcher(origin *url.URL) *originFetcher {
	return &originFetcher{
		origin: origin,
		client: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Fetch GETs origin+uri and returns the response as a cache entry. A non-2xx
// status is not an error; callers decide what to do with it.
func (f *originFetcher) Fetch(ctx context.Context, uri string) (CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.origin.String()+uri, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}
	return newEntry(resp.StatusCode, resp.Header, body), nil
}

func hash32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}
