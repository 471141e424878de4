package interceptor

import (
	"bytes"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// scanAssets walks the entry document's markup and collects the same-origin
// script and stylesheet references. Build artifacts carry content hashes in
// their filenames and cannot be listed ahead of time, so they have to be
// discovered from the document that links them.
func scanAssets(doc []byte, origin *url.URL) []string {
	z := html.NewTokenizer(bytes.NewReader(doc))

	seen := map[string]struct{}{}
	var out []string
	add := func(ref string) {
		path, ok := sameOriginPath(ref, origin)
		if !ok {
			return
		}
		if _, dup := seen[path]; dup {
			return
		}
		seen[path] = struct{}{}
		out = append(out, path)
	}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return out
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		name, hasAttr := z.TagName()
		if !hasAttr {
			continue
		}
		switch string(name) {
		case "script":
			if src, ok := tagAttr(z, "src"); ok {
				add(src)
			}
		case "link":
			attrs := tagAttrs(z)
			if strings.EqualFold(attrs["rel"], "stylesheet") && attrs["href"] != "" {
				add(attrs["href"])
			}
		}
	}
}

// sameOriginPath resolves ref against the origin and returns its path when it
// stays on the origin. Cross-origin references (CDNs, analytics) are skipped.
func sameOriginPath(ref string, origin *url.URL) (string, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	resolved := origin.ResolveReference(u)
	if resolved.Host != origin.Host {
		return "", false
	}
	path := resolved.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if resolved.RawQuery != "" {
		path += "?" + resolved.RawQuery
	}
	return path, true
}

func tagAttr(z *html.Tokenizer, name string) (string, bool) {
	for {
		k, v, more := z.TagAttr()
		if string(k) == name {
			return string(v), true
		}
		if !more {
			return "", false
		}
	}
}

func tagAttrs(z *html.Tokenizer) map[string]string {
	out := map[string]string{}
	for {
		k, v, more := z.TagAttr()
		out[strings.ToLower(string(k))] = string(v)
		if !more {
			return out
		}
	}
}
