package tiercache

import (
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverSitemapURLs walks the given sitemaps (following sitemap indexes)
// and returns up to max same-origin page URLs, in discovery order and
// without duplicates.
func discoverSitemapURLs(ctx context.Context, net Fetcher, origin *url.URL, sitemaps []string, max int) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, resolveAgainst(origin, sm))
	}

	var out []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := fetchAndParseSitemap(ctx, net, smURL)
		if err != nil {
			return out, errors.Wrapf(err, "fetch sitemap %q", smURL)
		}

		for _, nested := range doc.Sitemaps {
			if nested == "" {
				continue
			}
			queue = append(queue, resolveAgainst(origin, nested))
		}

		for _, loc := range doc.URLs {
			if loc == "" {
				continue
			}
			abs := resolveAgainst(origin, loc)
			u, err := url.Parse(abs)
			if err != nil || !strings.EqualFold(u.Host, origin.Host) {
				continue
			}
			key := cacheKey(u)
			if _, ok := seenURLs[key]; ok {
				continue
			}
			seenURLs[key] = struct{}{}
			out = append(out, key)
			if max > 0 && len(out) >= max {
				return out, nil
			}
		}
	}
	return out, nil
}

func resolveAgainst(origin *url.URL, u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return strings.TrimRight(origin.String(), "/") + u
}

func fetchAndParseSitemap(ctx context.Context, net Fetcher, sitemapURL string) (sitemapDoc, error) {
	req, err := NewRequest(http.MethodGet, sitemapURL)
	if err != nil {
		return sitemapDoc{}, err
	}
	snap, err := net.Fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if !snap.OK() {
		b := snap.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, errors.Errorf("unexpected status %d: %s", snap.Status, strings.TrimSpace(string(b)))
	}

	body := snap.Body
	// Some servers send a .gz sitemap with Content-Encoding gzip as well, in
	// which case the body may already be inflated.
	tryGzip := strings.HasSuffix(strings.ToLower(req.URL.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, errors.Wrap(err, "parse sitemap")
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
