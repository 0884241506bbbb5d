package tiercache

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Fetcher performs network requests. An error means the network could not
// be reached at all; HTTP error statuses come back as snapshots.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (Snapshot, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req *Request) (Snapshot, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (Snapshot, error) {
	return f(ctx, req)
}

// httpFetcher reads whole responses with an http.Client.
type httpFetcher struct {
	client *http.Client
}

func NewHTTPFetcher(client *http.Client) Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &httpFetcher{client: client}
}

func (f *httpFetcher) Fetch(ctx context.Context, r *Request) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), r.bodyReader())
	if err != nil {
		return Snapshot{}, errors.Wrap(err, "build request")
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.client.Do(req)
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "%s %s", r.Method, r.URL.Redacted())
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Snapshot{}, errors.Wrapf(err, "read %s", r.URL.Redacted())
	}

	snap := Snapshot{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   b,
	}
	removeHopHeaders(snap.Header, resp.Header)
	snap.Header.Del("Content-Length")
	return snap, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// hopHeaders describe a single connection and are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// copyHeaders adds the end-to-end headers of src to dst.
func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		ck := http.CanonicalHeaderKey(k)
		dst[ck] = append(dst[ck], vs...)
	}
	removeHopHeaders(dst, src)
}

// removeHopHeaders deletes from h the standard hop-by-hop headers and every
// header named by src's Connection field.
func removeHopHeaders(h, src http.Header) {
	for _, v := range src.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
