package tiercache

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Snapshot is an immutable capture of a response: status, headers and body
// bytes as they were when the response was read.
type Snapshot struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports whether the snapshot carries a 2xx status.
func (s Snapshot) OK() bool { return s.Status >= 200 && s.Status < 300 }

func (s Snapshot) clone() Snapshot {
	out := Snapshot{Status: s.Status, Header: cloneHeader(s.Header)}
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	return out
}

func textSnapshot(status int, contentType, body string) Snapshot {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return Snapshot{Status: status, Header: h, Body: []byte(body)}
}

// Request is the intercepted request the tier engine works on.
//
// Mode and Destination follow the Fetch metadata vocabulary ("navigate",
// "image", ...) and are usually taken from the Sec-Fetch-Mode and
// Sec-Fetch-Dest request headers.
type Request struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	Mode        string
	Destination string
}

// NewRequest builds a request for an absolute URL.
func NewRequest(method, rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse url %q", rawURL)
	}
	if !u.IsAbs() {
		return nil, errors.Errorf("url %q is not absolute", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{Method: method, URL: u, Header: make(http.Header)}, nil
}

// RequestFromHTTP converts an inbound proxy request into a Request aimed at
// origin. Absolute-form request URIs keep their own host so the selector can
// tell cross-origin traffic apart.
func RequestFromHTTP(r *http.Request, origin *url.URL) (*Request, error) {
	var target *url.URL
	if r.URL.IsAbs() {
		u := *r.URL
		target = &u
	} else {
		u, err := url.Parse(strings.TrimRight(origin.String(), "/") + r.URL.RequestURI())
		if err != nil {
			return nil, errors.Wrap(err, "build origin url")
		}
		target = u
	}

	req := &Request{
		Method:      r.Method,
		URL:         target,
		Header:      make(http.Header),
		Mode:        strings.ToLower(r.Header.Get("Sec-Fetch-Mode")),
		Destination: strings.ToLower(r.Header.Get("Sec-Fetch-Dest")),
	}
	copyHeaders(req.Header, r.Header)

	if req.Mode == "" && r.Method == http.MethodGet && acceptsHTML(r.Header.Get("Accept")) {
		req.Mode = "navigate"
	}

	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, errors.Wrap(err, "read request body")
		}
		req.Body = b
	}
	return req, nil
}

// Key is the cache key of the request: its URL without fragment.
func (r *Request) Key() string {
	return cacheKey(r.URL)
}

func cacheKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

func (r *Request) bodyReader() io.Reader {
	if len(r.Body) == 0 {
		return nil
	}
	return bytes.NewReader(r.Body)
}

// acceptsHTML is the fallback navigation heuristic for clients that do not
// send fetch metadata headers.
func acceptsHTML(accept string) bool {
	for _, part := range strings.Split(accept, ",") {
		mt := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		if strings.EqualFold(mt, "text/html") {
			return true
		}
	}
	return false
}
