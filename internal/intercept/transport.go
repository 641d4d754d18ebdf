package intercept

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/transsflow/fieldsync/internal/apperr"
)

// DefaultAPIPrefixes are the path prefixes served network-first.
var DefaultAPIPrefixes = []string{"/api/", "/qa/api/", "/ipqc/api/"}

const (
	offlineBody  = `{"error":"offline","message":"You are currently offline. Please check your connection."}`
	cacheHeader  = "X-Fieldsync-Cache"
	cacheHit     = "hit"
	cacheOffline = "offline"
)

type route int

const (
	routeStatic route = iota
	routeAPI
	routeNavigation
)

// TransportOptions configures a Transport.
type TransportOptions struct {
	Origin      *url.URL
	APIPrefixes []string
	// OfflinePage is served, from cache, when a navigation fails.
	OfflinePage   string
	MaxEntryBytes int64
	Logger        *slog.Logger
}

// Transport is an http.RoundTripper applying the per-route cache policy.
// Requests that are not GET, not same-origin, or arrive before the worker
// controls traffic go to Base untouched.
type Transport struct {
	Base http.RoundTripper

	worker  *Worker
	opts    TransportOptions
	flights singleflight.Group
	logger  *slog.Logger
}

func NewTransport(w *Worker, base http.RoundTripper, opts TransportOptions) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if opts.APIPrefixes == nil {
		opts.APIPrefixes = DefaultAPIPrefixes
	}
	if opts.MaxEntryBytes <= 0 {
		opts.MaxEntryBytes = 10 << 20
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{Base: base, worker: w, opts: opts, logger: logger}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || !t.sameOrigin(req.URL) || !t.worker.Controlling() {
		return t.Base.RoundTrip(req)
	}

	switch t.classify(req) {
	case routeAPI:
		return t.networkFirst(req)
	case routeNavigation:
		return t.navigate(req)
	default:
		return t.cacheFirst(req)
	}
}

func (t *Transport) sameOrigin(u *url.URL) bool {
	o := t.opts.Origin
	return o != nil && strings.EqualFold(u.Scheme, o.Scheme) && strings.EqualFold(u.Host, o.Host)
}

// classify checks API prefixes before navigation so a browser-style
// Accept header on an API call still gets the API policy.
func (t *Transport) classify(req *http.Request) route {
	for _, p := range t.opts.APIPrefixes {
		if strings.HasPrefix(req.URL.Path, p) {
			return routeAPI
		}
	}
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" || strings.Contains(req.Header.Get("Accept"), "text/html") {
		return routeNavigation
	}
	return routeStatic
}

func (t *Transport) networkFirst(req *http.Request) (*http.Response, error) {
	key := RequestKey(req)
	resp, err := t.Base.RoundTrip(req)
	if err == nil {
		if resp.StatusCode == http.StatusOK {
			t.remember(key, resp)
		}
		return resp, nil
	}

	t.logger.Debug("network failed, trying cache", "key", key, "error", err)
	if cached, ok := t.cached(req, key); ok {
		return cached, nil
	}
	return offlineResponse(req), nil
}

func (t *Transport) navigate(req *http.Request) (*http.Response, error) {
	resp, err := t.Base.RoundTrip(req)
	if err == nil {
		// Keeps the shell fallback as fresh as the last visit.
		if resp.StatusCode == http.StatusOK {
			t.remember(RequestKey(req), resp)
		}
		return resp, nil
	}

	t.logger.Debug("navigation failed, serving fallback", "path", req.URL.Path, "error", err)
	var fallbacks []string
	if t.opts.OfflinePage != "" {
		fallbacks = append(fallbacks, t.opts.OfflinePage)
	}
	fallbacks = append(fallbacks, "/")
	for _, p := range fallbacks {
		u := t.opts.Origin.ResolveReference(&url.URL{Path: p})
		if cached, ok := t.cached(req, http.MethodGet+" "+u.String()); ok {
			return cached, nil
		}
	}
	return offlineResponse(req), nil
}

// cacheFirst serves from cache, and on a miss fetches once per key no
// matter how many requests are waiting on it.
func (t *Transport) cacheFirst(req *http.Request) (*http.Response, error) {
	key := RequestKey(req)
	if cached, ok := t.cached(req, key); ok {
		return cached, nil
	}

	var own *http.Response
	v, err, _ := t.flights.Do(key, func() (any, error) {
		resp, err := t.Base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		snap, err := t.buffer(resp)
		if err != nil {
			return nil, err
		}
		own = resp
		if snap == nil {
			return nil, nil
		}
		if snap.status == http.StatusOK {
			t.store(key, snap)
		}
		return snap, nil
	})
	if own != nil {
		return own, nil
	}
	if err != nil {
		return nil, err
	}
	if snap, ok := v.(*snapshot); ok && snap != nil {
		return snap.response(req), nil
	}
	// The shared response was too large to buffer; fetch our own copy.
	return t.Base.RoundTrip(req)
}

func (t *Transport) cached(req *http.Request, key string) (*http.Response, bool) {
	e, err := t.worker.Lookup(key)
	if err != nil {
		if !apperr.Is(err, apperr.CodeCacheMiss) {
			t.logger.Warn("cache lookup failed", "key", key, "error", err)
		}
		return nil, false
	}
	snap := &snapshot{status: e.Status, header: e.Header, body: e.Body}
	resp := snap.response(req)
	resp.Header.Set(cacheHeader, cacheHit)
	return resp, true
}

// remember buffers a network response and stores a copy. Oversized bodies
// are passed through uncached.
func (t *Transport) remember(key string, resp *http.Response) {
	snap, err := t.buffer(resp)
	if err != nil {
		t.logger.Warn("buffering response", "key", key, "error", err)
		return
	}
	if snap != nil {
		t.store(key, snap)
	}
}

func (t *Transport) store(key string, snap *snapshot) {
	if err := t.worker.Store(key, snap.status, snap.header, snap.body); err != nil {
		t.logger.Warn("caching response", "key", key, "error", err)
	}
}

type snapshot struct {
	status int
	header http.Header
	body   []byte
}

// buffer reads resp.Body up to the entry limit. On success resp.Body is
// replaced with an in-memory reader and a snapshot is returned. When the
// body is larger than the limit resp is left readable in full and the
// snapshot is nil.
func (t *Transport) buffer(resp *http.Response) (*snapshot, error) {
	limit := t.opts.MaxEntryBytes
	buf, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(buf)) > limit {
		resp.Body = &prefixedBody{Reader: io.MultiReader(bytes.NewReader(buf), resp.Body), closer: resp.Body}
		return nil, nil
	}
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(buf))
	resp.ContentLength = int64(len(buf))
	return &snapshot{status: resp.StatusCode, header: resp.Header.Clone(), body: buf}, nil
}

func (s *snapshot) response(req *http.Request) *http.Response {
	header := s.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Content-Length")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.status, http.StatusText(s.status)),
		StatusCode:    s.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.body)),
		ContentLength: int64(len(s.body)),
		Request:       req,
	}
}

func offlineResponse(req *http.Request) *http.Response {
	snap := &snapshot{
		status: http.StatusServiceUnavailable,
		header: http.Header{"Content-Type": []string{"application/json"}},
		body:   []byte(offlineBody),
	}
	resp := snap.response(req)
	resp.Header.Set(cacheHeader, cacheOffline)
	return resp
}

type prefixedBody struct {
	io.Reader
	closer io.Closer
}

func (b *prefixedBody) Close() error {
	return b.closer.Close()
}

// IsOfflineResponse reports whether resp was synthesized because both the
// network and the cache failed.
func IsOfflineResponse(resp *http.Response) bool {
	return resp != nil && resp.Header.Get(cacheHeader) == cacheOffline
}

var _ http.RoundTripper = (*Transport)(nil)
