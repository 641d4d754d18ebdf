package intercept

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transsflow/fieldsync/internal/storage"
)

// origin is a fake application server whose responses can be changed
// per path and whose network can be switched off.
type origin struct {
	server *httptest.Server
	url    *url.URL

	mu     sync.Mutex
	bodies map[string]string
	hits   map[string]int
	down   atomic.Bool
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{bodies: map[string]string{}, hits: map[string]int{}}
	o.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		body, ok := o.bodies[r.URL.Path]
		o.hits[r.URL.Path]++
		o.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, body)
	}))
	t.Cleanup(o.server.Close)
	o.url, _ = url.Parse(o.server.URL)
	return o
}

func (o *origin) set(path, body string) {
	o.mu.Lock()
	o.bodies[path] = body
	o.mu.Unlock()
}

func (o *origin) hitCount(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hits[path]
}

// RoundTrip lets the origin double as the base transport with a kill switch.
func (o *origin) RoundTrip(req *http.Request) (*http.Response, error) {
	if o.down.Load() {
		return nil, errors.New("dial tcp: network is unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testManifest(version string) Manifest {
	return Manifest{
		Name:        "inspect",
		Version:     version,
		Assets:      []string{"/", "/static/app.js"},
		OfflinePage: "/offline/",
	}
}

type fixture struct {
	origin    *origin
	store     *storage.Store
	worker    *Worker
	transport *Transport
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	o := newOrigin(t)
	o.set("/", "home")
	o.set("/static/app.js", "app v1")
	o.set("/offline/", "offline page")

	store := openTestStore(t)
	w, err := NewWorker(store, WorkerConfig{
		Origin:      o.url,
		Manifest:    testManifest("1"),
		SkipWaiting: true,
		Client:      &http.Client{Transport: o},
	})
	require.NoError(t, err)
	tr := NewTransport(w, o, TransportOptions{Origin: o.url, OfflinePage: "/offline/"})
	return &fixture{origin: o, store: store, worker: w, transport: tr}
}

func (f *fixture) get(t *testing.T, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.origin.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := f.transport.RoundTrip(req)
	require.NoError(t, err)
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestManifestTag(t *testing.T) {
	m := testManifest("1")
	tag := m.Tag()
	assert.True(t, strings.HasPrefix(tag, "inspect-1-"))
	assert.Len(t, strings.TrimPrefix(tag, "inspect-1-"), 12)

	reordered := m
	reordered.Assets = []string{"/static/app.js", "/"}
	assert.Equal(t, tag, reordered.Tag(), "asset order does not matter")

	bumped := testManifest("2")
	assert.NotEqual(t, tag, bumped.Tag())

	changed := m
	changed.Assets = append([]string{"/static/new.css"}, m.Assets...)
	assert.NotEqual(t, tag, changed.Tag())

	assert.Error(t, Manifest{Name: "x"}.Validate())
	assert.Error(t, Manifest{Name: "x", Version: "1", Assets: []string{"relative.js"}}.Validate())
}

func TestInstallAndActivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.worker.Install(ctx))

	st, err := f.worker.Status()
	require.NoError(t, err)
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, testManifest("1").Tag(), st.Active)
	assert.True(t, st.Controlling)

	n, _ := f.store.CountCacheEntries(st.Active)
	assert.Equal(t, 3, n, "assets plus the offline page")
}

func TestInstallFailureDiscardsGeneration(t *testing.T) {
	f := newFixture(t)
	m := testManifest("1")
	m.Assets = append(m.Assets, "/static/missing.css")
	require.NoError(t, f.worker.SetManifest(m))

	err := f.worker.Install(context.Background())
	require.Error(t, err)

	st, _ := f.worker.Status()
	assert.Equal(t, StateRedundant, st.State)
	assert.Empty(t, st.Generations)
	assert.False(t, st.Controlling)
}

func TestInstallFailureKeepsPreviousGeneration(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Install(context.Background()))
	v1 := f.worker.ActiveGeneration()

	m := testManifest("2")
	m.Assets = append(m.Assets, "/static/missing.css")
	f.worker.SetManifest(m)
	require.Error(t, f.worker.Install(context.Background()))

	assert.Equal(t, v1, f.worker.ActiveGeneration())
	st, _ := f.worker.Status()
	assert.Equal(t, []string{v1}, st.Generations)
}

func TestFailedReinstallOfWaitingGenerationKeepsActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.worker.Install(ctx))
	v1 := f.worker.ActiveGeneration()

	f.worker.cfg.SkipWaiting = false
	f.origin.set("/static/app.js", "app v2")
	require.NoError(t, f.worker.SetManifest(testManifest("2")))
	require.NoError(t, f.worker.Install(ctx))
	st, _ := f.worker.Status()
	require.NotEmpty(t, st.Waiting)

	f.origin.down.Store(true)
	require.Error(t, f.worker.Install(ctx))

	st, _ = f.worker.Status()
	assert.Equal(t, StateActive, st.State)
	assert.Empty(t, st.Waiting)
	assert.Equal(t, []string{v1}, st.Generations)

	f.worker.handle(ctx, Message{Type: MsgSkipWaiting})
	assert.Equal(t, v1, f.worker.ActiveGeneration())
	assert.Equal(t, "app v1", readBody(t, f.get(t, "/static/app.js", nil)))
}

func TestActivationPurgesOldGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.worker.Install(ctx))
	g1 := f.worker.ActiveGeneration()

	assert.Equal(t, "app v1", readBody(t, f.get(t, "/static/app.js", nil)))

	f.origin.set("/static/app.js", "app v2")
	f.worker.SetManifest(testManifest("2"))
	require.NoError(t, f.worker.Install(ctx))
	g2 := f.worker.ActiveGeneration()
	require.NotEqual(t, g1, g2)

	gens, _ := f.store.ListCacheGenerations()
	assert.Equal(t, []string{g2}, gens)
	_, err := f.store.GetCacheEntry(g1, "GET "+f.origin.server.URL+"/static/app.js")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	f.origin.down.Store(true)
	assert.Equal(t, "app v2", readBody(t, f.get(t, "/static/app.js", nil)))
}

func TestWaitingGenerationActivatesOnSkipWaitingMessage(t *testing.T) {
	f := newFixture(t)
	f.worker.cfg.SkipWaiting = false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.worker.Run(ctx)

	require.NoError(t, f.worker.Install(ctx))
	st, _ := f.worker.Status()
	assert.Equal(t, StateInstalled, st.State)
	assert.NotEmpty(t, st.Waiting)
	assert.False(t, f.worker.Controlling())

	require.NoError(t, f.worker.Post(Message{Type: MsgSkipWaiting}))
	assert.Eventually(t, f.worker.Controlling, time.Second, 5*time.Millisecond)
	assert.Equal(t, st.Waiting, f.worker.ActiveGeneration())
}

func TestSyncMessageRunsHook(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	f.worker.cfg.OnSync = func() { calls.Add(1) }

	f.worker.handle(context.Background(), Message{Type: MsgSync, Tag: "other"})
	f.worker.handle(context.Background(), Message{Type: MsgSync, Tag: SyncQueueTag})
	assert.Equal(t, int32(1), calls.Load())

	assert.Error(t, f.worker.Post(Message{Type: "BOGUS"}))
}

func TestPushMessageNotifies(t *testing.T) {
	f := newFixture(t)
	var got []Notification
	f.worker.cfg.OnPush = func(n Notification) { got = append(got, n) }

	require.NoError(t, f.worker.Post(Message{Type: MsgPush, Body: "Line 3 stopped"}))
	f.worker.handle(context.Background(), <-f.worker.msgs)
	f.worker.handle(context.Background(), Message{Type: MsgPush})

	require.Len(t, got, 2)
	assert.Equal(t, f.worker.Manifest().Name, got[0].Title)
	assert.Equal(t, "Line 3 stopped", got[0].Body)
	assert.Equal(t, "New notification", got[1].Body)
	assert.False(t, got[1].ReceivedAt.IsZero())
}

func TestActiveGenerationSurvivesRestart(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Install(context.Background()))

	w2, err := NewWorker(f.store, WorkerConfig{Origin: f.origin.url, Manifest: testManifest("1")})
	require.NoError(t, err)
	assert.Equal(t, f.worker.ActiveGeneration(), w2.ActiveGeneration())
	assert.True(t, w2.Controlling())
}

func TestAPIRoute_NetworkFirst(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Install(context.Background()))

	f.origin.set("/qa/api/workinfo/", `{"line":"L1"}`)
	assert.Equal(t, `{"line":"L1"}`, readBody(t, f.get(t, "/qa/api/workinfo/", nil)))

	// Network succeeds with a new body: the cached copy must not be served.
	f.origin.set("/qa/api/workinfo/", `{"line":"L2"}`)
	resp := f.get(t, "/qa/api/workinfo/", nil)
	assert.Empty(t, resp.Header.Get(cacheHeader))
	assert.Equal(t, `{"line":"L2"}`, readBody(t, resp))

	f.origin.down.Store(true)
	resp = f.get(t, "/qa/api/workinfo/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, cacheHit, resp.Header.Get(cacheHeader))
	assert.Equal(t, `{"line":"L2"}`, readBody(t, resp))

	resp = f.get(t, "/api/never-seen/", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.True(t, IsOfflineResponse(resp))
	assert.JSONEq(t, offlineBody, readBody(t, resp))
}

func TestAPIRoute_ErrorStatusIsNotCached(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Install(context.Background()))

	resp := f.get(t, "/api/missing/", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	f.origin.down.Store(true)
	resp = f.get(t, "/api/missing/", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestNavigation_FallsBackToOfflinePage(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Install(context.Background()))
	nav := http.Header{"Sec-Fetch-Mode": {"navigate"}}

	f.origin.set("/inspections/42", "inspection page")
	assert.Equal(t, "inspection page", readBody(t, f.get(t, "/inspections/42", nav)))

	f.origin.down.Store(true)
	assert.Equal(t, "offline page", readBody(t, f.get(t, "/inspections/42", nav)))

	// Without an offline page the cached root document is served.
	f.transport.opts.OfflinePage = ""
	html := http.Header{"Accept": {"text/html,application/xhtml+xml"}}
	assert.Equal(t, "home", readBody(t, f.get(t, "/inspections/42", html)))
}

func TestNavigation_RefreshesCachedShell(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Install(context.Background()))
	f.transport.opts.OfflinePage = ""
	nav := http.Header{"Sec-Fetch-Mode": {"navigate"}}

	f.origin.set("/", "home v2")
	assert.Equal(t, "home v2", readBody(t, f.get(t, "/", nav)))

	f.origin.down.Store(true)
	assert.Equal(t, "home v2", readBody(t, f.get(t, "/inspections/7", nav)))
}

func TestStaticRoute_CacheFirst(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Install(context.Background()))

	before := f.origin.hitCount("/static/app.js")
	resp := f.get(t, "/static/app.js", nil)
	assert.Equal(t, cacheHit, resp.Header.Get(cacheHeader))
	assert.Equal(t, "app v1", readBody(t, resp))
	assert.Equal(t, before, f.origin.hitCount("/static/app.js"))

	f.origin.set("/static/late.css", "late")
	assert.Equal(t, "late", readBody(t, f.get(t, "/static/late.css", nil)))
	f.origin.down.Store(true)
	assert.Equal(t, "late", readBody(t, f.get(t, "/static/late.css", nil)))
}

func TestStaticRoute_ConcurrentMissesFetchOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Install(context.Background()))

	release := make(chan struct{})
	var fetches atomic.Int32
	f.transport.Base = roundTripFunc(func(req *http.Request) (*http.Response, error) {
		fetches.Add(1)
		<-release
		return f.origin.RoundTrip(req)
	})
	f.origin.set("/static/big.js", "shared")

	var wg sync.WaitGroup
	bodies := make([]string, 5)
	for i := range bodies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bodies[i] = readBody(t, f.get(t, "/static/big.js", nil))
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, b := range bodies {
		assert.Equal(t, "shared", b)
	}
	assert.LessOrEqual(t, fetches.Load(), int32(5))
	assert.Equal(t, 1, f.origin.hitCount("/static/big.js"))
}

func TestOversizedResponsePassesThroughUncached(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Install(context.Background()))
	f.transport.opts.MaxEntryBytes = 4

	f.origin.set("/static/video.bin", "0123456789")
	assert.Equal(t, "0123456789", readBody(t, f.get(t, "/static/video.bin", nil)))

	_, err := f.worker.Lookup("GET " + f.origin.server.URL + "/static/video.bin")
	assert.Error(t, err)
}

func TestPassthrough(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Install(context.Background()))
	f.origin.down.Store(true)

	req, _ := http.NewRequest(http.MethodPost, f.origin.server.URL+"/api/x", strings.NewReader("{}"))
	_, err := f.transport.RoundTrip(req)
	assert.Error(t, err, "non-GET requests are never answered from cache")

	req, _ = http.NewRequest(http.MethodGet, "http://elsewhere.example/static/app.js", nil)
	_, err = f.transport.RoundTrip(req)
	assert.Error(t, err, "cross-origin requests are never intercepted")
}

func TestNotControllingBeforeInstall(t *testing.T) {
	f := newFixture(t)
	f.origin.set("/static/app.js", "fresh")

	assert.Equal(t, "fresh", readBody(t, f.get(t, "/static/app.js", nil)))
	assert.Empty(t, f.worker.ActiveGeneration())
}

func TestHandlerProxiesThroughCache(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.worker.Install(context.Background()))

	h, err := NewHandler(f.transport)
	require.NoError(t, err)
	proxy := httptest.NewServer(h)
	defer proxy.Close()

	f.origin.down.Store(true)

	resp, err := http.Get(proxy.URL + "/static/app.js")
	require.NoError(t, err)
	assert.Equal(t, "app v1", readBody(t, resp))

	resp, err = http.Get(proxy.URL + "/ipqc/api/lines/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), `"offline"`)

	resp, err = http.Get(proxy.URL + "/static/unknown.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp.Body.Close()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }
