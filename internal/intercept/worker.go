package intercept

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/transsflow/fieldsync/internal/apperr"
	"github.com/transsflow/fieldsync/internal/storage"
)

// CacheStore is the subset of the durable store the interception cache
// uses. It never touches the action queue.
type CacheStore interface {
	CreateCacheGeneration(tag string) error
	PutCacheEntry(e storage.CacheEntry) error
	GetCacheEntry(generation, key string) (storage.CacheEntry, error)
	ListCacheGenerations() ([]string, error)
	DeleteCacheGeneration(tag string) error
	ActivateCacheGeneration(tag string) ([]string, error)
	ActiveCacheGeneration() (string, error)
}

// State is the worker lifecycle.
type State string

const (
	StateNew        State = "new"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActive     State = "active"
	StateRedundant  State = "redundant"
)

// ErrNothingWaiting is returned by Activate when no installed generation
// is waiting.
var ErrNothingWaiting = errors.New("no installed generation is waiting")

// MessageType identifies a background message.
type MessageType string

const (
	MsgSkipWaiting MessageType = "SKIP_WAITING"
	MsgSync        MessageType = "SYNC"
	MsgClaim       MessageType = "CLAIM"
	MsgPush        MessageType = "PUSH"
)

// SyncQueueTag is the background sync tag that drains the action queue.
const SyncQueueTag = "sync-queue"

// Message is an out-of-band signal delivered to the worker.
type Message struct {
	Type MessageType `json:"type"`
	Tag  string      `json:"tag,omitempty"`
	// Body is the PUSH payload text.
	Body string `json:"body,omitempty"`
}

// defaultPushBody is shown when a push carries no payload.
const defaultPushBody = "New notification"

// Notification is what a PUSH message turns into.
type Notification struct {
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Origin        *url.URL
	Manifest      Manifest
	SkipWaiting   bool
	Concurrency   int
	MaxEntryBytes int64
	// Client fetches manifest assets. It must not route through the
	// interception Transport.
	Client *http.Client
	// OnSync runs when a SYNC message with SyncQueueTag arrives.
	OnSync func()
	// OnPush receives every PUSH message as a Notification titled with
	// the manifest name.
	OnPush func(Notification)
}

// WorkerStatus is a snapshot for display.
type WorkerStatus struct {
	State       State    `json:"state"`
	Active      string   `json:"active,omitempty"`
	Waiting     string   `json:"waiting,omitempty"`
	Controlling bool     `json:"controlling"`
	Generations []string `json:"generations"`
}

// Worker owns the cache generation lifecycle. Messages are processed on
// the goroutine running Run.
type Worker struct {
	store  CacheStore
	cfg    WorkerConfig
	msgs   chan Message
	logger *slog.Logger

	mu          sync.RWMutex
	state       State
	active      string
	waiting     string
	controlling bool
}

// NewWorker creates a worker and restores the active generation recorded
// by a previous run.
func NewWorker(store CacheStore, cfg WorkerConfig) (*Worker, error) {
	if cfg.Origin == nil {
		return nil, errNoOrigin
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxEntryBytes <= 0 {
		cfg.MaxEntryBytes = 10 << 20
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}

	active, err := store.ActiveCacheGeneration()
	if err != nil {
		return nil, fmt.Errorf("reading active generation: %w", err)
	}
	w := &Worker{
		store:  store,
		cfg:    cfg,
		msgs:   make(chan Message, 16),
		logger: slog.Default(),
		state:  StateNew,
		active: active,
	}
	if active != "" {
		w.state = StateActive
		w.controlling = true
	}
	return w, nil
}

// Install fetches every manifest asset into a new generation. If any fetch
// fails the generation is discarded and the worker becomes redundant.
// With SkipWaiting the new generation is activated right away.
func (w *Worker) Install(ctx context.Context) error {
	m := w.Manifest()
	tag := m.Tag()

	w.mu.Lock()
	if tag == w.active {
		w.mu.Unlock()
		w.logger.Info("cache generation already active", "generation", tag)
		return nil
	}
	if w.state == StateInstalling {
		w.mu.Unlock()
		return errors.New("install already in progress")
	}
	w.state = StateInstalling
	w.mu.Unlock()

	w.logger.Info("installing cache generation", "generation", tag, "assets", len(m.AllAssets()))

	if err := w.fetchAll(ctx, tag, m.AllAssets()); err != nil {
		if delErr := w.store.DeleteCacheGeneration(tag); delErr != nil {
			w.logger.Error("discarding failed generation", "generation", tag, "error", delErr)
		}
		w.mu.Lock()
		if w.waiting == tag {
			w.waiting = ""
		}
		switch {
		case w.waiting != "":
			w.state = StateInstalled
		case w.active != "":
			// The previous generation keeps serving.
			w.state = StateActive
		default:
			w.state = StateRedundant
		}
		w.mu.Unlock()
		return fmt.Errorf("installing %s: %w", tag, err)
	}

	w.mu.Lock()
	w.waiting = tag
	w.state = StateInstalled
	w.mu.Unlock()

	if w.cfg.SkipWaiting {
		return w.Activate(ctx)
	}
	w.logger.Info("cache generation installed, waiting", "generation", tag)
	return nil
}

func (w *Worker) fetchAll(ctx context.Context, tag string, assets []string) error {
	if err := w.store.CreateCacheGeneration(tag); err != nil {
		return fmt.Errorf("creating generation: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, asset := range assets {
		g.Go(func() error {
			return w.fetchAsset(ctx, tag, asset)
		})
	}
	return g.Wait()
}

func (w *Worker) fetchAsset(ctx context.Context, tag, asset string) error {
	u := w.cfg.Origin.ResolveReference(&url.URL{Path: asset})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("creating request for %s: %w", asset, err)
	}
	resp, err := w.cfg.Client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.CodeNetwork, "fetching "+asset, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperr.Server(resp.StatusCode, "fetching "+asset)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxEntryBytes+1))
	if err != nil {
		return apperr.Wrap(apperr.CodeNetwork, "reading "+asset, err)
	}
	if int64(len(body)) > w.cfg.MaxEntryBytes {
		return fmt.Errorf("asset %s exceeds %d bytes", asset, w.cfg.MaxEntryBytes)
	}

	return w.store.PutCacheEntry(storage.CacheEntry{
		Generation: tag,
		Key:        RequestKey(req),
		Status:     resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	})
}

// Activate promotes the waiting generation, purging every other generation
// in one transaction, and takes control of intercepted traffic.
func (w *Worker) Activate(ctx context.Context) error {
	w.mu.RLock()
	tag := w.waiting
	w.mu.RUnlock()
	if tag == "" {
		return ErrNothingWaiting
	}

	purged, err := w.store.ActivateCacheGeneration(tag)
	if errors.Is(err, storage.ErrNotFound) {
		w.mu.Lock()
		if w.waiting == tag {
			w.waiting = ""
		}
		w.mu.Unlock()
		return fmt.Errorf("activating %s: %w", tag, ErrNothingWaiting)
	}
	if err != nil {
		return fmt.Errorf("activating %s: %w", tag, err)
	}

	w.mu.Lock()
	w.active = tag
	if w.waiting == tag {
		w.waiting = ""
	}
	w.state = StateActive
	w.controlling = true
	w.mu.Unlock()

	w.logger.Info("cache generation activated", "generation", tag, "purged", purged)
	return nil
}

// Post queues a message for the Run loop without blocking.
func (w *Worker) Post(msg Message) error {
	switch msg.Type {
	case MsgSkipWaiting, MsgSync, MsgClaim, MsgPush:
	default:
		return apperr.New(apperr.CodeInvalid, fmt.Sprintf("unknown message type %q", msg.Type))
	}
	select {
	case w.msgs <- msg:
		return nil
	default:
		return errors.New("message queue full")
	}
}

// Run handles posted messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.msgs:
			w.handle(ctx, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg Message) {
	w.logger.Debug("worker message", "type", msg.Type, "tag", msg.Tag)
	switch msg.Type {
	case MsgSkipWaiting:
		if err := w.Activate(ctx); err != nil {
			w.logger.Warn("skip waiting", "error", err)
		}
	case MsgSync:
		if msg.Tag != SyncQueueTag {
			w.logger.Warn("unknown sync tag", "tag", msg.Tag)
			return
		}
		if w.cfg.OnSync != nil {
			w.cfg.OnSync()
		}
	case MsgClaim:
		w.mu.Lock()
		w.controlling = w.active != ""
		w.mu.Unlock()
	case MsgPush:
		n := Notification{Title: w.Manifest().Name, Body: msg.Body, ReceivedAt: time.Now()}
		if n.Body == "" {
			n.Body = defaultPushBody
		}
		if w.cfg.OnPush != nil {
			w.cfg.OnPush(n)
		}
	}
}

// ActiveGeneration returns the tag lookups currently use, or "".
func (w *Worker) ActiveGeneration() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active
}

// Controlling reports whether the Transport should intercept traffic.
func (w *Worker) Controlling() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.controlling
}

func (w *Worker) Manifest() Manifest {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cfg.Manifest
}

// SetManifest replaces the manifest used by the next Install.
func (w *Worker) SetManifest(m Manifest) error {
	if err := m.Validate(); err != nil {
		return apperr.Wrap(apperr.CodeInvalid, "invalid manifest", err)
	}
	w.mu.Lock()
	w.cfg.Manifest = m
	w.mu.Unlock()
	return nil
}

func (w *Worker) Status() (WorkerStatus, error) {
	gens, err := w.store.ListCacheGenerations()
	if err != nil {
		return WorkerStatus{}, err
	}
	if gens == nil {
		gens = []string{}
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerStatus{
		State:       w.state,
		Active:      w.active,
		Waiting:     w.waiting,
		Controlling: w.controlling,
		Generations: gens,
	}, nil
}

// Lookup returns the cached entry for key in the active generation. A miss
// is an apperr.CodeCacheMiss error.
func (w *Worker) Lookup(key string) (storage.CacheEntry, error) {
	gen := w.ActiveGeneration()
	if gen == "" {
		return storage.CacheEntry{}, apperr.New(apperr.CodeCacheMiss, "no active generation")
	}
	e, err := w.store.GetCacheEntry(gen, key)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.CacheEntry{}, apperr.New(apperr.CodeCacheMiss, key)
	}
	return e, err
}

// Store records a response in the active generation. It does nothing when
// no generation is active.
func (w *Worker) Store(key string, status int, header http.Header, body []byte) error {
	gen := w.ActiveGeneration()
	if gen == "" {
		return nil
	}
	err := w.store.PutCacheEntry(storage.CacheEntry{
		Generation: gen,
		Key:        key,
		Status:     status,
		Header:     header,
		Body:       body,
	})
	if errors.Is(err, storage.ErrNotFound) {
		// Superseded while the response was in flight.
		return nil
	}
	return err
}

// RequestKey identifies a cacheable request: method plus absolute URL
// without fragment.
func RequestKey(req *http.Request) string {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	return req.Method + " " + u.String()
}
