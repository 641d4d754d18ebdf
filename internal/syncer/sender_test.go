package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/transsflow/fieldsync/internal/apperr"
	"github.com/transsflow/fieldsync/internal/storage"
)

func TestHTTPSender_Headers(t *testing.T) {
	var got *http.Request
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":9}`))
	}))
	defer server.Close()

	creds := CredentialFunc(func(context.Context) (string, bool) { return "tok-123", true })
	s := NewHTTPSender(server.URL+"/", creds, nil)

	resp, err := s.Send(context.Background(), Request{
		Endpoint:       "/qa/api/workinfo/",
		Payload:        json.RawMessage(`{"line":"L1"}`),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"id":9}`, string(resp.Body))

	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/qa/api/workinfo/", got.URL.Path)
	assert.Equal(t, "Bearer tok-123", got.Header.Get("Authorization"))
	assert.Equal(t, "key-1", got.Header.Get("Idempotency-Key"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"line":"L1"}`, string(body))
}

func TestHTTPSender_NoCredentialOmitsHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
	}))
	defer server.Close()

	_, err := NewHTTPSender(server.URL, nil, nil).Send(context.Background(), Request{Endpoint: "api/x"})
	require.NoError(t, err)
}

func TestHTTPSender_ClassifiesFailures(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadRequest)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(`{"detail":"line is required"}`))
	}))

	s := NewHTTPSender(server.URL, nil, nil)

	resp, err := s.Send(context.Background(), Request{Endpoint: "/api/x"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeServer))
	assert.Equal(t, http.StatusBadRequest, apperr.StatusOf(err))
	assert.False(t, apperr.Retryable(err))
	assert.Contains(t, string(resp.Body), "line is required")

	status.Store(http.StatusInternalServerError)
	_, err = s.Send(context.Background(), Request{Endpoint: "/api/x"})
	assert.True(t, apperr.Retryable(err))

	server.Close()
	_, err = s.Send(context.Background(), Request{Endpoint: "/api/x"})
	assert.True(t, apperr.Is(err, apperr.CodeNetwork))
	assert.True(t, apperr.Retryable(err))
}

func TestDispatcher_OnlineSendsImmediately(t *testing.T) {
	store := openTestStore(t)
	sender := &fakeSender{}
	d := NewDispatcher(store, sender, online(true), NewEngine(store, sender))

	out, err := d.EnqueueOrSend(context.Background(), "/api/x", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.True(t, out.Sent)
	assert.Equal(t, http.StatusOK, out.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(out.Body))

	n, _ := d.PendingCount()
	assert.Equal(t, 0, n)
	require.Len(t, sender.sent, 1)
	assert.NotEmpty(t, sender.sent[0].IdempotencyKey)
}

func TestDispatcher_RetryableFailureQueues(t *testing.T) {
	store := openTestStore(t)
	sender := &fakeSender{fail: func(Request) error { return apperr.Server(http.StatusServiceUnavailable, "") }}
	d := NewDispatcher(store, sender, online(true), NewEngine(store, sender))

	out, err := d.EnqueueOrSend(context.Background(), "/api/x", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.True(t, out.Queued)

	a, err := store.GetAction(out.ActionID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, a.Status)
	assert.JSONEq(t, `{"a":1}`, string(a.Payload))
}

func TestDispatcher_QueuedReplayReusesIdempotencyKey(t *testing.T) {
	store := openTestStore(t)
	sender := &fakeSender{fail: func(Request) error { return apperr.Server(http.StatusServiceUnavailable, "") }}
	engine := NewEngine(store, sender, WithRetryPolicy(noBackoff()))
	d := NewDispatcher(store, sender, online(true), engine)

	out, err := d.EnqueueOrSend(context.Background(), "/api/x", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	require.True(t, out.Queued)

	sender.setFail(nil)
	rep, err := engine.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced)

	require.Len(t, sender.sent, 2)
	assert.NotEmpty(t, sender.sent[0].IdempotencyKey)
	assert.Equal(t, sender.sent[0].IdempotencyKey, sender.sent[1].IdempotencyKey)
}

func TestDispatcher_InvalidRequestIsNotQueued(t *testing.T) {
	store := openTestStore(t)
	sender := &fakeSender{fail: func(Request) error {
		return apperr.Wrap(apperr.CodeInvalid, "creating request", errors.New("invalid control character in URL"))
	}}
	d := NewDispatcher(store, sender, online(true), NewEngine(store, sender))

	out, err := d.EnqueueOrSend(context.Background(), "/api/\x7f", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.False(t, out.Queued)

	n, _ := d.PendingCount()
	assert.Equal(t, 0, n)
}

func TestDispatcher_RejectionIsReturned(t *testing.T) {
	store := openTestStore(t)
	sender := &fakeSender{fail: func(Request) error { return apperr.Server(http.StatusUnprocessableEntity, "bad qty") }}
	d := NewDispatcher(store, sender, online(true), NewEngine(store, sender))

	out, err := d.EnqueueOrSend(context.Background(), "/api/x", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.False(t, out.Queued)
	assert.Equal(t, http.StatusUnprocessableEntity, out.StatusCode)

	n, _ := d.PendingCount()
	assert.Equal(t, 0, n)
}

func TestDispatcher_StorageErrorPropagates(t *testing.T) {
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	store.Close()

	sender := &fakeSender{}
	d := NewDispatcher(store, sender, online(false), NewEngine(store, sender))

	_, err = d.EnqueueOrSend(context.Background(), "/api/x", json.RawMessage(`{}`))
	assert.True(t, apperr.Is(err, apperr.CodeStorage))
}

func TestDispatcher_SyncStatus(t *testing.T) {
	store := openTestStore(t)
	sender := &fakeSender{}
	d := NewDispatcher(store, sender, online(false), NewEngine(store, sender))
	d.EnqueueOrSend(context.Background(), "/api/x", nil)

	v, err := d.SyncStatus()
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, v.Status)
	assert.False(t, v.Online)
	assert.Equal(t, 1, v.Pending)
}

type online bool

func (o online) Online() bool { return bool(o) }
