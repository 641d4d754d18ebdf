package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/transsflow/fieldsync/internal/apperr"
	"github.com/transsflow/fieldsync/internal/connectivity"
	"github.com/transsflow/fieldsync/internal/intercept"
	"github.com/transsflow/fieldsync/internal/storage"
	"github.com/transsflow/fieldsync/internal/syncer"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Outbox is the inspection side of the action queue.
type Outbox interface {
	ListActions(limit, offset int) ([]storage.QueuedAction, error)
	ListPendingActions() ([]storage.QueuedAction, error)
	ClearSyncedActions() (int64, error)
	ResetFailedActions() (int64, error)
}

// SyncEngine runs drain passes.
type SyncEngine interface {
	Drain(ctx context.Context) (syncer.Report, error)
	Trigger()
}

// Connectivity receives reachability signals from the host.
type Connectivity interface {
	Set(online bool) (connectivity.Event, bool)
	State() connectivity.Event
}

// CacheWorker is the interception cache lifecycle.
type CacheWorker interface {
	Install(ctx context.Context) error
	Post(msg intercept.Message) error
	Status() (intercept.WorkerStatus, error)
}

type AppDeps struct {
	Dispatcher *syncer.Dispatcher
	Outbox     Outbox
	Engine     SyncEngine
	Monitor    Connectivity
	Cache      CacheWorker // optional; cache routes answer 404 when nil
	Local      LocalStore
	// Notifications records PUSH messages; nil disables GET /notifications.
	Notifications *NotificationLog
	Token         string
}

type enqueueRequest struct {
	Endpoint string          `json:"endpoint"`
	Payload  json.RawMessage `json:"payload"`
}

// actionView is the JSON shape of a queued action.
type actionView struct {
	ID             int64           `json:"id"`
	Endpoint       string          `json:"endpoint"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	EnqueuedAt     string          `json:"enqueued_at"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  string          `json:"next_attempt_at,omitempty"`
	Terminal       bool            `json:"terminal"`
	LastError      string          `json:"last_error,omitempty"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/outbox", handleEnqueue(deps))
		r.Get("/outbox", handleListOutbox(deps))
		r.Get("/outbox/pending/count", handlePendingCount(deps))
		r.Delete("/outbox/synced", handleClearSynced(deps))
		r.Post("/outbox/retry", handleRetryFailed(deps))

		r.Get("/sync/status", handleSyncStatus(deps))
		r.Post("/sync", handleSyncNow(deps))

		r.Get("/connectivity", handleGetConnectivity(deps))
		r.Put("/connectivity", handleSetConnectivity(deps))

		r.Get("/cache/status", handleCacheStatus(deps))
		r.Post("/cache/install", handleCacheInstall(deps))
		r.Post("/cache/messages", handleCacheMessage(deps))
		r.Get("/notifications", handleListNotifications(deps))

		r.Get("/forms", handleListDrafts(deps))
		r.Get("/forms/{formID}", handleGetDraft(deps))
		r.Put("/forms/{formID}", handleSaveDraft(deps))
		r.Delete("/forms/{formID}", handleDeleteDraft(deps))

		r.Get("/media", handleListMedia(deps))
		r.Post("/media", handleUploadMedia(deps))
		r.Get("/media/{id}", handleGetMedia(deps))
		r.Delete("/media/{id}", handleDeleteMedia(deps))

		r.Get("/settings", handleListSettings(deps))
		r.Get("/settings/{key}", handleGetSetting(deps))
		r.Put("/settings/{key}", handlePutSetting(deps))

		r.Delete("/local", handleClearLocal(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleEnqueue is enqueueOrSend over HTTP. A direct send proxies the
// backend's status and body; a queued write answers 201.
func handleEnqueue(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		out, err := deps.Dispatcher.EnqueueOrSend(r.Context(), req.Endpoint, req.Payload)
		switch {
		case err == nil && out.Queued:
			w.Header().Set("X-Fieldsync-Outcome", "queued")
			writeJSON(w, http.StatusCreated, out)
		case err == nil:
			w.Header().Set("X-Fieldsync-Outcome", "sent")
			proxyBody(w, out)
		case apperr.Is(err, apperr.CodeServer):
			w.Header().Set("X-Fieldsync-Outcome", "rejected")
			proxyBody(w, out)
		default:
			appError(w, err)
		}
	}
}

func proxyBody(w http.ResponseWriter, out syncer.Outcome) {
	status := out.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(out.Body) > 0 {
		w.Write(out.Body)
	}
}

func handleListOutbox(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			actions []storage.QueuedAction
			err     error
		)
		if r.URL.Query().Get("status") == "pending" {
			actions, err = deps.Outbox.ListPendingActions()
		} else {
			limit := parseIntParam(r, "limit", 50, 500)
			offset := parseIntParam(r, "offset", 0, 0)
			actions, err = deps.Outbox.ListActions(limit, offset)
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to list actions: %v", err)
			return
		}

		views := make([]actionView, len(actions))
		for i, a := range actions {
			views[i] = toActionView(a)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func toActionView(a storage.QueuedAction) actionView {
	v := actionView{
		ID:             a.ID,
		Endpoint:       a.Endpoint,
		Payload:        a.Payload,
		IdempotencyKey: a.IdempotencyKey,
		EnqueuedAt:     a.EnqueuedAt.Format("2006-01-02T15:04:05Z07:00"),
		Status:         string(a.Status),
		Attempts:       a.Attempts,
		Terminal:       a.Terminal,
		LastError:      a.LastError,
	}
	if !a.NextAttemptAt.IsZero() {
		v.NextAttemptAt = a.NextAttemptAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return v
}

func handlePendingCount(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Dispatcher.PendingCount()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to count actions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"pending": n})
	}
}

func handleClearSynced(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Outbox.ClearSyncedActions()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to clear synced actions: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
	}
}

func handleRetryFailed(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Outbox.ResetFailedActions()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to reset actions: %v", err)
			return
		}
		if n > 0 {
			deps.Engine.Trigger()
		}
		writeJSON(w, http.StatusOK, map[string]int64{"reset": n})
	}
}

func handleSyncStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := deps.Dispatcher.SyncStatus()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to read sync status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// handleSyncNow runs a pass and answers with its report. A pass already in
// flight answers 409; the request is still honoured once that pass ends.
func handleSyncNow(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The pass outlives a disconnecting client.
		rep, err := deps.Engine.Drain(context.WithoutCancel(r.Context()))
		if errors.Is(err, syncer.ErrDrainInProgress) {
			writeJSON(w, http.StatusConflict, map[string]string{"status": "deferred"})
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "sync_error", "drain failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handleGetConnectivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, deps.Monitor.State())
	}
}

func handleSetConnectivity(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var body struct {
			Online *bool `json:"online"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Online == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "body must be {\"online\": true|false}")
			return
		}
		ev, changed := deps.Monitor.Set(*body.Online)
		writeJSON(w, http.StatusOK, map[string]any{
			"online":  ev.Online,
			"seq":     ev.Seq,
			"changed": changed,
		})
	}
}

func handleCacheStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Cache == nil {
			httpError(w, http.StatusNotFound, "not_found", "interception cache is disabled")
			return
		}
		st, err := deps.Cache.Status()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to read cache status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleCacheInstall(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Cache == nil {
			httpError(w, http.StatusNotFound, "not_found", "interception cache is disabled")
			return
		}
		if err := deps.Cache.Install(context.WithoutCancel(r.Context())); err != nil {
			httpError(w, http.StatusBadGateway, "install_error", "install failed: %v", err)
			return
		}
		st, err := deps.Cache.Status()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "storage_error", "failed to read cache status: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func handleCacheMessage(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Cache == nil {
			httpError(w, http.StatusNotFound, "not_found", "interception cache is disabled")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var msg intercept.Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if err := deps.Cache.Post(msg); err != nil {
			appError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// appError maps the error taxonomy onto HTTP statuses.
func appError(w http.ResponseWriter, err error) {
	switch apperr.CodeOf(err) {
	case apperr.CodeInvalid:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case apperr.CodeNotFound:
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case apperr.CodeStorage:
		httpError(w, http.StatusInsufficientStorage, "storage_error", "could not save locally: %v", err)
	case apperr.CodeNetwork, apperr.CodeServer:
		httpError(w, http.StatusBadGateway, "upstream_error", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
