package syncer

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/transsflow/fieldsync/internal/apperr"
)

// Enqueuer persists an action for later delivery.
type Enqueuer interface {
	EnqueueActionWithKey(endpoint string, payload json.RawMessage, key string) (int64, error)
}

// ConnectivityReader reports the current online state.
type ConnectivityReader interface {
	Online() bool
}

// Outcome is what EnqueueOrSend did with a write.
type Outcome struct {
	Sent       bool   `json:"sent"`
	Queued     bool   `json:"queued"`
	ActionID   int64  `json:"action_id,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Body       []byte `json:"-"`
	Message    string `json:"message,omitempty"`
}

// StatusView is the read-only state shown to the user.
type StatusView struct {
	Status     Status `json:"status"`
	Online     bool   `json:"online"`
	Pending    int    `json:"pending"`
	LastReport Report `json:"last_report"`
}

// Dispatcher is the entry point UI collaborators use for writes.
type Dispatcher struct {
	store  Enqueuer
	sender Sender
	conn   ConnectivityReader
	engine *Engine
	logger *slog.Logger
}

func NewDispatcher(store Enqueuer, sender Sender, conn ConnectivityReader, engine *Engine) *Dispatcher {
	return &Dispatcher{
		store:  store,
		sender: sender,
		conn:   conn,
		engine: engine,
		logger: slog.Default(),
	}
}

// EnqueueOrSend sends the write immediately when online and returns the
// backend's answer. When offline, or when the immediate send fails in a
// way a later retry could fix, the write is queued and the outcome says
// so. A rejection (non-retryable 4xx) is returned to the caller with the
// backend's response and is not queued. Storage failures are returned as
// apperr.CodeStorage.
func (d *Dispatcher) EnqueueOrSend(ctx context.Context, endpoint string, payload json.RawMessage) (Outcome, error) {
	if endpoint == "" {
		return Outcome{}, apperr.New(apperr.CodeInvalid, "endpoint is required")
	}

	// The queued replay reuses this key so the backend can drop a
	// duplicate of an immediate send it applied but failed to answer.
	key := uuid.NewString()

	if d.conn.Online() {
		resp, err := d.sender.Send(ctx, Request{
			Endpoint:       endpoint,
			Payload:        payload,
			IdempotencyKey: key,
		})
		if err == nil {
			return Outcome{Sent: true, StatusCode: resp.StatusCode, Body: resp.Body}, nil
		}
		if !apperr.Retryable(err) {
			out := Outcome{StatusCode: apperr.StatusOf(err)}
			if resp != nil {
				out.Body = resp.Body
			}
			return out, err
		}
		d.logger.Warn("immediate send failed, queueing", "endpoint", endpoint, "error", err)
	}

	id, err := d.store.EnqueueActionWithKey(endpoint, payload, key)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Queued: true, ActionID: id, Message: "saved locally"}, nil
}

func (d *Dispatcher) PendingCount() (int, error) {
	return d.engine.PendingCount()
}

func (d *Dispatcher) SyncStatus() (StatusView, error) {
	pending, err := d.engine.PendingCount()
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		Status:     d.engine.Status(),
		Online:     d.conn.Online(),
		Pending:    pending,
		LastReport: d.engine.LastReport(),
	}, nil
}
