package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/transsflow/fieldsync/internal/apperr"
)

const actionColumns = `id, endpoint, payload_json, idempotency_key, enqueued_at, status,
	attempts, next_attempt_at, terminal, last_error`

// EnqueueAction appends a pending action and returns its id. The row is
// committed before EnqueueAction returns. Failures are reported as
// apperr.CodeStorage so callers can tell the user the write was not saved.
func (s *Store) EnqueueAction(endpoint string, payload json.RawMessage) (int64, error) {
	return s.EnqueueActionWithKey(endpoint, payload, uuid.NewString())
}

// EnqueueActionWithKey is EnqueueAction with a caller-chosen idempotency
// key, for writes that already went out once under that key.
func (s *Store) EnqueueActionWithKey(endpoint string, payload json.RawMessage, key string) (int64, error) {
	if key == "" {
		return 0, apperr.New(apperr.CodeInvalid, "idempotency key is required")
	}
	if endpoint == "" {
		return 0, apperr.New(apperr.CodeInvalid, "endpoint is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return 0, apperr.New(apperr.CodeInvalid, "payload is not valid JSON")
	}

	now := formatTime(time.Now())
	res, err := s.db.Exec(`
		INSERT INTO actions (endpoint, payload_json, idempotency_key, enqueued_at, status, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		endpoint, string(payload), key, now, now,
	)
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "could not save locally", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, apperr.Wrap(apperr.CodeStorage, "could not save locally", err)
	}
	return id, nil
}

// ListPendingActions returns every action that is not yet synced, in
// enqueue order.
func (s *Store) ListPendingActions() ([]QueuedAction, error) {
	rows, err := s.db.Query(`SELECT ` + actionColumns + `
		FROM actions WHERE status != 'synced' ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActions(rows)
}

// ListActions returns actions of any status, oldest first.
func (s *Store) ListActions(limit, offset int) ([]QueuedAction, error) {
	rows, err := s.db.Query(`SELECT `+actionColumns+`
		FROM actions ORDER BY id ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanActions(rows)
}

func (s *Store) GetAction(id int64) (QueuedAction, error) {
	rows, err := s.db.Query(`SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	if err != nil {
		return QueuedAction{}, err
	}
	defer rows.Close()
	actions, err := scanActions(rows)
	if err != nil {
		return QueuedAction{}, err
	}
	if len(actions) == 0 {
		return QueuedAction{}, ErrNotFound
	}
	return actions[0], nil
}

func (s *Store) CountPendingActions() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM actions WHERE status != 'synced'`).Scan(&n)
	return n, err
}

// MarkActionSynced records server acknowledgement for id.
func (s *Store) MarkActionSynced(id int64) error {
	res, err := s.db.Exec(`UPDATE actions SET status = 'synced', last_error = NULL, updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// MarkActionFailed records a failed send attempt for id.
func (s *Store) MarkActionFailed(id int64, f Failure) error {
	terminal := 0
	if f.Terminal {
		terminal = 1
	}
	res, err := s.db.Exec(`
		UPDATE actions
		SET status = 'failed', attempts = attempts + 1, last_error = ?, next_attempt_at = ?, terminal = ?, updated_at = ?
		WHERE id = ? AND status != 'synced'`,
		f.Err, nullableTime(f.RetryAt), terminal, formatTime(time.Now()), id,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

// ClearSyncedActions deletes every synced action and reports how many were removed.
func (s *Store) ClearSyncedActions() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM actions WHERE status = 'synced'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ResetFailedActions makes failed actions eligible for the next drain pass
// again, including ones previously judged terminal.
func (s *Store) ResetFailedActions() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE actions SET status = 'pending', attempts = 0, next_attempt_at = NULL, terminal = 0, updated_at = ?
		WHERE status = 'failed'`, formatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanActions(rows *sql.Rows) ([]QueuedAction, error) {
	var results []QueuedAction
	for rows.Next() {
		var (
			a                    QueuedAction
			payload, enqueuedAt  string
			status               string
			nextAttempt, lastErr sql.NullString
			terminal             int
		)
		if err := rows.Scan(&a.ID, &a.Endpoint, &payload, &a.IdempotencyKey, &enqueuedAt, &status,
			&a.Attempts, &nextAttempt, &terminal, &lastErr); err != nil {
			return nil, err
		}
		t, err := parseTime(enqueuedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing enqueued_at for action %d: %w", a.ID, err)
		}
		a.EnqueuedAt = t
		if nextAttempt.Valid {
			if a.NextAttemptAt, err = parseTime(nextAttempt.String); err != nil {
				return nil, fmt.Errorf("parsing next_attempt_at for action %d: %w", a.ID, err)
			}
		}
		a.Payload = json.RawMessage(payload)
		a.Status = ActionStatus(status)
		a.Terminal = terminal != 0
		a.LastError = lastErr.String
		results = append(results, a)
	}
	return results, rows.Err()
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
