package storage

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

type ActionStatus string

const (
	StatusPending ActionStatus = "pending"
	StatusSynced  ActionStatus = "synced"
	StatusFailed  ActionStatus = "failed"
)

// QueuedAction is one deferred write. Only Status, Attempts, NextAttemptAt,
// Terminal and LastError change after it is enqueued.
type QueuedAction struct {
	ID             int64
	Endpoint       string
	Payload        json.RawMessage
	IdempotencyKey string
	EnqueuedAt     time.Time
	Status         ActionStatus
	Attempts       int
	NextAttemptAt  time.Time // zero means "as soon as possible"
	Terminal       bool
	LastError      string
}

// Failure describes the outcome recorded by MarkActionFailed.
type Failure struct {
	Err      string
	RetryAt  time.Time
	Terminal bool
}

// CacheEntry is one cached GET response inside a cache generation.
type CacheEntry struct {
	Generation string
	Key        string
	Status     int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
}

// FormDraft is a partially filled form kept across restarts.
type FormDraft struct {
	FormID  string
	Data    json.RawMessage
	SavedAt time.Time
}

// MediaFile is a photo or attachment captured offline. List calls leave
// Body nil.
type MediaFile struct {
	ID          int64
	Name        string
	ContentType string
	Metadata    json.RawMessage
	Size        int64
	Body        []byte
	SavedAt     time.Time
}

// Setting is one app preference stored next to the outbox.
type Setting struct {
	Key       string
	Value     json.RawMessage
	UpdatedAt time.Time
}
