package api

import (
	"net/http"
	"sync"

	"github.com/transsflow/fieldsync/internal/intercept"
)

const defaultNotificationLimit = 50

// NotificationLog keeps the most recent push notifications in memory for
// a desktop shell to poll.
type NotificationLog struct {
	mu    sync.Mutex
	limit int
	items []intercept.Notification
}

// NewNotificationLog keeps up to limit entries; limit <= 0 uses 50.
func NewNotificationLog(limit int) *NotificationLog {
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	return &NotificationLog{limit: limit}
}

func (l *NotificationLog) Add(n intercept.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, n)
	if over := len(l.items) - l.limit; over > 0 {
		l.items = append(l.items[:0:0], l.items[over:]...)
	}
}

// List returns the retained notifications, newest first.
func (l *NotificationLog) List() []intercept.Notification {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]intercept.Notification, len(l.items))
	for i, n := range l.items {
		out[len(out)-1-i] = n
	}
	return out
}

func handleListNotifications(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Notifications == nil {
			httpError(w, http.StatusNotFound, "not_found", "push notifications are disabled")
			return
		}
		writeJSON(w, http.StatusOK, deps.Notifications.List())
	}
}
