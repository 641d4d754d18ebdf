package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Checker is an optional reachability source: it sends HEAD requests to a
// health URL and feeds the result to a Monitor.
type Checker struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewChecker creates a checker. A zero interval defaults to 15s.
func NewChecker(m *Monitor, url string, interval time.Duration, logger *slog.Logger) *Checker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := interval / 2
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Checker{
		monitor:  m,
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Run checks once immediately, then on every tick until ctx is cancelled.
func (p *Checker) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.monitor.Set(p.checkOnce(ctx))
	for {
		select {
		case <-ticker.C:
			p.monitor.Set(p.checkOnce(ctx))
		case <-ctx.Done():
			return
		}
	}
}

// checkOnce reports whether the health URL answered. Any HTTP response
// below 500 counts as reachable; the server is up even if it rejects HEAD.
func (p *Checker) checkOnce(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		p.logger.Warn("building reachability request", "url", p.url, "error", err)
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("reachability check failed", "url", p.url, "error", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}
