package intercept

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
)

var errNoOrigin = errors.New("intercept: origin is required")

// NewHandler returns a reverse proxy to the transport's origin. The UI
// loads the application through it so every request passes the cache
// policy.
func NewHandler(t *Transport) (http.Handler, error) {
	origin := t.opts.Origin
	if origin == nil {
		return nil, errNoOrigin
	}
	logger := t.logger
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		Transport: t,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("proxy request failed", "path", r.URL.Path, "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			json.NewEncoder(w).Encode(map[string]string{"error": "upstream unavailable"})
		},
		ErrorLog: slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}, nil
}
