// Package auth supplies the bearer credential attached to replayed writes.
// Tokens are issued and refreshed by an external collaborator; this package
// only reads what it wrote.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// ErrNoToken means no credential is currently available.
var ErrNoToken = errors.New("no access token available")

// defaultRecheck bounds how long a token without an exp claim is reused
// before the file is read again.
const defaultRecheck = time.Minute

// FileTokenSource reads an access token from a file that the auth
// collaborator rewrites on refresh. An environment variable, when set,
// takes precedence.
type FileTokenSource struct {
	Path    string
	Env     string
	Recheck time.Duration

	now func() time.Time
}

func NewFileTokenSource(path, env string) *FileTokenSource {
	return &FileTokenSource{Path: path, Env: env, Recheck: defaultRecheck, now: time.Now}
}

// Token implements oauth2.TokenSource.
func (s *FileTokenSource) Token() (*oauth2.Token, error) {
	raw := ""
	if s.Env != "" {
		raw = os.Getenv(s.Env)
	}
	if raw == "" && s.Path != "" {
		data, err := os.ReadFile(s.Path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading token file: %w", err)
		}
		raw = string(data)
	}
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, ErrNoToken
	}

	now := time.Now
	if s.now != nil {
		now = s.now
	}
	recheck := s.Recheck
	if recheck <= 0 {
		recheck = defaultRecheck
	}
	expiry := now().Add(recheck)
	if exp, ok := Expiry(raw); ok && exp.Before(expiry) {
		expiry = exp
	}
	return &oauth2.Token{AccessToken: raw, TokenType: "Bearer", Expiry: expiry}, nil
}

// StaticToken wraps a configured token, honouring its exp claim if it is a JWT.
func StaticToken(raw string) oauth2.TokenSource {
	tok := &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}
	if exp, ok := Expiry(raw); ok {
		tok.Expiry = exp
	}
	return oauth2.StaticTokenSource(tok)
}

// Expiry returns the exp claim of a JWT without verifying its signature.
// Signature checks are the backend's job; the exp is only used to avoid
// sending a token that is known to be stale.
func Expiry(raw string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Provider hands out the current token to the sync engine.
type Provider struct {
	src    oauth2.TokenSource
	logger *slog.Logger
}

// NewProvider caches tokens from src until they expire.
func NewProvider(src oauth2.TokenSource) *Provider {
	return &Provider{src: oauth2.ReuseTokenSource(nil, src), logger: slog.Default()}
}

// CurrentToken returns the token, or ok=false when none is available or
// the available one has expired.
func (p *Provider) CurrentToken(ctx context.Context) (string, bool) {
	tok, err := p.src.Token()
	if err != nil {
		if !errors.Is(err, ErrNoToken) {
			p.logger.Warn("loading access token", "error", err)
		}
		return "", false
	}
	if !tok.Valid() {
		p.logger.Debug("access token expired", "expiry", tok.Expiry)
		return "", false
	}
	return tok.AccessToken, true
}
