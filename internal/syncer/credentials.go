package syncer

import "context"

// CredentialProvider supplies the bearer token attached to replayed
// requests. ok is false when no credential is currently available, in
// which case the request is sent without an Authorization header.
type CredentialProvider interface {
	CurrentToken(ctx context.Context) (token string, ok bool)
}

// CredentialFunc adapts a function to CredentialProvider.
type CredentialFunc func(ctx context.Context) (string, bool)

func (f CredentialFunc) CurrentToken(ctx context.Context) (string, bool) {
	return f(ctx)
}

// NoCredentials never returns a token.
var NoCredentials CredentialProvider = CredentialFunc(func(context.Context) (string, bool) { return "", false })
