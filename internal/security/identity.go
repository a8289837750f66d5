// Package security identifies callers and records blocked access attempts.
package security

import "context"

type contextKey string

// ContextKeyIdentity holds the Identity attached by a transport.
const ContextKeyIdentity contextKey = "security:identity"

// AuthMethod names how an identity was established.
type AuthMethod string

const (
	AuthMethodJWT       AuthMethod = "jwt"
	AuthMethodAPIKey    AuthMethod = "api_key"
	AuthMethodHeader    AuthMethod = "header"
	AuthMethodRemoteIP  AuthMethod = "remote_ip"
	AuthMethodStdio     AuthMethod = "stdio"
	AuthMethodAnonymous AuthMethod = "anonymous"
)

// Anonymous is the identity used when a transport attaches none.
const Anonymous = "anonymous"

// Identity is the rate limiting and audit principal of a request.
type Identity struct {
	ID     string     `json:"id"`
	Method AuthMethod `json:"method"`
}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ContextKeyIdentity, id)
}

// IdentityFrom returns the identity attached to ctx, or the anonymous
// identity.
func IdentityFrom(ctx context.Context) Identity {
	if id, ok := ctx.Value(ContextKeyIdentity).(Identity); ok && id.ID != "" {
		return id
	}
	return Identity{ID: Anonymous, Method: AuthMethodAnonymous}
}
