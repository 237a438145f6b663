package server

import "context"

// identifierContextKey namespaces the authenticated-identifier context
// value the external session/login authenticator attaches before
// delegating to this package's handlers — login itself is out of
// scope here, but the state machine needs to know who it's binding
// profiles to.
type identifierContextKey struct{}

// WithAuthenticatedIdentifier attaches identifier to ctx. The external
// authenticator collaborator calls this after a successful login,
// before routing the request into this package's handlers.
func WithAuthenticatedIdentifier(ctx context.Context, identifier string) context.Context {
	return context.WithValue(ctx, identifierContextKey{}, identifier)
}

// AuthenticatedIdentifier extracts the identifier the external
// authenticator attached to the request context, if any.
func AuthenticatedIdentifier(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(identifierContextKey{}).(string)
	return v, ok
}
