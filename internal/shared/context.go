package shared

import "context"

type sessionContextKey struct{}
type callerContextKey struct{}

// Caller identifies the authenticated principal of a request: a logged-in
// member, or an external application presenting an API key.
type Caller struct {
	UserID   int64
	ClientID int64
	Perms    []string
}

// HasPerm reports whether the caller carries the named permission.
func (c Caller) HasPerm(name string) bool {
	for _, p := range c.Perms {
		if p == name {
			return true
		}
	}
	return false
}

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// ContextWithCaller stores the authenticated caller in context.
func ContextWithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerContextKey{}, c)
}

// CallerFromContext extracts the caller; ok is false for anonymous requests.
func CallerFromContext(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerContextKey{}).(Caller)
	return c, ok
}
