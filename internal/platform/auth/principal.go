package auth

import "context"

type contextKey string

const principalKey contextKey = "principal"

// Principal is the authenticated caller. Role is the raw role claim; the
// domain decides what it means.
type Principal struct {
	ID   string
	Role string
}

func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller, or false when the request was not
// authenticated.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok || p.ID == "" {
		return Principal{}, false
	}
	return p, true
}
