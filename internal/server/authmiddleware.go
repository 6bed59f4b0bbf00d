package server

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/tjfontaine/modelkey-gateway/internal/auth"
	"github.com/tjfontaine/modelkey-gateway/internal/core/domain"
	"github.com/tjfontaine/modelkey-gateway/internal/core/ports"
)

type identityKey struct{}

// AnonymousIDHeader lets anonymous clients keep a stable identity.
const AnonymousIDHeader = "X-Anonymous-ID"

// IdentityMiddleware establishes the caller identity. A bearer token is
// verified with verifier; an invalid token is rejected with 401. Requests
// without a token become anonymous, keyed by X-Anonymous-ID or client IP,
// unless requireAuth is set. A nil verifier treats every request as
// anonymous.
func IdentityMiddleware(verifier ports.IdentityVerifier, requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, present, err := auth.BearerToken(r)
			if err != nil {
				WriteError(w, r, domain.NewAPIError(domain.ErrorTypeAuthentication, domain.ErrorCodeInvalidToken, err.Error()))
				return
			}

			var id *domain.Identity
			switch {
			case present && verifier != nil:
				id, err = verifier.Verify(r.Context(), token)
				if err != nil {
					WriteError(w, r, domain.NewAPIError(domain.ErrorTypeAuthentication, domain.ErrorCodeInvalidToken, "invalid bearer token"))
					return
				}
			case requireAuth:
				WriteError(w, r, domain.NewAPIError(domain.ErrorTypeAuthentication, domain.ErrorCodeAuthenticationRequired, "authentication required"))
				return
			default:
				id = &domain.Identity{UserID: anonymousID(r), Anonymous: true}
			}

			AddLogField(r.Context(), "user_id", id.UserID)
			AddLogField(r.Context(), "tenant_id", id.TenantID)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func anonymousID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(AnonymousIDHeader)); v != "" && len(v) <= 128 {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return "ip:" + host
}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id *domain.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// GetIdentity retrieves the caller identity from context.
// Returns nil if no identity is set.
func GetIdentity(ctx context.Context) *domain.Identity {
	if id, ok := ctx.Value(identityKey{}).(*domain.Identity); ok {
		return id
	}
	return nil
}
