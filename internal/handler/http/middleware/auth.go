package middleware

import (
	"context"
	"net/http"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/handler/http/response"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/jwt"
	"github.com/go-chi/jwtauth/v5"
)

type identityKey struct{}

// AccountProvisioner creates the account behind a verified identity on first use
type AccountProvisioner interface {
	EnsureAccount(ctx context.Context, accountID string, email string) (account.Account, error)
}

// AuthRequired rejects requests without a valid access token and stores the
// caller identity in the request context. It runs after jwtauth.Verifier.
func AuthRequired(provisioner AccountProvisioner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			token, claims, err := jwtauth.FromContext(r.Context())

			if err != nil {
				response.Unauthorized(w, err.Error())
				return
			}

			if token == nil {
				response.Unauthorized(w, "missing access token")
				return
			}

			identity, err := jwt.IdentityFromClaims(claims)
			if err != nil {
				response.HandleError(w, err)
				return
			}

			if provisioner != nil {
				if _, err := provisioner.EnsureAccount(r.Context(), identity.AccountID, identity.Email); err != nil {
					response.HandleError(w, err)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		}
		return http.HandlerFunc(hfn)
	}
}

// WithIdentity stores the caller identity in ctx
func WithIdentity(ctx context.Context, identity jwt.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the caller stored by AuthRequired
func IdentityFromContext(ctx context.Context) (jwt.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(jwt.Identity)
	return identity, ok
}
