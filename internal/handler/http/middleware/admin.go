package middleware

import (
	"net/http"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/handler/http/response"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/jwt"
	"github.com/go-chi/jwtauth/v5"
	"golang.org/x/crypto/bcrypt"
)

// HeaderAdminKey carries the operator API key
const HeaderAdminKey = "X-Admin-Key"

// AdminOnly admits callers whose access token carries is_admin, or who
// present an operator key matching apiKeyHash. It runs after jwtauth.Verifier.
func AdminOnly(apiKeyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key := r.Header.Get(HeaderAdminKey); key != "" {
				if apiKeyHash == "" || bcrypt.CompareHashAndPassword([]byte(apiKeyHash), []byte(key)) != nil {
					response.Unauthorized(w, "invalid admin key")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			token, claims, err := jwtauth.FromContext(r.Context())
			if err != nil || token == nil {
				response.Unauthorized(w, "unauthorized")
				return
			}

			identity, err := jwt.IdentityFromClaims(claims)
			if err != nil {
				response.HandleError(w, err)
				return
			}

			if !identity.IsAdmin {
				response.HandleError(w, account.ErrAdminPrivilegeRequired)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}
