package identity

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gov-dx-sandbox/case-engine/internal/models"
	"github.com/gov-dx-sandbox/case-engine/internal/utils"
)

type contextKey string

const identityKey contextKey = "identity"

// Authenticate rejects requests without a valid bearer token and stores the
// caller's Identity in the request context
func (p *Provider) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			utils.RespondWithError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Authorization header is required")
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			utils.RespondWithError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Invalid authorization format. Expected 'Bearer <token>'")
			return
		}
		tokenString := strings.TrimPrefix(authHeader, bearerPrefix)

		id, err := p.Verify(r.Context(), tokenString)
		if err != nil {
			slog.Warn("Token verification failed", "error", err)
			utils.RespondWithError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Invalid or expired token")
			return
		}

		slog.Debug("User authenticated", "user_id", id.UserID)
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// WithIdentity returns a context carrying id
func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the authenticated caller
func FromContext(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(identityKey).(models.Identity)
	return id, ok
}
