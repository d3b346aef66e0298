package http

import (
	"context"
	"net/http"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/grocery-service/internal/account"
	"github.com/vasiliy-maslov/grocery-service/internal/order"
)

// Identity headers set by the upstream gateway after authentication.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserRole = "X-User-Role"
)

type actorKey struct{}

// RequireActor rejects requests without a valid gateway identity.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.FromString(r.Header.Get(HeaderUserID))
		if err != nil || id == uuid.Nil {
			log.Warn().Str("header", HeaderUserID).Msg("Missing or invalid identity header")
			respondWithError(w, http.StatusUnauthorized, "Missing or invalid identity")
			return
		}

		role := account.Role(r.Header.Get(HeaderUserRole))
		if !role.Valid() {
			log.Warn().Str("header", HeaderUserRole).Str("role", string(role)).Msg("Missing or invalid role header")
			respondWithError(w, http.StatusUnauthorized, "Missing or invalid identity")
			return
		}

		ctx := context.WithValue(r.Context(), actorKey{}, order.Actor{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFrom(ctx context.Context) order.Actor {
	a, _ := ctx.Value(actorKey{}).(order.Actor)
	return a
}
