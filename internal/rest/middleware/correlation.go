package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/pbinitiative/zenbatch/internal/appcontext"
)

const CorrelationHeader = "X-Correlation-Id"

// Correlation makes sure every request carries a correlation id, stores it
// in the request context and echoes it back on the response.
func Correlation() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(CorrelationHeader)
			if id == "" {
				id = uuid.NewString()
				r.Header.Set(CorrelationHeader, id)
			}
			w.Header().Set(CorrelationHeader, id)
			ctx := appcontext.WithCorrelationId(r.Context(), id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
