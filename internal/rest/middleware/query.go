package middleware

import (
	"net/http"
)

// StripEmptyQueryParams drops query parameters whose value is an empty
// string so handlers never have to distinguish `?state=` from an absent
// parameter.
func StripEmptyQueryParams() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			dirty := false
			for k, vs := range q {
				kept := vs[:0]
				for _, v := range vs {
					if v != "" {
						kept = append(kept, v)
					}
				}
				if len(kept) != len(vs) {
					dirty = true
				}
				if len(kept) == 0 {
					delete(q, k)
				} else {
					q[k] = kept
				}
			}
			if dirty {
				r.URL.RawQuery = q.Encode()
			}
			next.ServeHTTP(w, r)
		})
	}
}
