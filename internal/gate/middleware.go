package gate

import (
	"net/http"
	"time"
)

// ItemResolver extracts the single content item a request renders, or ""
// when the request is not a singular content page.
type ItemResolver func(*http.Request) string

// Middleware applies the gate decision before the wrapped handler runs.
// Directives must land before output begins; once the handler has written,
// headers are sealed, so the decision is made up front.
func Middleware(g *Gate, resolve ItemResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g != nil && resolve != nil {
				if itemID := resolve(r); itemID != "" {
					if directives, gated := g.Check(r.Context(), itemID, time.Now()); gated {
						directives.Apply(w.Header())
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
