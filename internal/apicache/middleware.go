package apicache

import "net/http"

// SessionFn reports whether the request carries an authenticated session.
type SessionFn func(*http.Request) bool

// Middleware layers the cache-header policy over an API handler. The
// decision is deferred to WriteHeader time, when the response status and the
// origin's own Cache-Control are known but no output has been sent yet.
func Middleware(p *Policy, session SessionFn) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authenticated := false
			if session != nil {
				authenticated = session(r)
			}
			filter := &headerFilter{
				ResponseWriter: w,
				policy:         p,
				request: Request{
					Route:         r.URL.Path,
					Method:        r.Method,
					Authenticated: authenticated,
					Header:        r.Header,
				},
			}
			next.ServeHTTP(filter, r)
		})
	}
}

// headerFilter holds the response open for exactly one cache decision.
type headerFilter struct {
	http.ResponseWriter
	policy  *Policy
	request Request
	decided bool
}

func (f *headerFilter) WriteHeader(status int) {
	f.decide(status)
	f.ResponseWriter.WriteHeader(status)
}

func (f *headerFilter) Write(b []byte) (int, error) {
	// A handler that writes without an explicit status implies 200.
	f.decide(http.StatusOK)
	return f.ResponseWriter.Write(b)
}

func (f *headerFilter) decide(status int) {
	if f.decided {
		return
	}
	f.decided = true
	decision := f.policy.Evaluate(f.request, status, f.Header())
	for name, value := range decision.Headers {
		f.Header().Set(name, value)
	}
}
