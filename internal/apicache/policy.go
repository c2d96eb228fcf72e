// Package apicache decides which responses of the namespaced API family may
// carry shared-cache headers. Safe anonymous reads get a short edge TTL with
// forced browser revalidation; anything personalized passes through
// untouched.
package apicache

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/l0p7/purgectrl/internal/config"
	"github.com/l0p7/purgectrl/internal/metrics"
)

// Request is the request-side evidence the policy inspects.
type Request struct {
	Route         string
	Method        string
	Authenticated bool
	Header        http.Header
}

// Decision is the classification outcome. Headers is non-empty only for
// cacheable responses; a bypass leaves the response exactly as the origin
// produced it.
type Decision struct {
	Cacheable bool
	Reason    string
	Headers   map[string]string
}

// Policy classifies API responses as shared-cacheable or personalized.
type Policy struct {
	namespace            string
	sharedMaxAge         int
	staleWhileRevalidate int
	nonceHeader          string
	metrics              *metrics.Recorder
	logger               *slog.Logger
}

// NewPolicy builds the policy from the API configuration.
func NewPolicy(cfg config.APIConfig, recorder *metrics.Recorder, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		namespace:            strings.Trim(strings.TrimSpace(cfg.Namespace), "/"),
		sharedMaxAge:         cfg.SharedMaxAgeSeconds,
		staleWhileRevalidate: cfg.StaleWhileRevalidateSeconds,
		nonceHeader:          cfg.NonceHeader,
		metrics:              recorder,
		logger:               logger,
	}
}

// Evaluate classifies one dispatched response. The checks mirror the
// personalization signals in order of cost: route membership and method
// first, then the authentication evidence, then the response status, and
// finally the origin's own Cache-Control, which always wins.
func (p *Policy) Evaluate(req Request, status int, respHeader http.Header) Decision {
	if !p.inNamespace(req.Route) {
		return p.bypass("outside_namespace")
	}
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return p.bypass("unsafe_method")
	}
	if req.Authenticated {
		return p.bypass("authenticated")
	}
	if req.Header.Get("Authorization") != "" {
		return p.bypass("authorization_header")
	}
	if p.nonceHeader != "" && req.Header.Get(p.nonceHeader) != "" {
		return p.bypass("nonce_header")
	}
	if req.Header.Get("Cookie") != "" {
		return p.bypass("cookie")
	}
	if status < 200 || status >= 400 {
		return p.bypass("status")
	}
	origin := ParseCacheControl(respHeader.Get("Cache-Control"))
	if origin.ForbidsSharedCache() {
		return p.bypass("origin_opt_out")
	}
	if origin.SMaxAge != nil {
		// The origin already set a shared TTL; pass it through unmodified.
		return p.bypass("origin_shared_ttl")
	}

	p.metrics.ObserveAPIDecision(true)
	return Decision{
		Cacheable: true,
		Reason:    "cacheable",
		Headers: map[string]string{
			"Cache-Control": fmt.Sprintf("public, s-maxage=%d, max-age=0, stale-while-revalidate=%d",
				p.sharedMaxAge, p.staleWhileRevalidate),
			"Vary": "Accept-Encoding",
		},
	}
}

func (p *Policy) bypass(reason string) Decision {
	p.metrics.ObserveAPIDecision(false)
	return Decision{Reason: reason}
}

func (p *Policy) inNamespace(route string) bool {
	route = strings.Trim(strings.TrimSpace(route), "/")
	if p.namespace == "" || route == "" {
		return false
	}
	return route == p.namespace || strings.HasPrefix(route, p.namespace+"/")
}
