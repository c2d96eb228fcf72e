// Package gate decides, per render, whether caching must be withheld for a
// content page while its linkage is still settling, and emits the
// cache-withholding response directives when it must.
package gate

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/l0p7/purgectrl/internal/host"
	"github.com/l0p7/purgectrl/internal/linkage"
	"github.com/l0p7/purgectrl/internal/metrics"
)

// Directives is the set of response headers that keeps every cache layer
// away from a render.
type Directives map[string]string

// GatingDirectives returns the headers applied to gated renders: browser
// caches, shared caches, and the CDN all told to stand down, plus a marker
// header for operators tracing gate decisions.
func GatingDirectives() Directives {
	return Directives{
		"Cache-Control":     "no-cache, no-store, must-revalidate, max-age=0",
		"Pragma":            "no-cache",
		"Expires":           "0",
		"CDN-Cache-Control": "no-store",
		"X-Cache-Gate":      "bypass",
	}
}

// Apply sets every directive on the header.
func (d Directives) Apply(h http.Header) {
	for name, value := range d {
		h.Set(name, value)
	}
}

// Directory looks items up on the content-management host.
type Directory interface {
	ItemByID(ctx context.Context, id string) (host.Item, error)
}

// Gate evaluates the render-time caching decision for singular content pages.
type Gate struct {
	directory Directory
	policy    linkage.Policy
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

// New builds a gate over the host directory and the linkage policy.
func New(directory Directory, policy linkage.Policy, recorder *metrics.Recorder, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		directory: directory,
		policy:    policy,
		metrics:   recorder,
		logger:    logger,
	}
}

// Check decides whether the render for itemID must bypass caches at the given
// instant, returning the directives to set when it must. The gate fails open:
// when the item cannot be resolved the render stays cacheable, since blocking
// caching on every host hiccup costs more than a brief staleness window.
func (g *Gate) Check(ctx context.Context, itemID string, now time.Time) (Directives, bool) {
	if strings.TrimSpace(itemID) == "" {
		g.metrics.ObserveGate(false)
		return nil, false
	}
	item, err := g.directory.ItemByID(ctx, itemID)
	if err != nil {
		g.logger.Warn("gate lookup failed, caching allowed",
			slog.String("item", itemID),
			slog.Any("error", err))
		g.metrics.ObserveGate(false)
		return nil, false
	}
	if !g.policy.ShouldGate(item, now) {
		g.metrics.ObserveGate(false)
		return nil, false
	}
	g.logger.Debug("render gated, caching withheld", slog.String("item", itemID))
	g.metrics.ObserveGate(true)
	return GatingDirectives(), true
}
