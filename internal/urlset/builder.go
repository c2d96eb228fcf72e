// Package urlset derives the cached surfaces of a content item: its permalink
// in both trailing-slash forms, the site root, and the syndication feed,
// extended by configured URL rules and registered transforms.
package urlset

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/l0p7/purgectrl/internal/expr"
	"github.com/l0p7/purgectrl/internal/host"
)

// Transform may add to or filter a derived URL set before it is returned.
// Transforms run after the configured rules, in registration order.
type Transform func(item host.Item, urls []string) []string

// Options collects everything the builder needs at construction time. Rules
// are compiled once here; the builder is immutable afterwards.
type Options struct {
	SiteURL    string
	FeedURL    string
	Rules      []string
	Hybrid     *expr.Hybrid
	Transforms []Transform
	Logger     *slog.Logger
}

// Builder assembles purge URL sets. Safe for concurrent use.
type Builder struct {
	site       string
	feed       string
	rules      []expr.Rule
	transforms []Transform
	logger     *slog.Logger
}

// NewBuilder compiles the configured URL rules and captures the coarse
// surfaces. A rule that fails to compile is logged and skipped so one bad
// rule cannot take the whole purge path down.
func NewBuilder(opts Options) *Builder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		site:       strings.TrimSpace(opts.SiteURL),
		feed:       strings.TrimSpace(opts.FeedURL),
		transforms: opts.Transforms,
		logger:     logger,
	}
	for i, source := range opts.Rules {
		if opts.Hybrid == nil {
			logger.Warn("url rules configured without a compiler, skipping all rules")
			break
		}
		rule, err := opts.Hybrid.Compile(fmt.Sprintf("url-rule-%d", i), source)
		if err != nil {
			logger.Warn("url rule rejected",
				slog.Int("rule", i),
				slog.Any("error", err))
			continue
		}
		b.rules = append(b.rules, rule)
	}
	return b
}

// PurgeURLs returns the full invalidation set for an item: the permalink with
// its trailing-slash form toggled, the site root, and the feed, plus whatever
// the rules and transforms contribute. Blanks and duplicates are dropped,
// first-seen order kept.
func (b *Builder) PurgeURLs(item host.Item) []string {
	urls := make([]string, 0, 4+len(b.rules))
	if permalink := strings.TrimSpace(item.Permalink); permalink != "" {
		urls = append(urls, permalink, toggleSlash(permalink))
	}
	urls = append(urls, b.site, b.feed)
	urls = append(urls, b.ruleURLs(item, false)...)
	return b.finish(item, urls)
}

// DelayedPurgeURLs returns only the coarse surfaces (site root and feed) the
// delayed pass re-purges after the settle interval. The item page itself is
// deliberately absent: the delayed pass exists to catch home/feed staleness.
func (b *Builder) DelayedPurgeURLs(item host.Item) []string {
	urls := make([]string, 0, 2+len(b.rules))
	urls = append(urls, b.site, b.feed)
	urls = append(urls, b.ruleURLs(item, true)...)
	return b.finish(item, urls)
}

func (b *Builder) ruleURLs(item host.Item, delayed bool) []string {
	if len(b.rules) == 0 {
		return nil
	}
	vars := ruleContext(item, b.site, b.feed, delayed)
	var out []string
	for _, rule := range b.rules {
		urls, err := rule.URLs(vars)
		if err != nil {
			b.logger.Warn("url rule evaluation failed",
				slog.String("rule", rule.Source()),
				slog.String("item", item.ID.String()),
				slog.Any("error", err))
			continue
		}
		out = append(out, urls...)
	}
	return out
}

func (b *Builder) finish(item host.Item, urls []string) []string {
	for _, transform := range b.transforms {
		if transform == nil {
			continue
		}
		urls = transform(item, urls)
	}
	return dedupe(urls)
}

// ruleContext is the payload URL rules evaluate against. Item fields appear
// both flat (template ergonomics: {{ .permalink }}) and nested under "item"
// (CEL field selection: item.permalink).
func ruleContext(item host.Item, site, feed string, delayed bool) map[string]any {
	metadata := make(map[string]string, len(item.Metadata))
	for key, value := range item.Metadata {
		metadata[key] = value
	}
	publishedAt := ""
	if item.PublishedAt != nil {
		publishedAt = item.PublishedAt.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"item": map[string]any{
			"id":          item.ID.String(),
			"status":      string(item.Status),
			"permalink":   item.Permalink,
			"publishedAt": publishedAt,
			"metadata":    metadata,
		},
		"site":        site,
		"feed":        feed,
		"delayed":     delayed,
		"id":          item.ID.String(),
		"status":      string(item.Status),
		"permalink":   item.Permalink,
		"publishedAt": publishedAt,
		"metadata":    metadata,
	}
}

// toggleSlash flips exactly one trailing slash so both cached spellings of a
// permalink get purged.
func toggleSlash(u string) string {
	if strings.HasSuffix(u, "/") {
		return strings.TrimSuffix(u, "/")
	}
	return u + "/"
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		trimmed := strings.TrimSpace(u)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
