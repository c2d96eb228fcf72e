// Package trigger binds host lifecycle events to purge actions: a linkage
// metadata write or a publish transition fires an immediate purge and
// schedules the delayed follow-up pass. Every failure here is soft; the
// host's own request handling must never be disturbed by a purge problem.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/l0p7/purgectrl/internal/host"
	"github.com/l0p7/purgectrl/internal/linkage"
	"github.com/l0p7/purgectrl/internal/metrics"
	"github.com/l0p7/purgectrl/internal/purge"
)

// Directory looks items up on the content-management host.
type Directory interface {
	ItemByID(ctx context.Context, id string) (host.Item, error)
}

// Purger sends batched purge requests to the edge.
type Purger interface {
	Configured() bool
	Purge(ctx context.Context, urls []string) purge.Outcome
}

// Delayer registers the deferred re-purge for an item.
type Delayer interface {
	ScheduleDelayedPurge(ctx context.Context, item string)
}

// URLSource derives the purge URL sets for an item.
type URLSource interface {
	PurgeURLs(item host.Item) []string
	DelayedPurgeURLs(item host.Item) []string
}

// Options collects the orchestrator's collaborators.
type Options struct {
	Directory Directory
	URLs      URLSource
	Purger    Purger
	Delayer   Delayer
	Policy    linkage.Policy
	Metrics   *metrics.Recorder
	Logger    *slog.Logger
}

// Orchestrator is the event port the host invokes. Methods return nothing:
// the caller only needs to be allowed to continue, never to observe a purge
// result.
type Orchestrator struct {
	directory Directory
	urls      URLSource
	purger    Purger
	delayer   Delayer
	policy    linkage.Policy
	metrics   *metrics.Recorder
	logger    *slog.Logger
}

const (
	eventMetadataWritten  = "metadata_written"
	eventStatusTransition = "status_transition"
	eventDelayedFire      = "delayed_fire"
)

// NewOrchestrator wires the trigger bindings.
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Directory == nil {
		return nil, errors.New("trigger: directory required")
	}
	if opts.URLs == nil {
		return nil, errors.New("trigger: url source required")
	}
	if opts.Purger == nil {
		return nil, errors.New("trigger: purger required")
	}
	if opts.Delayer == nil {
		return nil, errors.New("trigger: delayer required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		directory: opts.Directory,
		urls:      opts.URLs,
		purger:    opts.Purger,
		delayer:   opts.Delayer,
		policy:    opts.Policy,
		metrics:   opts.Metrics,
		logger:    logger,
	}, nil
}

// OnMetadataWritten reacts to a single metadata write. It purges only when
// the write is an actual linkage arrival: credentials present, a non-empty
// value under a recognized key, on an item that is currently published. On
// pass it fires one immediate purge and then schedules the delayed follow-up.
func (o *Orchestrator) OnMetadataWritten(ctx context.Context, id host.ID, key, value string) {
	if !o.purger.Configured() {
		o.logger.Debug("metadata trigger skipped, purge credentials absent",
			slog.String("item", id.String()))
		o.metrics.ObserveEvent(eventMetadataWritten, "skipped_unconfigured")
		return
	}
	if strings.TrimSpace(value) == "" {
		o.metrics.ObserveEvent(eventMetadataWritten, "skipped_empty_value")
		return
	}
	if !o.policy.Keys().Contains(key) {
		o.metrics.ObserveEvent(eventMetadataWritten, "skipped_unrecognized_key")
		return
	}
	item, err := o.directory.ItemByID(ctx, id.String())
	if err != nil {
		if errors.Is(err, host.ErrNotFound) {
			o.logger.Debug("metadata trigger skipped, item missing",
				slog.String("item", id.String()))
			o.metrics.ObserveEvent(eventMetadataWritten, "skipped_missing")
			return
		}
		o.logger.Warn("metadata trigger lookup failed",
			slog.String("item", id.String()),
			slog.Any("error", err))
		o.metrics.ObserveEvent(eventMetadataWritten, "lookup_failed")
		return
	}
	if !item.Published() {
		o.metrics.ObserveEvent(eventMetadataWritten, "skipped_unpublished")
		return
	}

	urls := o.urls.PurgeURLs(item)
	outcome := o.purger.Purge(ctx, urls)
	o.logger.Info("linkage purge fired",
		slog.String("item", id.String()),
		slog.String("key", key),
		slog.Int("urls", len(urls)),
		slog.String("outcome", string(outcome)))
	o.delayer.ScheduleDelayedPurge(ctx, id.String())
	o.metrics.ObserveEvent(eventMetadataWritten, "purged")
}

// OnStatusTransition reacts to a publish-state change. Only transitions into
// published matter. When the item already carries linkage the purge fires
// once on the first matching key; either way a publish always schedules the
// delayed pass, to catch linkage that lands shortly after publish.
func (o *Orchestrator) OnStatusTransition(ctx context.Context, id host.ID, oldStatus, newStatus host.Status) {
	if !newStatus.Published() {
		o.metrics.ObserveEvent(eventStatusTransition, "skipped_not_published")
		return
	}
	item, err := o.directory.ItemByID(ctx, id.String())
	if err != nil {
		// The delayed pass only needs the id; a broken lookup must not
		// swallow the one scheduling opportunity a publish gets.
		o.logger.Warn("publish trigger lookup failed",
			slog.String("item", id.String()),
			slog.Any("error", err))
		o.delayer.ScheduleDelayedPurge(ctx, id.String())
		o.metrics.ObserveEvent(eventStatusTransition, "scheduled_only")
		return
	}

	action := "scheduled_only"
	if key, linked := o.policy.Keys().FirstMatch(item); linked {
		urls := o.urls.PurgeURLs(item)
		outcome := o.purger.Purge(ctx, urls)
		o.logger.Info("publish purge fired",
			slog.String("item", id.String()),
			slog.String("key", key),
			slog.String("from", string(oldStatus)),
			slog.Int("urls", len(urls)),
			slog.String("outcome", string(outcome)))
		action = "purged"
	}
	o.delayer.ScheduleDelayedPurge(ctx, id.String())
	o.metrics.ObserveEvent(eventStatusTransition, action)
}

// RunDelayedPurge is the deferred task body. It re-fetches the item so a
// purge never fires for something unpublished or deleted in the interim,
// then purges the coarse surfaces.
func (o *Orchestrator) RunDelayedPurge(ctx context.Context, id host.ID) {
	item, err := o.directory.ItemByID(ctx, id.String())
	if err != nil {
		if errors.Is(err, host.ErrNotFound) {
			o.logger.Debug("delayed purge skipped, item gone",
				slog.String("item", id.String()))
			o.metrics.ObserveEvent(eventDelayedFire, "skipped_missing")
			return
		}
		o.logger.Warn("delayed purge lookup failed",
			slog.String("item", id.String()),
			slog.Any("error", err))
		o.metrics.ObserveEvent(eventDelayedFire, "lookup_failed")
		return
	}
	if !item.Published() {
		o.logger.Debug("delayed purge skipped, item no longer published",
			slog.String("item", id.String()))
		o.metrics.ObserveEvent(eventDelayedFire, "skipped_unpublished")
		return
	}

	urls := o.urls.DelayedPurgeURLs(item)
	outcome := o.purger.Purge(ctx, urls)
	o.logger.Info("delayed purge fired",
		slog.String("item", id.String()),
		slog.Int("urls", len(urls)),
		slog.String("outcome", string(outcome)))
	o.metrics.ObserveEvent(eventDelayedFire, "purged")
}
