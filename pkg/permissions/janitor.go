package permissions

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/caregrid/caregrid/pkg/observability"
)

// DefaultJanitorSchedule runs the prune nightly, off peak
const DefaultJanitorSchedule = "0 3 * * *"

// DefaultRetention keeps expired override rows queryable for 90 days
// before the janitor removes them
const DefaultRetention = 90 * 24 * time.Hour

// Janitor periodically deletes override rows whose expiry passed more
// than the retention window ago. Expired rows are already inert at
// resolution time; the janitor only keeps the table from growing without
// bound.
type Janitor struct {
	store     *Store
	resolver  *Resolver
	logger    *observability.Logger
	cron      *cron.Cron
	schedule  string
	retention time.Duration
}

// JanitorOption configures a Janitor
type JanitorOption func(*Janitor)

// WithSchedule overrides the cron schedule
func WithSchedule(schedule string) JanitorOption {
	return func(j *Janitor) {
		j.schedule = schedule
	}
}

// WithRetention overrides the retention window
func WithRetention(retention time.Duration) JanitorOption {
	return func(j *Janitor) {
		j.retention = retention
	}
}

// NewJanitor creates a janitor over the store. The resolver is optional;
// when present its cache is purged after a prune that removed rows.
func NewJanitor(store *Store, resolver *Resolver, logger *observability.Logger, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		store:     store,
		resolver:  resolver,
		logger:    logger,
		schedule:  DefaultJanitorSchedule,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start schedules the prune job. Returns an error only for an invalid
// schedule expression.
func (j *Janitor) Start() error {
	j.cron = cron.New()
	_, err := j.cron.AddFunc(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		j.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	j.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running job to finish
func (j *Janitor) Stop() {
	if j.cron != nil {
		ctx := j.cron.Stop()
		<-ctx.Done()
	}
}

// RunOnce prunes immediately. Exposed for startup sweeps and tests.
func (j *Janitor) RunOnce(ctx context.Context) {
	cutoff := time.Now().Add(-j.retention)

	pruned, err := j.store.PruneExpiredOverrides(ctx, cutoff)
	if err != nil {
		if j.logger != nil {
			j.logger.WithError(err).Error("failed to prune expired permission overrides")
		}
		return
	}

	if pruned > 0 {
		if j.resolver != nil {
			j.resolver.ClearAllCache(ctx)
		}
		if j.logger != nil {
			j.logger.WithField("pruned", pruned).Info("pruned expired permission overrides")
		}
	}
}
