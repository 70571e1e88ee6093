package permissions

import (
	"context"
	"errors"
	"time"

	"github.com/caregrid/caregrid/pkg/observability"
)

// ErrorPolicy controls what a store failure during resolution means for
// the caller. Deny is the default; Allow exists for callers that have
// explicitly decided availability outranks safety, and every allow-on-error
// decision is logged.
type ErrorPolicy int

const (
	// OnErrorDeny fails closed: a store error denies the check and is
	// returned to the caller.
	OnErrorDeny ErrorPolicy = iota
	// OnErrorAllow fails open: a store error permits the check. Opt-in
	// only; this reproduces legacy behavior some deployments depend on.
	OnErrorAllow
)

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithErrorPolicy sets the store-failure policy
func WithErrorPolicy(policy ErrorPolicy) ResolverOption {
	return func(r *Resolver) {
		r.onError = policy
	}
}

// WithMetrics attaches Prometheus metrics to the resolver
func WithMetrics(metrics *observability.Metrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = metrics
	}
}

// WithLogger attaches a structured logger to the resolver
func WithLogger(logger *observability.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// Resolver answers permission checks by layering, in priority order,
// hospital-scoped user overrides, general user overrides, the user's
// custom role bundle, and the built-in base-role policy. The first layer
// with a decision for the checked (resource, action) wins; lower layers
// are never consulted.
type Resolver struct {
	store   *Store
	cache   SnapshotCache
	onError ErrorPolicy
	metrics *observability.Metrics
	logger  *observability.Logger
}

// NewResolver creates a resolver over a store and snapshot cache. Both
// are injected by the composition root; the resolver holds no global
// state and independent instances can coexist (as in tests).
func NewResolver(store *Store, cache SnapshotCache, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:   store,
		cache:   cache,
		onError: OnErrorDeny,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HasPermission reports whether the check is permitted. An ordinary "not
// permitted" outcome is (false, nil); an error return means the store
// could not be consulted and the boolean reflects the configured
// ErrorPolicy.
func (r *Resolver) HasPermission(ctx context.Context, check Check) (bool, error) {
	result, err := r.Check(ctx, check)
	if err != nil {
		return result.Allowed, err
	}
	return result.Allowed, nil
}

// Check is HasPermission with the decision layer and reason attached
func (r *Resolver) Check(ctx context.Context, check Check) (CheckResult, error) {
	start := time.Now()
	result, err := r.check(ctx, check)
	result.CheckedAt = time.Now()

	if r.metrics != nil {
		outcome := "denied"
		if err != nil {
			outcome = "error"
		} else if result.Allowed {
			outcome = "allowed"
		}
		r.metrics.CheckTotal.WithLabelValues(string(check.Resource), string(check.Action), outcome).Inc()
		r.metrics.CheckDuration.WithLabelValues(string(check.Resource), string(check.Action)).Observe(time.Since(start).Seconds())
	}

	return result, err
}

func (r *Resolver) check(ctx context.Context, check Check) (CheckResult, error) {
	snap, err := r.snapshot(ctx, check.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			// Unknown identity is an ordinary denial, not a store failure
			return CheckResult{Allowed: false, Decision: DecisionRoleDefault, Reason: "user not found"}, nil
		}
		return r.storeFailure(ctx, check, err)
	}

	key := check.Key()

	// Hospital-scoped overrides outrank general ones: an administrator can
	// carve out per-hospital exceptions without touching the user's
	// global overrides. Only the exact hospital matches.
	if check.HospitalID != nil {
		if grants, ok := snap.HospitalGrants[*check.HospitalID]; ok {
			if granted, ok := grants[key]; ok {
				return CheckResult{Allowed: granted, Decision: DecisionHospitalOverride, Reason: "hospital-scoped override"}, nil
			}
		}
	}

	if granted, ok := snap.GeneralGrants[key]; ok {
		return CheckResult{Allowed: granted, Decision: DecisionGeneralOverride, Reason: "user override"}, nil
	}

	if granted, ok := snap.RoleGrants[key]; ok {
		return CheckResult{Allowed: granted, Decision: DecisionRoleBundle, Reason: "role bundle"}, nil
	}

	allowed := DefaultAllows(snap.BaseRole, check.Resource, check.Action)
	reason := "base role default"
	if !allowed && !snap.BaseRole.Valid() {
		reason = "unknown base role"
	}
	return CheckResult{Allowed: allowed, Decision: DecisionRoleDefault, Reason: reason}, nil
}

func (r *Resolver) storeFailure(ctx context.Context, check Check, err error) (CheckResult, error) {
	if r.metrics != nil {
		r.metrics.CheckErrors.Inc()
	}
	if r.onError == OnErrorAllow {
		if r.logger != nil {
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"user_id":  check.UserID,
				"resource": check.Resource,
				"action":   check.Action,
			}).Warn("permission store failure, allowing by configured policy")
		}
		return CheckResult{Allowed: true, Decision: DecisionError, Reason: "store failure, fail-open policy"}, nil
	}
	return CheckResult{Allowed: false, Decision: DecisionError, Reason: "store failure"}, err
}

// GetUserPermissions returns the user's resolved snapshot, serving a
// cached copy when one exists and populating the cache otherwise.
func (r *Resolver) GetUserPermissions(ctx context.Context, userID int64) (*Snapshot, error) {
	return r.snapshot(ctx, userID)
}

func (r *Resolver) snapshot(ctx context.Context, userID int64) (*Snapshot, error) {
	if r.cache != nil {
		if snap, ok := r.cache.Get(ctx, userID); ok {
			if r.metrics != nil {
				r.metrics.CacheHitsTotal.Inc()
			}
			return snap, nil
		}
		if r.metrics != nil {
			r.metrics.CacheMissesTotal.Inc()
		}
	}

	snap, err := r.store.LoadSnapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		r.cache.Set(ctx, snap)
	}

	return snap, nil
}

// ClearCache removes one user's cached snapshot. Writers must call this
// (or ClearAllCache) after any grant, revoke or role change; a revoked
// permission stays effective for in-flight and cached resolutions until
// the invalidation lands.
func (r *Resolver) ClearCache(ctx context.Context, userID int64) {
	if r.cache != nil {
		r.cache.Invalidate(ctx, userID)
	}
}

// ClearAllCache removes every cached snapshot. Used after role-bundle
// edits, which can affect any number of users.
func (r *Resolver) ClearAllCache(ctx context.Context) {
	if r.cache != nil {
		r.cache.Purge(ctx)
	}
}

// Store exposes the underlying store for management handlers
func (r *Resolver) Store() *Store {
	return r.store
}
