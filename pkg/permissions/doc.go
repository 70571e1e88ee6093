// Package permissions implements fine-grained, hierarchical access
// control for the CareGrid hospital platform.
//
// # Overview
//
// Access to clinical and administrative data is decided per (resource,
// action) pair, layered so that narrow decisions beat broad ones. A
// check asks "may user U perform action A on resource R, optionally
// within hospital H" and gets an allow/deny answer plus the layer that
// decided it.
//
// # Resolution Layers
//
// Each check walks four layers and stops at the first one holding a
// decision for the checked "resource:action" key:
//
//	1. Hospital-scoped user overrides - only when the check carries a
//	   hospital ID, and only the exact hospital matches
//	2. General user overrides - overrides with no hospital scope
//	3. Role bundle - the custom role assigned to the user, if any
//	4. Base-role defaults - fixed policy per base role
//
// Base-role defaults are compiled in:
//
//	admin   - everything allowed
//	doctor  - read+write on clinical resources, read-only on reports
//	          and diseases, nothing administrative
//	staff   - read-only on clinical resources
//	other   - everything denied
//
// # Overrides
//
// Per-user overrides are append-only rows: a revoke inserts a row with
// granted=false rather than deleting the grant, so the full history of
// who granted what, when and why stays queryable. Within a layer the
// newest row for a key wins. Overrides may carry an expiry; an expired
// row is inert at resolution time and is eventually removed by the
// Janitor once past the retention window.
//
// Deactivating a permission definition (is_active=false) makes it stop
// matching at every layer. It falls through rather than denying: checks
// continue down to the base-role default.
//
// # Snapshots and Caching
//
// Resolution works from a per-user Snapshot holding the three mutable
// layers as maps. Snapshots are cached (in-process LRU, or Redis for
// multi-replica deployments) and served until explicitly invalidated;
// every management operation invalidates the snapshots it affects
// before responding. There is no TTL by default.
//
// # Failure Policy
//
// A store failure during resolution denies the check. Fail-open is
// available as an explicit opt-in:
//
//	resolver := permissions.NewResolver(store, cache,
//		permissions.WithErrorPolicy(permissions.OnErrorAllow))
//
// # HTTP Integration
//
// The Gate protects routes behind the auth middleware:
//
//	gate := permissions.NewGate(resolver)
//	router.Handle("/patients",
//		gate.Require(permissions.ResourcePatients, permissions.ActionWrite)(handler),
//	).Methods("POST")
//
// Unauthenticated requests get 401, denied requests 403, resolver
// failures 500, all with the standard JSON error envelope. Handlers
// that only shape a response by access use Gate.CheckPermission, and
// Gate.CheckMultiplePermissions evaluates a list in order, stopping at
// the first denial.
//
// # Management API
//
// Handlers exposes permission definitions, role bundles, per-user
// overrides, role assignment, the override history and check endpoints
// over HTTP. RunMigrations creates the schema, and the Initialize
// functions seed one permission definition per (resource, action) pair
// plus the built-in system role bundles.
package permissions
