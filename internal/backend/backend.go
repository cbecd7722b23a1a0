// Package backend defines the capability every remote ban-projection
// surface implements: a precheck that validates reachability/credentials
// once at startup, and an idempotent apply that projects the current
// decision set onto the surface.
package backend

import (
	"context"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/ledger"
)

// Backend is one remote surface (a CDN blacklist, an edge WAF rule set, a
// Fastly service's ACLs+VCL) that the control loop keeps converged with the
// current decision set.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Precheck validates the backend is reachable and correctly configured.
	// Called once before the control loop starts ticking.
	Precheck(ctx context.Context) error

	// Apply projects decisions onto the remote surface, idempotently.
	// Returns true on success, including a no-op where the remote state
	// already matches and no mutation is issued. A returned error is treated
	// as transient by the control loop: the backend is retried next tick,
	// and other backends' applies are unaffected.
	Apply(ctx context.Context, decisions []ledger.Decision) (applied bool, err error)
}
