// Package metrics exposes prometheus counters for the projection engine and
// wraps go-cs-bouncer's MetricsProvider to push usage metrics back to the
// CrowdSec Local API, grounded on internal/bouncer/metrics.go.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/apiclient"
	"github.com/crowdsecurity/crowdsec/pkg/models"
	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/crowdsecurity/go-cs-lib/ptr"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector is the set of counters the control loop updates every tick.
type Collector struct {
	DecisionsApplied  prometheus.Counter
	DecisionsDiscarded *prometheus.CounterVec
	BackendApplies    *prometheus.CounterVec
	BackendErrors     *prometheus.CounterVec
	TickDuration      prometheus.Histogram
}

// New registers and returns the engine's prometheus collectors.
func New() *Collector {
	return &Collector{
		DecisionsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edge_ban_sync_decisions_applied_total",
			Help: "The total number of ledger decisions fanned out to the backends, summed over every tick that fanned out.",
		}),
		DecisionsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_ban_sync_decisions_discarded_total",
			Help: "The total number of decisions discarded while building a blocklist, by reason.",
		}, []string{"reason"}),
		BackendApplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_ban_sync_backend_applies_total",
			Help: "The total number of successful (possibly no-op) applies per backend.",
		}, []string{"backend"}),
		BackendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edge_ban_sync_backend_errors_total",
			Help: "The total number of failed applies per backend.",
		}, []string{"backend"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "edge_ban_sync_tick_duration_seconds",
			Help: "Wall-clock duration of a control loop tick (fan-out to all backends).",
		}),
	}
}

// MustRegister registers every collector with reg.
func (c *Collector) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		c.DecisionsApplied,
		c.DecisionsDiscarded,
		c.BackendApplies,
		c.BackendErrors,
		c.TickDuration,
	)
}

// go-cs-bouncer re-exports of its own internal LAPI call counters, the same
// way internal/bouncer/metrics.go aliases them for readability at the call
// site.
var (
	TotalLAPICalls  = csbouncer.TotalLAPICalls
	TotalLAPIErrors = csbouncer.TotalLAPIError
)

// Provider pushes a RemediationComponentsMetrics snapshot to the LAPI on an
// interval, identifying this process by name, version, and startup time.
type Provider struct {
	provider   *csbouncer.MetricsProvider
	name       string
	version    string
	startedAt  time.Time
}

// NewProvider builds a Provider bound to client, reporting as name/version.
func NewProvider(client *apiclient.ApiClient, name, version string, interval time.Duration) (*Provider, error) {
	p := &Provider{name: name, version: version, startedAt: time.Now()}

	mp, err := csbouncer.NewMetricsProvider(client, name, p.update, nil)
	if err != nil {
		return nil, fmt.Errorf("metrics: creating provider: %w", err)
	}
	mp.Interval = interval
	p.provider = mp

	return p, nil
}

func (p *Provider) update(m *models.RemediationComponentsMetrics, interval time.Duration) {
	m.Name = p.name
	m.Version = ptr.Of(p.version)
	m.Type = p.name
	m.UtcStartupTimestamp = ptr.Of(p.startedAt.UTC().Unix())
}

// Run blocks, pushing metrics until ctx is canceled.
func (p *Provider) Run(ctx context.Context) error {
	return p.provider.Run(ctx)
}
