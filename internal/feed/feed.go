// Package feed drains the CrowdSec Local API's decision stream into
// batches of ledger.Decision, grounded on internal/bouncer/bouncer.go and
// internal/bouncer/decisions.go's streaming-bouncer lifecycle: a
// csbouncer.StreamBouncer polls the LAPI on a ticker and delivers
// added/deleted batches on a channel, which the control loop drains into
// the ledger.
package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/ledger"
	"github.com/crowdsecurity/crowdsec/pkg/models"
	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"go.uber.org/zap"
)

// Update is one decoded poll of the decision stream, ready for
// ledger.ApplyAdditions/ApplyDeletions.
type Update struct {
	Added   []ledger.Decision
	Deleted []ledger.Decision
}

// Feed wraps a csbouncer.StreamBouncer, translating its raw stream of
// *models.DecisionsStreamResponse values into Updates of plain
// ledger.Decision.
type Feed struct {
	bouncer *csbouncer.StreamBouncer
	logger  *zap.Logger

	updates chan Update

	wg sync.WaitGroup
}

// Config holds Feed construction parameters.
type Config struct {
	APIKey         string
	APIUrl         string
	TickerInterval string
	UserAgent      string
}

// New builds and initializes a Feed against the configured LAPI.
func New(cfg Config, logger *zap.Logger) (*Feed, error) {
	insecureSkipVerify := false

	bouncer := &csbouncer.StreamBouncer{
		APIKey:              cfg.APIKey,
		APIUrl:              cfg.APIUrl,
		InsecureSkipVerify:  &insecureSkipVerify,
		TickerInterval:      cfg.TickerInterval,
		UserAgent:           cfg.UserAgent,
		RetryInitialConnect: true,
	}

	if err := bouncer.Init(); err != nil {
		return nil, fmt.Errorf("feed: initializing stream bouncer: %w", err)
	}

	return &Feed{
		bouncer: bouncer,
		logger:  logger,
		updates: make(chan Update),
	}, nil
}

// Updates returns the channel of decoded decision batches.
func (f *Feed) Updates() <-chan Update {
	return f.updates
}

// APIClient exposes the underlying LAPI client, for the metrics provider.
func (f *Feed) APIClient() *csbouncer.StreamBouncer {
	return f.bouncer
}

// Run starts the underlying stream bouncer and a translation goroutine that
// forwards its raw *models.DecisionsStreamResponse values as Updates. It
// returns as soon as both goroutines are started; they stop when ctx is
// canceled.
func (f *Feed) Run(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.bouncer.Run(ctx)
	}()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer close(f.updates)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-f.bouncer.Stream:
				if !ok {
					return
				}
				if raw == nil {
					continue
				}
				select {
				case f.updates <- translate(raw):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
}

// Wait blocks until Run's goroutines have returned.
func (f *Feed) Wait() {
	f.wg.Wait()
}

func translate(raw *models.DecisionsStreamResponse) Update {
	update := Update{
		Added:   make([]ledger.Decision, 0, len(raw.New)),
		Deleted: make([]ledger.Decision, 0, len(raw.Deleted)),
	}

	for _, d := range raw.New {
		if dec, ok := translateOne(d); ok {
			update.Added = append(update.Added, dec)
		}
	}
	for _, d := range raw.Deleted {
		if dec, ok := translateOne(d); ok {
			update.Deleted = append(update.Deleted, dec)
		}
	}

	return update
}

// translateOne mirrors internal/bouncer/store.go's isInvalid guard: a
// decision missing Scope, Value, or Type cannot be acted on.
func translateOne(d *models.Decision) (ledger.Decision, bool) {
	if d == nil || d.Scope == nil || d.Value == nil || d.Type == nil {
		return ledger.Decision{}, false
	}

	dec := ledger.Decision{
		Value: *d.Value,
		Scope: *d.Scope,
		Type:  *d.Type,
		ID:    d.ID,
	}
	if d.Origin != nil {
		dec.Origin = *d.Origin
	}
	if d.Scenario != nil {
		dec.Scenario = *d.Scenario
	}
	if d.Duration != nil {
		dec.Duration = *d.Duration
	}

	return dec, true
}
