package affiliate

import (
	"context"
	"crypto/rand"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCurrency is the ledger currency when none is configured.
const DefaultCurrency = "TWD"

// Options configures New. Zero values fall back to the defaults.
type Options struct {
	Currency   string
	Window     time.Duration
	Retry      RetryPolicy
	BcryptCost int
	Now        func() time.Time

	// AttributionSecret signs attribution cookies. When empty a random
	// secret is drawn, so cookies do not survive a restart.
	AttributionSecret string
}

// Engine bundles the services over one Store. They share the keyed locks,
// so writers on the same affiliate, order or application serialize no
// matter which service they go through.
type Engine struct {
	Store        Store
	Links        *LinkRegistry
	Events       *EventStore
	Resolver     *Resolver
	Settlements  *SettlementEngine
	Applications *ApplicationWorkflow
	Affiliates   *AffiliateAdmin
	Analytics    *Aggregator
	Attribution  *AttributionCodec
}

// New wires every service over store.
func New(store Store, opts Options) *Engine {
	if opts.Currency == "" {
		opts.Currency = DefaultCurrency
	}
	if opts.Window <= 0 {
		opts.Window = DefaultAttributionWindow
	}
	if opts.Retry.Attempts <= 0 {
		opts.Retry = DefaultRetryPolicy
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AttributionSecret == "" {
		opts.AttributionSecret = rand.Text()
	}
	locks := NewKeyedMutex()
	codec := NewAttributionCodec([]byte(opts.AttributionSecret))

	links := NewLinkRegistry(store)
	links.Retry, links.Now = opts.Retry, opts.Now

	events := NewEventStore(store, locks)
	events.Retry, events.Now = opts.Retry, opts.Now
	events.Window, events.Currency = opts.Window, opts.Currency

	resolver := NewResolver(links, events, codec)
	resolver.Now = opts.Now

	settlements := NewSettlementEngine(store, locks)
	settlements.Retry, settlements.Now = opts.Retry, opts.Now

	apps := NewApplicationWorkflow(store, locks)
	apps.Retry, apps.Now = opts.Retry, opts.Now
	apps.Currency, apps.BcryptCost = opts.Currency, opts.BcryptCost

	admin := NewAffiliateAdmin(store, locks)
	admin.Retry, admin.Now = opts.Retry, opts.Now

	agg := NewAggregator(store)
	agg.Now = opts.Now

	return &Engine{
		Store:        store,
		Links:        links,
		Events:       events,
		Resolver:     resolver,
		Settlements:  settlements,
		Applications: apps,
		Affiliates:   admin,
		Analytics:    agg,
		Attribution:  codec,
	}
}

// Audit returns the audit trail for entityID, or everything when empty.
func (e *Engine) Audit(ctx context.Context, entityID string) ([]AuditEntry, error) {
	entries, err := e.Store.ListAudit(ctx, entityID)
	if err != nil {
		return nil, storageErr("list audit", err)
	}
	return entries, nil
}
