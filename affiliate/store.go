/*
store.go - Persistence interface for the affiliate engine

PURPOSE:
  Defines the boundary between the domain services and the database.
  Every component receives a Store by injection; the in-memory variant
  is for tests and development only.

CONVENTIONS:
  - Getters return (nil, nil) when the row does not exist. The domain
    layer turns that into a NotFoundError with the right entity kind.
  - Clicks and audit entries are append-only. Conversions only change
    status, and only through compare-and-swap.
  - Link counters are incremented in the store, never written directly.

UNIQUENESS (enforced by the store, not by callers):
  - conversions.order_id                  -> ErrDuplicateOrder
  - affiliates.referral_code, links.code  -> ErrDuplicateKey
  - one non-voided settlement per (affiliate, period) -> ErrDuplicateKey
  - a conversion belongs to at most one non-voided settlement -> ErrDuplicateKey

ATOMIC UPDATES:
  WithTx runs fn against a transactional view. If fn returns an error
  nothing it wrote is kept. Approving an application (status change +
  new affiliate + audit entry) and voiding a conversion that sits in a
  pending settlement both go through WithTx.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - affiliate/store/memory.go: In-memory for testing

SEE ALSO:
  - errors.go: Sentinels returned by stores
*/
package affiliate

import (
	"context"
	"time"
)

// Store is the full persistence surface used by the engine.
type Store interface {
	AffiliateStore
	LinkStore
	ClickStore
	ConversionStore
	SettlementStore
	ApplicationStore
	AuditLog

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// =============================================================================
// AFFILIATES & LINKS
// =============================================================================

type AffiliateStore interface {
	CreateAffiliate(ctx context.Context, a Affiliate) error
	UpdateAffiliate(ctx context.Context, a Affiliate) error
	GetAffiliate(ctx context.Context, id string) (*Affiliate, error)
	GetAffiliateByCode(ctx context.Context, code string) (*Affiliate, error)
	GetAffiliateByEmail(ctx context.Context, email string) (*Affiliate, error)
	ListAffiliates(ctx context.Context) ([]Affiliate, error)
}

type LinkStore interface {
	CreateLink(ctx context.Context, l Link) error
	GetLink(ctx context.Context, id string) (*Link, error)
	GetLinkByCode(ctx context.Context, code string) (*Link, error)
	ListLinks(ctx context.Context, affiliateID string) ([]Link, error)
	IncrementLinkClicks(ctx context.Context, id string) error
	IncrementLinkConversions(ctx context.Context, id string) error
}

// =============================================================================
// EVENTS
// =============================================================================

type ClickStore interface {
	AppendClick(ctx context.Context, c Click) error
	GetClick(ctx context.Context, id string) (*Click, error)

	// LatestClick returns the affiliate's most recent click created at or
	// before at, or nil.
	LatestClick(ctx context.Context, affiliateID string, at time.Time) (*Click, error)

	// ListClicks returns clicks created in [from, to), oldest first.
	ListClicks(ctx context.Context, from, to time.Time) ([]Click, error)
}

// ConversionFilter narrows ListConversions. Zero values mean "any".
type ConversionFilter struct {
	AffiliateID string
	Statuses    []ConversionStatus
	From        time.Time // OccurredAt >= From
	To          time.Time // OccurredAt < To

	// Unsettled keeps only conversions not referenced by a non-voided settlement.
	Unsettled bool
}

type ConversionStore interface {
	// AppendConversion returns ErrDuplicateOrder if the order id exists.
	AppendConversion(ctx context.Context, c Conversion) error
	GetConversion(ctx context.Context, id string) (*Conversion, error)
	GetConversionByOrder(ctx context.Context, orderID string) (*Conversion, error)

	// UpdateConversionStatus moves a conversion from one status to another.
	// Returns ErrConcurrentModification if the stored status is not from.
	UpdateConversionStatus(ctx context.Context, id string, from, to ConversionStatus, at time.Time, reason string) error

	// ListConversions returns matches ordered by OccurredAt ascending.
	ListConversions(ctx context.Context, f ConversionFilter) ([]Conversion, error)
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

// SettlementFilter narrows ListSettlements. Zero values mean "any".
type SettlementFilter struct {
	AffiliateID string
	PeriodID    string
	Status      SettlementStatus
}

type SettlementStore interface {
	// CreateSettlement stores s and claims s.ConversionIDs for it.
	CreateSettlement(ctx context.Context, s Settlement) error

	// UpdateSettlement replaces s. s.ConversionIDs is authoritative: claims
	// are rebuilt from it, and a voided settlement holds no claims.
	UpdateSettlement(ctx context.Context, s Settlement) error

	GetSettlement(ctx context.Context, id string) (*Settlement, error)

	// ActiveSettlement returns the non-voided settlement for the period, or nil.
	ActiveSettlement(ctx context.Context, affiliateID, periodID string) (*Settlement, error)

	// SettlementForConversion returns the non-voided settlement claiming the
	// conversion, or nil.
	SettlementForConversion(ctx context.Context, conversionID string) (*Settlement, error)

	// ListSettlements returns matches, newest period first.
	ListSettlements(ctx context.Context, f SettlementFilter) ([]Settlement, error)
}

// =============================================================================
// APPLICATIONS
// =============================================================================

type ApplicationStore interface {
	CreateApplication(ctx context.Context, a Application) error
	GetApplication(ctx context.Context, id string) (*Application, error)

	// UpdateApplication writes a. Returns ErrConcurrentModification if the
	// stored status is not expected.
	UpdateApplication(ctx context.Context, a Application, expected ApplicationStatus) error

	// ListApplications returns applications oldest first; empty status means all.
	ListApplications(ctx context.Context, status ApplicationStatus) ([]Application, error)

	// PendingApplicationByEmail returns the pending application for email, or nil.
	PendingApplicationByEmail(ctx context.Context, email string) (*Application, error)
}

// =============================================================================
// AUDIT LOG - Separate from the event store, tracks who did what when
// =============================================================================

type AuditAction string

const (
	AuditApplicationApproved AuditAction = "application_approved"
	AuditApplicationRejected AuditAction = "application_rejected"
	AuditAffiliateStatus     AuditAction = "affiliate_status_changed"
	AuditAffiliateTier       AuditAction = "affiliate_tier_changed"
	AuditConversionConfirmed AuditAction = "conversion_confirmed"
	AuditConversionVoided    AuditAction = "conversion_voided"
	AuditSettlementCreated   AuditAction = "settlement_created"
	AuditSettlementUpdated   AuditAction = "settlement_updated"
	AuditSettlementSettled   AuditAction = "settlement_settled"
	AuditSettlementVoided    AuditAction = "settlement_voided"
)

// AuditEntry records who did what when.
type AuditEntry struct {
	ID         string
	At         time.Time
	ActorID    string
	Action     AuditAction
	EntityKind string
	EntityID   string
	Reason     string
	Metadata   map[string]string
}

// AuditLog stores audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error

	// ListAudit returns entries for the entity, oldest first; empty id means all.
	ListAudit(ctx context.Context, entityID string) ([]AuditEntry, error)
}
