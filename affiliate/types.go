/*
Package affiliate provides the attribution, commission and settlement engine.

PURPOSE:
  Tracks which partner drove a storefront visit, credits resulting orders
  to that partner inside an attribution window, computes the commission
  owed, and batches confirmed commission into monthly settlements. The
  onboarding workflow that turns applications into affiliates lives here
  too because it shares the same persistence boundary.

KEY CONCEPTS IN THIS FILE (types.go):
  - Affiliate:   A partner with a referral code and a commission tier
  - Link:        A tracked link owned by an affiliate (code, target, UTM)
  - Click:       Immutable record of a tracked visit
  - Conversion:  An order credited (or not) to an affiliate
  - Settlement:  A payable monthly batch of confirmed commission
  - Application: A request to become an affiliate

DESIGN PRINCIPLES:
  1. Money is decimal.Decimal, never float64
  2. Clicks are immutable, conversions only change status
  3. One order id maps to at most one conversion
  4. Nothing is hard-deleted: affiliates are suspended, applications rejected

SEE ALSO:
  - store.go: Persistence interface
  - events.go: Click and conversion recording
  - settlement.go: Settlement engine
*/
package affiliate

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// TIERS
// =============================================================================

// Tier is a commission rate class.
type Tier string

const (
	TierBronze   Tier = "bronze"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierPlatinum Tier = "platinum"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	_, ok := tierRates[t]
	return ok
}

// =============================================================================
// AFFILIATE
// =============================================================================

type AffiliateStatus string

const (
	AffiliatePending   AffiliateStatus = "pending"
	AffiliateActive    AffiliateStatus = "active"
	AffiliateSuspended AffiliateStatus = "suspended"
)

// Affiliate is a partner who earns commission on referred orders.
// Created by the application workflow on approval, never hard-deleted.
type Affiliate struct {
	ID            string
	Email         string
	DisplayName   string
	Website       string
	ReferralCode  string
	Tier          Tier
	Status        AffiliateStatus
	Currency      string
	PasswordHash  string
	ApplicationID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CanEarn reports whether new conversions may be credited to the affiliate.
func (a *Affiliate) CanEarn() bool {
	return a != nil && a.Status == AffiliateActive
}

// =============================================================================
// LINKS
// =============================================================================

// UTM is the campaign parameter set carried by a tracked link.
type UTM struct {
	Source   string
	Medium   string
	Campaign string
}

// IsZero reports whether no UTM parameter is set.
func (u UTM) IsZero() bool {
	return u.Source == "" && u.Medium == "" && u.Campaign == ""
}

// Link is a tracked link. Counters only ever go up.
type Link struct {
	ID          string
	AffiliateID string
	Code        string
	Name        string
	TargetURL   string
	UTM         UTM
	Clicks      int64
	Conversions int64
	CreatedAt   time.Time
}

// =============================================================================
// EVENTS
// =============================================================================

// ClickMetadata is request context captured with a click.
type ClickMetadata struct {
	Referrer   string
	UserAgent  string
	IP         string
	LandingURL string
}

// Click is an immutable tracked visit. AffiliateID is empty for clicks
// carrying a code that resolves to no affiliate.
type Click struct {
	ID          string
	AffiliateID string
	LinkID      string
	Code        string
	UTM         UTM
	Metadata    ClickMetadata
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Anonymous reports whether the click could not be tied to an affiliate.
func (c Click) Anonymous() bool { return c.AffiliateID == "" }

// Covers reports whether the click's attribution window includes t.
func (c Click) Covers(t time.Time) bool {
	return !t.Before(c.CreatedAt) && t.Before(c.ExpiresAt)
}

type ConversionStatus string

const (
	ConversionPending   ConversionStatus = "pending"
	ConversionConfirmed ConversionStatus = "confirmed"
	ConversionVoided    ConversionStatus = "voided"
)

// LineItem is one product line of the converted order.
type LineItem struct {
	ProductID string
	Title     string
	Quantity  int64
	UnitPrice decimal.Decimal
}

// Total is quantity times unit price.
func (li LineItem) Total() decimal.Decimal {
	return li.UnitPrice.Mul(decimal.NewFromInt(li.Quantity))
}

// Conversion is an order recorded against the event store. OrderID is
// unique across the store. Tier and Rate are the values used to compute
// Commission so the figure can be reproduced later.
type Conversion struct {
	ID          string
	AffiliateID string
	OrderID     string
	OrderValue  decimal.Decimal
	Commission  decimal.Decimal
	Tier        Tier
	Rate        decimal.Decimal
	Currency    string
	Status      ConversionStatus
	ClickID     string
	Items       []LineItem
	VoidReason  string
	OccurredAt  time.Time
	ConfirmedAt *time.Time
	VoidedAt    *time.Time
	CreatedAt   time.Time
}

// Attributed reports whether the conversion earns commission for an affiliate.
func (c Conversion) Attributed() bool { return c.AffiliateID != "" }

// =============================================================================
// SETTLEMENT
// =============================================================================

type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
	SettlementVoided  SettlementStatus = "voided"
)

// Settlement is a monthly payable batch for one affiliate. At most one
// non-voided settlement exists per (AffiliateID, PeriodID).
type Settlement struct {
	ID               string
	AffiliateID      string
	PeriodID         string
	Amount           decimal.Decimal
	Currency         string
	Status           SettlementStatus
	ConversionIDs    []string
	PaymentMethod    string
	PaymentReference string
	VoidReason       string
	SettledAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// =============================================================================
// APPLICATION
// =============================================================================

type ApplicationStatus string

const (
	ApplicationPending  ApplicationStatus = "pending"
	ApplicationApproved ApplicationStatus = "approved"
	ApplicationRejected ApplicationStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s ApplicationStatus) Terminal() bool {
	return s == ApplicationApproved || s == ApplicationRejected
}

// Application is a request to join the program.
type Application struct {
	ID              string
	Email           string
	DisplayName     string
	Website         string
	PasswordHash    string
	Status          ApplicationStatus
	ReviewerID      string
	ReviewedAt      *time.Time
	RejectionReason string
	AffiliateID     string
	CreatedAt       time.Time
}
