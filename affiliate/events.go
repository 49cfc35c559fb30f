/*
events.go - Event store service: clicks and conversions

PURPOSE:
  Records the two event kinds the rest of the engine is built on:
  Clicks (tracked visits) and Conversions (orders). Enforces the
  attribution window and the one-conversion-per-order rule.

CRITICAL INVARIANTS:
  1. IDEMPOTENT: recording the same order id twice returns the first
     conversion. Concurrent calls are serialized on the order id in
     process, and the store's unique index catches anything else.
  2. DETERMINISTIC: commission is Commission(order value, tier at
     conversion time); tier and rate are stored with the conversion.
  3. IMMUTABLE CLICKS: a click is never modified after append.
  4. NO SILENT DROPS: storage failures are retried with bounded backoff
     and then returned to the caller.

CONVERSION STATE MACHINE:
  pending ──confirm──▶ confirmed
     │                    │
     └──────void──────────┴──▶ voided (terminal)

  Only confirmed conversions are eligible for settlement. Voiding a
  conversion already inside a settled Settlement does not change that
  settlement; inside a pending one it is taken back out.

SEE ALSO:
  - attribution.go: Calls RecordClick
  - settlement.go: Consumes confirmed conversions
*/
package affiliate

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// EventStore records clicks and conversions.
type EventStore struct {
	Store    Store
	Retry    RetryPolicy
	Window   time.Duration
	Currency string
	Now      func() time.Time

	locks *KeyedMutex
}

// NewEventStore creates an event store with default window and retry policy.
func NewEventStore(store Store, locks *KeyedMutex) *EventStore {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &EventStore{
		Store:    store,
		Retry:    DefaultRetryPolicy,
		Window:   DefaultAttributionWindow,
		Currency: DefaultCurrency,
		Now:      time.Now,
		locks:    locks,
	}
}

// =============================================================================
// CLICKS
// =============================================================================

// ClickInput is the caller-supplied part of a click.
type ClickInput struct {
	AffiliateID string
	LinkID      string
	Code        string
	UTM         UTM
	Metadata    ClickMetadata
}

// RecordClick appends a click. An unknown affiliate id is not an error:
// the click is stored as anonymous. A link id that does not belong to the
// affiliate is dropped.
func (e *EventStore) RecordClick(ctx context.Context, in ClickInput) (*Click, error) {
	now := e.Now().UTC()
	click := Click{
		ID:        newID("click"),
		Code:      in.Code,
		UTM:       in.UTM,
		Metadata:  in.Metadata,
		CreatedAt: now,
		ExpiresAt: now.Add(e.Window),
	}

	if in.AffiliateID != "" {
		aff, err := e.Store.GetAffiliate(ctx, in.AffiliateID)
		if err != nil {
			return nil, storageErr("get affiliate", err)
		}
		if aff != nil {
			click.AffiliateID = aff.ID
		}
	}
	if in.LinkID != "" && click.AffiliateID != "" {
		link, err := e.Store.GetLink(ctx, in.LinkID)
		if err != nil {
			return nil, storageErr("get link", err)
		}
		if link != nil && link.AffiliateID == click.AffiliateID {
			click.LinkID = link.ID
		}
	}

	err := e.Retry.Do(ctx, "record click", func() error {
		return storageErr("record click", e.Store.WithTx(ctx, func(tx Store) error {
			if err := tx.AppendClick(ctx, click); err != nil {
				return err
			}
			if click.LinkID != "" {
				return tx.IncrementLinkClicks(ctx, click.LinkID)
			}
			return nil
		}))
	})
	if err != nil {
		return nil, err
	}

	if click.Anonymous() {
		zap.L().Info("anonymous click recorded",
			zap.String("click_id", click.ID),
			zap.String("code", in.Code),
			zap.String("affiliate_id", in.AffiliateID))
	}
	return &click, nil
}

// GetClick returns the click or a NotFoundError.
func (e *EventStore) GetClick(ctx context.Context, id string) (*Click, error) {
	c, err := e.Store.GetClick(ctx, id)
	if err != nil {
		return nil, storageErr("get click", err)
	}
	if c == nil {
		return nil, notFound("click", id)
	}
	return c, nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// ConversionInput is the caller-supplied part of a conversion.
type ConversionInput struct {
	AffiliateID string
	OrderID     string
	OrderValue  decimal.Decimal
	ClickID     string
	Items       []LineItem
	OccurredAt  time.Time
}

// ConversionResult is the outcome of RecordConversion.
type ConversionResult struct {
	Conversion *Conversion

	// AlreadyRecorded is true when the order id was seen before and
	// Conversion is the existing record.
	AlreadyRecorded bool
}

func (in ConversionInput) validate() error {
	if strings.TrimSpace(in.OrderID) == "" {
		return invalid("order_id", "is required")
	}
	if in.OrderValue.IsNegative() {
		return invalid("order_value", "must not be negative, got %s", in.OrderValue)
	}
	for i, item := range in.Items {
		if item.Quantity <= 0 {
			return invalid("items", "line %d: quantity must be positive", i)
		}
		if item.UnitPrice.IsNegative() {
			return invalid("items", "line %d: unit price must not be negative", i)
		}
	}
	return nil
}

// RecordConversion stores a conversion for the order, or returns the
// existing one if the order id was already recorded.
func (e *EventStore) RecordConversion(ctx context.Context, in ConversionInput) (*ConversionResult, error) {
	in.OrderID = strings.TrimSpace(in.OrderID)
	if err := in.validate(); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock("order:" + in.OrderID)
	defer unlock()

	if existing, err := e.Store.GetConversionByOrder(ctx, in.OrderID); err != nil {
		return nil, storageErr("get conversion by order", err)
	} else if existing != nil {
		return &ConversionResult{Conversion: existing, AlreadyRecorded: true}, nil
	}

	now := e.Now().UTC()
	occurred := in.OccurredAt.UTC()
	if in.OccurredAt.IsZero() {
		occurred = now
	}

	conv := Conversion{
		ID:         newID("conv"),
		OrderID:    in.OrderID,
		OrderValue: in.OrderValue,
		Commission: decimal.Zero,
		Rate:       decimal.Zero,
		Currency:   e.Currency,
		Status:     ConversionPending,
		Items:      in.Items,
		OccurredAt: occurred,
		CreatedAt:  now,
	}

	aff, err := e.earningAffiliate(ctx, in.AffiliateID)
	if err != nil {
		return nil, err
	}
	var linkID string
	if aff != nil {
		amount, tier, err := commission(in.OrderValue, aff.Tier)
		if err != nil {
			return nil, err
		}
		rate, _ := Rate(tier)
		conv.AffiliateID = aff.ID
		conv.Tier = tier
		conv.Rate = rate
		conv.Commission = amount
		if aff.Currency != "" {
			conv.Currency = aff.Currency
		}

		click, err := e.attributingClick(ctx, aff.ID, in.ClickID, occurred)
		if err != nil {
			return nil, err
		}
		if click != nil {
			conv.ClickID = click.ID
			linkID = click.LinkID
		}
	}

	err = e.Retry.Do(ctx, "record conversion", func() error {
		return storageErr("record conversion", e.Store.WithTx(ctx, func(tx Store) error {
			if err := tx.AppendConversion(ctx, conv); err != nil {
				return err
			}
			if linkID != "" {
				return tx.IncrementLinkConversions(ctx, linkID)
			}
			return nil
		}))
	})
	if errors.Is(err, ErrDuplicateOrder) {
		// Another process won the race between our read and write.
		existing, gerr := e.Store.GetConversionByOrder(ctx, in.OrderID)
		if gerr != nil {
			return nil, storageErr("get conversion by order", gerr)
		}
		if existing == nil {
			return nil, &DuplicateOrderError{OrderID: in.OrderID}
		}
		return &ConversionResult{Conversion: existing, AlreadyRecorded: true}, nil
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("conversion recorded",
		zap.String("conversion_id", conv.ID),
		zap.String("order_id", conv.OrderID),
		zap.String("affiliate_id", conv.AffiliateID),
		zap.String("click_id", conv.ClickID),
		zap.String("commission", conv.Commission.StringFixed(2)))
	return &ConversionResult{Conversion: &conv}, nil
}

// earningAffiliate returns the affiliate that may be credited, or nil when
// the id is empty, unknown or not active.
func (e *EventStore) earningAffiliate(ctx context.Context, id string) (*Affiliate, error) {
	if id == "" {
		return nil, nil
	}
	aff, err := e.Store.GetAffiliate(ctx, id)
	if err != nil {
		return nil, storageErr("get affiliate", err)
	}
	if !aff.CanEarn() {
		zap.L().Info("conversion left unattributed", zap.String("affiliate_id", id))
		return nil, nil
	}
	return aff, nil
}

// attributingClick picks the click credited for a conversion at t: the
// given click if it belongs to the affiliate and its window covers t,
// otherwise the affiliate's latest click whose window covers t.
func (e *EventStore) attributingClick(ctx context.Context, affiliateID, clickID string, t time.Time) (*Click, error) {
	if clickID != "" {
		c, err := e.Store.GetClick(ctx, clickID)
		if err != nil {
			return nil, storageErr("get click", err)
		}
		if c != nil && c.AffiliateID == affiliateID && c.Covers(t) {
			return c, nil
		}
	}
	c, err := e.Store.LatestClick(ctx, affiliateID, t)
	if err != nil {
		return nil, storageErr("latest click", err)
	}
	if c != nil && c.Covers(t) {
		return c, nil
	}
	return nil, nil
}

// GetConversion returns the conversion or a NotFoundError.
func (e *EventStore) GetConversion(ctx context.Context, id string) (*Conversion, error) {
	c, err := e.Store.GetConversion(ctx, id)
	if err != nil {
		return nil, storageErr("get conversion", err)
	}
	if c == nil {
		return nil, notFound("conversion", id)
	}
	return c, nil
}

// ListConversions returns conversions matching f.
func (e *EventStore) ListConversions(ctx context.Context, f ConversionFilter) ([]Conversion, error) {
	convs, err := e.Store.ListConversions(ctx, f)
	if err != nil {
		return nil, storageErr("list conversions", err)
	}
	return convs, nil
}

// ConfirmConversion moves a pending conversion to confirmed. Confirming an
// already confirmed conversion returns it unchanged.
func (e *EventStore) ConfirmConversion(ctx context.Context, id, actorID string) (*Conversion, error) {
	conv, err := e.GetConversion(ctx, id)
	if err != nil {
		return nil, err
	}
	switch conv.Status {
	case ConversionConfirmed:
		return conv, nil
	case ConversionVoided:
		return nil, &InvalidStateError{Kind: "conversion", ID: id, Status: string(conv.Status), Action: "confirm"}
	}

	now := e.Now().UTC()
	err = e.Retry.Do(ctx, "confirm conversion", func() error {
		return storageErr("confirm conversion", e.Store.WithTx(ctx, func(tx Store) error {
			if err := tx.UpdateConversionStatus(ctx, id, ConversionPending, ConversionConfirmed, now, ""); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, AuditEntry{
				ID:         newID("audit"),
				At:         now,
				ActorID:    actorID,
				Action:     AuditConversionConfirmed,
				EntityKind: "conversion",
				EntityID:   id,
				Metadata:   map[string]string{"order_id": conv.OrderID},
			})
		}))
	})
	if errors.Is(err, ErrConcurrentModification) {
		return e.reportRace(ctx, id, "confirm")
	}
	if err != nil {
		return nil, err
	}
	return e.GetConversion(ctx, id)
}

// VoidConversion moves a pending or confirmed conversion to voided.
// A pending settlement holding it gives it back; a settled one is left as is.
func (e *EventStore) VoidConversion(ctx context.Context, id, reason, actorID string) (*Conversion, error) {
	conv, err := e.GetConversion(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == ConversionVoided {
		return nil, &InvalidStateError{Kind: "conversion", ID: id, Status: string(conv.Status), Action: "void"}
	}
	if conv.AffiliateID != "" {
		unlock := e.locks.Lock("affiliate:" + conv.AffiliateID)
		defer unlock()
	}

	now := e.Now().UTC()
	reason = strings.TrimSpace(reason)
	err = e.Retry.Do(ctx, "void conversion", func() error {
		return storageErr("void conversion", e.Store.WithTx(ctx, func(tx Store) error {
			if err := tx.UpdateConversionStatus(ctx, id, conv.Status, ConversionVoided, now, reason); err != nil {
				return err
			}
			if err := releaseFromPendingSettlement(ctx, tx, *conv, actorID, now); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, AuditEntry{
				ID:         newID("audit"),
				At:         now,
				ActorID:    actorID,
				Action:     AuditConversionVoided,
				EntityKind: "conversion",
				EntityID:   id,
				Reason:     reason,
				Metadata:   map[string]string{"order_id": conv.OrderID, "previous_status": string(conv.Status)},
			})
		}))
	})
	if errors.Is(err, ErrConcurrentModification) {
		return e.reportRace(ctx, id, "void")
	}
	if err != nil {
		return nil, err
	}
	return e.GetConversion(ctx, id)
}

// releaseFromPendingSettlement takes conv out of the pending settlement
// claiming it. A settlement left with nothing is voided.
func releaseFromPendingSettlement(ctx context.Context, tx Store, conv Conversion, actorID string, now time.Time) error {
	s, err := tx.SettlementForConversion(ctx, conv.ID)
	if err != nil || s == nil || s.Status != SettlementPending {
		return err
	}
	kept := s.ConversionIDs[:0:0]
	for _, cid := range s.ConversionIDs {
		if cid != conv.ID {
			kept = append(kept, cid)
		}
	}
	s.ConversionIDs = kept
	s.Amount = s.Amount.Sub(conv.Commission)
	s.UpdatedAt = now
	action := AuditSettlementUpdated
	if len(kept) == 0 || !s.Amount.IsPositive() {
		s.Status = SettlementVoided
		s.VoidReason = "all conversions voided"
		action = AuditSettlementVoided
	}
	if err := tx.UpdateSettlement(ctx, *s); err != nil {
		return err
	}
	return tx.AppendAudit(ctx, AuditEntry{
		ID:         newID("audit"),
		At:         now,
		ActorID:    actorID,
		Action:     action,
		EntityKind: "settlement",
		EntityID:   s.ID,
		Reason:     "conversion voided",
		Metadata:   map[string]string{"conversion_id": conv.ID, "amount": s.Amount.StringFixed(2)},
	})
}

// reportRace reloads a conversion whose compare-and-swap lost and reports
// the status it actually has.
func (e *EventStore) reportRace(ctx context.Context, id, action string) (*Conversion, error) {
	conv, err := e.GetConversion(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &InvalidStateError{Kind: "conversion", ID: id, Status: string(conv.Status), Action: action}
}
