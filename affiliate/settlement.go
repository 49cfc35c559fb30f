/*
settlement.go - Monthly settlement of confirmed commission

PURPOSE:
  Aggregates an affiliate's confirmed, not-yet-settled commission for a
  calendar month into a Settlement: the record of what is owed. Money is
  never moved here; MarkSettled only records that a payout happened.

ALGORITHM (RunSettlement):
  1. Lock the affiliate (one writer per affiliate at a time)
  2. If the period already has a settled Settlement, return it (no-op)
  3. Select confirmed conversions in [period start, period end) that no
     non-voided settlement claims yet
  4. Sum their commission. Zero -> no new record (an empty settlement is
     not a valid entity)
  5. Create a pending Settlement, or fold the new conversions into the
     period's existing pending one (totals only grow)

PAYOUT CYCLE:
  A period closes and becomes payable on the 25th of the following month.
  NextSettlementDate: the 25th of this month if today is before the 25th,
  otherwise the 25th of next month.

INVARIANT:
  For every affiliate, the sum of settlement amounts never exceeds the sum
  of confirmed commission, and no conversion is counted in two settlements
  (the store enforces one claim per conversion).

STATES:
  pending ──MarkSettled──▶ settled (frozen)
     └──VoidSettlement──▶ voided (conversions released)

SEE ALSO:
  - period.go: Period boundaries and dates
  - api/scheduler.go: Periodic runs
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

// SettlementEngine builds and transitions settlements.
type SettlementEngine struct {
	Store Store
	Retry RetryPolicy
	Now   func() time.Time

	locks *KeyedMutex
}

// NewSettlementEngine creates an engine with the default retry policy.
func NewSettlementEngine(store Store, locks *KeyedMutex) *SettlementEngine {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &SettlementEngine{Store: store, Retry: DefaultRetryPolicy, Now: time.Now, locks: locks}
}

// RunSettlement settles the affiliate's confirmed commission for periodID.
// It returns nil (and no error) when there is nothing to settle.
func (e *SettlementEngine) RunSettlement(ctx context.Context, affiliateID, periodID, actorID string) (*Settlement, error) {
	period, err := ParsePeriod(periodID)
	if err != nil {
		return nil, err
	}
	now := e.Now().UTC()
	if period.Start.After(now) {
		return nil, invalid("period_id", "%s has not started yet", period.ID())
	}

	aff, err := e.Store.GetAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, storageErr("get affiliate", err)
	}
	if aff == nil {
		return nil, notFound("affiliate", affiliateID)
	}

	unlock := e.locks.Lock("affiliate:" + aff.ID)
	defer unlock()

	var result *Settlement
	err = e.Retry.Do(ctx, "run settlement", func() error {
		var err error
		result, err = e.settle(ctx, aff, period, actorID, now)
		return err
	})
	if errors.Is(err, ErrDuplicateKey) {
		// Lost a race with another process; its settlement stands.
		active, gerr := e.Store.ActiveSettlement(ctx, aff.ID, period.ID())
		if gerr != nil {
			return nil, storageErr("get active settlement", gerr)
		}
		return active, nil
	}
	return result, err
}

func (e *SettlementEngine) settle(ctx context.Context, aff *Affiliate, period Period, actorID string, now time.Time) (*Settlement, error) {
	var result *Settlement
	err := e.Store.WithTx(ctx, func(tx Store) error {
		active, err := tx.ActiveSettlement(ctx, aff.ID, period.ID())
		if err != nil {
			return err
		}
		result = active
		if active != nil && active.Status == SettlementSettled {
			return nil
		}

		convs, err := tx.ListConversions(ctx, ConversionFilter{
			AffiliateID: aff.ID,
			Statuses:    []ConversionStatus{ConversionConfirmed},
			From:        period.Start,
			To:          period.End,
			Unsettled:   true,
		})
		if err != nil {
			return err
		}
		sum := decimal.Zero
		ids := make([]string, 0, len(convs))
		for _, c := range convs {
			sum = sum.Add(c.Commission)
			ids = append(ids, c.ID)
		}
		if len(ids) == 0 || !sum.IsPositive() {
			return nil
		}

		action := AuditSettlementUpdated
		if active == nil {
			s := Settlement{
				ID:            newID("stl"),
				AffiliateID:   aff.ID,
				PeriodID:      period.ID(),
				Amount:        sum,
				Currency:      aff.Currency,
				Status:        SettlementPending,
				ConversionIDs: ids,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if s.Currency == "" {
				s.Currency = DefaultCurrency
			}
			if err := tx.CreateSettlement(ctx, s); err != nil {
				return err
			}
			result = &s
			action = AuditSettlementCreated
		} else {
			s := *active
			s.Amount = s.Amount.Add(sum)
			s.ConversionIDs = append(append([]string{}, s.ConversionIDs...), ids...)
			s.UpdatedAt = now
			if err := tx.UpdateSettlement(ctx, s); err != nil {
				return err
			}
			result = &s
		}

		return tx.AppendAudit(ctx, AuditEntry{
			ID:         newID("audit"),
			At:         now,
			ActorID:    actorID,
			Action:     action,
			EntityKind: "settlement",
			EntityID:   result.ID,
			Metadata: map[string]string{
				"affiliate_id": aff.ID,
				"period_id":    period.ID(),
				"added":        sum.StringFixed(2),
				"amount":       result.Amount.StringFixed(2),
			},
		})
	})
	if err != nil {
		return nil, storageErr("settle", err)
	}
	if result != nil && result.Status == SettlementPending {
		zap.L().Info("settlement computed",
			zap.String("settlement_id", result.ID),
			zap.String("affiliate_id", aff.ID),
			zap.String("period_id", period.ID()),
			zap.String("amount", result.Amount.StringFixed(2)))
	}
	return result, nil
}

// GetSettlement returns the settlement or a NotFoundError.
func (e *SettlementEngine) GetSettlement(ctx context.Context, id string) (*Settlement, error) {
	s, err := e.Store.GetSettlement(ctx, id)
	if err != nil {
		return nil, storageErr("get settlement", err)
	}
	if s == nil {
		return nil, notFound("settlement", id)
	}
	return s, nil
}

// ListSettlements returns settlements matching f.
func (e *SettlementEngine) ListSettlements(ctx context.Context, f SettlementFilter) ([]Settlement, error) {
	list, err := e.Store.ListSettlements(ctx, f)
	if err != nil {
		return nil, storageErr("list settlements", err)
	}
	return list, nil
}

// MarkSettled records that a pending settlement was paid out.
func (e *SettlementEngine) MarkSettled(ctx context.Context, id, method, reference, actorID string) (*Settlement, error) {
	method = strings.TrimSpace(method)
	if method == "" {
		return nil, invalid("payment_method", "is required")
	}
	return e.transition(ctx, id, "settle", actorID, "", func(s *Settlement, now time.Time) AuditAction {
		s.Status = SettlementSettled
		s.PaymentMethod = method
		s.PaymentReference = strings.TrimSpace(reference)
		s.SettledAt = &now
		return AuditSettlementSettled
	})
}

// VoidSettlement cancels a pending settlement, releasing its conversions.
func (e *SettlementEngine) VoidSettlement(ctx context.Context, id, reason, actorID string) (*Settlement, error) {
	reason = strings.TrimSpace(reason)
	return e.transition(ctx, id, "void", actorID, reason, func(s *Settlement, _ time.Time) AuditAction {
		s.Status = SettlementVoided
		s.VoidReason = reason
		return AuditSettlementVoided
	})
}

// transition applies mutate to a pending settlement under the affiliate lock.
func (e *SettlementEngine) transition(ctx context.Context, id, action, actorID, reason string, mutate func(*Settlement, time.Time) AuditAction) (*Settlement, error) {
	s, err := e.GetSettlement(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := e.locks.Lock("affiliate:" + s.AffiliateID)
	defer unlock()

	var out Settlement
	now := e.Now().UTC()
	err = e.Retry.Do(ctx, action+" settlement", func() error {
		return storageErr(action+" settlement", e.Store.WithTx(ctx, func(tx Store) error {
			cur, err := tx.GetSettlement(ctx, id)
			if err != nil {
				return err
			}
			if cur == nil {
				return notFound("settlement", id)
			}
			if cur.Status != SettlementPending {
				return &InvalidStateError{Kind: "settlement", ID: id, Status: string(cur.Status), Action: action}
			}
			out = *cur
			audit := mutate(&out, now)
			out.UpdatedAt = now
			if err := tx.UpdateSettlement(ctx, out); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, AuditEntry{
				ID:         newID("audit"),
				At:         now,
				ActorID:    actorID,
				Action:     audit,
				EntityKind: "settlement",
				EntityID:   id,
				Reason:     reason,
				Metadata:   map[string]string{"amount": out.Amount.StringFixed(2), "period_id": out.PeriodID},
			})
		}))
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// =============================================================================
// SUMMARY - What an affiliate dashboard shows
// =============================================================================

// SettlementSummary is the affiliate-facing settlement overview.
type SettlementSummary struct {
	AffiliateID        string
	Currency           string
	TotalEarned        decimal.Decimal // confirmed commission, all time
	TotalSettled       decimal.Decimal // amounts of settled settlements
	PendingSettlement  decimal.Decimal // earned but not yet settled
	NextSettlementDate time.Time
}

// Summary returns the overview for affiliateID. An affiliate with no data,
// or an unknown id, gets a zero-valued summary rather than an error.
func (e *SettlementEngine) Summary(ctx context.Context, affiliateID string) (*SettlementSummary, error) {
	now := e.Now().UTC()
	sum := &SettlementSummary{
		AffiliateID:        affiliateID,
		Currency:           DefaultCurrency,
		TotalEarned:        decimal.Zero,
		TotalSettled:       decimal.Zero,
		PendingSettlement:  decimal.Zero,
		NextSettlementDate: NextSettlementDate(now),
	}
	if affiliateID == "" {
		return sum, nil
	}
	aff, err := e.Store.GetAffiliate(ctx, affiliateID)
	if err != nil {
		return nil, storageErr("get affiliate", err)
	}
	if aff == nil {
		return sum, nil
	}
	if aff.Currency != "" {
		sum.Currency = aff.Currency
	}

	convs, err := e.Store.ListConversions(ctx, ConversionFilter{
		AffiliateID: affiliateID,
		Statuses:    []ConversionStatus{ConversionConfirmed},
	})
	if err != nil {
		return nil, storageErr("list conversions", err)
	}
	for _, c := range convs {
		sum.TotalEarned = sum.TotalEarned.Add(c.Commission)
	}

	settled, err := e.Store.ListSettlements(ctx, SettlementFilter{AffiliateID: affiliateID, Status: SettlementSettled})
	if err != nil {
		return nil, storageErr("list settlements", err)
	}
	for _, s := range settled {
		sum.TotalSettled = sum.TotalSettled.Add(s.Amount)
	}

	if pending := sum.TotalEarned.Sub(sum.TotalSettled); pending.IsPositive() {
		sum.PendingSettlement = pending
	}
	return sum, nil
}
