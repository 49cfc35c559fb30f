package affiliate

import (
	"context"
	"strings"
	"time"
)

// AffiliateAdmin handles admin changes to existing affiliates. Nothing is
// ever deleted: an affiliate leaves the program by being suspended.
type AffiliateAdmin struct {
	Store Store
	Retry RetryPolicy
	Now   func() time.Time

	locks *KeyedMutex
}

// NewAffiliateAdmin creates the service with the default retry policy.
func NewAffiliateAdmin(store Store, locks *KeyedMutex) *AffiliateAdmin {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &AffiliateAdmin{Store: store, Retry: DefaultRetryPolicy, Now: time.Now, locks: locks}
}

// Get returns the affiliate or a NotFoundError.
func (a *AffiliateAdmin) Get(ctx context.Context, id string) (*Affiliate, error) {
	aff, err := a.Store.GetAffiliate(ctx, id)
	if err != nil {
		return nil, storageErr("get affiliate", err)
	}
	if aff == nil {
		return nil, notFound("affiliate", id)
	}
	return aff, nil
}

// List returns every affiliate.
func (a *AffiliateAdmin) List(ctx context.Context) ([]Affiliate, error) {
	list, err := a.Store.ListAffiliates(ctx)
	if err != nil {
		return nil, storageErr("list affiliates", err)
	}
	return list, nil
}

// SetStatus activates or suspends an affiliate. Setting the current status
// again is a no-op.
func (a *AffiliateAdmin) SetStatus(ctx context.Context, id string, status AffiliateStatus, actorID, reason string) (*Affiliate, error) {
	if status != AffiliateActive && status != AffiliateSuspended {
		return nil, invalid("status", "must be %s or %s, got %q", AffiliateActive, AffiliateSuspended, status)
	}
	return a.update(ctx, id, actorID, strings.TrimSpace(reason), func(aff *Affiliate) (AuditAction, map[string]string, bool) {
		if aff.Status == status {
			return "", nil, false
		}
		meta := map[string]string{"from": string(aff.Status), "to": string(status)}
		aff.Status = status
		return AuditAffiliateStatus, meta, true
	})
}

// SetTier changes the tier used for future conversions. Recorded
// conversions keep the tier and rate they were computed with.
func (a *AffiliateAdmin) SetTier(ctx context.Context, id string, tier Tier, actorID string) (*Affiliate, error) {
	if !tier.Valid() {
		return nil, invalid("tier", "unknown tier %q", tier)
	}
	return a.update(ctx, id, actorID, "", func(aff *Affiliate) (AuditAction, map[string]string, bool) {
		if aff.Tier == tier {
			return "", nil, false
		}
		meta := map[string]string{"from": string(aff.Tier), "to": string(tier)}
		aff.Tier = tier
		return AuditAffiliateTier, meta, true
	})
}

func (a *AffiliateAdmin) update(ctx context.Context, id, actorID, reason string, mutate func(*Affiliate) (AuditAction, map[string]string, bool)) (*Affiliate, error) {
	unlock := a.locks.Lock("affiliate:" + id)
	defer unlock()

	aff, err := a.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	action, meta, changed := mutate(aff)
	if !changed {
		return aff, nil
	}
	now := a.Now().UTC()
	aff.UpdatedAt = now

	err = a.Retry.Do(ctx, "update affiliate", func() error {
		return storageErr("update affiliate", a.Store.WithTx(ctx, func(tx Store) error {
			if err := tx.UpdateAffiliate(ctx, *aff); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, AuditEntry{
				ID:         newID("audit"),
				At:         now,
				ActorID:    actorID,
				Action:     action,
				EntityKind: "affiliate",
				EntityID:   id,
				Reason:     reason,
				Metadata:   meta,
			})
		}))
	})
	if err != nil {
		return nil, err
	}
	return aff, nil
}
