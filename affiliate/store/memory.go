// Package store provides an in-memory affiliate.Store for tests and local
// development. Production deployments use store/sqlite.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/warp/affiliate-engine/affiliate"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is a mutex-guarded affiliate.Store. WithTx is simulated with a
// snapshot that is restored when fn fails.
type Memory struct {
	mu sync.Mutex
	s  *memState
}

var _ affiliate.Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{s: newMemState()}
}

// WithTx executes fn within a transaction.
// Other callers block until fn returns.
func (m *Memory) WithTx(_ context.Context, fn func(affiliate.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.s.clone()
	if err := fn(&txView{memState: m.s}); err != nil {
		m.s = snapshot
		return err
	}
	return nil
}

// txView is the Store handed to WithTx callbacks. It runs on the already
// locked state; nested WithTx calls join the outer transaction.
type txView struct {
	*memState
}

func (v *txView) WithTx(_ context.Context, fn func(affiliate.Store) error) error {
	return fn(v)
}

// =============================================================================
// STATE
// =============================================================================

type memState struct {
	affiliates  map[string]affiliate.Affiliate
	affByCode   map[string]string
	affByEmail  map[string]string
	links       map[string]affiliate.Link
	linkByCode  map[string]string
	clicks      []affiliate.Click
	clickByID   map[string]int
	conversions []affiliate.Conversion
	convByID    map[string]int
	convByOrder map[string]string
	settlements map[string]affiliate.Settlement
	claims      map[string]string // conversion id -> settlement id
	active      map[string]string // affiliate|period -> settlement id
	apps        []affiliate.Application
	appByID     map[string]int
	audit       []affiliate.AuditEntry
}

func newMemState() *memState {
	return &memState{
		affiliates:  make(map[string]affiliate.Affiliate),
		affByCode:   make(map[string]string),
		affByEmail:  make(map[string]string),
		links:       make(map[string]affiliate.Link),
		linkByCode:  make(map[string]string),
		clickByID:   make(map[string]int),
		convByID:    make(map[string]int),
		convByOrder: make(map[string]string),
		settlements: make(map[string]affiliate.Settlement),
		claims:      make(map[string]string),
		active:      make(map[string]string),
		appByID:     make(map[string]int),
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		affiliates:  cloneMap(s.affiliates),
		affByCode:   cloneMap(s.affByCode),
		affByEmail:  cloneMap(s.affByEmail),
		links:       cloneMap(s.links),
		linkByCode:  cloneMap(s.linkByCode),
		clicks:      slices.Clone(s.clicks),
		clickByID:   cloneMap(s.clickByID),
		conversions: make([]affiliate.Conversion, len(s.conversions)),
		convByID:    cloneMap(s.convByID),
		convByOrder: cloneMap(s.convByOrder),
		settlements: make(map[string]affiliate.Settlement, len(s.settlements)),
		claims:      cloneMap(s.claims),
		active:      cloneMap(s.active),
		apps:        make([]affiliate.Application, len(s.apps)),
		appByID:     cloneMap(s.appByID),
		audit:       slices.Clone(s.audit),
	}
	for i, conv := range s.conversions {
		c.conversions[i] = cloneConversion(conv)
	}
	for id, st := range s.settlements {
		c.settlements[id] = cloneSettlement(st)
	}
	for i, a := range s.apps {
		c.apps[i] = cloneApplication(a)
	}
	return c
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneConversion(c affiliate.Conversion) affiliate.Conversion {
	c.Items = slices.Clone(c.Items)
	c.ConfirmedAt = cloneTime(c.ConfirmedAt)
	c.VoidedAt = cloneTime(c.VoidedAt)
	return c
}

func cloneSettlement(s affiliate.Settlement) affiliate.Settlement {
	s.ConversionIDs = slices.Clone(s.ConversionIDs)
	s.SettledAt = cloneTime(s.SettledAt)
	return s
}

func cloneApplication(a affiliate.Application) affiliate.Application {
	a.ReviewedAt = cloneTime(a.ReviewedAt)
	return a
}

func cloneAudit(e affiliate.AuditEntry) affiliate.AuditEntry {
	if e.Metadata != nil {
		e.Metadata = cloneMap(e.Metadata)
	}
	return e
}

// =============================================================================
// AFFILIATES
// =============================================================================

func (s *memState) CreateAffiliate(_ context.Context, a affiliate.Affiliate) error {
	if _, ok := s.affiliates[a.ID]; ok {
		return affiliate.ErrDuplicateKey
	}
	if _, ok := s.affByCode[a.ReferralCode]; ok {
		return affiliate.ErrDuplicateKey
	}
	if _, ok := s.linkByCode[a.ReferralCode]; ok {
		return affiliate.ErrDuplicateKey
	}
	if _, ok := s.affByEmail[a.Email]; ok {
		return affiliate.ErrDuplicateKey
	}
	s.affiliates[a.ID] = a
	s.affByCode[a.ReferralCode] = a.ID
	s.affByEmail[a.Email] = a.ID
	return nil
}

func (s *memState) UpdateAffiliate(_ context.Context, a affiliate.Affiliate) error {
	old, ok := s.affiliates[a.ID]
	if !ok {
		return &affiliate.NotFoundError{Kind: "affiliate", ID: a.ID}
	}
	if old.ReferralCode != a.ReferralCode {
		if _, taken := s.affByCode[a.ReferralCode]; taken {
			return affiliate.ErrDuplicateKey
		}
		delete(s.affByCode, old.ReferralCode)
		s.affByCode[a.ReferralCode] = a.ID
	}
	if old.Email != a.Email {
		if _, taken := s.affByEmail[a.Email]; taken {
			return affiliate.ErrDuplicateKey
		}
		delete(s.affByEmail, old.Email)
		s.affByEmail[a.Email] = a.ID
	}
	s.affiliates[a.ID] = a
	return nil
}

func (s *memState) GetAffiliate(_ context.Context, id string) (*affiliate.Affiliate, error) {
	a, ok := s.affiliates[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *memState) GetAffiliateByCode(ctx context.Context, code string) (*affiliate.Affiliate, error) {
	id, ok := s.affByCode[code]
	if !ok {
		return nil, nil
	}
	return s.GetAffiliate(ctx, id)
}

func (s *memState) GetAffiliateByEmail(ctx context.Context, email string) (*affiliate.Affiliate, error) {
	id, ok := s.affByEmail[email]
	if !ok {
		return nil, nil
	}
	return s.GetAffiliate(ctx, id)
}

func (s *memState) ListAffiliates(_ context.Context) ([]affiliate.Affiliate, error) {
	out := make([]affiliate.Affiliate, 0, len(s.affiliates))
	for _, a := range s.affiliates {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// LINKS
// =============================================================================

func (s *memState) CreateLink(_ context.Context, l affiliate.Link) error {
	if _, ok := s.links[l.ID]; ok {
		return affiliate.ErrDuplicateKey
	}
	if _, ok := s.linkByCode[l.Code]; ok {
		return affiliate.ErrDuplicateKey
	}
	if _, ok := s.affByCode[l.Code]; ok {
		return affiliate.ErrDuplicateKey
	}
	s.links[l.ID] = l
	s.linkByCode[l.Code] = l.ID
	return nil
}

func (s *memState) GetLink(_ context.Context, id string) (*affiliate.Link, error) {
	l, ok := s.links[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *memState) GetLinkByCode(ctx context.Context, code string) (*affiliate.Link, error) {
	id, ok := s.linkByCode[code]
	if !ok {
		return nil, nil
	}
	return s.GetLink(ctx, id)
}

func (s *memState) ListLinks(_ context.Context, affiliateID string) ([]affiliate.Link, error) {
	var out []affiliate.Link
	for _, l := range s.links {
		if l.AffiliateID == affiliateID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *memState) IncrementLinkClicks(_ context.Context, id string) error {
	l, ok := s.links[id]
	if !ok {
		return &affiliate.NotFoundError{Kind: "link", ID: id}
	}
	l.Clicks++
	s.links[id] = l
	return nil
}

func (s *memState) IncrementLinkConversions(_ context.Context, id string) error {
	l, ok := s.links[id]
	if !ok {
		return &affiliate.NotFoundError{Kind: "link", ID: id}
	}
	l.Conversions++
	s.links[id] = l
	return nil
}

// =============================================================================
// CLICKS - Append-only
// =============================================================================

func (s *memState) AppendClick(_ context.Context, c affiliate.Click) error {
	if _, ok := s.clickByID[c.ID]; ok {
		return affiliate.ErrDuplicateKey
	}
	s.clickByID[c.ID] = len(s.clicks)
	s.clicks = append(s.clicks, c)
	return nil
}

func (s *memState) GetClick(_ context.Context, id string) (*affiliate.Click, error) {
	i, ok := s.clickByID[id]
	if !ok {
		return nil, nil
	}
	c := s.clicks[i]
	return &c, nil
}

func (s *memState) LatestClick(_ context.Context, affiliateID string, at time.Time) (*affiliate.Click, error) {
	var latest *affiliate.Click
	for i := range s.clicks {
		c := s.clicks[i]
		if c.AffiliateID != affiliateID || c.CreatedAt.After(at) {
			continue
		}
		if latest == nil || !c.CreatedAt.Before(latest.CreatedAt) {
			latest = &c
		}
	}
	return latest, nil
}

func (s *memState) ListClicks(_ context.Context, from, to time.Time) ([]affiliate.Click, error) {
	var out []affiliate.Click
	for _, c := range s.clicks {
		if !c.CreatedAt.Before(from) && c.CreatedAt.Before(to) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func (s *memState) AppendConversion(_ context.Context, c affiliate.Conversion) error {
	if _, ok := s.convByOrder[c.OrderID]; ok {
		return affiliate.ErrDuplicateOrder
	}
	if _, ok := s.convByID[c.ID]; ok {
		return affiliate.ErrDuplicateKey
	}
	s.convByID[c.ID] = len(s.conversions)
	s.convByOrder[c.OrderID] = c.ID
	s.conversions = append(s.conversions, cloneConversion(c))
	return nil
}

func (s *memState) GetConversion(_ context.Context, id string) (*affiliate.Conversion, error) {
	i, ok := s.convByID[id]
	if !ok {
		return nil, nil
	}
	c := cloneConversion(s.conversions[i])
	return &c, nil
}

func (s *memState) GetConversionByOrder(ctx context.Context, orderID string) (*affiliate.Conversion, error) {
	id, ok := s.convByOrder[orderID]
	if !ok {
		return nil, nil
	}
	return s.GetConversion(ctx, id)
}

func (s *memState) UpdateConversionStatus(_ context.Context, id string, from, to affiliate.ConversionStatus, at time.Time, reason string) error {
	i, ok := s.convByID[id]
	if !ok {
		return &affiliate.NotFoundError{Kind: "conversion", ID: id}
	}
	c := s.conversions[i]
	if c.Status != from {
		return affiliate.ErrConcurrentModification
	}
	c.Status = to
	switch to {
	case affiliate.ConversionConfirmed:
		c.ConfirmedAt = &at
	case affiliate.ConversionVoided:
		c.VoidedAt = &at
		c.VoidReason = reason
	}
	s.conversions[i] = c
	return nil
}

func (s *memState) ListConversions(_ context.Context, f affiliate.ConversionFilter) ([]affiliate.Conversion, error) {
	var out []affiliate.Conversion
	for _, c := range s.conversions {
		if f.AffiliateID != "" && c.AffiliateID != f.AffiliateID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, c.Status) {
			continue
		}
		if !f.From.IsZero() && c.OccurredAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !c.OccurredAt.Before(f.To) {
			continue
		}
		if f.Unsettled && s.claims[c.ID] != "" {
			continue
		}
		out = append(out, cloneConversion(c))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

func activeKey(affiliateID, periodID string) string {
	return affiliateID + "|" + periodID
}

func (s *memState) CreateSettlement(_ context.Context, st affiliate.Settlement) error {
	if _, ok := s.settlements[st.ID]; ok {
		return affiliate.ErrDuplicateKey
	}
	if st.Status != affiliate.SettlementVoided {
		if _, ok := s.active[activeKey(st.AffiliateID, st.PeriodID)]; ok {
			return affiliate.ErrDuplicateKey
		}
		for _, cid := range st.ConversionIDs {
			if _, ok := s.claims[cid]; ok {
				return affiliate.ErrDuplicateKey
			}
		}
		s.active[activeKey(st.AffiliateID, st.PeriodID)] = st.ID
		for _, cid := range st.ConversionIDs {
			s.claims[cid] = st.ID
		}
	}
	s.settlements[st.ID] = cloneSettlement(st)
	return nil
}

func (s *memState) UpdateSettlement(_ context.Context, st affiliate.Settlement) error {
	old, ok := s.settlements[st.ID]
	if !ok {
		return &affiliate.NotFoundError{Kind: "settlement", ID: st.ID}
	}
	if st.Status != affiliate.SettlementVoided {
		if owner, ok := s.active[activeKey(st.AffiliateID, st.PeriodID)]; ok && owner != st.ID {
			return affiliate.ErrDuplicateKey
		}
		for _, cid := range st.ConversionIDs {
			if owner, ok := s.claims[cid]; ok && owner != st.ID {
				return affiliate.ErrDuplicateKey
			}
		}
	}

	for _, cid := range old.ConversionIDs {
		if s.claims[cid] == st.ID {
			delete(s.claims, cid)
		}
	}
	if s.active[activeKey(old.AffiliateID, old.PeriodID)] == st.ID {
		delete(s.active, activeKey(old.AffiliateID, old.PeriodID))
	}
	if st.Status != affiliate.SettlementVoided {
		s.active[activeKey(st.AffiliateID, st.PeriodID)] = st.ID
		for _, cid := range st.ConversionIDs {
			s.claims[cid] = st.ID
		}
	}
	s.settlements[st.ID] = cloneSettlement(st)
	return nil
}

func (s *memState) GetSettlement(_ context.Context, id string) (*affiliate.Settlement, error) {
	st, ok := s.settlements[id]
	if !ok {
		return nil, nil
	}
	st = cloneSettlement(st)
	return &st, nil
}

func (s *memState) ActiveSettlement(ctx context.Context, affiliateID, periodID string) (*affiliate.Settlement, error) {
	id, ok := s.active[activeKey(affiliateID, periodID)]
	if !ok {
		return nil, nil
	}
	return s.GetSettlement(ctx, id)
}

func (s *memState) SettlementForConversion(ctx context.Context, conversionID string) (*affiliate.Settlement, error) {
	id, ok := s.claims[conversionID]
	if !ok {
		return nil, nil
	}
	return s.GetSettlement(ctx, id)
}

func (s *memState) ListSettlements(_ context.Context, f affiliate.SettlementFilter) ([]affiliate.Settlement, error) {
	var out []affiliate.Settlement
	for _, st := range s.settlements {
		if f.AffiliateID != "" && st.AffiliateID != f.AffiliateID {
			continue
		}
		if f.PeriodID != "" && st.PeriodID != f.PeriodID {
			continue
		}
		if f.Status != "" && st.Status != f.Status {
			continue
		}
		out = append(out, cloneSettlement(st))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodID != out[j].PeriodID {
			return out[i].PeriodID > out[j].PeriodID
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// =============================================================================
// APPLICATIONS
// =============================================================================

func (s *memState) CreateApplication(_ context.Context, a affiliate.Application) error {
	if _, ok := s.appByID[a.ID]; ok {
		return affiliate.ErrDuplicateKey
	}
	s.appByID[a.ID] = len(s.apps)
	s.apps = append(s.apps, cloneApplication(a))
	return nil
}

func (s *memState) GetApplication(_ context.Context, id string) (*affiliate.Application, error) {
	i, ok := s.appByID[id]
	if !ok {
		return nil, nil
	}
	a := cloneApplication(s.apps[i])
	return &a, nil
}

func (s *memState) UpdateApplication(_ context.Context, a affiliate.Application, expected affiliate.ApplicationStatus) error {
	i, ok := s.appByID[a.ID]
	if !ok {
		return &affiliate.NotFoundError{Kind: "application", ID: a.ID}
	}
	if s.apps[i].Status != expected {
		return affiliate.ErrConcurrentModification
	}
	s.apps[i] = cloneApplication(a)
	return nil
}

func (s *memState) ListApplications(_ context.Context, status affiliate.ApplicationStatus) ([]affiliate.Application, error) {
	var out []affiliate.Application
	for _, a := range s.apps {
		if status == "" || a.Status == status {
			out = append(out, cloneApplication(a))
		}
	}
	return out, nil
}

func (s *memState) PendingApplicationByEmail(_ context.Context, email string) (*affiliate.Application, error) {
	for _, a := range s.apps {
		if a.Email == email && a.Status == affiliate.ApplicationPending {
			a = cloneApplication(a)
			return &a, nil
		}
	}
	return nil, nil
}

// =============================================================================
// AUDIT LOG - Append-only
// =============================================================================

func (s *memState) AppendAudit(_ context.Context, e affiliate.AuditEntry) error {
	s.audit = append(s.audit, cloneAudit(e))
	return nil
}

func (s *memState) ListAudit(_ context.Context, entityID string) ([]affiliate.AuditEntry, error) {
	var out []affiliate.AuditEntry
	for _, e := range s.audit {
		if entityID == "" || e.EntityID == entityID {
			out = append(out, cloneAudit(e))
		}
	}
	return out, nil
}

// =============================================================================
// LOCKED ACCESSORS - Every Memory method takes the store mutex
// =============================================================================

func (m *Memory) CreateAffiliate(ctx context.Context, a affiliate.Affiliate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.CreateAffiliate(ctx, a)
}

func (m *Memory) UpdateAffiliate(ctx context.Context, a affiliate.Affiliate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.UpdateAffiliate(ctx, a)
}

func (m *Memory) GetAffiliate(ctx context.Context, id string) (*affiliate.Affiliate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.GetAffiliate(ctx, id)
}

func (m *Memory) GetAffiliateByCode(ctx context.Context, code string) (*affiliate.Affiliate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.GetAffiliateByCode(ctx, code)
}

func (m *Memory) GetAffiliateByEmail(ctx context.Context, email string) (*affiliate.Affiliate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.GetAffiliateByEmail(ctx, email)
}

func (m *Memory) ListAffiliates(ctx context.Context) ([]affiliate.Affiliate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ListAffiliates(ctx)
}

func (m *Memory) CreateLink(ctx context.Context, l affiliate.Link) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.CreateLink(ctx, l)
}

func (m *Memory) GetLink(ctx context.Context, id string) (*affiliate.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.GetLink(ctx, id)
}

func (m *Memory) GetLinkByCode(ctx context.Context, code string) (*affiliate.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.GetLinkByCode(ctx, code)
}

func (m *Memory) ListLinks(ctx context.Context, affiliateID string) ([]affiliate.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ListLinks(ctx, affiliateID)
}

func (m *Memory) IncrementLinkClicks(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.IncrementLinkClicks(ctx, id)
}

func (m *Memory) IncrementLinkConversions(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.IncrementLinkConversions(ctx, id)
}

func (m *Memory) AppendClick(ctx context.Context, c affiliate.Click) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.AppendClick(ctx, c)
}

func (m *Memory) GetClick(ctx context.Context, id string) (*affiliate.Click, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.GetClick(ctx, id)
}

func (m *Memory) LatestClick(ctx context.Context, affiliateID string, at time.Time) (*affiliate.Click, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.LatestClick(ctx, affiliateID, at)
}

func (m *Memory) ListClicks(ctx context.Context, from, to time.Time) ([]affiliate.Click, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ListClicks(ctx, from, to)
}

func (m *Memory) AppendConversion(ctx context.Context, c affiliate.Conversion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.AppendConversion(ctx, c)
}

func (m *Memory) GetConversion(ctx context.Context, id string) (*affiliate.Conversion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.GetConversion(ctx, id)
}

func (m *Memory) GetConversionByOrder(ctx context.Context, orderID string) (*affiliate.Conversion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.GetConversionByOrder(ctx, orderID)
}

func (m *Memory) UpdateConversionStatus(ctx context.Context, id string, from, to affiliate.ConversionStatus, at time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.UpdateConversionStatus(ctx, id, from, to, at, reason)
}

func (m *Memory) ListConversions(ctx context.Context, f affiliate.ConversionFilter) ([]affiliate.Conversion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ListConversions(ctx, f)
}

func (m *Memory) CreateSettlement(ctx context.Context, st affiliate.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.CreateSettlement(ctx, st)
}

func (m *Memory) UpdateSettlement(ctx context.Context, st affiliate.Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.UpdateSettlement(ctx, st)
}

func (m *Memory) GetSettlement(ctx context.Context, id string) (*affiliate.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.GetSettlement(ctx, id)
}

func (m *Memory) ActiveSettlement(ctx context.Context, affiliateID, periodID string) (*affiliate.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ActiveSettlement(ctx, affiliateID, periodID)
}

func (m *Memory) SettlementForConversion(ctx context.Context, conversionID string) (*affiliate.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.SettlementForConversion(ctx, conversionID)
}

func (m *Memory) ListSettlements(ctx context.Context, f affiliate.SettlementFilter) ([]affiliate.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ListSettlements(ctx, f)
}

func (m *Memory) CreateApplication(ctx context.Context, a affiliate.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.CreateApplication(ctx, a)
}

func (m *Memory) GetApplication(ctx context.Context, id string) (*affiliate.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.GetApplication(ctx, id)
}

func (m *Memory) UpdateApplication(ctx context.Context, a affiliate.Application, expected affiliate.ApplicationStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.UpdateApplication(ctx, a, expected)
}

func (m *Memory) ListApplications(ctx context.Context, status affiliate.ApplicationStatus) ([]affiliate.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ListApplications(ctx, status)
}

func (m *Memory) PendingApplicationByEmail(ctx context.Context, email string) (*affiliate.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.PendingApplicationByEmail(ctx, email)
}

func (m *Memory) AppendAudit(ctx context.Context, e affiliate.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.AppendAudit(ctx, e)
}

func (m *Memory) ListAudit(ctx context.Context, entityID string) ([]affiliate.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.ListAudit(ctx, entityID)
}
