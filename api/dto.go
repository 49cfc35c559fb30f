/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication so the domain types
  in package affiliate can change without breaking clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers

MONEY:
  Amounts go out as strings with exactly two decimals ("50.00") so no
  client ever parses money into a float. Incoming amounts accept either a
  JSON number or a string.

TIMES:
  RFC 3339 in UTC. Calendar dates (trend buckets, next settlement date)
  are "YYYY-MM-DD".

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-engine/affiliate"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	Code    string `json:"code,omitempty"`
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func date(t time.Time) string { return t.UTC().Format(time.DateOnly) }

// =============================================================================
// AFFILIATES & LINKS
// =============================================================================

type AffiliateDTO struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	DisplayName   string    `json:"displayName"`
	Website       string    `json:"website,omitempty"`
	ReferralCode  string    `json:"referralCode"`
	Tier          string    `json:"tier"`
	Status        string    `json:"status"`
	Currency      string    `json:"currency"`
	ApplicationID string    `json:"applicationId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

func toAffiliateDTO(a affiliate.Affiliate) AffiliateDTO {
	return AffiliateDTO{
		ID:            a.ID,
		Email:         a.Email,
		DisplayName:   a.DisplayName,
		Website:       a.Website,
		ReferralCode:  a.ReferralCode,
		Tier:          string(a.Tier),
		Status:        string(a.Status),
		Currency:      a.Currency,
		ApplicationID: a.ApplicationID,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}
}

type SetStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type SetTierRequest struct {
	Tier string `json:"tier"`
}

type UTMDTO struct {
	Source   string `json:"source,omitempty"`
	Medium   string `json:"medium,omitempty"`
	Campaign string `json:"campaign,omitempty"`
}

func (u UTMDTO) toUTM() affiliate.UTM {
	return affiliate.UTM{Source: u.Source, Medium: u.Medium, Campaign: u.Campaign}
}

type LinkDTO struct {
	ID          string    `json:"id"`
	AffiliateID string    `json:"affiliateId"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	TargetURL   string    `json:"targetUrl"`
	TrackingURL string    `json:"trackingUrl"`
	UTM         UTMDTO    `json:"utm"`
	Clicks      int64     `json:"clicks"`
	Conversions int64     `json:"conversions"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toLinkDTO(l affiliate.Link) LinkDTO {
	return LinkDTO{
		ID:          l.ID,
		AffiliateID: l.AffiliateID,
		Code:        l.Code,
		Name:        l.Name,
		TargetURL:   l.TargetURL,
		TrackingURL: affiliate.TrackingURL(l),
		UTM:         UTMDTO{Source: l.UTM.Source, Medium: l.UTM.Medium, Campaign: l.UTM.Campaign},
		Clicks:      l.Clicks,
		Conversions: l.Conversions,
		CreatedAt:   l.CreatedAt,
	}
}

type CreateLinkRequest struct {
	Name      string `json:"name"`
	TargetURL string `json:"targetUrl"`
	UTM       UTMDTO `json:"utm"`
}

// =============================================================================
// ATTRIBUTION & CLICKS
// =============================================================================

// ResolveAttributionRequest carries the landing request as the storefront
// saw it. URL is path plus query, e.g. "/shop?ref=Ab3xYz&utm_source=ig".
type ResolveAttributionRequest struct {
	URL      string `json:"url"`
	Referrer string `json:"referrer"`
}

type AttributionDTO struct {
	AffiliateRef string    `json:"affiliateRef,omitempty"`
	AffiliateID  string    `json:"affiliateId,omitempty"`
	LinkID       string    `json:"linkId,omitempty"`
	ClickID      string    `json:"clickId,omitempty"`
	UTMSource    string    `json:"utmSource,omitempty"`
	UTMMedium    string    `json:"utmMedium,omitempty"`
	UTMCampaign  string    `json:"utmCampaign,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type ResolveAttributionResponse struct {
	Redirect    string          `json:"redirect,omitempty"`
	Attribution *AttributionDTO `json:"attribution"`
	ClickID     string          `json:"clickId,omitempty"`
	Fresh       bool            `json:"fresh"`
}

func toAttributionDTO(p *affiliate.AttributionPayload) *AttributionDTO {
	if p == nil {
		return nil
	}
	return &AttributionDTO{
		AffiliateRef: p.AffiliateRef,
		AffiliateID:  p.AffiliateID,
		LinkID:       p.LinkID,
		ClickID:      p.ClickID,
		UTMSource:    p.UTMSource,
		UTMMedium:    p.UTMMedium,
		UTMCampaign:  p.UTMCampaign,
		IssuedAt:     p.IssuedAt,
		ExpiresAt:    p.ExpiresAt,
	}
}

type ClickMetadataDTO struct {
	Referrer   string `json:"referrer"`
	UserAgent  string `json:"userAgent"`
	IP         string `json:"ip"`
	LandingURL string `json:"landingUrl"`
}

type RecordClickRequest struct {
	AffiliateID string           `json:"affiliateId"`
	LinkID      string           `json:"linkId"`
	Code        string           `json:"code"`
	UTM         UTMDTO           `json:"utm"`
	Metadata    ClickMetadataDTO `json:"metadata"`
}

type RecordClickResponse struct {
	ClickID     string    `json:"clickId"`
	AffiliateID string    `json:"affiliateId,omitempty"`
	LinkID      string    `json:"linkId,omitempty"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

type LineItemRequest struct {
	ProductID string          `json:"productId"`
	Title     string          `json:"title"`
	Quantity  int64           `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// RecordConversionRequest is the order webhook body. When AffiliateID is
// empty the encoded attribution cookie, if forwarded, supplies it.
type RecordConversionRequest struct {
	AffiliateID string            `json:"affiliateId"`
	OrderID     string            `json:"orderId"`
	OrderValue  *decimal.Decimal  `json:"orderValue"`
	ClickID     string            `json:"clickId"`
	Attribution string            `json:"attribution"`
	Items       []LineItemRequest `json:"items"`
	OccurredAt  *time.Time        `json:"occurredAt"`
}

type LineItemDTO struct {
	ProductID string `json:"productId"`
	Title     string `json:"title"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
}

type ConversionDTO struct {
	ID          string        `json:"id"`
	AffiliateID string        `json:"affiliateId,omitempty"`
	OrderID     string        `json:"orderId"`
	OrderValue  string        `json:"orderValue"`
	Commission  string        `json:"commission"`
	Tier        string        `json:"tier,omitempty"`
	Rate        string        `json:"rate"`
	Currency    string        `json:"currency"`
	Status      string        `json:"status"`
	ClickID     *string       `json:"clickId"`
	Items       []LineItemDTO `json:"items,omitempty"`
	VoidReason  string        `json:"voidReason,omitempty"`
	OccurredAt  time.Time     `json:"occurredAt"`
	ConfirmedAt *time.Time    `json:"confirmedAt,omitempty"`
	VoidedAt    *time.Time    `json:"voidedAt,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

func toConversionDTO(c affiliate.Conversion) ConversionDTO {
	dto := ConversionDTO{
		ID:          c.ID,
		AffiliateID: c.AffiliateID,
		OrderID:     c.OrderID,
		OrderValue:  money(c.OrderValue),
		Commission:  money(c.Commission),
		Tier:        string(c.Tier),
		Rate:        c.Rate.String(),
		Currency:    c.Currency,
		Status:      string(c.Status),
		VoidReason:  c.VoidReason,
		OccurredAt:  c.OccurredAt,
		ConfirmedAt: c.ConfirmedAt,
		VoidedAt:    c.VoidedAt,
		CreatedAt:   c.CreatedAt,
	}
	if c.ClickID != "" {
		id := c.ClickID
		dto.ClickID = &id
	}
	for _, li := range c.Items {
		dto.Items = append(dto.Items, LineItemDTO{
			ProductID: li.ProductID,
			Title:     li.Title,
			Quantity:  li.Quantity,
			UnitPrice: money(li.UnitPrice),
		})
	}
	return dto
}

type RecordConversionResponse struct {
	ConversionID    string        `json:"conversionId"`
	AlreadyRecorded bool          `json:"alreadyRecorded"`
	Conversion      ConversionDTO `json:"conversion"`
}

type VoidRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

type SettlementDTO struct {
	ID               string     `json:"id"`
	AffiliateID      string     `json:"affiliateId"`
	PeriodID         string     `json:"periodId"`
	Amount           string     `json:"amount"`
	Currency         string     `json:"currency"`
	Status           string     `json:"status"`
	ConversionIDs    []string   `json:"conversionIds"`
	PaymentMethod    string     `json:"paymentMethod,omitempty"`
	PaymentReference string     `json:"paymentReference,omitempty"`
	VoidReason       string     `json:"voidReason,omitempty"`
	SettledAt        *time.Time `json:"settledAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

func toSettlementDTO(s affiliate.Settlement) SettlementDTO {
	ids := s.ConversionIDs
	if ids == nil {
		ids = []string{}
	}
	return SettlementDTO{
		ID:               s.ID,
		AffiliateID:      s.AffiliateID,
		PeriodID:         s.PeriodID,
		Amount:           money(s.Amount),
		Currency:         s.Currency,
		Status:           string(s.Status),
		ConversionIDs:    ids,
		PaymentMethod:    s.PaymentMethod,
		PaymentReference: s.PaymentReference,
		VoidReason:       s.VoidReason,
		SettledAt:        s.SettledAt,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
}

func toSettlementDTOs(list []affiliate.Settlement) []SettlementDTO {
	out := make([]SettlementDTO, 0, len(list))
	for _, s := range list {
		out = append(out, toSettlementDTO(s))
	}
	return out
}

type SettlementSummaryDTO struct {
	AffiliateID        string `json:"affiliateId,omitempty"`
	Currency           string `json:"currency"`
	TotalEarned        string `json:"totalEarned"`
	TotalSettled       string `json:"totalSettled"`
	PendingSettlement  string `json:"pendingSettlement"`
	NextSettlementDate string `json:"nextSettlementDate"`
}

type SettlementsResponse struct {
	Summary     SettlementSummaryDTO `json:"summary"`
	Settlements []SettlementDTO      `json:"settlements"`
}

type MarkSettledRequest struct {
	Method    string `json:"method"`
	Reference string `json:"reference"`
}

type RunSettlementRequest struct {
	PeriodID    string `json:"periodId"`
	AffiliateID string `json:"affiliateId"`
}

type SettlementRunDTO struct {
	PeriodID    string          `json:"periodId"`
	Processed   int             `json:"processed"`
	Skipped     int             `json:"skipped"`
	Failed      int             `json:"failed"`
	Settlements []SettlementDTO `json:"settlements"`
}

// =============================================================================
// APPLICATIONS
// =============================================================================

type SubmitApplicationRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Website     string `json:"website"`
	Password    string `json:"password"`
}

type RejectApplicationRequest struct {
	Reason string `json:"reason"`
}

type ApplicationDTO struct {
	ID              string     `json:"id"`
	Email           string     `json:"email"`
	DisplayName     string     `json:"displayName"`
	Website         string     `json:"website,omitempty"`
	Status          string     `json:"status"`
	ReviewerID      string     `json:"reviewerId,omitempty"`
	ReviewedAt      *time.Time `json:"reviewedAt,omitempty"`
	RejectionReason string     `json:"rejectionReason,omitempty"`
	AffiliateID     string     `json:"affiliateId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func toApplicationDTO(a affiliate.Application) ApplicationDTO {
	return ApplicationDTO{
		ID:              a.ID,
		Email:           a.Email,
		DisplayName:     a.DisplayName,
		Website:         a.Website,
		Status:          string(a.Status),
		ReviewerID:      a.ReviewerID,
		ReviewedAt:      a.ReviewedAt,
		RejectionReason: a.RejectionReason,
		AffiliateID:     a.AffiliateID,
		CreatedAt:       a.CreatedAt,
	}
}

type ApproveApplicationResponse struct {
	Application ApplicationDTO `json:"application"`
	Affiliate   AffiliateDTO   `json:"affiliate"`
}

// =============================================================================
// ANALYTICS, AUDIT, COMMISSION
// =============================================================================

type TotalsDTO struct {
	Clicks      int64  `json:"clicks"`
	Conversions int64  `json:"conversions"`
	Revenue     string `json:"revenue"`
	Commission  string `json:"commission"`
}

type LeaderboardRowDTO struct {
	AffiliateID  string `json:"affiliateId"`
	DisplayName  string `json:"displayName"`
	ReferralCode string `json:"referralCode"`
	Tier         string `json:"tier"`
	Status       string `json:"status"`
	Clicks       int64  `json:"clicks"`
	Conversions  int64  `json:"conversions"`
	Revenue      string `json:"revenue"`
	Commission   string `json:"commission"`
}

type ProductRowDTO struct {
	ProductID string `json:"productId"`
	Title     string `json:"title"`
	Quantity  int64  `json:"quantity"`
	Orders    int64  `json:"orders"`
	Revenue   string `json:"revenue"`
}

type TrendPointDTO struct {
	Date        string `json:"date"`
	Clicks      int64  `json:"clicks"`
	Conversions int64  `json:"conversions"`
	Revenue     string `json:"revenue"`
	Commission  string `json:"commission"`
}

type AnalyticsDTO struct {
	Range       string              `json:"range"`
	From        string              `json:"from"`
	To          string              `json:"to"`
	Totals      TotalsDTO           `json:"totals"`
	Leaderboard []LeaderboardRowDTO `json:"leaderboard"`
	Products    []ProductRowDTO     `json:"products"`
	Trend       []TrendPointDTO     `json:"trend"`
}

func toAnalyticsDTO(r *affiliate.Report) AnalyticsDTO {
	dto := AnalyticsDTO{
		Range: r.Range,
		From:  date(r.From),
		// To is exclusive internally; clients see the last included day.
		To: date(r.To.AddDate(0, 0, -1)),
		Totals: TotalsDTO{
			Clicks:      r.Totals.Clicks,
			Conversions: r.Totals.Conversions,
			Revenue:     money(r.Totals.Revenue),
			Commission:  money(r.Totals.Commission),
		},
		Leaderboard: make([]LeaderboardRowDTO, 0, len(r.Leaderboard)),
		Products:    make([]ProductRowDTO, 0, len(r.Products)),
		Trend:       make([]TrendPointDTO, 0, len(r.Trend)),
	}
	for _, m := range r.Leaderboard {
		dto.Leaderboard = append(dto.Leaderboard, LeaderboardRowDTO{
			AffiliateID:  m.AffiliateID,
			DisplayName:  m.DisplayName,
			ReferralCode: m.ReferralCode,
			Tier:         string(m.Tier),
			Status:       string(m.Status),
			Clicks:       m.Clicks,
			Conversions:  m.Conversions,
			Revenue:      money(m.Revenue),
			Commission:   money(m.Commission),
		})
	}
	for _, p := range r.Products {
		dto.Products = append(dto.Products, ProductRowDTO{
			ProductID: p.ProductID,
			Title:     p.Title,
			Quantity:  p.Quantity,
			Orders:    p.Orders,
			Revenue:   money(p.Revenue),
		})
	}
	for _, t := range r.Trend {
		dto.Trend = append(dto.Trend, TrendPointDTO{
			Date:        date(t.Date),
			Clicks:      t.Clicks,
			Conversions: t.Conversions,
			Revenue:     money(t.Revenue),
			Commission:  money(t.Commission),
		})
	}
	return dto
}

type AuditEntryDTO struct {
	ID         string            `json:"id"`
	At         time.Time         `json:"at"`
	ActorID    string            `json:"actorId"`
	Action     string            `json:"action"`
	EntityKind string            `json:"entityKind"`
	EntityID   string            `json:"entityId"`
	Reason     string            `json:"reason,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func toAuditEntryDTO(e affiliate.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:         e.ID,
		At:         e.At,
		ActorID:    e.ActorID,
		Action:     string(e.Action),
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		Reason:     e.Reason,
		Metadata:   e.Metadata,
	}
}

type CommissionDTO struct {
	OrderValue  string `json:"orderValue"`
	Tier        string `json:"tier"`
	AppliedTier string `json:"appliedTier"`
	Rate        string `json:"rate"`
	Commission  string `json:"commission"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenarioId"`
}

type LoadScenarioResponse struct {
	ScenarioID   string `json:"scenarioId"`
	Affiliates   int    `json:"affiliates"`
	Applications int    `json:"applications"`
	Links        int    `json:"links"`
	Clicks       int    `json:"clicks"`
	Conversions  int    `json:"conversions"`
	Settlements  int    `json:"settlements"`
}
