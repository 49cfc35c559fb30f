/*
handlers.go - HTTP API handlers for the affiliate engine

PURPOSE:
  Exposes the engine over REST. Handles HTTP request/response, JSON
  serialization and principal scoping, and delegates everything else to
  package affiliate.

ENDPOINTS:
  Storefront (public):
    POST   /attribution/resolve          Capture referral params, set cookie
    POST   /events/click                 Record a click
    POST   /applications                 Submit an application
    GET    /commission                   Recompute a commission

  Order webhook (service or admin):
    POST   /events/conversion            Record a conversion (idempotent per order)
    POST   /conversions/{id}/confirm     pending -> confirmed
    POST   /conversions/{id}/void        pending|confirmed -> voided

  Affiliate or admin:
    GET    /settlements                  Summary + settlement list
    GET    /conversions                  Conversion list
    GET    /affiliates/{id}/links        Link list
    POST   /affiliates/{id}/links        Create link

  Admin:
    /applications/*, /affiliates/*, /settlements/{id}/*, /admin/*

ERROR HANDLING:
  Domain errors map to HTTP status in writeDomainError:
  - 400: ValidationError
  - 404: NotFoundError
  - 409: InvalidStateError, duplicate keys
  - 503: StorageError (after bounded retries)
  - 500: anything else
  A repeated order id is not an error: 200 with alreadyRecorded=true.

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Principals and role checks
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-engine/affiliate"
	"go.uber.org/zap"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// CookieConfig controls the attribution cookie.
type CookieConfig struct {
	Name   string
	Secure bool
}

// DefaultCookieName is the attribution cookie name when none is configured.
const DefaultCookieName = "aff_attribution"

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *affiliate.Engine
	Scheduler *SettlementScheduler
	Cookie    CookieConfig

	// Health reports backing store liveness for /healthz. Optional.
	Health func(context.Context) error

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over engine with a default cookie.
func NewHandler(engine *affiliate.Engine) *Handler {
	return &Handler{
		Engine: engine,
		Cookie: CookieConfig{Name: DefaultCookieName},
	}
}

func (h *Handler) now() time.Time {
	return h.Engine.Settlements.Now().UTC()
}

// =============================================================================
// ATTRIBUTION & CLICKS
// =============================================================================

// ResolveAttribution handles POST /attribution/resolve.
func (h *Handler) ResolveAttribution(w http.ResponseWriter, r *http.Request) {
	var req ResolveAttributionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rawURL := req.URL
	if rawURL == "" {
		rawURL = "/"
		if r.URL.RawQuery != "" {
			rawURL += "?" + r.URL.RawQuery
		}
	}
	referrer := req.Referrer
	if referrer == "" {
		referrer = r.Referer()
	}

	var existing string
	if c, err := r.Cookie(h.Cookie.Name); err == nil {
		existing = c.Value
	}

	res, err := h.Engine.Resolver.Resolve(r.Context(), rawURL, existing, affiliate.ClickMetadata{
		Referrer:  referrer,
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if res.Fresh && res.Payload != nil {
		if err := h.setAttributionCookie(w, res.Payload); err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encode attribution", err)
			return
		}
	}
	resp := ResolveAttributionResponse{
		Redirect:    res.Redirect,
		Attribution: toAttributionDTO(res.Payload),
		Fresh:       res.Fresh,
	}
	if res.Click != nil {
		resp.ClickID = res.Click.ID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) setAttributionCookie(w http.ResponseWriter, p *affiliate.AttributionPayload) error {
	value, err := h.Engine.Attribution.Encode(*p)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     h.Cookie.Name,
		Value:    value,
		Path:     "/",
		Expires:  p.ExpiresAt,
		MaxAge:   int(p.ExpiresAt.Sub(p.IssuedAt).Seconds()),
		Secure:   h.Cookie.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// RecordClick handles POST /events/click.
func (h *Handler) RecordClick(w http.ResponseWriter, r *http.Request) {
	var req RecordClickRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	meta := affiliate.ClickMetadata{
		Referrer:   req.Metadata.Referrer,
		UserAgent:  req.Metadata.UserAgent,
		IP:         req.Metadata.IP,
		LandingURL: req.Metadata.LandingURL,
	}
	if meta.UserAgent == "" {
		meta.UserAgent = r.UserAgent()
	}
	if meta.IP == "" {
		meta.IP = clientIP(r)
	}

	in := affiliate.ClickInput{
		AffiliateID: req.AffiliateID,
		LinkID:      req.LinkID,
		Code:        req.Code,
		UTM:         req.UTM.toUTM(),
		Metadata:    meta,
	}
	// A bare code resolves the same way a landing URL would.
	if in.AffiliateID == "" && affiliate.ValidCode(req.Code) {
		aff, link, err := h.Engine.Links.Resolve(r.Context(), req.Code)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if aff != nil {
			in.AffiliateID = aff.ID
		}
		if link != nil && in.LinkID == "" {
			in.LinkID = link.ID
		}
	}

	click, err := h.Engine.Events.RecordClick(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, RecordClickResponse{
		ClickID:     click.ID,
		AffiliateID: click.AffiliateID,
		LinkID:      click.LinkID,
		ExpiresAt:   click.ExpiresAt,
	})
}

// =============================================================================
// CONVERSIONS
// =============================================================================

// RecordConversion handles POST /events/conversion.
func (h *Handler) RecordConversion(w http.ResponseWriter, r *http.Request) {
	var req RecordConversionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OrderValue == nil {
		writeErrorCode(w, http.StatusBadRequest, "Invalid order_value", "validation", errors.New("orderValue is required"))
		return
	}

	in := affiliate.ConversionInput{
		AffiliateID: req.AffiliateID,
		OrderID:     req.OrderID,
		OrderValue:  *req.OrderValue,
		ClickID:     req.ClickID,
	}
	if req.OccurredAt != nil {
		in.OccurredAt = *req.OccurredAt
	}
	for _, li := range req.Items {
		in.Items = append(in.Items, affiliate.LineItem{
			ProductID: li.ProductID,
			Title:     li.Title,
			Quantity:  li.Quantity,
			UnitPrice: li.UnitPrice,
		})
	}

	// Forwarded attribution cookie fills in what the order does not carry.
	// Only values signed by this engine are honoured.
	if in.AffiliateID == "" && req.Attribution != "" {
		at := in.OccurredAt
		if at.IsZero() {
			at = h.now()
		}
		if p, err := h.Engine.Attribution.Decode(req.Attribution); err == nil && !p.Expired(at) {
			in.AffiliateID = p.AffiliateID
			if in.ClickID == "" {
				in.ClickID = p.ClickID
			}
		}
	}

	res, err := h.Engine.Events.RecordConversion(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyRecorded {
		status = http.StatusOK
	}
	writeJSON(w, status, RecordConversionResponse{
		ConversionID:    res.Conversion.ID,
		AlreadyRecorded: res.AlreadyRecorded,
		Conversion:      toConversionDTO(*res.Conversion),
	})
}

// ListConversions handles GET /conversions.
func (h *Handler) ListConversions(w http.ResponseWriter, r *http.Request) {
	affID, ok := scopeAffiliate(r, r.URL.Query().Get("affiliateId"))
	if !ok {
		writeErrorCode(w, http.StatusForbidden, "Forbidden", "forbidden", nil)
		return
	}
	f := affiliate.ConversionFilter{AffiliateID: affID}
	if s := r.URL.Query().Get("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			f.Statuses = append(f.Statuses, affiliate.ConversionStatus(strings.TrimSpace(part)))
		}
	}

	convs, err := h.Engine.Events.ListConversions(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]ConversionDTO, 0, len(convs))
	for _, c := range convs {
		out = append(out, toConversionDTO(c))
	}
	writeJSON(w, http.StatusOK, out)
}

// ConfirmConversion handles POST /conversions/{id}/confirm.
func (h *Handler) ConfirmConversion(w http.ResponseWriter, r *http.Request) {
	conv, err := h.Engine.Events.ConfirmConversion(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversionDTO(*conv))
}

// VoidConversion handles POST /conversions/{id}/void.
func (h *Handler) VoidConversion(w http.ResponseWriter, r *http.Request) {
	var req VoidRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	conv, err := h.Engine.Events.VoidConversion(r.Context(), chi.URLParam(r, "id"), req.Reason, actorID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toConversionDTO(*conv))
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

// ListSettlements handles GET /settlements.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	affID, ok := scopeAffiliate(r, q.Get("affiliateId"))
	if !ok {
		writeErrorCode(w, http.StatusForbidden, "Forbidden", "forbidden", nil)
		return
	}
	ctx := r.Context()

	sum, err := h.Engine.Settlements.Summary(ctx, affID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	list, err := h.Engine.Settlements.ListSettlements(ctx, affiliate.SettlementFilter{
		AffiliateID: affID,
		PeriodID:    q.Get("periodId"),
		Status:      affiliate.SettlementStatus(q.Get("status")),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SettlementsResponse{
		Summary: SettlementSummaryDTO{
			AffiliateID:        sum.AffiliateID,
			Currency:           sum.Currency,
			TotalEarned:        money(sum.TotalEarned),
			TotalSettled:       money(sum.TotalSettled),
			PendingSettlement:  money(sum.PendingSettlement),
			NextSettlementDate: date(sum.NextSettlementDate),
		},
		Settlements: toSettlementDTOs(list),
	})
}

// GetSettlement handles GET /settlements/{id}. Another affiliate's
// settlement is reported as missing so ids cannot be enumerated.
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s, err := h.Engine.Settlements.GetSettlement(r.Context(), id)
	if err == nil {
		if _, ok := scopeAffiliate(r, s.AffiliateID); !ok {
			err = &affiliate.NotFoundError{Kind: "settlement", ID: id}
		}
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*s))
}

// MarkSettled handles POST /settlements/{id}/settle.
func (h *Handler) MarkSettled(w http.ResponseWriter, r *http.Request) {
	var req MarkSettledRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, err := h.Engine.Settlements.MarkSettled(r.Context(), chi.URLParam(r, "id"), req.Method, req.Reference, actorID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*s))
}

// VoidSettlement handles POST /settlements/{id}/void.
func (h *Handler) VoidSettlement(w http.ResponseWriter, r *http.Request) {
	var req VoidRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	s, err := h.Engine.Settlements.VoidSettlement(r.Context(), chi.URLParam(r, "id"), req.Reason, actorID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(*s))
}

// RunSettlements handles POST /admin/settlements/run. Without a period the
// latest closed one is used; without an affiliate every affiliate is run.
func (h *Handler) RunSettlements(w http.ResponseWriter, r *http.Request) {
	var req RunSettlementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ctx := r.Context()
	if req.PeriodID == "" {
		req.PeriodID = affiliate.LatestClosedPeriod(h.now()).ID()
	}

	if req.AffiliateID != "" {
		s, err := h.Engine.Settlements.RunSettlement(ctx, req.AffiliateID, req.PeriodID, actorID(r))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		out := SettlementRunDTO{PeriodID: req.PeriodID, Settlements: []SettlementDTO{}}
		if !pendingAfterRun(s) {
			out.Skipped = 1
		} else {
			out.Processed = 1
			out.Settlements = append(out.Settlements, toSettlementDTO(*s))
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	sched := h.Scheduler
	if sched == nil {
		sched = NewSettlementScheduler(h.Engine)
	}
	run, err := sched.RunPeriod(ctx, req.PeriodID, actorID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SettlementRunDTO{
		PeriodID:    run.PeriodID,
		Processed:   run.Processed,
		Skipped:     run.Skipped,
		Failed:      run.Failed,
		Settlements: toSettlementDTOs(run.Settlements),
	})
}

// =============================================================================
// APPLICATIONS
// =============================================================================

// SubmitApplication handles POST /applications.
func (h *Handler) SubmitApplication(w http.ResponseWriter, r *http.Request) {
	var req SubmitApplicationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	app, err := h.Engine.Applications.Submit(r.Context(), affiliate.SubmitInput{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Website:     req.Website,
		Password:    req.Password,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toApplicationDTO(*app))
}

// ListApplications handles GET /applications.
func (h *Handler) ListApplications(w http.ResponseWriter, r *http.Request) {
	status := affiliate.ApplicationStatus(r.URL.Query().Get("status"))
	apps, err := h.Engine.Applications.List(r.Context(), status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]ApplicationDTO, 0, len(apps))
	for _, a := range apps {
		out = append(out, toApplicationDTO(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetApplication handles GET /applications/{id}.
func (h *Handler) GetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := h.Engine.Applications.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationDTO(*app))
}

// ApproveApplication handles POST /applications/{id}/approve.
func (h *Handler) ApproveApplication(w http.ResponseWriter, r *http.Request) {
	app, aff, err := h.Engine.Applications.Approve(r.Context(), chi.URLParam(r, "id"), actorID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ApproveApplicationResponse{
		Application: toApplicationDTO(*app),
		Affiliate:   toAffiliateDTO(*aff),
	})
}

// RejectApplication handles POST /applications/{id}/reject.
func (h *Handler) RejectApplication(w http.ResponseWriter, r *http.Request) {
	var req RejectApplicationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	app, err := h.Engine.Applications.Reject(r.Context(), chi.URLParam(r, "id"), actorID(r), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toApplicationDTO(*app))
}

// =============================================================================
// AFFILIATES & LINKS
// =============================================================================

// ListAffiliates handles GET /affiliates.
func (h *Handler) ListAffiliates(w http.ResponseWriter, r *http.Request) {
	list, err := h.Engine.Affiliates.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]AffiliateDTO, 0, len(list))
	for _, a := range list {
		out = append(out, toAffiliateDTO(a))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetAffiliate handles GET /affiliates/{id}.
func (h *Handler) GetAffiliate(w http.ResponseWriter, r *http.Request) {
	aff, err := h.Engine.Affiliates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAffiliateDTO(*aff))
}

// SetAffiliateStatus handles POST /affiliates/{id}/status.
func (h *Handler) SetAffiliateStatus(w http.ResponseWriter, r *http.Request) {
	var req SetStatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	aff, err := h.Engine.Affiliates.SetStatus(r.Context(), chi.URLParam(r, "id"),
		affiliate.AffiliateStatus(req.Status), actorID(r), req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAffiliateDTO(*aff))
}

// SetAffiliateTier handles POST /affiliates/{id}/tier.
func (h *Handler) SetAffiliateTier(w http.ResponseWriter, r *http.Request) {
	var req SetTierRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	aff, err := h.Engine.Affiliates.SetTier(r.Context(), chi.URLParam(r, "id"), affiliate.Tier(req.Tier), actorID(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAffiliateDTO(*aff))
}

// CreateLink handles POST /affiliates/{id}/links.
func (h *Handler) CreateLink(w http.ResponseWriter, r *http.Request) {
	affID, ok := scopeAffiliate(r, chi.URLParam(r, "id"))
	if !ok {
		writeErrorCode(w, http.StatusForbidden, "Forbidden", "forbidden", nil)
		return
	}
	var req CreateLinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	link, err := h.Engine.Links.CreateLink(r.Context(), affiliate.CreateLinkInput{
		AffiliateID: affID,
		Name:        req.Name,
		TargetURL:   req.TargetURL,
		UTM:         req.UTM.toUTM(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLinkDTO(*link))
}

// ListLinks handles GET /affiliates/{id}/links.
func (h *Handler) ListLinks(w http.ResponseWriter, r *http.Request) {
	affID, ok := scopeAffiliate(r, chi.URLParam(r, "id"))
	if !ok {
		writeErrorCode(w, http.StatusForbidden, "Forbidden", "forbidden", nil)
		return
	}
	links, err := h.Engine.Links.ListLinks(r.Context(), affID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]LinkDTO, 0, len(links))
	for _, l := range links {
		out = append(out, toLinkDTO(l))
	}
	writeJSON(w, http.StatusOK, out)
}

// =============================================================================
// ANALYTICS, AUDIT, COMMISSION, HEALTH
// =============================================================================

// GetAnalytics handles GET /admin/analytics.
func (h *Handler) GetAnalytics(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Engine.Analytics.Compute(r.Context(), r.URL.Query().Get("range"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAnalyticsDTO(rep))
}

// ListAudit handles GET /admin/audit.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Engine.Audit(r.Context(), r.URL.Query().Get("entityId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	out := make([]AuditEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toAuditEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCommission handles GET /commission.
func (h *Handler) GetCommission(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	value, err := decimal.NewFromString(strings.TrimSpace(q.Get("orderValue")))
	if err != nil {
		writeErrorCode(w, http.StatusBadRequest, "Invalid order_value", "validation", err)
		return
	}
	tier := affiliate.Tier(q.Get("tier"))
	amount, err := affiliate.Commission(value, tier)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	rate, ok := affiliate.Rate(tier)
	applied := tier
	if !ok {
		applied = affiliate.TierBronze
	}
	writeJSON(w, http.StatusOK, CommissionDTO{
		OrderValue:  money(value),
		Tier:        string(tier),
		AppliedTier: string(applied),
		Rate:        rate.String(),
		Commission:  money(amount),
	})
}

// Healthz handles GET /healthz.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health(r.Context()); err != nil {
			writeErrorCode(w, http.StatusServiceUnavailable, "Store unavailable", "storage", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	writeErrorCode(w, status, message, "", err)
}

func writeErrorCode(w http.ResponseWriter, status int, message, code string, err error) {
	resp := ErrorResponse{Error: message, Code: code}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the affiliate error taxonomy onto HTTP.
func writeDomainError(w http.ResponseWriter, err error) {
	var ve *affiliate.ValidationError
	switch {
	case errors.As(err, &ve):
		writeErrorCode(w, http.StatusBadRequest, "Invalid "+ve.Field, "validation", err)
	case errors.Is(err, affiliate.ErrNotFound):
		writeErrorCode(w, http.StatusNotFound, "Not found", "not_found", err)
	case errors.Is(err, affiliate.ErrInvalidState):
		writeErrorCode(w, http.StatusConflict, "Invalid state transition", "invalid_state", err)
	case errors.Is(err, affiliate.ErrDuplicateOrder), errors.Is(err, affiliate.ErrDuplicateKey):
		writeErrorCode(w, http.StatusConflict, "Duplicate", "duplicate", err)
	case errors.Is(err, affiliate.ErrStorage):
		zap.L().Error("storage failure", zap.Error(err))
		writeErrorCode(w, http.StatusServiceUnavailable, "Storage unavailable", "storage", err)
	default:
		zap.L().Error("unhandled error", zap.Error(err))
		writeErrorCode(w, http.StatusInternalServerError, "Internal error", "internal", err)
	}
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
// On failure it writes a 400 and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeErrorCode(w, http.StatusBadRequest, "Invalid request body", "validation", err)
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
