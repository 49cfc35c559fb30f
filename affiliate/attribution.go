/*
attribution.go - Referral parameter capture and the attribution cookie

PURPOSE:
  Turns a landing request carrying referral/UTM parameters into a durable
  AttributionPayload (stored client-side as a cookie), records the Click,
  and hands back a clean redirect target with the tracking parameters
  removed so the same click is never resolved twice.

FLOW:
  landing URL ──▶ ParseTrackingParams ──▶ any present?
                                            │ yes: resolve code, RecordClick,
                                            │      new payload, redirect
                                            │ no:  pass through an unexpired
                                            ▼      prior payload untouched
                                        Resolution

RECOGNISED PARAMETERS:
  ref, affiliate_id, utm_source, utm_medium, utm_campaign

UNKNOWN CODES:
  A code that maps to no affiliate is still recorded as an anonymous
  click (click volume matters for analytics). No affiliate is ever
  fabricated, so conversions carrying that payload stay unattributed.

COOKIE VALUE:
  Payloads leave the engine as HS256 tokens signed by AttributionCodec.
  A value that was not signed with the engine's secret never attributes.

SEE ALSO:
  - links.go: Code resolution
  - events.go: RecordClick
*/
package affiliate

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Tracking query parameters.
const (
	ParamRef         = "ref"
	ParamAffiliateID = "affiliate_id"
	ParamUTMSource   = "utm_source"
	ParamUTMMedium   = "utm_medium"
	ParamUTMCampaign = "utm_campaign"
)

var trackingParams = []string{ParamRef, ParamAffiliateID, ParamUTMSource, ParamUTMMedium, ParamUTMCampaign}

// DefaultAttributionWindow is how long a click keeps crediting conversions.
const DefaultAttributionWindow = 30 * 24 * time.Hour

// =============================================================================
// TRACKING PARAMETERS
// =============================================================================

// TrackingParams are the referral identifiers found on a landing URL.
type TrackingParams struct {
	Ref         string
	AffiliateID string
	UTM         UTM
}

// Empty reports whether no tracking parameter was present.
func (p TrackingParams) Empty() bool {
	return p.Ref == "" && p.AffiliateID == "" && p.UTM.IsZero()
}

// ParseTrackingParams extracts the tracking parameters from q.
func ParseTrackingParams(q url.Values) TrackingParams {
	get := func(k string) string { return strings.TrimSpace(q.Get(k)) }
	return TrackingParams{
		Ref:         get(ParamRef),
		AffiliateID: get(ParamAffiliateID),
		UTM: UTM{
			Source:   get(ParamUTMSource),
			Medium:   get(ParamUTMMedium),
			Campaign: get(ParamUTMCampaign),
		},
	}
}

// StripTrackingParams returns u's path, remaining query and fragment with
// every tracking parameter removed. Other parameters keep their order.
func StripTrackingParams(u *url.URL) string {
	var kept []string
	for _, part := range strings.Split(u.RawQuery, "&") {
		if part == "" {
			continue
		}
		key := part
		if i := strings.IndexByte(part, '='); i >= 0 {
			key = part[:i]
		}
		if k, err := url.QueryUnescape(key); err == nil && isTrackingParam(k) {
			continue
		}
		kept = append(kept, part)
	}
	out := url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: strings.Join(kept, "&"), Fragment: u.Fragment}
	if out.Path == "" {
		out.Path = "/"
	}
	return out.String()
}

func isTrackingParam(k string) bool {
	for _, p := range trackingParams {
		if k == p {
			return true
		}
	}
	return false
}

// =============================================================================
// ATTRIBUTION PAYLOAD - The cookie value object
// =============================================================================

// AttributionPayload is the attribution state carried between requests.
type AttributionPayload struct {
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

// Expired reports whether the payload no longer attributes at now.
func (p AttributionPayload) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

type attributionClaims struct {
	Payload AttributionPayload `json:"att"`
	jwt.RegisteredClaims
}

// AttributionCodec signs payloads into cookie values and verifies them on
// the way back.
type AttributionCodec struct {
	secret []byte
}

// NewAttributionCodec returns a codec keyed by secret, which must not be empty.
func NewAttributionCodec(secret []byte) *AttributionCodec {
	return &AttributionCodec{secret: secret}
}

// Encode returns the signed cookie value for p.
func (c *AttributionCodec) Encode(p AttributionPayload) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, attributionClaims{Payload: p}).SignedString(c.secret)
}

// Decode verifies a value produced by Encode. Expiry is left to the caller,
// which knows the instant being attributed.
func (c *AttributionCodec) Decode(value string) (AttributionPayload, error) {
	var claims attributionClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(value), &claims, func(*jwt.Token) (any, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return AttributionPayload{}, invalid("attribution", "not a signed attribution value")
	}
	p := claims.Payload
	if p.ExpiresAt.IsZero() || !p.ExpiresAt.After(p.IssuedAt) {
		return AttributionPayload{}, invalid("attribution", "missing or inverted expiry")
	}
	return p, nil
}

// =============================================================================
// RESOLVER
// =============================================================================

// Resolution is the outcome of resolving one landing request.
type Resolution struct {
	// Payload is the attribution in force after the request, or nil.
	Payload *AttributionPayload

	// Fresh is true when Payload was created by this request and must be
	// written back (cookie).
	Fresh bool

	// Redirect is the clean target when tracking parameters were stripped.
	Redirect string

	// Click is the click recorded for this request, if any.
	Click *Click
}

// Resolver implements the attribution step of a storefront page view.
type Resolver struct {
	Links  *LinkRegistry
	Events *EventStore
	Codec  *AttributionCodec
	Now    func() time.Time
}

// NewResolver wires a resolver over the registry and event store.
func NewResolver(links *LinkRegistry, events *EventStore, codec *AttributionCodec) *Resolver {
	return &Resolver{Links: links, Events: events, Codec: codec, Now: time.Now}
}

// Resolve inspects rawURL (path and query of the landing request) and the
// previously stored cookie value, if any. An unsigned or tampered cookie
// is treated as absent.
func (r *Resolver) Resolve(ctx context.Context, rawURL, existing string, meta ClickMetadata) (*Resolution, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, invalid("url", "cannot parse %q", rawURL)
	}
	now := r.Now().UTC()
	params := ParseTrackingParams(u.Query())

	if params.Empty() {
		if existing == "" {
			return &Resolution{}, nil
		}
		prior, err := r.Codec.Decode(existing)
		if err != nil || prior.Expired(now) {
			return &Resolution{}, nil
		}
		return &Resolution{Payload: &prior}, nil
	}

	aff, link, err := r.resolveAffiliate(ctx, params)
	if err != nil {
		return nil, err
	}

	in := ClickInput{UTM: params.UTM, Metadata: meta}
	if ValidCode(params.Ref) {
		in.Code = params.Ref
	}
	if aff != nil {
		in.AffiliateID = aff.ID
	}
	if link != nil {
		in.LinkID = link.ID
		if in.UTM.IsZero() {
			in.UTM = link.UTM
		}
	}
	if in.Metadata.LandingURL == "" {
		in.Metadata.LandingURL = rawURL
	}
	click, err := r.Events.RecordClick(ctx, in)
	if err != nil {
		return nil, err
	}

	payload := &AttributionPayload{
		AffiliateRef: in.Code,
		AffiliateID:  click.AffiliateID,
		LinkID:       click.LinkID,
		ClickID:      click.ID,
		UTMSource:    in.UTM.Source,
		UTMMedium:    in.UTM.Medium,
		UTMCampaign:  in.UTM.Campaign,
		IssuedAt:     click.CreatedAt,
		ExpiresAt:    click.ExpiresAt,
	}
	return &Resolution{
		Payload:  payload,
		Fresh:    true,
		Redirect: StripTrackingParams(u),
		Click:    click,
	}, nil
}

func (r *Resolver) resolveAffiliate(ctx context.Context, p TrackingParams) (*Affiliate, *Link, error) {
	if p.Ref != "" && ValidCode(p.Ref) {
		aff, link, err := r.Links.Resolve(ctx, p.Ref)
		if err != nil || aff != nil {
			return aff, link, err
		}
	}
	if p.AffiliateID != "" {
		aff, err := r.Events.Store.GetAffiliate(ctx, p.AffiliateID)
		if err != nil {
			return nil, nil, storageErr("get affiliate", err)
		}
		return aff, nil, nil
	}
	return nil, nil, nil
}
