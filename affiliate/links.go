package affiliate

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// =============================================================================
// LINK REGISTRY - code <-> affiliate <-> target URL <-> UTM
// =============================================================================

// LinkRegistry owns tracked links and resolves inbound codes.
type LinkRegistry struct {
	Store Store
	Retry RetryPolicy
	Now   func() time.Time
}

// NewLinkRegistry creates a registry with the default retry policy.
func NewLinkRegistry(store Store) *LinkRegistry {
	return &LinkRegistry{Store: store, Retry: DefaultRetryPolicy, Now: time.Now}
}

// CreateLinkInput is the caller-supplied part of a link.
type CreateLinkInput struct {
	AffiliateID string
	Name        string
	TargetURL   string
	UTM         UTM
}

// CreateLink registers a new link with a freshly generated code.
func (r *LinkRegistry) CreateLink(ctx context.Context, in CreateLinkInput) (*Link, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.TargetURL = strings.TrimSpace(in.TargetURL)
	if in.Name == "" {
		return nil, invalid("name", "is required")
	}
	u, err := url.Parse(in.TargetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, invalid("target_url", "must be an absolute http(s) URL")
	}

	aff, err := r.Store.GetAffiliate(ctx, in.AffiliateID)
	if err != nil {
		return nil, storageErr("get affiliate", err)
	}
	if aff == nil {
		return nil, notFound("affiliate", in.AffiliateID)
	}

	var link Link
	err = r.Retry.Do(ctx, "create link", func() error {
		code, err := uniqueCode(ctx, r.Store, linkCodeLength)
		if err != nil {
			return err
		}
		link = Link{
			ID:          newID("link"),
			AffiliateID: aff.ID,
			Code:        code,
			Name:        in.Name,
			TargetURL:   in.TargetURL,
			UTM:         in.UTM,
			CreatedAt:   r.Now().UTC(),
		}
		return storageErr("create link", r.Store.CreateLink(ctx, link))
	})
	if err != nil {
		return nil, err
	}
	return &link, nil
}

// GetLink returns the link or a NotFoundError.
func (r *LinkRegistry) GetLink(ctx context.Context, id string) (*Link, error) {
	l, err := r.Store.GetLink(ctx, id)
	if err != nil {
		return nil, storageErr("get link", err)
	}
	if l == nil {
		return nil, notFound("link", id)
	}
	return l, nil
}

// ListLinks returns the affiliate's links.
func (r *LinkRegistry) ListLinks(ctx context.Context, affiliateID string) ([]Link, error) {
	links, err := r.Store.ListLinks(ctx, affiliateID)
	if err != nil {
		return nil, storageErr("list links", err)
	}
	return links, nil
}

// Resolve maps a code to its affiliate and, for link codes, the link.
// Link codes win over referral codes. An unknown code returns (nil, nil, nil).
func (r *LinkRegistry) Resolve(ctx context.Context, code string) (*Affiliate, *Link, error) {
	if code == "" {
		return nil, nil, nil
	}
	link, err := r.Store.GetLinkByCode(ctx, code)
	if err != nil {
		return nil, nil, storageErr("get link by code", err)
	}
	if link != nil {
		aff, err := r.Store.GetAffiliate(ctx, link.AffiliateID)
		if err != nil {
			return nil, nil, storageErr("get affiliate", err)
		}
		return aff, link, nil
	}
	aff, err := r.Store.GetAffiliateByCode(ctx, code)
	if err != nil {
		return nil, nil, storageErr("get affiliate by code", err)
	}
	return aff, nil, nil
}

// TrackingURL is the link's target with ref and UTM parameters appended.
func TrackingURL(l Link) string {
	u, err := url.Parse(l.TargetURL)
	if err != nil {
		return l.TargetURL
	}
	q := u.Query()
	q.Set(ParamRef, l.Code)
	if l.UTM.Source != "" {
		q.Set(ParamUTMSource, l.UTM.Source)
	}
	if l.UTM.Medium != "" {
		q.Set(ParamUTMMedium, l.UTM.Medium)
	}
	if l.UTM.Campaign != "" {
		q.Set(ParamUTMCampaign, l.UTM.Campaign)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
