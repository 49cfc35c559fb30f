/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Populates the store with realistic affiliate data for demos and the
	admin UI. Scenarios are YAML fixtures embedded in the binary and are
	loaded through the same engine services the API uses, so every row
	they produce went through validation, commission and audit.

AVAILABLE SCENARIOS:

	launch-week:           Tiered partners, links, clicks, fresh orders
	month-end-settlement:  Three months of commission, settled and paid
	review-queue:          Applications in every state, a suspended partner

HOW SCENARIOS WORK:
 1. Affiliates are created by submitting and approving an application
 2. Tier, links and clicks are set up for newly created affiliates
 3. Conversions are recorded, then confirmed or voided
 4. Affiliate status changes are applied after the conversions
 5. Optionally, closed periods are settled and older ones paid

RELOADING:

	Loading a scenario twice is harmless. Affiliates are matched by email,
	order ids are prefixed with the scenario id, and settlement is
	idempotent per period.

USAGE VIA API:

	POST /admin/scenarios/load
	{"scenarioId": "launch-week"}

ADDING NEW SCENARIOS:
 1. Drop a YAML file into scenarios/ (the file name sets list order)
 2. Give it a unique id

SEE ALSO:
  - handlers.go: Engine services used by the loader
*/
package api

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-engine/affiliate"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed scenarios/*.yaml
var scenarioFS embed.FS

// ScenarioActor is the audit actor for scenario loading.
const ScenarioActor = "system:scenario"

const scenarioPassword = "demo-password"

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ID           string                `yaml:"id"`
	Name         string                `yaml:"name"`
	Description  string                `yaml:"description"`
	Category     string                `yaml:"category"`
	Affiliates   []scenarioAffiliate   `yaml:"affiliates"`
	Applications []scenarioApplication `yaml:"applications"`
	Conversions  []scenarioConversion  `yaml:"conversions"`
	Settle       struct {
		Run bool `yaml:"run"`
		Pay bool `yaml:"pay"`
	} `yaml:"settle"`
}

type scenarioAffiliate struct {
	Key          string         `yaml:"key"`
	Email        string         `yaml:"email"`
	DisplayName  string         `yaml:"displayName"`
	Website      string         `yaml:"website"`
	Tier         string         `yaml:"tier"`
	Status       string         `yaml:"status"`
	StatusReason string         `yaml:"statusReason"`
	Clicks       int            `yaml:"clicks"`
	Links        []scenarioLink `yaml:"links"`
}

type scenarioLink struct {
	Name      string `yaml:"name"`
	TargetURL string `yaml:"targetUrl"`
	UTM       struct {
		Source   string `yaml:"source"`
		Medium   string `yaml:"medium"`
		Campaign string `yaml:"campaign"`
	} `yaml:"utm"`
	Clicks int `yaml:"clicks"`
}

type scenarioApplication struct {
	Email       string `yaml:"email"`
	DisplayName string `yaml:"displayName"`
	Website     string `yaml:"website"`
	Status      string `yaml:"status"`
	Reason      string `yaml:"reason"`
}

type scenarioConversion struct {
	Affiliate  string `yaml:"affiliate"`
	OrderID    string `yaml:"orderId"`
	OrderValue string `yaml:"orderValue"`
	DaysAgo    int    `yaml:"daysAgo"`
	Status     string `yaml:"status"`
	Items      []struct {
		ProductID string `yaml:"productId"`
		Title     string `yaml:"title"`
		Quantity  int64  `yaml:"quantity"`
		UnitPrice string `yaml:"unitPrice"`
	} `yaml:"items"`
}

// loadScenarios parses every embedded fixture, ordered by file name.
func loadScenarios() ([]*scenario, error) {
	entries, err := fs.ReadDir(scenarioFS, "scenarios")
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var out []*scenario
	for _, e := range entries {
		raw, err := scenarioFS.ReadFile(path.Join("scenarios", e.Name()))
		if err != nil {
			return nil, err
		}
		var sc scenario
		if err := yaml.Unmarshal(raw, &sc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", e.Name(), err)
		}
		out = append(out, &sc)
	}
	return out, nil
}

func findScenario(id string) (*scenario, error) {
	all, err := loadScenarios()
	if err != nil {
		return nil, err
	}
	for _, sc := range all {
		if sc.ID == id {
			return sc, nil
		}
	}
	return nil, nil
}

// =============================================================================
// HANDLERS
// =============================================================================

// ListScenarios handles GET /admin/scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	all, err := loadScenarios()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenarios", err)
		return
	}
	out := make([]ScenarioDTO, 0, len(all))
	for _, sc := range all {
		out = append(out, ScenarioDTO{ID: sc.ID, Name: sc.Name, Description: sc.Description, Category: sc.Category})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentScenario handles GET /admin/scenarios/current.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"scenarioId": current})
}

// LoadScenario handles POST /admin/scenarios/load.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sc, err := findScenario(req.ScenarioID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenarios", err)
		return
	}
	if sc == nil {
		writeErrorCode(w, http.StatusNotFound, "Scenario not found", "not_found", fmt.Errorf("unknown scenario %q", req.ScenarioID))
		return
	}

	res, err := h.loadScenario(r.Context(), sc)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.mu.Lock()
	h.currentScenario = sc.ID
	h.mu.Unlock()

	zap.L().Info("scenario loaded",
		zap.String("scenario_id", sc.ID),
		zap.Int("affiliates", res.Affiliates),
		zap.Int("conversions", res.Conversions))
	writeJSON(w, http.StatusOK, res)
}

// =============================================================================
// LOADER
// =============================================================================

func (h *Handler) loadScenario(ctx context.Context, sc *scenario) (*LoadScenarioResponse, error) {
	res := &LoadScenarioResponse{ScenarioID: sc.ID}
	now := h.now()
	byKey := map[string]*affiliate.Affiliate{}

	for _, a := range sc.Affiliates {
		aff, created, err := h.ensureAffiliate(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("affiliate %s: %w", a.Key, err)
		}
		byKey[a.Key] = aff
		res.Affiliates++
		if !created {
			continue
		}
		for i := 0; i < a.Clicks; i++ {
			if _, err := h.Engine.Events.RecordClick(ctx, affiliate.ClickInput{AffiliateID: aff.ID, Code: aff.ReferralCode}); err != nil {
				return nil, err
			}
			res.Clicks++
		}
		for _, l := range a.Links {
			link, err := h.Engine.Links.CreateLink(ctx, affiliate.CreateLinkInput{
				AffiliateID: aff.ID,
				Name:        l.Name,
				TargetURL:   l.TargetURL,
				UTM:         affiliate.UTM{Source: l.UTM.Source, Medium: l.UTM.Medium, Campaign: l.UTM.Campaign},
			})
			if err != nil {
				return nil, fmt.Errorf("link %s: %w", l.Name, err)
			}
			res.Links++
			for i := 0; i < l.Clicks; i++ {
				if _, err := h.Engine.Events.RecordClick(ctx, affiliate.ClickInput{
					AffiliateID: aff.ID, LinkID: link.ID, Code: link.Code, UTM: link.UTM,
				}); err != nil {
					return nil, err
				}
				res.Clicks++
			}
		}
	}

	for _, a := range sc.Applications {
		if err := h.loadApplication(ctx, a); err != nil {
			return nil, fmt.Errorf("application %s: %w", a.Email, err)
		}
		res.Applications++
	}

	periods := map[string]map[string]bool{}
	for _, c := range sc.Conversions {
		conv, err := h.loadConversion(ctx, sc.ID, c, byKey, now)
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", c.OrderID, err)
		}
		res.Conversions++
		if conv.Attributed() && conv.Status == affiliate.ConversionConfirmed {
			if periods[conv.AffiliateID] == nil {
				periods[conv.AffiliateID] = map[string]bool{}
			}
			periods[conv.AffiliateID][affiliate.PeriodFor(conv.OccurredAt).ID()] = true
		}
	}

	for _, a := range sc.Affiliates {
		if a.Status == "" {
			continue
		}
		if _, err := h.Engine.Affiliates.SetStatus(ctx, byKey[a.Key].ID, affiliate.AffiliateStatus(a.Status), ScenarioActor, a.StatusReason); err != nil {
			return nil, err
		}
	}

	if sc.Settle.Run {
		n, err := h.settleScenario(ctx, periods, sc.Settle.Pay, now)
		if err != nil {
			return nil, err
		}
		res.Settlements = n
	}
	return res, nil
}

// ensureAffiliate returns the affiliate with a.Email, creating it through
// the application workflow when missing.
func (h *Handler) ensureAffiliate(ctx context.Context, a scenarioAffiliate) (*affiliate.Affiliate, bool, error) {
	if existing, err := h.Engine.Store.GetAffiliateByEmail(ctx, a.Email); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	app, err := h.Engine.Applications.Submit(ctx, affiliate.SubmitInput{
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Website:     a.Website,
		Password:    scenarioPassword,
	})
	if err != nil {
		return nil, false, err
	}
	_, aff, err := h.Engine.Applications.Approve(ctx, app.ID, ScenarioActor)
	if err != nil {
		return nil, false, err
	}
	if a.Tier != "" && affiliate.Tier(a.Tier) != aff.Tier {
		if aff, err = h.Engine.Affiliates.SetTier(ctx, aff.ID, affiliate.Tier(a.Tier), ScenarioActor); err != nil {
			return nil, false, err
		}
	}
	return aff, true, nil
}

func (h *Handler) loadApplication(ctx context.Context, a scenarioApplication) error {
	app, err := h.Engine.Applications.Submit(ctx, affiliate.SubmitInput{
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Website:     a.Website,
		Password:    scenarioPassword,
	})
	if errors.Is(err, affiliate.ErrInvalidState) {
		// Already applied or already an affiliate from an earlier load.
		return nil
	}
	if err != nil {
		return err
	}
	switch affiliate.ApplicationStatus(a.Status) {
	case affiliate.ApplicationApproved:
		_, _, err = h.Engine.Applications.Approve(ctx, app.ID, ScenarioActor)
	case affiliate.ApplicationRejected:
		_, err = h.Engine.Applications.Reject(ctx, app.ID, ScenarioActor, a.Reason)
	}
	return err
}

func (h *Handler) loadConversion(ctx context.Context, scenarioID string, c scenarioConversion, byKey map[string]*affiliate.Affiliate, now time.Time) (*affiliate.Conversion, error) {
	value, err := decimal.NewFromString(c.OrderValue)
	if err != nil {
		return nil, err
	}
	in := affiliate.ConversionInput{
		OrderID:    scenarioID + "-" + c.OrderID,
		OrderValue: value,
		OccurredAt: now.AddDate(0, 0, -c.DaysAgo),
	}
	if aff := byKey[c.Affiliate]; aff != nil {
		in.AffiliateID = aff.ID
	}
	for _, it := range c.Items {
		price, err := decimal.NewFromString(it.UnitPrice)
		if err != nil {
			return nil, err
		}
		in.Items = append(in.Items, affiliate.LineItem{ProductID: it.ProductID, Title: it.Title, Quantity: it.Quantity, UnitPrice: price})
	}

	res, err := h.Engine.Events.RecordConversion(ctx, in)
	if err != nil {
		return nil, err
	}
	conv := res.Conversion
	if conv.Status != affiliate.ConversionPending {
		return conv, nil
	}
	switch affiliate.ConversionStatus(c.Status) {
	case affiliate.ConversionConfirmed:
		return h.Engine.Events.ConfirmConversion(ctx, conv.ID, ScenarioActor)
	case affiliate.ConversionVoided:
		return h.Engine.Events.VoidConversion(ctx, conv.ID, "refunded", ScenarioActor)
	}
	return conv, nil
}

// settleScenario settles every closed period that received confirmed
// commission. With pay set, all but the latest closed period are marked
// settled.
func (h *Handler) settleScenario(ctx context.Context, periods map[string]map[string]bool, pay bool, now time.Time) (int, error) {
	latest := affiliate.LatestClosedPeriod(now).ID()
	n := 0
	for affID, ids := range periods {
		for id := range ids {
			p, err := affiliate.ParsePeriod(id)
			if err != nil {
				return n, err
			}
			if !p.Closed(now) {
				continue
			}
			s, err := h.Engine.Settlements.RunSettlement(ctx, affID, id, ScenarioActor)
			if err != nil {
				return n, err
			}
			if s == nil {
				continue
			}
			n++
			if pay && id != latest && s.Status == affiliate.SettlementPending {
				ref := fmt.Sprintf("DEMO-%s-%s", id, s.ID[len(s.ID)-6:])
				if _, err := h.Engine.Settlements.MarkSettled(ctx, s.ID, "bank_transfer", ref, ScenarioActor); err != nil {
					return n, err
				}
			}
		}
	}
	return n, nil
}
