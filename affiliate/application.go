/*
application.go - Affiliate onboarding workflow

PURPOSE:
  Governs how a prospective partner becomes an Affiliate. An application
  is submitted publicly, then an admin approves or rejects it exactly once.

STATE MACHINE:
  ┌─────────┐   approve    ┌──────────┐
  │ pending │─────────────▶│ approved │──▶ new Affiliate (bronze, active)
  └─────────┘              └──────────┘
       │        reject     ┌──────────┐
       └──────────────────▶│ rejected │    (kept for audit)
                           └──────────┘

  Both terminal states are immutable. A second approve/reject returns
  InvalidStateError and writes nothing.

CONCURRENCY:
  The check-then-act sequence runs under a lock on the application id, and
  the status write is a compare-and-swap, so two admins clicking approve at
  the same time produce exactly one Affiliate.

ATOMICITY:
  Approval writes the application status, the new Affiliate and the audit
  entry in one transaction.

SEE ALSO:
  - codes.go: Referral code generation
  - affiliates.go: Administration of the resulting affiliates
*/
package affiliate

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// MinPasswordLength is the shortest accepted application password.
const MinPasswordLength = 8

// ApplicationWorkflow handles submission and review of applications.
type ApplicationWorkflow struct {
	Store      Store
	Retry      RetryPolicy
	Currency   string
	BcryptCost int
	Now        func() time.Time

	locks *KeyedMutex
}

// NewApplicationWorkflow creates a workflow with default settings.
func NewApplicationWorkflow(store Store, locks *KeyedMutex) *ApplicationWorkflow {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	return &ApplicationWorkflow{
		Store:      store,
		Retry:      DefaultRetryPolicy,
		Currency:   DefaultCurrency,
		BcryptCost: bcrypt.DefaultCost,
		Now:        time.Now,
		locks:      locks,
	}
}

// SubmitInput is a public application.
type SubmitInput struct {
	Email       string
	DisplayName string
	Website     string
	Password    string
}

// Submit validates and stores a pending application.
func (w *ApplicationWorkflow) Submit(ctx context.Context, in SubmitInput) (*Application, error) {
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(in.DisplayName)
	if name == "" {
		return nil, invalid("display_name", "is required")
	}
	if len(in.Password) < MinPasswordLength {
		return nil, invalid("password", "must be at least %d characters", MinPasswordLength)
	}

	unlock := w.locks.Lock("email:" + email)
	defer unlock()

	if aff, err := w.Store.GetAffiliateByEmail(ctx, email); err != nil {
		return nil, storageErr("get affiliate by email", err)
	} else if aff != nil {
		return nil, &InvalidStateError{Kind: "affiliate", ID: aff.ID, Status: string(aff.Status), Action: "apply again as"}
	}
	if app, err := w.Store.PendingApplicationByEmail(ctx, email); err != nil {
		return nil, storageErr("get pending application", err)
	} else if app != nil {
		return nil, &InvalidStateError{Kind: "application", ID: app.ID, Status: string(app.Status), Action: "submit duplicate of"}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), w.BcryptCost)
	if err != nil {
		return nil, invalid("password", "%v", err)
	}

	app := Application{
		ID:           newID("app"),
		Email:        email,
		DisplayName:  name,
		Website:      strings.TrimSpace(in.Website),
		PasswordHash: string(hash),
		Status:       ApplicationPending,
		CreatedAt:    w.Now().UTC(),
	}
	err = w.Retry.Do(ctx, "create application", func() error {
		return storageErr("create application", w.Store.CreateApplication(ctx, app))
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("application submitted", zap.String("application_id", app.ID))
	return &app, nil
}

func normalizeEmail(s string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil || addr.Name != "" {
		return "", invalid("email", "%q is not an email address", s)
	}
	return strings.ToLower(addr.Address), nil
}

// Get returns the application or a NotFoundError.
func (w *ApplicationWorkflow) Get(ctx context.Context, id string) (*Application, error) {
	app, err := w.Store.GetApplication(ctx, id)
	if err != nil {
		return nil, storageErr("get application", err)
	}
	if app == nil {
		return nil, notFound("application", id)
	}
	return app, nil
}

// List returns applications with the given status, or all when empty.
func (w *ApplicationWorkflow) List(ctx context.Context, status ApplicationStatus) ([]Application, error) {
	apps, err := w.Store.ListApplications(ctx, status)
	if err != nil {
		return nil, storageErr("list applications", err)
	}
	return apps, nil
}

// =============================================================================
// REVIEW
// =============================================================================

// Approve approves a pending application and creates its Affiliate.
func (w *ApplicationWorkflow) Approve(ctx context.Context, id, reviewerID string) (*Application, *Affiliate, error) {
	unlock := w.locks.Lock("application:" + id)
	defer unlock()

	app, err := w.pending(ctx, id, "approve")
	if err != nil {
		return nil, nil, err
	}

	now := w.Now().UTC()
	var aff Affiliate
	err = w.Retry.Do(ctx, "approve application", func() error {
		code, err := uniqueCode(ctx, w.Store, referralCodeLength)
		if err != nil {
			return storageErr("generate referral code", err)
		}
		aff = Affiliate{
			ID:            newID("aff"),
			Email:         app.Email,
			DisplayName:   app.DisplayName,
			Website:       app.Website,
			ReferralCode:  code,
			Tier:          TierBronze,
			Status:        AffiliateActive,
			Currency:      w.Currency,
			PasswordHash:  app.PasswordHash,
			ApplicationID: app.ID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}

		updated := *app
		updated.Status = ApplicationApproved
		updated.ReviewerID = reviewerID
		updated.ReviewedAt = &now
		updated.AffiliateID = aff.ID

		return storageErr("approve application", w.Store.WithTx(ctx, func(tx Store) error {
			if err := tx.UpdateApplication(ctx, updated, ApplicationPending); err != nil {
				return err
			}
			if err := tx.CreateAffiliate(ctx, aff); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, AuditEntry{
				ID:         newID("audit"),
				At:         now,
				ActorID:    reviewerID,
				Action:     AuditApplicationApproved,
				EntityKind: "application",
				EntityID:   app.ID,
				Metadata:   map[string]string{"affiliate_id": aff.ID, "referral_code": aff.ReferralCode},
			})
		}))
	})
	if errors.Is(err, ErrConcurrentModification) {
		return nil, nil, w.reportRace(ctx, id, "approve")
	}
	if err != nil {
		return nil, nil, err
	}

	zap.L().Info("application approved",
		zap.String("application_id", app.ID),
		zap.String("affiliate_id", aff.ID),
		zap.String("reviewer_id", reviewerID))

	approved, err := w.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return approved, &aff, nil
}

// Reject rejects a pending application. No Affiliate is created.
func (w *ApplicationWorkflow) Reject(ctx context.Context, id, reviewerID, reason string) (*Application, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid("reason", "is required")
	}

	unlock := w.locks.Lock("application:" + id)
	defer unlock()

	app, err := w.pending(ctx, id, "reject")
	if err != nil {
		return nil, err
	}

	now := w.Now().UTC()
	updated := *app
	updated.Status = ApplicationRejected
	updated.ReviewerID = reviewerID
	updated.ReviewedAt = &now
	updated.RejectionReason = reason

	err = w.Retry.Do(ctx, "reject application", func() error {
		return storageErr("reject application", w.Store.WithTx(ctx, func(tx Store) error {
			if err := tx.UpdateApplication(ctx, updated, ApplicationPending); err != nil {
				return err
			}
			return tx.AppendAudit(ctx, AuditEntry{
				ID:         newID("audit"),
				At:         now,
				ActorID:    reviewerID,
				Action:     AuditApplicationRejected,
				EntityKind: "application",
				EntityID:   app.ID,
				Reason:     reason,
			})
		}))
	})
	if errors.Is(err, ErrConcurrentModification) {
		return nil, w.reportRace(ctx, id, "reject")
	}
	if err != nil {
		return nil, err
	}
	zap.L().Info("application rejected",
		zap.String("application_id", app.ID),
		zap.String("reviewer_id", reviewerID))
	return &updated, nil
}

// pending loads the application and checks it can still be reviewed.
func (w *ApplicationWorkflow) pending(ctx context.Context, id, action string) (*Application, error) {
	app, err := w.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if app.Status.Terminal() {
		return nil, &InvalidStateError{Kind: "application", ID: id, Status: string(app.Status), Action: action}
	}
	return app, nil
}

func (w *ApplicationWorkflow) reportRace(ctx context.Context, id, action string) error {
	app, err := w.Get(ctx, id)
	if err != nil {
		return err
	}
	return &InvalidStateError{Kind: "application", ID: id, Status: string(app.Status), Action: action}
}
