package affiliate_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-engine/affiliate"
	"golang.org/x/crypto/bcrypt"
)

func submit(t *testing.T, eng *affiliate.Engine, email string) *affiliate.Application {
	t.Helper()
	app, err := eng.Applications.Submit(context.Background(), affiliate.SubmitInput{
		Email:       email,
		DisplayName: "Studio Lin",
		Website:     "https://studio-lin.example",
		Password:    "correct-horse",
	})
	require.NoError(t, err)
	return app
}

func TestSubmit_NormalizesAndHashes(t *testing.T) {
	eng, _ := newTestEngine(t)

	app := submit(t, eng, "  Maya@Studio-Lin.Example ")

	assert.Equal(t, "maya@studio-lin.example", app.Email)
	assert.Equal(t, affiliate.ApplicationPending, app.Status)
	assert.NotEqual(t, "correct-horse", app.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(app.PasswordHash), []byte("correct-horse")))
}

func TestSubmit_Validation(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		in    affiliate.SubmitInput
		field string
	}{
		{"bad email", affiliate.SubmitInput{Email: "nope", DisplayName: "x", Password: "12345678"}, "email"},
		{"named address", affiliate.SubmitInput{Email: "Maya <m@x.example>", DisplayName: "x", Password: "12345678"}, "email"},
		{"no name", affiliate.SubmitInput{Email: "m@x.example", Password: "12345678"}, "display_name"},
		{"short password", affiliate.SubmitInput{Email: "m@x.example", DisplayName: "x", Password: "1234567"}, "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Applications.Submit(ctx, tt.in)
			var verr *affiliate.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestSubmit_DuplicateEmail_Rejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	app := submit(t, eng, "dup@example.com")

	// Pending application with the same email.
	_, err := eng.Applications.Submit(ctx, affiliate.SubmitInput{Email: "DUP@example.com", DisplayName: "x", Password: "12345678"})
	assert.ErrorIs(t, err, affiliate.ErrInvalidState)

	// Existing affiliate with the same email.
	_, _, err = eng.Applications.Approve(ctx, app.ID, "admin:test")
	require.NoError(t, err)
	_, err = eng.Applications.Submit(ctx, affiliate.SubmitInput{Email: "dup@example.com", DisplayName: "x", Password: "12345678"})
	assert.ErrorIs(t, err, affiliate.ErrInvalidState)
}

func TestApprove_CreatesBronzeActiveAffiliate(t *testing.T) {
	// GIVEN: A pending application
	// WHEN: An admin approves it
	// THEN: An active bronze affiliate exists with a fresh referral code,
	//       linked both ways, and the approval is audited

	eng, _ := newTestEngine(t)
	ctx := context.Background()
	app := submit(t, eng, "new@example.com")

	approved, aff, err := eng.Applications.Approve(ctx, app.ID, "admin:alice")
	require.NoError(t, err)

	assert.Equal(t, affiliate.ApplicationApproved, approved.Status)
	assert.Equal(t, "admin:alice", approved.ReviewerID)
	require.NotNil(t, approved.ReviewedAt)
	assert.Equal(t, aff.ID, approved.AffiliateID)

	assert.Equal(t, affiliate.TierBronze, aff.Tier)
	assert.Equal(t, affiliate.AffiliateActive, aff.Status)
	assert.Equal(t, app.ID, aff.ApplicationID)
	assert.Len(t, aff.ReferralCode, 6)
	assert.True(t, affiliate.ValidCode(aff.ReferralCode))
	assert.Equal(t, app.PasswordHash, aff.PasswordHash)

	byCode, _, err := eng.Links.Resolve(ctx, aff.ReferralCode)
	require.NoError(t, err)
	require.NotNil(t, byCode)
	assert.Equal(t, aff.ID, byCode.ID)

	trail, err := eng.Audit(ctx, app.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, affiliate.AuditApplicationApproved, trail[0].Action)
	assert.Equal(t, aff.ID, trail[0].Metadata["affiliate_id"])
}

func TestApprove_Concurrent_ExactlyOneAffiliate(t *testing.T) {
	// GIVEN: Two admins approving the same application at the same time
	// THEN: One succeeds, the other gets InvalidStateError, one affiliate exists

	eng, _ := newTestEngine(t)
	ctx := context.Background()
	app := submit(t, eng, "race@example.com")

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = eng.Applications.Approve(ctx, app.ID, "admin:test")
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, affiliate.ErrInvalidState)
	}
	assert.Equal(t, 1, ok)

	affs, err := eng.Affiliates.List(ctx)
	require.NoError(t, err)
	assert.Len(t, affs, 1)
}

func TestReview_TerminalStatesAreImmutable(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	approved := submit(t, eng, "one@example.com")
	_, _, err := eng.Applications.Approve(ctx, approved.ID, "admin:test")
	require.NoError(t, err)

	rejected := submit(t, eng, "two@example.com")
	_, err = eng.Applications.Reject(ctx, rejected.ID, "admin:test", "")
	assert.ErrorIs(t, err, affiliate.ErrValidation, "reason is required")
	r, err := eng.Applications.Reject(ctx, rejected.ID, "admin:test", "not a fit")
	require.NoError(t, err)
	assert.Equal(t, "not a fit", r.RejectionReason)

	for _, id := range []string{approved.ID, rejected.ID} {
		_, _, err = eng.Applications.Approve(ctx, id, "admin:test")
		var serr *affiliate.InvalidStateError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "approve", serr.Action)

		_, err = eng.Applications.Reject(ctx, id, "admin:test", "again")
		assert.ErrorIs(t, err, affiliate.ErrInvalidState)
	}

	_, _, err = eng.Applications.Approve(ctx, "app_missing", "admin:test")
	assert.ErrorIs(t, err, affiliate.ErrNotFound)

	affs, err := eng.Affiliates.List(ctx)
	require.NoError(t, err)
	assert.Len(t, affs, 1, "rejection creates no affiliate")

	pending, err := eng.Applications.List(ctx, affiliate.ApplicationPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAffiliateAdmin_StatusAndTier(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	aff := newAffiliate(t, eng, "admin@example.com", "")
	conv := confirmedOrder(t, eng, aff.ID, "tier-1", "1000", march10)

	up, err := eng.Affiliates.SetTier(ctx, aff.ID, affiliate.TierGold, "admin:test")
	require.NoError(t, err)
	assert.Equal(t, affiliate.TierGold, up.Tier)

	// Recorded commission keeps the tier it was computed with.
	stored, err := eng.Events.GetConversion(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", stored.Commission.StringFixed(2))

	_, err = eng.Affiliates.SetTier(ctx, aff.ID, affiliate.Tier("diamond"), "admin:test")
	assert.ErrorIs(t, err, affiliate.ErrValidation)
	_, err = eng.Affiliates.SetStatus(ctx, aff.ID, affiliate.AffiliatePending, "admin:test", "")
	assert.ErrorIs(t, err, affiliate.ErrValidation)

	sus, err := eng.Affiliates.SetStatus(ctx, aff.ID, affiliate.AffiliateSuspended, "admin:test", "fraud review")
	require.NoError(t, err)
	assert.False(t, sus.CanEarn())

	trail, err := eng.Audit(ctx, aff.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, affiliate.AuditAffiliateTier, trail[0].Action)
	assert.Equal(t, "bronze", trail[0].Metadata["from"])
	assert.Equal(t, affiliate.AuditAffiliateStatus, trail[1].Action)
	assert.Equal(t, "fraud review", trail[1].Reason)
}
