package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-import/pkg/config"
	"github.com/ekaya-inc/ekaya-import/pkg/database"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestRouter(repo *memoryApprovalRepo, policy string) *router {
	cfg := config.ApprovalConfig{
		TimeoutPolicy:     policy,
		DeadlineMinutes:   240,
		HighVolumeRecords: 50000,
	}
	r := NewRouter(repo, database.NoScope, nil, cfg, zap.NewNop()).(*router)
	r.now = func() time.Time { return testNow }
	return r
}

// lowRiskInput scores low and asks for approval because confidence is under threshold.
func lowRiskInput() RiskInput {
	return RiskInput{EntityType: "product", AggregateConfidence: 0.6, Threshold: 0.7, TotalRecords: 10}
}

// criticalInput scores critical with injection payloads present.
func criticalInput() RiskInput {
	return RiskInput{
		EntityType:          "product",
		AggregateConfidence: 0,
		Threshold:           0.7,
		TotalRecords:        100000,
		ErrorsBySeverity:    map[models.Severity]int{models.SeverityHigh: 3},
		ErrorDensity:        1,
	}
}

func TestRouter_CreateRequest(t *testing.T) {
	repo := newMemoryApprovalRepo()
	r := newTestRouter(repo, config.TimeoutPolicyEscalate)
	sessionID := uuid.New()

	req, err := r.CreateRequest(context.Background(), sessionID, lowRiskInput())
	require.NoError(t, err)

	assert.Equal(t, sessionID, req.SessionID)
	assert.Equal(t, models.ApprovalStatusPending, req.Status)
	assert.Equal(t, models.ApprovalTypeLowConfidence, req.RequestType)
	assert.Equal(t, models.RiskLow, req.Risk.Level)
	assert.Equal(t, []string{"catalog-editor", "catalog-lead"}, req.AssignedApprovers)
	assert.Equal(t, "low", req.Priority)
	assert.Equal(t, testNow.Add(8*time.Hour), req.Deadline)
	assert.Equal(t, models.DecisionApprove, req.Recommendation)
	assert.Equal(t, 10, req.Context.TotalRecords)

	stored, err := r.GetRequest(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, req.ID, stored.ID)
}

func TestRouter_CreateRequest_CriticalRecommendsReject(t *testing.T) {
	r := newTestRouter(newMemoryApprovalRepo(), config.TimeoutPolicyEscalate)

	req, err := r.CreateRequest(context.Background(), uuid.New(), criticalInput())
	require.NoError(t, err)

	assert.Equal(t, models.RiskCritical, req.Risk.Level)
	assert.Equal(t, models.ApprovalTypeValidationErrors, req.RequestType)
	assert.Equal(t, models.DecisionReject, req.Recommendation)
	assert.Equal(t, "urgent", req.Priority)
	assert.Equal(t, testNow.Add(time.Hour), req.Deadline)
	assert.False(t, req.CanEscalate())
}

func TestRouter_Decide_Approve(t *testing.T) {
	repo := newMemoryApprovalRepo()
	r := newTestRouter(repo, config.TimeoutPolicyEscalate)
	ctx := context.Background()

	req, err := r.CreateRequest(ctx, uuid.New(), lowRiskInput())
	require.NoError(t, err)

	outcome, err := r.Decide(ctx, req.ID, DecisionInput{Approver: "catalog-lead", Decision: models.DecisionApprove, Reasoning: "looks fine"})
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalStatusApproved, outcome.Request.Status)
	assert.Nil(t, outcome.Next)
	assert.False(t, outcome.Override)
	assert.Equal(t, "catalog-lead", outcome.Decision.Approver)

	decisions, err := r.ListDecisions(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "looks fine", decisions[0].Reasoning)
}

func TestRouter_Decide_Errors(t *testing.T) {
	repo := newMemoryApprovalRepo()
	r := newTestRouter(repo, config.TimeoutPolicyEscalate)
	ctx := context.Background()

	req, err := r.CreateRequest(ctx, uuid.New(), lowRiskInput())
	require.NoError(t, err)

	t.Run("unknown request", func(t *testing.T) {
		_, err := r.Decide(ctx, uuid.New(), DecisionInput{Approver: "catalog-lead", Decision: models.DecisionApprove})
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("unassigned approver", func(t *testing.T) {
		_, err := r.Decide(ctx, req.ID, DecisionInput{Approver: "intern", Decision: models.DecisionApprove})
		assert.ErrorIs(t, err, apperrors.ErrNotAuthorized)
	})

	t.Run("invalid decision", func(t *testing.T) {
		_, err := r.Decide(ctx, req.ID, DecisionInput{Approver: "catalog-lead", Decision: "maybe"})
		assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	})

	t.Run("delegate without delegates", func(t *testing.T) {
		_, err := r.Decide(ctx, req.ID, DecisionInput{Approver: "catalog-lead", Decision: models.DecisionDelegate})
		assert.ErrorIs(t, err, apperrors.ErrInvalidRequest)
	})

	t.Run("already resolved", func(t *testing.T) {
		_, err := r.Decide(ctx, req.ID, DecisionInput{Approver: "catalog-lead", Decision: models.DecisionReject})
		require.NoError(t, err)

		_, err = r.Decide(ctx, req.ID, DecisionInput{Approver: "catalog-editor", Decision: models.DecisionApprove})
		var resolved *apperrors.AlreadyResolvedError
		require.ErrorAs(t, err, &resolved)
		assert.Equal(t, string(models.ApprovalStatusRejected), resolved.Status)
	})
}

func TestRouter_Decide_RejectAgainstRecommendationIsOverride(t *testing.T) {
	repo := newMemoryApprovalRepo()
	r := newTestRouter(repo, config.TimeoutPolicyEscalate)
	ctx := context.Background()

	req, err := r.CreateRequest(ctx, uuid.New(), lowRiskInput())
	require.NoError(t, err)
	require.Equal(t, models.DecisionApprove, req.Recommendation)

	outcome, err := r.Decide(ctx, req.ID, DecisionInput{Approver: "catalog-editor", Decision: models.DecisionReject})
	require.NoError(t, err)
	assert.True(t, outcome.Override)

	require.Len(t, repo.overrides, 1)
	assert.Equal(t, models.DecisionApprove, repo.overrides[0].Recommendation)
	assert.Equal(t, models.DecisionReject, repo.overrides[0].Decision)
	assert.InDelta(t, 0.6, repo.overrides[0].AggregateConfidence, 1e-9)

	stats, err := r.Calibration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Overrides)
}

func TestRouter_Decide_Escalate(t *testing.T) {
	repo := newMemoryApprovalRepo()
	r := newTestRouter(repo, config.TimeoutPolicyEscalate)
	ctx := context.Background()
	sessionID := uuid.New()

	req, err := r.CreateRequest(ctx, sessionID, lowRiskInput())
	require.NoError(t, err)

	outcome, err := r.Decide(ctx, req.ID, DecisionInput{Approver: "catalog-editor", Decision: models.DecisionEscalate})
	require.NoError(t, err)

	assert.Equal(t, models.ApprovalStatusEscalated, outcome.Request.Status)
	require.NotNil(t, outcome.Next)
	assert.Equal(t, []string{"catalog-lead"}, outcome.Next.AssignedApprovers)
	assert.Equal(t, 1, outcome.Next.EscalationLevel)
	require.NotNil(t, outcome.Next.PreviousRequestID)
	assert.Equal(t, req.ID, *outcome.Next.PreviousRequestID)
	assert.Equal(t, 1, repo.countByStatus(sessionID, models.ApprovalStatusPending))

	// second tier, then the path is exhausted
	outcome, err = r.Decide(ctx, outcome.Next.ID, DecisionInput{Approver: "catalog-lead", Decision: models.DecisionEscalate})
	require.NoError(t, err)
	assert.Equal(t, []string{"catalog-manager"}, outcome.Next.AssignedApprovers)

	_, err = r.Decide(ctx, outcome.Next.ID, DecisionInput{Approver: "catalog-manager", Decision: models.DecisionEscalate})
	assert.ErrorIs(t, err, ErrNoEscalationTier)
	assert.Equal(t, 1, repo.countByStatus(sessionID, models.ApprovalStatusPending))
}

func TestRouter_Decide_Delegate(t *testing.T) {
	repo := newMemoryApprovalRepo()
	r := newTestRouter(repo, config.TimeoutPolicyEscalate)
	ctx := context.Background()

	req, err := r.CreateRequest(ctx, uuid.New(), lowRiskInput())
	require.NoError(t, err)

	outcome, err := r.Decide(ctx, req.ID, DecisionInput{
		Approver:   "catalog-lead",
		Decision:   models.DecisionDelegate,
		DelegateTo: []string{"pricing-analyst"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusPending, outcome.Request.Status)
	assert.Equal(t, "pricing-analyst", outcome.Decision.DelegateTo)

	pending, err := r.ListPending(ctx, "pricing-analyst")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	_, err = r.Decide(ctx, req.ID, DecisionInput{Approver: "catalog-lead", Decision: models.DecisionApprove})
	assert.ErrorIs(t, err, apperrors.ErrNotAuthorized)

	_, err = r.Decide(ctx, req.ID, DecisionInput{Approver: "pricing-analyst", Decision: models.DecisionApprove})
	assert.NoError(t, err)
}

func TestRouter_Decide_ConcurrentResolvesOnce(t *testing.T) {
	repo := newMemoryApprovalRepo()
	r := newTestRouter(repo, config.TimeoutPolicyEscalate)
	ctx := context.Background()

	req, err := r.CreateRequest(ctx, uuid.New(), lowRiskInput())
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := models.DecisionApprove
			if i%2 == 1 {
				decision = models.DecisionReject
			}
			_, errs[i] = r.Decide(ctx, req.ID, DecisionInput{Approver: "catalog-lead", Decision: decision})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var resolved *apperrors.AlreadyResolvedError
		assert.True(t, errors.As(err, &resolved), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
}

func TestRouter_Expire_EscalatesToNextTier(t *testing.T) {
	repo := newMemoryApprovalRepo()
	r := newTestRouter(repo, config.TimeoutPolicyEscalate)
	ctx := context.Background()

	req, err := r.CreateRequest(ctx, uuid.New(), lowRiskInput())
	require.NoError(t, err)

	outcome, err := r.Expire(ctx, req.ID)
	require.NoError(t, err)
	assert.False(t, outcome.TimedOut)
	require.NotNil(t, outcome.Next)
	assert.Equal(t, []string{"catalog-lead"}, outcome.Next.AssignedApprovers)

	decisions, err := r.ListDecisions(ctx, req.ID)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].SystemActor)
	assert.Equal(t, models.DecisionEscalate, decisions[0].Decision)
}

func TestRouter_Expire_NoTierLeftTimesOut(t *testing.T) {
	repo := newMemoryApprovalRepo()
	r := newTestRouter(repo, config.TimeoutPolicyEscalate)
	ctx := context.Background()

	req, err := r.CreateRequest(ctx, uuid.New(), criticalInput())
	require.NoError(t, err)

	outcome, err := r.Expire(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, outcome.TimedOut)
	assert.Nil(t, outcome.Next)
	assert.Equal(t, models.ApprovalStatusTimedOut, outcome.Request.Status)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, req.ID.String(), outcome.Err.RequestID)
}

func TestRouter_Expire_AutoReject(t *testing.T) {
	repo := newMemoryApprovalRepo()
	r := newTestRouter(repo, config.TimeoutPolicyAutoReject)
	ctx := context.Background()

	req, err := r.CreateRequest(ctx, uuid.New(), lowRiskInput())
	require.NoError(t, err)

	outcome, err := r.Expire(ctx, req.ID)
	require.NoError(t, err)
	assert.True(t, outcome.TimedOut)
	assert.Nil(t, outcome.Next)
	assert.Equal(t, models.ApprovalStatusRejected, outcome.Request.Status)

	// a late human decision loses
	_, err = r.Decide(ctx, req.ID, DecisionInput{Approver: "catalog-lead", Decision: models.DecisionApprove})
	var resolved *apperrors.AlreadyResolvedError
	assert.ErrorAs(t, err, &resolved)
}

func TestRouter_ListExpired(t *testing.T) {
	repo := newMemoryApprovalRepo()
	r := newTestRouter(repo, config.TimeoutPolicyEscalate)
	ctx := context.Background()

	req, err := r.CreateRequest(ctx, uuid.New(), criticalInput())
	require.NoError(t, err)

	expired, err := r.ListExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	r.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	expired, err = r.ListExpired(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, req.ID, expired[0].ID)
}

func TestRouter_CancelPending(t *testing.T) {
	repo := newMemoryApprovalRepo()
	r := newTestRouter(repo, config.TimeoutPolicyEscalate)
	ctx := context.Background()
	sessionID := uuid.New()

	require.NoError(t, r.CancelPending(ctx, sessionID))

	req, err := r.CreateRequest(ctx, sessionID, lowRiskInput())
	require.NoError(t, err)
	require.NoError(t, r.CancelPending(ctx, sessionID))

	stored, err := r.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ApprovalStatusCancelled, stored.Status)
}
