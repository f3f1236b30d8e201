package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/tutor-rewards/internal/model"
)

func TestMemoryRepository_GrantUniqueness(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tutor := uuid.New()

	g := model.PointGrant{ID: uuid.New(), TutorID: tutor, Points: 10, Reason: model.ReasonSessionCompleted, ReferenceID: "s1", ReferenceKind: model.RefSession}
	require.NoError(t, repo.InsertPointGrant(ctx, g))

	g.ID = uuid.New()
	require.ErrorIs(t, repo.InsertPointGrant(ctx, g), ErrDuplicateAward)

	// Начисления без основания не ограничены.
	free := model.PointGrant{ID: uuid.New(), TutorID: tutor, Points: 5, Reason: model.ReasonPositiveReview}
	require.NoError(t, repo.InsertPointGrant(ctx, free))
	free.ID = uuid.New()
	require.NoError(t, repo.InsertPointGrant(ctx, free))

	total, err := repo.SumPoints(ctx, tutor)
	require.NoError(t, err)
	assert.Equal(t, int64(20), total)
}

func TestMemoryRepository_BadgeUniqueness(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	b := model.Badge{TutorID: uuid.New(), Type: model.BadgeFirstSession, EarnedAt: time.Now()}

	require.NoError(t, repo.InsertBadge(ctx, b))
	require.ErrorIs(t, repo.InsertBadge(ctx, b), ErrDuplicateAward)
}

func TestMemoryRepository_BonusClaims(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tutor := uuid.New()

	newBonus := func(key string) model.Bonus {
		return model.Bonus{
			ID:           uuid.New(),
			TutorID:      tutor,
			Type:         model.BonusSessionMilestone,
			Amount:       decimal.NewFromInt(25),
			Status:       model.BonusPending,
			ReferenceKey: key,
		}
	}

	first := newBonus("10")
	require.NoError(t, repo.InsertBonus(ctx, first, []string{"5", "10"}, model.BonusStatusChange{ID: uuid.New(), BonusID: first.ID, To: model.BonusPending}))

	overlap := newBonus("15")
	err := repo.InsertBonus(ctx, overlap, []string{"10", "15"}, model.BonusStatusChange{ID: uuid.New(), BonusID: overlap.ID, To: model.BonusPending})
	require.ErrorIs(t, err, ErrDuplicateAward)

	claims, err := repo.Claims(ctx, tutor, model.BonusSessionMilestone)
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "5"}, claims)

	ok, err := repo.HasBonus(ctx, tutor, model.BonusSessionMilestone, "15")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryRepository_GetTutorStats(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tutor, loyal, brief := uuid.New(), uuid.New(), uuid.New()
	start := time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

	sessions := []model.Session{
		{SessionID: uuid.New(), TutorID: tutor, StudentID: loyal, DurationMinutes: 60, CompletedAt: start},
		{SessionID: uuid.New(), TutorID: tutor, StudentID: loyal, DurationMinutes: 60, CompletedAt: start.Add(95 * 24 * time.Hour)},
		{SessionID: uuid.New(), TutorID: tutor, StudentID: brief, DurationMinutes: 30, CompletedAt: start},
	}
	for _, s := range sessions {
		inserted, err := repo.RecordSession(ctx, s)
		require.NoError(t, err)
		assert.True(t, inserted)
	}
	inserted, err := repo.RecordSession(ctx, sessions[0])
	require.NoError(t, err)
	assert.False(t, inserted)

	for _, rating := range []int{5, 4} {
		_, err := repo.RecordReview(ctx, model.Review{ReviewID: uuid.New(), TutorID: tutor, Rating: rating})
		require.NoError(t, err)
	}

	st, err := repo.GetTutorStats(ctx, tutor, 90*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, st.CompletedSessions)
	assert.Equal(t, 150, st.TotalMinutes)
	assert.Equal(t, 2, st.DistinctStudents)
	assert.Equal(t, 1, st.RetainedStudents)
	assert.Equal(t, 2, st.ReviewCount)
	assert.Equal(t, 1, st.FiveStarReviews)
	assert.InDelta(t, 4.5, st.AverageRating, 0.0001)

	n, err := repo.CountStudentSessions(ctx, loyal)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryRepository_PendingAchievements(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := model.Achievement{ID: uuid.New(), Kind: model.AchievementPointsGranted}
	second := model.Achievement{ID: uuid.New(), Kind: model.AchievementLevelUp}
	g := model.PointGrant{ID: uuid.New(), TutorID: uuid.New(), Reason: model.ReasonSessionCompleted, Points: 10}
	require.NoError(t, repo.InsertPointGrant(ctx, g, first, second))

	require.NoError(t, repo.MarkAchievementDelivered(ctx, first.ID, time.Now()))

	pending, err := repo.PendingAchievements(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)
}

func TestClaimNumber(t *testing.T) {
	id := uuid.New()

	n, ok := ClaimNumber(RetentionClaim(id, 7))
	assert.True(t, ok)
	assert.Equal(t, 7, n)

	n, ok = ClaimNumber("15")
	assert.True(t, ok)
	assert.Equal(t, 15, n)

	_, ok = ClaimNumber(id.String())
	assert.False(t, ok)
}

func TestMemoryRepository_FactsStoredWithAward(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tutor := uuid.New()

	fact := func(kind model.AchievementKind) model.Achievement {
		return model.Achievement{ID: uuid.New(), TutorID: tutor, Kind: kind}
	}

	g := model.PointGrant{ID: uuid.New(), TutorID: tutor, Points: 50, Reason: model.ReasonFirstSession, ReferenceID: "first", ReferenceKind: model.RefSession}
	require.NoError(t, repo.InsertPointGrant(ctx, g, fact(model.AchievementPointsGranted)))
	require.ErrorIs(t, repo.InsertPointGrant(ctx, g, fact(model.AchievementPointsGranted)), ErrDuplicateAward)

	b := model.Badge{TutorID: tutor, Type: model.BadgeFirstSession, EarnedAt: time.Now()}
	require.NoError(t, repo.InsertBadge(ctx, b, fact(model.AchievementBadgeEarned)))
	require.ErrorIs(t, repo.InsertBadge(ctx, b, fact(model.AchievementBadgeEarned)), ErrDuplicateAward)

	change := model.TierChange{ID: uuid.New(), TutorID: tutor, To: model.TierSilver, ChangedAt: time.Now()}
	ok, err := repo.PromoteTier(ctx, change, fact(model.AchievementTierPromoted))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.PromoteTier(ctx, change, fact(model.AchievementTierPromoted))
	require.NoError(t, err)
	assert.False(t, ok)

	kinds := make(map[model.AchievementKind]int)
	for _, a := range repo.Achievements() {
		kinds[a.Kind]++
	}
	assert.Equal(t, map[model.AchievementKind]int{
		model.AchievementPointsGranted: 1,
		model.AchievementBadgeEarned:   1,
		model.AchievementTierPromoted:  1,
	}, kinds)
}

func TestMemoryRepository_GrantedReferences(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tutor := uuid.New()

	for _, ref := range []string{"10", "5"} {
		g := model.PointGrant{ID: uuid.New(), TutorID: tutor, Points: 50, Reason: model.ReasonSessionMilestone, ReferenceID: ref, ReferenceKind: model.RefMilestone}
		require.NoError(t, repo.InsertPointGrant(ctx, g))
	}
	other := model.PointGrant{ID: uuid.New(), TutorID: tutor, Points: 10, Reason: model.ReasonSessionCompleted, ReferenceID: "s1", ReferenceKind: model.RefSession}
	require.NoError(t, repo.InsertPointGrant(ctx, other))

	refs, err := repo.GrantedReferences(ctx, tutor, model.ReasonSessionMilestone)
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "5"}, refs)

	refs, err = repo.GrantedReferences(ctx, uuid.New(), model.ReasonSessionMilestone)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestMemoryRepository_UpdateRate(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()
	tutor := uuid.New()
	defaults := model.TutorRate{TutorID: tutor, BaseRate: decimal.NewFromInt(30), EffectiveRate: decimal.NewFromInt(30)}

	bump := func(rate *model.TutorRate) (model.RateHistory, []model.Achievement, error) {
		old := rate.EffectiveRate
		rate.BaseRate = rate.BaseRate.Add(decimal.NewFromInt(1))
		rate.EffectiveRate = rate.BaseRate
		return model.RateHistory{ID: uuid.New(), TutorID: tutor, OldRate: old, NewRate: rate.EffectiveRate},
			[]model.Achievement{{ID: uuid.New(), TutorID: tutor, Kind: model.AchievementRateChanged}}, nil
	}

	rate, err := repo.UpdateRate(ctx, defaults, bump)
	require.NoError(t, err)
	assert.Equal(t, "31", rate.BaseRate.String())

	rate, err = repo.UpdateRate(ctx, defaults, bump)
	require.NoError(t, err)
	assert.Equal(t, "32", rate.BaseRate.String())

	_, err = repo.UpdateRate(ctx, defaults, func(*model.TutorRate) (model.RateHistory, []model.Achievement, error) {
		return model.RateHistory{}, nil, ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)

	stored, err := repo.GetRate(ctx, tutor)
	require.NoError(t, err)
	assert.Equal(t, "32", stored.BaseRate.String())

	history, err := repo.ListRateHistory(ctx, tutor)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "31", history[0].OldRate.String())
	assert.Len(t, repo.Achievements(), 2)
}
