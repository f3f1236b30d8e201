package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mmeshcher/tutor-rewards/internal/model"
)

func TestPointsFor(t *testing.T) {
	assert.Equal(t, int64(10), PointsFor(model.ReasonSessionCompleted))
	assert.Equal(t, int64(25), PointsFor(model.ReasonFiveStarReview))
	assert.Equal(t, int64(0), PointsFor(model.PointReason("unknown_reason")))
}

func TestLevelFor(t *testing.T) {
	tests := []struct {
		total int64
		want  model.Level
	}{
		{0, model.LevelBeginner},
		{500, model.LevelBeginner},
		{501, model.LevelProficient},
		{2000, model.LevelProficient},
		{2001, model.LevelAdvanced},
		{5000, model.LevelAdvanced},
		{5001, model.LevelExpert},
		{10000, model.LevelExpert},
		{10001, model.LevelMaster},
		{1_000_000, model.LevelMaster},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, LevelFor(tt.total), "total %d", tt.total)
	}
}

func TestTierCriteriaMet_Inclusive(t *testing.T) {
	gold := CriteriaFor(model.TierGold)

	atThreshold := model.TutorStats{CompletedSessions: 50, AverageRating: 4.5, RetentionRate: 80}
	assert.True(t, gold.Met(atThreshold))

	oneShort := atThreshold
	oneShort.CompletedSessions = 49
	assert.False(t, gold.Met(oneShort))

	lowRetention := atThreshold
	lowRetention.RetentionRate = 79.99
	assert.False(t, gold.Met(lowRetention))
}

func TestCriteriaFor_UnknownTier(t *testing.T) {
	assert.Equal(t, model.TierStandard, CriteriaFor(model.Tier("platinum")).Tier)
}

func TestBadgeDefinitions(t *testing.T) {
	topRated, ok := BadgeByType(model.BadgeTopRated)
	assert.True(t, ok)

	assert.False(t, topRated.Satisfied(model.TutorStats{AverageRating: 4.9, ReviewCount: 19}))
	assert.True(t, topRated.Satisfied(model.TutorStats{AverageRating: 4.8, ReviewCount: 20}))

	elite, ok := BadgeByType(model.BadgeEliteTutor)
	assert.True(t, ok)
	assert.False(t, elite.Satisfied(model.TutorStats{CurrentTier: model.TierGold}))
	assert.True(t, elite.Satisfied(model.TutorStats{CurrentTier: model.TierElite}))

	hours, ok := BadgeByType(model.BadgeHours100)
	assert.True(t, ok)
	assert.False(t, hours.Satisfied(model.TutorStats{TotalMinutes: 100*60 - 1}))
	assert.True(t, hours.Satisfied(model.TutorStats{TotalMinutes: 100 * 60}))

	_, ok = BadgeByType(model.BadgeType("unknown"))
	assert.False(t, ok)
}
