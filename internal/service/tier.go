package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/tutor-rewards/internal/model"
	"github.com/mmeshcher/tutor-rewards/internal/policy"
)

// CalculateTier возвращает наивысший уровень, все три порога которого выполнены.
func CalculateTier(stats model.TutorStats) model.Tier {
	for i := len(policy.TierTable) - 1; i >= 0; i-- {
		if c := policy.TierTable[i]; c.Met(stats) {
			return c.Tier
		}
	}
	return model.TierStandard
}

// CheckAndPromote повышает уровень репетитора, если доступный уровень строго выше текущего.
// Понижение уровня не выполняется никогда.
func (s *Service) CheckAndPromote(ctx context.Context, tutorID uuid.UUID) (*model.Promotion, error) {
	if err := requireID("tutor_id", tutorID); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stats, err := s.tutorStats(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	return s.promote(ctx, stats)
}

func (s *Service) promote(ctx context.Context, stats *model.TutorStats) (*model.Promotion, error) {
	current := stats.CurrentTier
	eligible := CalculateTier(*stats)
	res := &model.Promotion{PreviousTier: current, NewTier: current}

	if !eligible.Above(current) {
		if err := s.repo.TouchTierEvaluation(ctx, stats.TutorID, s.now()); err != nil {
			return nil, err
		}
		return res, s.settlePromotionPoints(ctx, stats.TutorID, current)
	}

	change := model.TierChange{
		ID:        uuid.New(),
		TutorID:   stats.TutorID,
		From:      current,
		To:        eligible,
		Stats:     *stats,
		ChangedAt: s.now(),
	}
	done := model.Promotion{Promoted: true, PreviousTier: current, NewTier: eligible}
	f, err := s.fact(stats.TutorID, model.AchievementTierPromoted, done)
	if err != nil {
		return nil, err
	}

	promoted, err := s.repo.PromoteTier(ctx, change, f)
	if err != nil {
		return nil, err
	}
	if !promoted {
		// Параллельная проверка уже подняла уровень не ниже eligible.
		return res, nil
	}

	*res = done
	stats.CurrentTier = eligible

	s.logger.Info("tutor promoted",
		zap.String("tutorID", stats.TutorID.String()),
		zap.String("from", string(current)),
		zap.String("to", string(eligible)),
	)

	crit := policy.CriteriaFor(eligible)
	if _, err := s.grant(ctx, stats.TutorID, model.ReasonTierPromotion, crit.PromotionPoints,
		string(eligible), model.RefTier, map[string]string{"from": string(current)}); err != nil {
		return res, err
	}

	if _, err := s.applyTierPromotion(ctx, stats.TutorID, current, eligible); err != nil {
		s.logger.Warn("rate recompute after promotion failed, reconciliation will repair it",
			zap.Error(err),
			zap.String("tutorID", stats.TutorID.String()),
		)
	}

	return res, nil
}

// settlePromotionPoints начисляет баллы за уже достигнутый уровень, если их запись прервалась после повышения.
func (s *Service) settlePromotionPoints(ctx context.Context, tutorID uuid.UUID, tier model.Tier) error {
	if tier == model.TierStandard {
		return nil
	}

	missing, err := s.ungranted(ctx, tutorID, model.ReasonTierPromotion, []string{string(tier)})
	if err != nil {
		return err
	}
	for _, ref := range missing {
		if _, err := s.grant(ctx, tutorID, model.ReasonTierPromotion, policy.CriteriaFor(tier).PromotionPoints,
			ref, model.RefTier, nil); err != nil {
			return err
		}
	}
	return nil
}

// GetTierProgress возвращает прогресс репетитора к следующему уровню.
func (s *Service) GetTierProgress(ctx context.Context, tutorID uuid.UUID) (*model.TierProgress, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stats, err := s.tutorStats(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	return TierProgressFor(*stats), nil
}

// TierProgressFor рассчитывает прогресс к следующему уровню по статистике.
// Для высшего уровня прогресс по всем метрикам равен 100%.
func TierProgressFor(stats model.TutorStats) *model.TierProgress {
	res := &model.TierProgress{CurrentTier: stats.CurrentTier}

	next, ok := stats.CurrentTier.Next()
	if !ok {
		done := model.MetricProgress{Percent: 100}
		res.Sessions, res.Rating, res.Retention = done, done, done
		return res
	}
	res.NextTier = &next

	crit := policy.CriteriaFor(next)
	res.Sessions = metricProgress(float64(stats.CompletedSessions), float64(crit.MinSessions))
	res.Rating = metricProgress(stats.AverageRating, crit.MinRating)
	res.Retention = metricProgress(stats.RetentionRate, crit.MinRetention)

	res.IsCloseToPromotion = nearThreshold(float64(stats.CompletedSessions), float64(crit.MinSessions)) &&
		nearThreshold(stats.AverageRating, crit.MinRating) &&
		nearThreshold(stats.RetentionRate, crit.MinRetention)

	return res
}

func metricProgress(current, required float64) model.MetricProgress {
	return model.MetricProgress{
		Current:  round2(current),
		Required: required,
		Percent:  percentOf(current, required),
	}
}

// nearThreshold сравнивает точное значение, а не округлённый процент.
func nearThreshold(current, required float64) bool {
	return required <= 0 || current*100 >= required*policy.CloseToPromotionPercent
}

// ListTierHistory возвращает журнал повышений уровня репетитора.
func (s *Service) ListTierHistory(ctx context.Context, tutorID uuid.UUID) ([]model.TierChange, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.repo.ListTierHistory(ctx, tutorID)
}
