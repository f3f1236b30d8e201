package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/tutor-rewards/internal/model"
	"github.com/mmeshcher/tutor-rewards/internal/policy"
	"github.com/mmeshcher/tutor-rewards/internal/repository"
	"github.com/mmeshcher/tutor-rewards/internal/validation"
)

const reconcileBatch = 100

var hundred = decimal.NewFromInt(100)

// EffectiveRate возвращает ставку с надбавками за уровень и ручной надбавкой, округлённую до центов.
// Обе надбавки считаются от базовой ставки.
func EffectiveRate(base, tierPct, customPct decimal.Decimal) decimal.Decimal {
	tierPart := base.Mul(tierPct).Div(hundred)
	customPart := base.Mul(customPct).Div(hundred)
	return base.Add(tierPart).Add(customPart).Round(policy.CurrencyPlaces)
}

// loadRate возвращает текущую ставку или ставку по умолчанию, если запись ещё не создана.
func (s *Service) loadRate(ctx context.Context, tutorID uuid.UUID) (*model.TutorRate, error) {
	rate, err := s.repo.GetRate(ctx, tutorID)
	if err == nil {
		return rate, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	return s.defaultRate(ctx, tutorID)
}

// defaultRate возвращает базовую ставку по умолчанию с надбавкой текущего уровня.
func (s *Service) defaultRate(ctx context.Context, tutorID uuid.UUID) (*model.TutorRate, error) {
	tier, err := s.currentTier(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	tierPct := policy.CriteriaFor(tier).RateIncrease
	return &model.TutorRate{
		TutorID:          tutorID,
		BaseRate:         policy.DefaultBaseRate,
		TierAdjustment:   tierPct,
		CustomAdjustment: decimal.Zero,
		EffectiveRate:    EffectiveRate(policy.DefaultBaseRate, tierPct, decimal.Zero),
		UpdatedAt:        s.now(),
	}, nil
}

// updateRate меняет ставку под блокировкой записи: mutate получает актуальные значения,
// итоговая ставка пересчитывается, запись журнала добавляется и при нулевом изменении.
func (s *Service) updateRate(ctx context.Context, tutorID uuid.UUID, changeType model.RateChangeType, reason string,
	mutate func(rate *model.TutorRate)) (*model.TutorRate, error) {
	defaults, err := s.defaultRate(ctx, tutorID)
	if err != nil {
		return nil, err
	}

	var h model.RateHistory
	rate, err := s.repo.UpdateRate(ctx, *defaults, func(rate *model.TutorRate) (model.RateHistory, []model.Achievement, error) {
		now := s.now()
		old := rate.EffectiveRate

		mutate(rate)
		rate.EffectiveRate = EffectiveRate(rate.BaseRate, rate.TierAdjustment, rate.CustomAdjustment)
		rate.UpdatedAt = now

		h = model.RateHistory{
			ID:         uuid.New(),
			TutorID:    rate.TutorID,
			OldRate:    old,
			NewRate:    rate.EffectiveRate,
			ChangeType: changeType,
			Reason:     reason,
			CreatedAt:  now,
		}
		f, err := s.fact(rate.TutorID, model.AchievementRateChanged, h)
		if err != nil {
			return h, nil, err
		}
		return h, []model.Achievement{f}, nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("rate recomputed",
		zap.String("tutorID", tutorID.String()),
		zap.String("changeType", string(changeType)),
		zap.String("old", h.OldRate.StringFixed(policy.CurrencyPlaces)),
		zap.String("new", h.NewRate.StringFixed(policy.CurrencyPlaces)),
	)

	return rate, nil
}

// GetRate возвращает текущую ставку репетитора.
func (s *Service) GetRate(ctx context.Context, tutorID uuid.UUID) (*model.TutorRate, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.loadRate(ctx, tutorID)
}

// GetRateHistory возвращает журнал изменений ставки, новые записи первыми.
func (s *Service) GetRateHistory(ctx context.Context, tutorID uuid.UUID) ([]model.RateHistory, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.repo.ListRateHistory(ctx, tutorID)
}

// UpdateBaseRate задаёт новую базовую ставку в допустимых границах и пересчитывает надбавки от неё.
func (s *Service) UpdateBaseRate(ctx context.Context, tutorID uuid.UUID, base decimal.Decimal, reason string) (*model.TutorRate, error) {
	if err := requireID("tutor_id", tutorID); err != nil {
		return nil, err
	}
	if !validation.IsValidBaseRate(base) {
		return nil, &ValidationError{
			Field:   "base_rate",
			Message: fmt.Sprintf("must be between %s and %s with at most two decimals", policy.MinBaseRate, policy.MaxBaseRate),
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.updateRate(ctx, tutorID, model.RateManualAdjustment, orDefault(reason, "base rate updated"),
		func(rate *model.TutorRate) { rate.BaseRate = base })
}

// ApplyCustomAdjustment задаёт ручную надбавку в процентах.
func (s *Service) ApplyCustomAdjustment(ctx context.Context, tutorID uuid.UUID, pct decimal.Decimal, reason string) (*model.TutorRate, error) {
	if err := requireID("tutor_id", tutorID); err != nil {
		return nil, err
	}
	if !validation.IsValidCustomAdjustment(pct) {
		return nil, &ValidationError{
			Field:   "custom_adjustment",
			Message: fmt.Sprintf("must be between %s%% and %s%%", policy.MinCustomAdjustment, policy.MaxCustomAdjustment),
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.updateRate(ctx, tutorID, model.RateCustomAdjustment, orDefault(reason, "custom adjustment updated"),
		func(rate *model.TutorRate) { rate.CustomAdjustment = pct })
}

// ApplyTierPromotion пересчитывает надбавку за уровень от текущей базовой ставки.
// Ручная надбавка не меняется.
func (s *Service) ApplyTierPromotion(ctx context.Context, tutorID uuid.UUID, from, to model.Tier) (*model.TutorRate, error) {
	if err := requireID("tutor_id", tutorID); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.applyTierPromotion(ctx, tutorID, from, to)
}

func (s *Service) applyTierPromotion(ctx context.Context, tutorID uuid.UUID, from, to model.Tier) (*model.TutorRate, error) {
	tierPct := policy.CriteriaFor(to).RateIncrease
	return s.updateRate(ctx, tutorID, model.RateTierPromotion, fmt.Sprintf("promoted from %s to %s", from, to),
		func(rate *model.TutorRate) { rate.TierAdjustment = tierPct })
}

// ReconcileRates пересчитывает ставки, надбавка которых не соответствует текущему уровню репетитора.
// Возвращает число исправленных ставок.
func (s *Service) ReconcileRates(ctx context.Context) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	expected := make(map[model.Tier]decimal.Decimal, len(policy.TierTable))
	for _, c := range policy.TierTable {
		expected[c.Tier] = c.RateIncrease
	}

	drift, err := s.repo.ListRateDrift(ctx, expected, reconcileBatch)
	if err != nil {
		return 0, err
	}

	fixed := 0
	for _, d := range drift {
		tierPct := expected[d.Tier]
		if _, err := s.updateRate(ctx, d.TutorID, model.RateReconciliation,
			fmt.Sprintf("tier adjustment realigned with %s", d.Tier),
			func(rate *model.TutorRate) { rate.TierAdjustment = tierPct }); err != nil {
			return fixed, err
		}
		fixed++
	}

	return fixed, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
