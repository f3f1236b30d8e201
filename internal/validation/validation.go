// Package validation содержит функции валидации входных данных.
package validation

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/tutor-rewards/internal/policy"
)

// IsValidID проверяет, что идентификатор задан.
func IsValidID(id uuid.UUID) bool {
	return id != uuid.Nil
}

// IsValidRating проверяет, что оценка отзыва лежит в диапазоне от 1 до 5.
func IsValidRating(rating int) bool {
	return rating >= 1 && rating <= 5
}

// IsValidBaseRate проверяет базовую ставку на попадание в допустимые границы.
func IsValidBaseRate(rate decimal.Decimal) bool {
	return inRange(rate, policy.MinBaseRate, policy.MaxBaseRate) && rate.Equal(rate.Round(policy.CurrencyPlaces))
}

// IsValidCustomAdjustment проверяет ручную надбавку в процентах.
func IsValidCustomAdjustment(pct decimal.Decimal) bool {
	return inRange(pct, policy.MinCustomAdjustment, policy.MaxCustomAdjustment)
}

// IsValidDuration проверяет длительность занятия в минутах.
func IsValidDuration(minutes int) bool {
	return minutes >= 0 && minutes <= 24*60
}

func inRange(v, lo, hi decimal.Decimal) bool {
	return v.GreaterThanOrEqual(lo) && v.LessThanOrEqual(hi)
}
