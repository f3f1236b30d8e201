package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RateChangeType описывает причину пересчёта ставки.
type RateChangeType string

const (
	RateManualAdjustment RateChangeType = "manual_adjustment"
	RateCustomAdjustment RateChangeType = "custom_adjustment"
	RateTierPromotion    RateChangeType = "tier_promotion"
	RateReconciliation   RateChangeType = "reconciliation"
)

// TutorRate описывает текущую почасовую ставку репетитора. Надбавки хранятся в процентах.
type TutorRate struct {
	TutorID          uuid.UUID       `json:"tutor_id"`
	BaseRate         decimal.Decimal `json:"base_rate"`
	TierAdjustment   decimal.Decimal `json:"tier_adjustment"`
	CustomAdjustment decimal.Decimal `json:"custom_adjustment"`
	EffectiveRate    decimal.Decimal `json:"effective_rate"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// RateHistory описывает запись журнала изменений ставки.
type RateHistory struct {
	ID         uuid.UUID       `json:"id"`
	TutorID    uuid.UUID       `json:"tutor_id"`
	OldRate    decimal.Decimal `json:"old_rate"`
	NewRate    decimal.Decimal `json:"new_rate"`
	ChangeType RateChangeType  `json:"change_type"`
	Reason     string          `json:"reason"`
	CreatedAt  time.Time       `json:"created_at"`
}

// RateDrift связывает сохранённую надбавку за уровень с текущим уровнем репетитора.
// HasRate == false означает, что запись ставки ещё не создана.
type RateDrift struct {
	TutorID        uuid.UUID
	Tier           Tier
	TierAdjustment decimal.Decimal
	HasRate        bool
}
