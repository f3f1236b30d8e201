package model

import (
	"time"

	"github.com/google/uuid"
)

// Tier описывает упорядоченный уровень мастерства репетитора.
type Tier string

const (
	TierStandard Tier = "standard"
	TierSilver   Tier = "silver"
	TierGold     Tier = "gold"
	TierElite    Tier = "elite"
)

// Tiers перечисляет уровни в порядке возрастания.
var Tiers = []Tier{TierStandard, TierSilver, TierGold, TierElite}

// Rank возвращает порядковый номер уровня или -1 для неизвестного значения.
func (t Tier) Rank() int {
	for i, v := range Tiers {
		if v == t {
			return i
		}
	}
	return -1
}

// Valid сообщает, является ли значение известным уровнем.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// Above сообщает, что уровень t строго выше уровня other.
func (t Tier) Above(other Tier) bool {
	return t.Rank() > other.Rank()
}

// Next возвращает следующий уровень; для высшего уровня ok == false.
func (t Tier) Next() (Tier, bool) {
	r := t.Rank()
	if r < 0 || r+1 >= len(Tiers) {
		return "", false
	}
	return Tiers[r+1], true
}

// TierFromRank возвращает уровень по его порядковому номеру.
func TierFromRank(rank int) Tier {
	if rank < 0 || rank >= len(Tiers) {
		return TierStandard
	}
	return Tiers[rank]
}

// TierRecord содержит текущее состояние уровня репетитора.
type TierRecord struct {
	TutorID         uuid.UUID `json:"tutor_id"`
	Tier            Tier      `json:"tier"`
	TierStartedAt   time.Time `json:"tier_started_at"`
	LastEvaluatedAt time.Time `json:"last_evaluated_at"`
}

// TierChange описывает запись журнала повышений уровня.
type TierChange struct {
	ID        uuid.UUID  `json:"id"`
	TutorID   uuid.UUID  `json:"tutor_id"`
	From      Tier       `json:"from"`
	To        Tier       `json:"to"`
	Stats     TutorStats `json:"stats"`
	ChangedAt time.Time  `json:"changed_at"`
}

// Promotion содержит результат проверки повышения уровня.
type Promotion struct {
	Promoted     bool `json:"promoted"`
	PreviousTier Tier `json:"previous_tier"`
	NewTier      Tier `json:"new_tier"`
}

// MetricProgress описывает прогресс одной метрики к порогу следующего уровня.
type MetricProgress struct {
	Current  float64 `json:"current"`
	Required float64 `json:"required"`
	Percent  float64 `json:"percent"`
}

// TierProgress описывает прогресс репетитора к следующему уровню.
type TierProgress struct {
	CurrentTier        Tier           `json:"current_tier"`
	NextTier           *Tier          `json:"next_tier,omitempty"`
	Sessions           MetricProgress `json:"sessions"`
	Rating             MetricProgress `json:"rating"`
	Retention          MetricProgress `json:"retention"`
	IsCloseToPromotion bool           `json:"is_close_to_promotion"`
}
