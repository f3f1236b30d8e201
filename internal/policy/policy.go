// Package policy содержит фиксированные формулы программы вознаграждений:
// баллы за события, пороги значков, критерии уровней, суммы бонусов и надбавки к ставке.
package policy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/tutor-rewards/internal/model"
)

// Баллы за события.
var pointsByReason = map[model.PointReason]int64{
	model.ReasonSessionCompleted:  10,
	model.ReasonFirstSession:      50,
	model.ReasonFiveStarReview:    25,
	model.ReasonPositiveReview:    10,
	model.ReasonStudentRetained:   100,
	model.ReasonReferralConverted: 200,
	model.ReasonSessionMilestone:  50,
	model.ReasonBadgeEarned:       20,
}

// PointsFor возвращает число баллов за причину. Неизвестная причина даёт 0.
func PointsFor(reason model.PointReason) int64 {
	return pointsByReason[reason]
}

// LevelBand описывает нижнюю границу уровня по сумме баллов.
type LevelBand struct {
	Level model.Level
	Min   int64
}

// LevelBands упорядочены по возрастанию нижней границы.
var LevelBands = []LevelBand{
	{Level: model.LevelBeginner, Min: 0},
	{Level: model.LevelProficient, Min: 501},
	{Level: model.LevelAdvanced, Min: 2001},
	{Level: model.LevelExpert, Min: 5001},
	{Level: model.LevelMaster, Min: 10001},
}

// LevelFor возвращает уровень для суммы баллов.
func LevelFor(total int64) model.Level {
	level := model.LevelBeginner
	for _, b := range LevelBands {
		if total >= b.Min {
			level = b.Level
		}
	}
	return level
}

// TierCriteria содержит пороги и привилегии одного уровня.
type TierCriteria struct {
	Tier            model.Tier
	MinSessions     int
	MinRating       float64
	MinRetention    float64
	RateIncrease    decimal.Decimal
	BonusMultiplier decimal.Decimal
	PromotionPoints int64
}

// TierTable упорядочена по возрастанию уровня.
var TierTable = []TierCriteria{
	{
		Tier:            model.TierStandard,
		RateIncrease:    decimal.Zero,
		BonusMultiplier: decimal.NewFromInt(1),
	},
	{
		Tier:            model.TierSilver,
		MinSessions:     20,
		MinRating:       4.0,
		MinRetention:    60,
		RateIncrease:    decimal.NewFromInt(5),
		BonusMultiplier: decimal.RequireFromString("1.1"),
		PromotionPoints: 500,
	},
	{
		Tier:            model.TierGold,
		MinSessions:     50,
		MinRating:       4.5,
		MinRetention:    80,
		RateIncrease:    decimal.NewFromInt(10),
		BonusMultiplier: decimal.RequireFromString("1.2"),
		PromotionPoints: 1000,
	},
	{
		Tier:            model.TierElite,
		MinSessions:     100,
		MinRating:       4.8,
		MinRetention:    90,
		RateIncrease:    decimal.NewFromInt(20),
		BonusMultiplier: decimal.RequireFromString("1.5"),
		PromotionPoints: 2500,
	},
}

// CriteriaFor возвращает критерии уровня. Для неизвестного уровня возвращается standard.
func CriteriaFor(t model.Tier) TierCriteria {
	for _, c := range TierTable {
		if c.Tier == t {
			return c
		}
	}
	return TierTable[0]
}

// Met сообщает, выполнены ли все три порога уровня. Пороги включительные.
func (c TierCriteria) Met(s model.TutorStats) bool {
	return s.CompletedSessions >= c.MinSessions &&
		s.AverageRating >= c.MinRating &&
		s.RetentionRate >= c.MinRetention
}

// Суммы бонусов в долларах.
var (
	RetentionMonthlyAmount = decimal.NewFromInt(10)
	MilestoneAmount        = decimal.NewFromInt(25)
	FiveStarReviewAmount   = decimal.NewFromInt(5)
	ReferralAmount         = decimal.NewFromInt(50)
)

const (
	// RetentionGraceMonths задаёт число месяцев удержания, за которые бонус не начисляется.
	RetentionGraceMonths = 3
	// MilestoneStep задаёт шаг рубежей по числу занятий.
	MilestoneStep = 5
	// ReferralMinSessions задаёт минимум занятий приглашённого ученика для выплаты.
	ReferralMinSessions = 5
	// RetentionSpan задаёт минимальную длительность истории занятий удержанного ученика.
	RetentionSpan = 90 * 24 * time.Hour
	// CloseToPromotionPercent задаёт порог прогресса по каждой метрике для признака близкого повышения.
	CloseToPromotionPercent = 90
)

// Границы ставки и ручной надбавки.
var (
	MinBaseRate         = decimal.NewFromInt(20)
	MaxBaseRate         = decimal.NewFromInt(200)
	MinCustomAdjustment = decimal.NewFromInt(-20)
	MaxCustomAdjustment = decimal.NewFromInt(50)
	DefaultBaseRate     = decimal.NewFromInt(30)
)

// CurrencyPlaces задаёт точность денежных сумм.
const CurrencyPlaces = 2
