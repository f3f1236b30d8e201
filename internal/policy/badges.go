package policy

import "github.com/mmeshcher/tutor-rewards/internal/model"

// BadgeKind описывает вид требования значка.
type BadgeKind string

const (
	KindCount       BadgeKind = "count"
	KindRate        BadgeKind = "rate"
	KindAchievement BadgeKind = "achievement"
)

// Metric описывает агрегированную метрику репетитора.
type Metric string

const (
	MetricSessions  Metric = "completed_sessions"
	MetricHours     Metric = "hours_taught"
	MetricReviews   Metric = "review_count"
	MetricReferrals Metric = "converted_referrals"
	MetricStudents  Metric = "distinct_students"
	MetricRating    Metric = "average_rating"
	MetricRetention Metric = "retention_rate"
	MetricTier      Metric = "tier"
)

// Value возвращает значение метрики из статистики.
func (m Metric) Value(s model.TutorStats) float64 {
	switch m {
	case MetricSessions:
		return float64(s.CompletedSessions)
	case MetricHours:
		return float64(s.HoursTaught())
	case MetricReviews:
		return float64(s.ReviewCount)
	case MetricReferrals:
		return float64(s.ConvertedReferrals)
	case MetricStudents:
		return float64(s.DistinctStudents)
	case MetricRating:
		return s.AverageRating
	case MetricRetention:
		return s.RetentionRate
	case MetricTier:
		return float64(s.CurrentTier.Rank())
	default:
		return 0
	}
}

// BadgeDefinition описывает условие получения значка.
type BadgeDefinition struct {
	Type      model.BadgeType
	Name      string
	Kind      BadgeKind
	Metric    Metric
	Threshold float64
	// SampleMetric и MinSamples ограничивают значки вида rate минимальным объёмом наблюдений.
	SampleMetric Metric
	MinSamples   float64
	// Tier задаёт требуемый уровень для значков вида achievement.
	Tier model.Tier
}

// Satisfied сообщает, выполнено ли условие значка.
func (d BadgeDefinition) Satisfied(s model.TutorStats) bool {
	switch d.Kind {
	case KindCount:
		return d.Metric.Value(s) >= d.Threshold
	case KindRate:
		return d.SampleMetric.Value(s) >= d.MinSamples && d.Metric.Value(s) >= d.Threshold
	case KindAchievement:
		return s.CurrentTier == d.Tier
	default:
		return false
	}
}

// Progress возвращает текущее значение и цель значка.
func (d BadgeDefinition) Progress(s model.TutorStats) (float64, float64) {
	if d.Kind == KindAchievement {
		return float64(s.CurrentTier.Rank()), float64(d.Tier.Rank())
	}
	return d.Metric.Value(s), d.Threshold
}

// Snapshot фиксирует определение значка и значение метрики на момент получения.
func (d BadgeDefinition) Snapshot(s model.TutorStats) model.BadgeSnapshot {
	current, target := d.Progress(s)
	return model.BadgeSnapshot{
		Name:      d.Name,
		Kind:      string(d.Kind),
		Metric:    string(d.Metric),
		Threshold: target,
		Value:     current,
	}
}

// Badges содержит каталог значков.
var Badges = []BadgeDefinition{
	{Type: model.BadgeFirstSession, Name: "First Session", Kind: KindCount, Metric: MetricSessions, Threshold: 1},
	{Type: model.BadgeSessions50, Name: "50 Sessions", Kind: KindCount, Metric: MetricSessions, Threshold: 50},
	{Type: model.BadgeSessions100, Name: "100 Sessions", Kind: KindCount, Metric: MetricSessions, Threshold: 100},
	{Type: model.BadgeSessions250, Name: "250 Sessions", Kind: KindCount, Metric: MetricSessions, Threshold: 250},
	{Type: model.BadgeSessions500, Name: "500 Sessions", Kind: KindCount, Metric: MetricSessions, Threshold: 500},
	{Type: model.BadgeHours100, Name: "100 Hours Taught", Kind: KindCount, Metric: MetricHours, Threshold: 100},
	{Type: model.BadgeHours500, Name: "500 Hours Taught", Kind: KindCount, Metric: MetricHours, Threshold: 500},
	{Type: model.BadgeReviews25, Name: "25 Reviews", Kind: KindCount, Metric: MetricReviews, Threshold: 25},
	{Type: model.BadgeReferralChampion, Name: "Referral Champion", Kind: KindCount, Metric: MetricReferrals, Threshold: 5},
	{
		Type: model.BadgeTopRated, Name: "Top Rated", Kind: KindRate,
		Metric: MetricRating, Threshold: 4.8, SampleMetric: MetricReviews, MinSamples: 20,
	},
	{
		Type: model.BadgeStudentMagnet, Name: "Student Magnet", Kind: KindRate,
		Metric: MetricRetention, Threshold: 80, SampleMetric: MetricStudents, MinSamples: 10,
	},
	{Type: model.BadgeEliteTutor, Name: "Elite Tutor", Kind: KindAchievement, Metric: MetricTier, Tier: model.TierElite},
}

// BadgeByType возвращает определение значка по виду.
func BadgeByType(t model.BadgeType) (BadgeDefinition, bool) {
	for _, d := range Badges {
		if d.Type == t {
			return d, true
		}
	}
	return BadgeDefinition{}, false
}
