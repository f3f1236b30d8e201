// Package model содержит доменные сущности сервиса вознаграждений репетиторов.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Session описывает завершённое занятие репетитора с учеником.
type Session struct {
	SessionID       uuid.UUID
	TutorID         uuid.UUID
	StudentID       uuid.UUID
	DurationMinutes int
	CompletedAt     time.Time
}

// Review описывает отзыв ученика о репетиторе.
type Review struct {
	ReviewID  uuid.UUID
	TutorID   uuid.UUID
	StudentID uuid.UUID
	Rating    int
	CreatedAt time.Time
}

// Referral описывает приглашённого репетитором ученика.
type Referral struct {
	ReferrerID        uuid.UUID
	ReferredStudentID uuid.UUID
	ConvertedAt       time.Time
}

// StudentSpan описывает историю занятий репетитора с одним учеником.
type StudentSpan struct {
	StudentID      uuid.UUID
	Sessions       int
	FirstSessionAt time.Time
	LastSessionAt  time.Time
}

// PointReason описывает причину начисления баллов.
type PointReason string

const (
	ReasonSessionCompleted  PointReason = "session_completed"
	ReasonFirstSession      PointReason = "first_session"
	ReasonFiveStarReview    PointReason = "five_star_review"
	ReasonPositiveReview    PointReason = "positive_review"
	ReasonStudentRetained   PointReason = "student_retained"
	ReasonReferralConverted PointReason = "referral_converted"
	ReasonSessionMilestone  PointReason = "session_milestone"
	ReasonBadgeEarned       PointReason = "badge_earned"
	ReasonTierPromotion     PointReason = "tier_promotion"
)

// ReferenceKind описывает тип объекта, к которому привязано начисление.
type ReferenceKind string

const (
	RefNone      ReferenceKind = ""
	RefSession   ReferenceKind = "session"
	RefReview    ReferenceKind = "review"
	RefStudent   ReferenceKind = "student"
	RefMilestone ReferenceKind = "milestone"
	RefBadge     ReferenceKind = "badge"
	RefTier      ReferenceKind = "tier"
)

// PointGrant описывает неизменяемую запись журнала баллов.
type PointGrant struct {
	ID            uuid.UUID         `json:"id"`
	TutorID       uuid.UUID         `json:"tutor_id"`
	Points        int64             `json:"points"`
	Reason        PointReason       `json:"reason"`
	ReferenceID   string            `json:"reference_id,omitempty"`
	ReferenceKind ReferenceKind     `json:"reference_kind,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Level описывает уровень репетитора, вычисляемый по сумме баллов.
type Level string

const (
	LevelBeginner   Level = "beginner"
	LevelProficient Level = "proficient"
	LevelAdvanced   Level = "advanced"
	LevelExpert     Level = "expert"
	LevelMaster     Level = "master"
)

// LevelChange описывает переход на новый уровень после начисления.
type LevelChange struct {
	From Level `json:"from"`
	To   Level `json:"to"`
}

// BadgeType описывает вид значка.
type BadgeType string

const (
	BadgeFirstSession     BadgeType = "first_session"
	BadgeSessions50       BadgeType = "sessions_50"
	BadgeSessions100      BadgeType = "sessions_100"
	BadgeSessions250      BadgeType = "sessions_250"
	BadgeSessions500      BadgeType = "sessions_500"
	BadgeHours100         BadgeType = "hours_100"
	BadgeHours500         BadgeType = "hours_500"
	BadgeReviews25        BadgeType = "reviews_25"
	BadgeReferralChampion BadgeType = "referral_champion"
	BadgeTopRated         BadgeType = "top_rated"
	BadgeStudentMagnet    BadgeType = "student_magnet"
	BadgeEliteTutor       BadgeType = "elite_tutor"
)

// BadgeSnapshot фиксирует условие, по которому значок был получен.
type BadgeSnapshot struct {
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	Metric    string  `json:"metric"`
	Threshold float64 `json:"threshold"`
	Value     float64 `json:"value"`
}

// Badge представляет полученный репетитором значок. Не более одного на пару (репетитор, вид).
type Badge struct {
	TutorID  uuid.UUID     `json:"tutor_id"`
	Type     BadgeType     `json:"type"`
	EarnedAt time.Time     `json:"earned_at"`
	Metadata BadgeSnapshot `json:"metadata"`
}

// BadgeProgress описывает прогресс к одному значку.
type BadgeProgress struct {
	Type     BadgeType  `json:"type"`
	Name     string     `json:"name"`
	Kind     string     `json:"kind"`
	Current  float64    `json:"current"`
	Target   float64    `json:"target"`
	Percent  float64    `json:"percent"`
	Earned   bool       `json:"earned"`
	EarnedAt *time.Time `json:"earned_at,omitempty"`
}

// TutorStats содержит агрегированную статистику репетитора.
type TutorStats struct {
	TutorID            uuid.UUID `json:"tutor_id"`
	CompletedSessions  int       `json:"completed_sessions"`
	TotalMinutes       int       `json:"total_minutes"`
	ReviewCount        int       `json:"review_count"`
	FiveStarReviews    int       `json:"five_star_reviews"`
	AverageRating      float64   `json:"average_rating"`
	DistinctStudents   int       `json:"distinct_students"`
	RetainedStudents   int       `json:"retained_students"`
	RetentionRate      float64   `json:"retention_rate"`
	ConvertedReferrals int       `json:"converted_referrals"`
	CurrentTier        Tier      `json:"current_tier"`
	TotalPoints        int64     `json:"total_points"`
	Level              Level     `json:"level"`
}

// HoursTaught возвращает число полных часов проведённых занятий.
func (s TutorStats) HoursTaught() int {
	return s.TotalMinutes / 60
}

// AchievementKind описывает вид факта для внешней системы уведомлений.
type AchievementKind string

const (
	AchievementPointsGranted AchievementKind = "points_granted"
	AchievementLevelUp       AchievementKind = "level_up"
	AchievementBadgeEarned   AchievementKind = "badge_earned"
	AchievementBonusAwarded  AchievementKind = "bonus_awarded"
	AchievementTierPromoted  AchievementKind = "tier_promoted"
	AchievementRateChanged   AchievementKind = "rate_changed"
)

// Achievement описывает подтверждённый журналом факт, ожидающий доставки уведомлений.
type Achievement struct {
	ID          uuid.UUID       `json:"id"`
	TutorID     uuid.UUID       `json:"tutor_id"`
	Kind        AchievementKind `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
}
