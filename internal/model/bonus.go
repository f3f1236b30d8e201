package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BonusType описывает категорию денежного бонуса.
type BonusType string

const (
	BonusRetention        BonusType = "retention"
	BonusSessionMilestone BonusType = "session_milestone"
	BonusFiveStarReview   BonusType = "five_star_review"
	BonusReferral         BonusType = "referral"
)

// BonusStatus описывает статус выплаты бонуса.
type BonusStatus string

const (
	BonusPending   BonusStatus = "pending"
	BonusApproved  BonusStatus = "approved"
	BonusPaid      BonusStatus = "paid"
	BonusCancelled BonusStatus = "cancelled"
)

// BonusMetadata содержит типизированные данные бонуса, свои для каждой категории.
type BonusMetadata interface {
	BonusType() BonusType
}

// RetentionMetadata описывает бонус за удержание ученика.
type RetentionMetadata struct {
	StudentID         uuid.UUID `json:"student_id"`
	MonthsRetained    int       `json:"months_retained"`
	BonusMonths       int       `json:"bonus_months"`
	PreviouslyCovered int       `json:"previously_covered"`
}

func (RetentionMetadata) BonusType() BonusType { return BonusRetention }

// MilestoneMetadata описывает бонус за достигнутые рубежи занятий.
type MilestoneMetadata struct {
	CompletedSessions int   `json:"completed_sessions"`
	Milestones        []int `json:"milestones"`
}

func (MilestoneMetadata) BonusType() BonusType { return BonusSessionMilestone }

// ReviewMetadata описывает бонус за пятизвёздочный отзыв.
type ReviewMetadata struct {
	ReviewID uuid.UUID `json:"review_id"`
	Rating   int       `json:"rating"`
}

func (ReviewMetadata) BonusType() BonusType { return BonusFiveStarReview }

// ReferralMetadata описывает бонус за приглашённого ученика.
type ReferralMetadata struct {
	ReferredStudentID uuid.UUID `json:"referred_student_id"`
	SessionsCompleted int       `json:"sessions_completed"`
}

func (ReferralMetadata) BonusType() BonusType { return BonusReferral }

// EncodeBonusMetadata сериализует данные бонуса для хранения.
func EncodeBonusMetadata(m BonusMetadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// DecodeBonusMetadata восстанавливает данные бонуса по его категории.
func DecodeBonusMetadata(t BonusType, raw []byte) (BonusMetadata, error) {
	var (
		m   BonusMetadata
		err error
	)
	switch t {
	case BonusRetention:
		var v RetentionMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case BonusSessionMilestone:
		var v MilestoneMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case BonusFiveStarReview:
		var v ReviewMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	case BonusReferral:
		var v ReferralMetadata
		err = json.Unmarshal(raw, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown bonus type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s metadata: %w", t, err)
	}
	return m, nil
}

// Bonus описывает денежный бонус репетитора.
type Bonus struct {
	ID               uuid.UUID       `json:"id"`
	TutorID          uuid.UUID       `json:"tutor_id"`
	Type             BonusType       `json:"type"`
	BaseAmount       decimal.Decimal `json:"base_amount"`
	Multiplier       decimal.Decimal `json:"multiplier"`
	Amount           decimal.Decimal `json:"amount"`
	Status           BonusStatus     `json:"status"`
	ReferenceID      string          `json:"reference_id,omitempty"`
	ReferenceKind    ReferenceKind   `json:"reference_kind,omitempty"`
	ReferenceKey     string          `json:"-"`
	Metadata         BonusMetadata   `json:"metadata"`
	CreatedAt        time.Time       `json:"created_at"`
	ApprovedAt       *time.Time      `json:"approved_at,omitempty"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	PaymentReference string          `json:"payment_reference,omitempty"`
}

// BonusStatusChange описывает запись аудита переходов статуса бонуса.
type BonusStatusChange struct {
	ID        uuid.UUID   `json:"id"`
	BonusID   uuid.UUID   `json:"bonus_id"`
	From      BonusStatus `json:"from"`
	To        BonusStatus `json:"to"`
	Reason    string      `json:"reason,omitempty"`
	ChangedAt time.Time   `json:"changed_at"`
}

// BonusCalculation содержит результат расчёта бонуса до записи.
type BonusCalculation struct {
	Type        BonusType       `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	IsDuplicate bool            `json:"is_duplicate"`
	Reason      string          `json:"reason,omitempty"`
	Metadata    BonusMetadata   `json:"metadata,omitempty"`
}

// StatusTotals содержит количество и сумму бонусов в одном статусе.
type StatusTotals struct {
	Count  int             `json:"count"`
	Amount decimal.Decimal `json:"amount"`
}

// Add учитывает ещё один бонус.
func (t *StatusTotals) Add(amount decimal.Decimal) {
	t.Count++
	t.Amount = t.Amount.Add(amount)
}

// BonusSummary содержит сводку бонусов репетитора.
type BonusSummary struct {
	Pending          StatusTotals    `json:"pending"`
	Approved         StatusTotals    `json:"approved"`
	Paid             StatusTotals    `json:"paid"`
	Cancelled        StatusTotals    `json:"cancelled"`
	PaidThisMonth    StatusTotals    `json:"paid_this_month"`
	LifetimeEarnings decimal.Decimal `json:"lifetime_earnings"`
}
