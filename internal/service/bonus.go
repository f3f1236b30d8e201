package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/tutor-rewards/internal/model"
	"github.com/mmeshcher/tutor-rewards/internal/policy"
	"github.com/mmeshcher/tutor-rewards/internal/repository"
	"github.com/mmeshcher/tutor-rewards/internal/validation"
)

// Причины нулевого расчёта.
const (
	reasonNoBonusMonths     = "retention under grace period"
	reasonAlreadyCovered    = "months already covered by a previous bonus"
	reasonNoNewMilestones   = "no new milestones"
	reasonNotFiveStar       = "only five-star reviews qualify"
	reasonReviewPaid        = "review already rewarded"
	reasonReferralMinimum   = "minimum 5 sessions required"
	reasonReferralPaid      = "referral already rewarded"
	reasonNothingToRecord   = "nothing to record"
	reasonPaymentRefMissing = "payment reference is required"
)

// CalculateRetentionBonus рассчитывает бонус за удержание ученика.
// Оплачиваются только месяцы сверх льготных трёх, ещё не покрытые предыдущими бонусами по этой паре.
func (s *Service) CalculateRetentionBonus(ctx context.Context, tutorID, studentID uuid.UUID, monthsRetained int) (*model.BonusCalculation, error) {
	if err := requireID("tutor_id", tutorID); err != nil {
		return nil, err
	}
	if err := requireID("student_id", studentID); err != nil {
		return nil, err
	}
	if monthsRetained < 0 {
		return nil, &ValidationError{Field: "months_retained", Message: "must not be negative"}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res := &model.BonusCalculation{Type: model.BonusRetention, Amount: decimal.Zero}

	claims, err := s.repo.Claims(ctx, tutorID, model.BonusRetention)
	if err != nil {
		return nil, err
	}
	prefix := studentID.String() + ":"
	previous := 0
	for _, c := range claims {
		if !strings.HasPrefix(c, prefix) {
			continue
		}
		if n, ok := repository.ClaimNumber(c); ok && n > previous {
			previous = n
		}
	}

	covered := max(previous, policy.RetentionGraceMonths)
	if monthsRetained <= covered {
		if previous > 0 {
			res.IsDuplicate = true
			res.Reason = reasonAlreadyCovered
		} else {
			res.Reason = reasonNoBonusMonths
		}
		return res, nil
	}

	months := monthsRetained - covered
	res.Amount = policy.RetentionMonthlyAmount.Mul(decimal.NewFromInt(int64(months)))
	res.Metadata = model.RetentionMetadata{
		StudentID:         studentID,
		MonthsRetained:    monthsRetained,
		BonusMonths:       months,
		PreviouslyCovered: previous,
	}
	return res, nil
}

// CalculateMilestoneBonus рассчитывает бонус за рубежи 5, 10, 15... занятий, ещё не оплаченные ранее.
func (s *Service) CalculateMilestoneBonus(ctx context.Context, tutorID uuid.UUID, completedSessions int) (*model.BonusCalculation, error) {
	if err := requireID("tutor_id", tutorID); err != nil {
		return nil, err
	}
	if completedSessions < 0 {
		return nil, &ValidationError{Field: "completed_sessions", Message: "must not be negative"}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res := &model.BonusCalculation{Type: model.BonusSessionMilestone, Amount: decimal.Zero}

	claims, err := s.repo.Claims(ctx, tutorID, model.BonusSessionMilestone)
	if err != nil {
		return nil, err
	}
	paid := make(map[int]bool, len(claims))
	for _, c := range claims {
		if n, ok := repository.ClaimNumber(c); ok {
			paid[n] = true
		}
	}

	achieved := completedSessions / policy.MilestoneStep
	var fresh []int
	for i := 1; i <= achieved; i++ {
		if m := i * policy.MilestoneStep; !paid[m] {
			fresh = append(fresh, m)
		}
	}

	if len(fresh) == 0 {
		res.IsDuplicate = achieved > 0
		res.Reason = reasonNoNewMilestones
		return res, nil
	}

	res.Amount = policy.MilestoneAmount.Mul(decimal.NewFromInt(int64(len(fresh))))
	res.Metadata = model.MilestoneMetadata{CompletedSessions: completedSessions, Milestones: fresh}
	return res, nil
}

// CalculateReviewBonus рассчитывает бонус за отзыв. Платится только за оценку 5, не более одного раза на отзыв.
func (s *Service) CalculateReviewBonus(ctx context.Context, tutorID, reviewID uuid.UUID, rating int) (*model.BonusCalculation, error) {
	if err := requireID("tutor_id", tutorID); err != nil {
		return nil, err
	}
	if err := requireID("review_id", reviewID); err != nil {
		return nil, err
	}
	if !validation.IsValidRating(rating) {
		return nil, &ValidationError{Field: "rating", Message: "must be between 1 and 5"}
	}

	res := &model.BonusCalculation{Type: model.BonusFiveStarReview, Amount: decimal.Zero}
	if rating != 5 {
		res.Reason = reasonNotFiveStar
		return res, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	exists, err := s.repo.HasBonus(ctx, tutorID, model.BonusFiveStarReview, reviewID.String())
	if err != nil {
		return nil, err
	}
	if exists {
		res.IsDuplicate = true
		res.Reason = reasonReviewPaid
		return res, nil
	}

	res.Amount = policy.FiveStarReviewAmount
	res.Metadata = model.ReviewMetadata{ReviewID: reviewID, Rating: rating}
	return res, nil
}

// CalculateReferralBonus рассчитывает бонус за приглашённого ученика, прошедшего не менее пяти занятий.
func (s *Service) CalculateReferralBonus(ctx context.Context, tutorID, referredStudentID uuid.UUID, sessionsCompleted int) (*model.BonusCalculation, error) {
	if err := requireID("tutor_id", tutorID); err != nil {
		return nil, err
	}
	if err := requireID("referred_student_id", referredStudentID); err != nil {
		return nil, err
	}

	res := &model.BonusCalculation{Type: model.BonusReferral, Amount: decimal.Zero}
	if sessionsCompleted < policy.ReferralMinSessions {
		res.Reason = reasonReferralMinimum
		return res, nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	exists, err := s.repo.HasBonus(ctx, tutorID, model.BonusReferral, referredStudentID.String())
	if err != nil {
		return nil, err
	}
	if exists {
		res.IsDuplicate = true
		res.Reason = reasonReferralPaid
		return res, nil
	}

	res.Amount = policy.ReferralAmount
	res.Metadata = model.ReferralMetadata{ReferredStudentID: referredStudentID, SessionsCompleted: sessionsCompleted}
	return res, nil
}

// ApplyTierMultiplier умножает сумму на коэффициент уровня и округляет до центов.
func ApplyTierMultiplier(base decimal.Decimal, tier model.Tier) decimal.Decimal {
	return base.Mul(policy.CriteriaFor(tier).BonusMultiplier).Round(policy.CurrencyPlaces)
}

// bonusReference определяет основание бонуса и ключи притязаний по его данным.
func bonusReference(meta model.BonusMetadata) (refID string, kind model.ReferenceKind, key string, claims []string, err error) {
	switch m := meta.(type) {
	case model.RetentionMetadata:
		covered := m.MonthsRetained - m.BonusMonths
		for month := covered + 1; month <= m.MonthsRetained; month++ {
			claims = append(claims, repository.RetentionClaim(m.StudentID, month))
		}
		return m.StudentID.String(), model.RefStudent,
			repository.ClaimKey(m.StudentID.String(), strconv.Itoa(m.MonthsRetained)), claims, nil
	case model.MilestoneMetadata:
		if len(m.Milestones) == 0 {
			return "", "", "", nil, &ValidationError{Field: "metadata", Message: "milestones are empty"}
		}
		for _, v := range m.Milestones {
			claims = append(claims, strconv.Itoa(v))
		}
		last := strconv.Itoa(m.Milestones[len(m.Milestones)-1])
		return last, model.RefMilestone, last, claims, nil
	case model.ReviewMetadata:
		return m.ReviewID.String(), model.RefReview, m.ReviewID.String(), nil, nil
	case model.ReferralMetadata:
		return m.ReferredStudentID.String(), model.RefStudent, m.ReferredStudentID.String(), nil, nil
	default:
		return "", "", "", nil, &ValidationError{Field: "metadata", Message: fmt.Sprintf("unsupported bonus metadata %T", meta)}
	}
}

// RecordBonus записывает рассчитанный бонус в статусе pending с учётом коэффициента уровня.
// Повторная запись того же основания возвращает ErrDuplicateAward.
func (s *Service) RecordBonus(ctx context.Context, tutorID uuid.UUID, calc *model.BonusCalculation) (*model.Bonus, error) {
	if err := requireID("tutor_id", tutorID); err != nil {
		return nil, err
	}
	if calc == nil || calc.IsDuplicate || !calc.Amount.IsPositive() || calc.Metadata == nil {
		return nil, &ValidationError{Field: "amount", Message: reasonNothingToRecord}
	}
	if calc.Metadata.BonusType() != calc.Type {
		return nil, &ValidationError{Field: "metadata", Message: "does not match bonus type"}
	}

	refID, kind, key, claims, err := bonusReference(calc.Metadata)
	if err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tier, err := s.currentTier(ctx, tutorID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	b := model.Bonus{
		ID:            uuid.New(),
		TutorID:       tutorID,
		Type:          calc.Type,
		BaseAmount:    calc.Amount,
		Multiplier:    policy.CriteriaFor(tier).BonusMultiplier,
		Amount:        ApplyTierMultiplier(calc.Amount, tier),
		Status:        model.BonusPending,
		ReferenceID:   refID,
		ReferenceKind: kind,
		ReferenceKey:  key,
		Metadata:      calc.Metadata,
		CreatedAt:     now,
	}
	change := model.BonusStatusChange{
		ID:        uuid.New(),
		BonusID:   b.ID,
		To:        model.BonusPending,
		Reason:    "recorded",
		ChangedAt: now,
	}

	f, err := s.fact(tutorID, model.AchievementBonusAwarded, b)
	if err != nil {
		return nil, err
	}
	if err := s.repo.InsertBonus(ctx, b, claims, change, f); err != nil {
		return nil, err
	}

	s.logger.Info("bonus recorded",
		zap.String("tutorID", tutorID.String()),
		zap.String("type", string(b.Type)),
		zap.String("amount", b.Amount.StringFixed(policy.CurrencyPlaces)),
	)

	return &b, nil
}

// ApproveBonus переводит бонус из pending в approved.
func (s *Service) ApproveBonus(ctx context.Context, bonusID uuid.UUID) (*model.Bonus, error) {
	return s.transition(ctx, bonusID, model.BonusApproved, "approved", "", model.BonusPending)
}

// MarkBonusAsPaid переводит бонус из approved в paid и сохраняет ссылку на платёж.
func (s *Service) MarkBonusAsPaid(ctx context.Context, bonusID uuid.UUID, paymentRef string) (*model.Bonus, error) {
	if paymentRef == "" {
		return nil, &ValidationError{Field: "payment_reference", Message: reasonPaymentRefMissing}
	}
	return s.transition(ctx, bonusID, model.BonusPaid, "paid", paymentRef, model.BonusApproved)
}

// CancelBonus отменяет бонус в статусе pending или approved.
func (s *Service) CancelBonus(ctx context.Context, bonusID uuid.UUID, reason string) (*model.Bonus, error) {
	if reason == "" {
		reason = "cancelled"
	}
	return s.transition(ctx, bonusID, model.BonusCancelled, reason, "", model.BonusPending, model.BonusApproved)
}

func (s *Service) transition(ctx context.Context, bonusID uuid.UUID, to model.BonusStatus, reason, paymentRef string,
	from ...model.BonusStatus) (*model.Bonus, error) {
	if err := requireID("bonus_id", bonusID); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	change := model.BonusStatusChange{
		ID:        uuid.New(),
		BonusID:   bonusID,
		To:        to,
		Reason:    reason,
		ChangedAt: s.now(),
	}
	b, err := s.repo.TransitionBonus(ctx, change, from, paymentRef)
	if err != nil {
		return nil, err
	}

	s.logger.Info("bonus status changed",
		zap.String("bonusID", bonusID.String()),
		zap.String("status", string(to)),
	)
	return b, nil
}

// GetBonus возвращает бонус по идентификатору.
func (s *Service) GetBonus(ctx context.Context, bonusID uuid.UUID) (*model.Bonus, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.repo.GetBonus(ctx, bonusID)
}

// ListBonuses возвращает бонусы репетитора, новые первыми.
func (s *Service) ListBonuses(ctx context.Context, tutorID uuid.UUID) ([]model.Bonus, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.repo.ListBonuses(ctx, tutorID)
}

// GetBonusSummary сводит бонусы репетитора по статусам.
// Заработок за всё время включает все статусы, кроме cancelled.
func (s *Service) GetBonusSummary(ctx context.Context, tutorID uuid.UUID) (*model.BonusSummary, error) {
	bonuses, err := s.ListBonuses(ctx, tutorID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var sum model.BonusSummary
	for _, b := range bonuses {
		switch b.Status {
		case model.BonusPending:
			sum.Pending.Add(b.Amount)
		case model.BonusApproved:
			sum.Approved.Add(b.Amount)
		case model.BonusPaid:
			sum.Paid.Add(b.Amount)
			if b.PaidAt != nil && b.PaidAt.Year() == now.Year() && b.PaidAt.Month() == now.Month() {
				sum.PaidThisMonth.Add(b.Amount)
			}
		case model.BonusCancelled:
			sum.Cancelled.Add(b.Amount)
			continue
		}
		sum.LifetimeEarnings = sum.LifetimeEarnings.Add(b.Amount)
	}

	return &sum, nil
}
