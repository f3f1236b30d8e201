package service

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/tutor-rewards/internal/model"
	"github.com/mmeshcher/tutor-rewards/internal/policy"
	"github.com/mmeshcher/tutor-rewards/internal/repository"
	"github.com/mmeshcher/tutor-rewards/internal/validation"
)

// Outcome содержит итог обработки одного события.
// Redelivered == true означает, что событие уже было записано и обработка повторена для досчёта наград.
type Outcome struct {
	Redelivered bool               `json:"redelivered"`
	Points      []model.PointGrant `json:"points,omitempty"`
	LevelUp     *model.LevelChange `json:"level_up,omitempty"`
	Bonuses     []model.Bonus      `json:"bonuses,omitempty"`
	Promotion   *model.Promotion   `json:"promotion,omitempty"`
	Badges      []model.BadgeType  `json:"badges,omitempty"`
}

func (o *Outcome) addGrant(res *GrantResult) {
	if res == nil || res.IsDuplicate {
		return
	}
	o.Points = append(o.Points, res.Grant)
	if res.LevelUp != nil {
		if o.LevelUp == nil {
			o.LevelUp = res.LevelUp
		} else {
			o.LevelUp.To = res.LevelUp.To
		}
	}
}

// SessionCompleted обрабатывает завершённое занятие: баллы, бонус за рубежи, бонус за приглашение,
// проверка уровня и значков.
func (s *Service) SessionCompleted(ctx context.Context, sess model.Session) (*Outcome, error) {
	if err := requireID("session_id", sess.SessionID); err != nil {
		return nil, err
	}
	if err := requireID("tutor_id", sess.TutorID); err != nil {
		return nil, err
	}
	if err := requireID("student_id", sess.StudentID); err != nil {
		return nil, err
	}
	if !validation.IsValidDuration(sess.DurationMinutes) {
		return nil, &ValidationError{Field: "duration_minutes", Message: "must be between 0 and 1440"}
	}
	if sess.CompletedAt.IsZero() {
		sess.CompletedAt = s.now()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	inserted, err := s.repo.RecordSession(ctx, sess)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Redelivered: !inserted}

	if err := s.grantInto(ctx, out, sess.TutorID, model.ReasonSessionCompleted, sess.SessionID.String(), model.RefSession); err != nil {
		return out, err
	}
	if err := s.grantInto(ctx, out, sess.TutorID, model.ReasonFirstSession, "first", model.RefSession); err != nil {
		return out, err
	}

	stats, err := s.tutorStats(ctx, sess.TutorID)
	if err != nil {
		return out, err
	}

	calc, err := s.CalculateMilestoneBonus(ctx, sess.TutorID, stats.CompletedSessions)
	if err != nil {
		return out, err
	}
	if _, err := s.awardBonus(ctx, out, sess.TutorID, calc); err != nil {
		return out, err
	}
	if err := s.settleMilestonePoints(ctx, out, sess.TutorID); err != nil {
		return out, err
	}

	ref, err := s.repo.GetReferral(ctx, sess.StudentID)
	switch {
	case err == nil:
		if err := s.settleReferral(ctx, out, *ref); err != nil {
			return out, err
		}
	case !errors.Is(err, repository.ErrNotFound):
		return out, err
	}

	return out, s.reevaluate(ctx, out, stats)
}

// ReviewReceived обрабатывает отзыв: баллы за высокую оценку и бонус за пятизвёздочный отзыв.
func (s *Service) ReviewReceived(ctx context.Context, rv model.Review) (*Outcome, error) {
	if err := requireID("review_id", rv.ReviewID); err != nil {
		return nil, err
	}
	if err := requireID("tutor_id", rv.TutorID); err != nil {
		return nil, err
	}
	if !validation.IsValidRating(rv.Rating) {
		return nil, &ValidationError{Field: "rating", Message: "must be between 1 and 5"}
	}
	if rv.CreatedAt.IsZero() {
		rv.CreatedAt = s.now()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	inserted, err := s.repo.RecordReview(ctx, rv)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Redelivered: !inserted}

	switch rv.Rating {
	case 5:
		err = s.grantInto(ctx, out, rv.TutorID, model.ReasonFiveStarReview, rv.ReviewID.String(), model.RefReview)
	case 4:
		err = s.grantInto(ctx, out, rv.TutorID, model.ReasonPositiveReview, rv.ReviewID.String(), model.RefReview)
	}
	if err != nil {
		return out, err
	}

	calc, err := s.CalculateReviewBonus(ctx, rv.TutorID, rv.ReviewID, rv.Rating)
	if err != nil {
		return out, err
	}
	if _, err := s.awardBonus(ctx, out, rv.TutorID, calc); err != nil {
		return out, err
	}

	return out, s.reevaluateTutor(ctx, out, rv.TutorID)
}

// ReferralConverted обрабатывает приглашённого ученика. Бонус выплачивается, когда ученик
// наберёт необходимое число занятий; до этого проверка повторяется на каждом его занятии.
func (s *Service) ReferralConverted(ctx context.Context, ref model.Referral) (*Outcome, error) {
	if err := requireID("referrer_id", ref.ReferrerID); err != nil {
		return nil, err
	}
	if err := requireID("referred_student_id", ref.ReferredStudentID); err != nil {
		return nil, err
	}
	if ref.ConvertedAt.IsZero() {
		ref.ConvertedAt = s.now()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	inserted, err := s.repo.RecordReferral(ctx, ref)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Redelivered: !inserted}

	if !inserted {
		stored, err := s.repo.GetReferral(ctx, ref.ReferredStudentID)
		if err != nil {
			return out, err
		}
		ref = *stored
	}

	if err := s.settleReferral(ctx, out, ref); err != nil {
		return out, err
	}

	return out, s.reevaluateTutor(ctx, out, ref.ReferrerID)
}

func (s *Service) settleReferral(ctx context.Context, out *Outcome, ref model.Referral) error {
	sessions, err := s.repo.CountStudentSessions(ctx, ref.ReferredStudentID)
	if err != nil {
		return err
	}

	calc, err := s.CalculateReferralBonus(ctx, ref.ReferrerID, ref.ReferredStudentID, sessions)
	if err != nil {
		return err
	}

	// Для уже оплаченного приглашения баллы начисляются повторно без эффекта
	// или дописываются, если их запись прервалась после записи бонуса.
	if !calc.IsDuplicate {
		if !calc.Amount.IsPositive() {
			return nil
		}
		if _, err := s.awardBonus(ctx, out, ref.ReferrerID, calc); err != nil {
			return err
		}
	}
	return s.grantInto(ctx, out, ref.ReferrerID, model.ReasonReferralConverted, ref.ReferredStudentID.String(), model.RefStudent)
}

// settleMilestonePoints начисляет баллы за каждый оплаченный рубеж, по которому их ещё нет.
func (s *Service) settleMilestonePoints(ctx context.Context, out *Outcome, tutorID uuid.UUID) error {
	claims, err := s.repo.Claims(ctx, tutorID, model.BonusSessionMilestone)
	if err != nil {
		return err
	}
	missing, err := s.ungranted(ctx, tutorID, model.ReasonSessionMilestone, claims)
	if err != nil {
		return err
	}

	sort.Slice(missing, func(i, j int) bool {
		a, _ := repository.ClaimNumber(missing[i])
		b, _ := repository.ClaimNumber(missing[j])
		return a < b
	})
	for _, ref := range missing {
		if err := s.grantInto(ctx, out, tutorID, model.ReasonSessionMilestone, ref, model.RefMilestone); err != nil {
			return err
		}
	}
	return nil
}

// RetentionSweep проверяет удержание всех учеников репетитора: баллы за удержанных учеников
// и бонус за месяцы сверх льготного периода.
func (s *Service) RetentionSweep(ctx context.Context, tutorID uuid.UUID) (*Outcome, error) {
	if err := requireID("tutor_id", tutorID); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	spans, err := s.repo.ListStudentSpans(ctx, tutorID)
	if err != nil {
		return nil, err
	}

	out := &Outcome{}
	for _, sp := range spans {
		if sp.LastSessionAt.Sub(sp.FirstSessionAt) >= policy.RetentionSpan {
			if err := s.grantInto(ctx, out, tutorID, model.ReasonStudentRetained, sp.StudentID.String(), model.RefStudent); err != nil {
				return out, err
			}
		}

		calc, err := s.CalculateRetentionBonus(ctx, tutorID, sp.StudentID, monthsBetween(sp.FirstSessionAt, sp.LastSessionAt))
		if err != nil {
			return out, err
		}
		if _, err := s.awardBonus(ctx, out, tutorID, calc); err != nil {
			return out, err
		}
	}

	return out, s.reevaluateTutor(ctx, out, tutorID)
}

func (s *Service) reevaluateTutor(ctx context.Context, out *Outcome, tutorID uuid.UUID) error {
	stats, err := s.tutorStats(ctx, tutorID)
	if err != nil {
		return err
	}
	return s.reevaluate(ctx, out, stats)
}

// reevaluate проверяет повышение уровня и значки. Счётчики событий в stats не зависят от начислений
// этого же события, баллы перечитываются.
func (s *Service) reevaluate(ctx context.Context, out *Outcome, stats *model.TutorStats) error {
	total, err := s.repo.SumPoints(ctx, stats.TutorID)
	if err != nil {
		return err
	}
	stats.TotalPoints = total
	stats.Level = policy.LevelFor(total)

	before := stats.Level
	promo, err := s.promote(ctx, stats)
	if err != nil {
		return err
	}
	out.Promotion = promo

	badges, err := s.awardBadges(ctx, stats)
	out.Badges = badges
	if err != nil {
		return err
	}

	if total, err = s.repo.SumPoints(ctx, stats.TutorID); err != nil {
		return err
	}
	if after := policy.LevelFor(total); after != before {
		if out.LevelUp == nil {
			out.LevelUp = &model.LevelChange{From: before}
		}
		out.LevelUp.To = after
	}
	return nil
}

func (s *Service) grantInto(ctx context.Context, out *Outcome, tutorID uuid.UUID, reason model.PointReason,
	refID string, kind model.ReferenceKind) error {
	res, err := s.grant(ctx, tutorID, reason, policy.PointsFor(reason), refID, kind, nil)
	if err != nil {
		return err
	}
	out.addGrant(res)
	return nil
}

// awardBonus записывает ненулевой бонус. Параллельная запись того же основания не считается ошибкой.
func (s *Service) awardBonus(ctx context.Context, out *Outcome, tutorID uuid.UUID, calc *model.BonusCalculation) (bool, error) {
	if calc == nil || calc.IsDuplicate || !calc.Amount.IsPositive() {
		return false, nil
	}

	b, err := s.RecordBonus(ctx, tutorID, calc)
	if err != nil {
		if errors.Is(err, ErrDuplicateAward) {
			s.logger.Debug("bonus already recorded concurrently",
				zap.String("tutorID", tutorID.String()),
				zap.String("type", string(calc.Type)),
			)
			return false, nil
		}
		return false, err
	}
	out.Bonuses = append(out.Bonuses, *b)
	return true, nil
}

// monthsBetween возвращает число полных календарных месяцев между датами.
func monthsBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	months := (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
	if to.Day() < from.Day() {
		months--
	}
	return max(months, 0)
}
