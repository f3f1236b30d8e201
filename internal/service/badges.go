package service

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"

	"github.com/mmeshcher/tutor-rewards/internal/model"
	"github.com/mmeshcher/tutor-rewards/internal/policy"
	"github.com/mmeshcher/tutor-rewards/internal/repository"
)

// CheckAndAwardBadges выдаёт значки, условия которых выполнены, и возвращает только новые.
func (s *Service) CheckAndAwardBadges(ctx context.Context, tutorID uuid.UUID) ([]model.BadgeType, error) {
	if err := requireID("tutor_id", tutorID); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stats, err := s.tutorStats(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	return s.awardBadges(ctx, stats)
}

func (s *Service) awardBadges(ctx context.Context, stats *model.TutorStats) ([]model.BadgeType, error) {
	held, err := s.repo.ListBadges(ctx, stats.TutorID)
	if err != nil {
		return nil, err
	}

	skip := make(map[model.BadgeType]bool, len(held))
	for _, b := range held {
		skip[b.Type] = true
	}

	var (
		awarded []model.BadgeType
		settled []string
	)
	for _, def := range policy.Badges {
		if skip[def.Type] {
			settled = append(settled, string(def.Type))
			continue
		}
		if !def.Satisfied(*stats) {
			continue
		}

		b := model.Badge{
			TutorID:  stats.TutorID,
			Type:     def.Type,
			EarnedAt: s.now(),
			Metadata: def.Snapshot(*stats),
		}
		f, err := s.fact(stats.TutorID, model.AchievementBadgeEarned, b)
		if err != nil {
			return awarded, err
		}
		if err := s.repo.InsertBadge(ctx, b, f); err != nil {
			if errors.Is(err, repository.ErrDuplicateAward) {
				settled = append(settled, string(def.Type))
				continue
			}
			return awarded, err
		}

		awarded = append(awarded, def.Type)
		if err := s.badgePoints(ctx, stats.TutorID, string(def.Type)); err != nil {
			return awarded, err
		}
	}

	// Баллы за ранее выданные значки, если их запись прервалась после записи значка.
	missing, err := s.ungranted(ctx, stats.TutorID, model.ReasonBadgeEarned, settled)
	if err != nil {
		return awarded, err
	}
	for _, ref := range missing {
		if err := s.badgePoints(ctx, stats.TutorID, ref); err != nil {
			return awarded, err
		}
	}

	return awarded, nil
}

func (s *Service) badgePoints(ctx context.Context, tutorID uuid.UUID, badge string) error {
	_, err := s.grant(ctx, tutorID, model.ReasonBadgeEarned, policy.PointsFor(model.ReasonBadgeEarned),
		badge, model.RefBadge, nil)
	return err
}

// ListBadges возвращает полученные репетитором значки.
func (s *Service) ListBadges(ctx context.Context, tutorID uuid.UUID) ([]model.Badge, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.repo.ListBadges(ctx, tutorID)
}

// GetBadgeProgress возвращает прогресс репетитора по всему каталогу значков.
func (s *Service) GetBadgeProgress(ctx context.Context, tutorID uuid.UUID) ([]model.BadgeProgress, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	stats, err := s.tutorStats(ctx, tutorID)
	if err != nil {
		return nil, err
	}

	held, err := s.repo.ListBadges(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	earned := make(map[model.BadgeType]model.Badge, len(held))
	for _, b := range held {
		earned[b.Type] = b
	}

	res := make([]model.BadgeProgress, 0, len(policy.Badges))
	for _, def := range policy.Badges {
		current, target := def.Progress(*stats)
		p := model.BadgeProgress{
			Type:    def.Type,
			Name:    def.Name,
			Kind:    string(def.Kind),
			Current: round2(current),
			Target:  target,
			Percent: percentOf(current, target),
		}
		if b, ok := earned[def.Type]; ok {
			at := b.EarnedAt
			p.Earned = true
			p.EarnedAt = &at
			p.Percent = 100
		}
		res = append(res, p)
	}

	return res, nil
}

// percentOf возвращает прогресс в процентах, ограниченный сотней.
func percentOf(current, target float64) float64 {
	if target <= 0 {
		return 100
	}
	return round2(math.Min(100, math.Max(0, current)/target*100))
}
