package service

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/mmeshcher/tutor-rewards/internal/model"
	"github.com/mmeshcher/tutor-rewards/internal/policy"
	"github.com/mmeshcher/tutor-rewards/internal/repository"
)

// GrantResult содержит результат начисления баллов.
type GrantResult struct {
	Grant       model.PointGrant   `json:"grant"`
	IsDuplicate bool               `json:"is_duplicate"`
	LevelUp     *model.LevelChange `json:"level_up,omitempty"`
}

// GrantPoints начисляет баллы по фиксированной таблице причин.
// Неизвестная причина даёт нулевое начисление. Начисление с основанием выполняется не более одного раза.
func (s *Service) GrantPoints(ctx context.Context, tutorID uuid.UUID, reason model.PointReason, refID string, refKind model.ReferenceKind) (*GrantResult, error) {
	if err := requireID("tutor_id", tutorID); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.grant(ctx, tutorID, reason, policy.PointsFor(reason), refID, refKind, nil)
}

func (s *Service) grant(ctx context.Context, tutorID uuid.UUID, reason model.PointReason, points int64,
	refID string, refKind model.ReferenceKind, meta map[string]string) (*GrantResult, error) {
	before, err := s.repo.SumPoints(ctx, tutorID)
	if err != nil {
		return nil, err
	}

	g := model.PointGrant{
		ID:            uuid.New(),
		TutorID:       tutorID,
		Points:        points,
		Reason:        reason,
		ReferenceID:   refID,
		ReferenceKind: refKind,
		CreatedAt:     s.now(),
		Metadata:      meta,
	}

	res := &GrantResult{Grant: g}
	var facts []model.Achievement
	if points > 0 {
		f, err := s.fact(tutorID, model.AchievementPointsGranted, g)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}

	from, to := policy.LevelFor(before), policy.LevelFor(before+points)
	if from != to {
		res.LevelUp = &model.LevelChange{From: from, To: to}
		f, err := s.fact(tutorID, model.AchievementLevelUp, res.LevelUp)
		if err != nil {
			return nil, err
		}
		facts = append(facts, f)
	}

	if err := s.repo.InsertPointGrant(ctx, g, facts...); err != nil {
		if errors.Is(err, repository.ErrDuplicateAward) {
			return &GrantResult{Grant: g, IsDuplicate: true}, nil
		}
		return nil, err
	}

	return res, nil
}

// ungranted возвращает основания из refs, баллы за которые по причине reason ещё не начислены.
func (s *Service) ungranted(ctx context.Context, tutorID uuid.UUID, reason model.PointReason, refs []string) ([]string, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	granted, err := s.repo.GrantedReferences(ctx, tutorID, reason)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(granted))
	for _, ref := range granted {
		done[ref] = true
	}

	var res []string
	for _, ref := range refs {
		if !done[ref] {
			res = append(res, ref)
		}
	}
	return res, nil
}

// TotalPoints возвращает сумму всех начислений репетитора.
func (s *Service) TotalPoints(ctx context.Context, tutorID uuid.UUID) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.repo.SumPoints(ctx, tutorID)
}

// Level возвращает уровень для суммы баллов.
func Level(totalPoints int64) model.Level {
	return policy.LevelFor(totalPoints)
}

// ListPointGrants возвращает последние начисления репетитора.
func (s *Service) ListPointGrants(ctx context.Context, tutorID uuid.UUID, limit int) ([]model.PointGrant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListPointGrants(ctx, tutorID, limit)
}
