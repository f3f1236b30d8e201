package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const dispatchBatch = 100

// RunRateReconciliation периодически исправляет ставки, отставшие от уровня репетитора.
// Блокируется до отмены контекста.
func (s *Service) RunRateReconciliation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ReconcileRates(ctx)
			if err != nil {
				s.logger.Warn("rate reconciliation failed", zap.Error(err), zap.Int("fixed", n))
				continue
			}
			if n > 0 {
				s.logger.Info("rates reconciled", zap.Int("fixed", n))
			}
		}
	}
}

// RunAchievementDispatch периодически доставляет факты из исходящей очереди.
// Без клиента уведомлений возвращается сразу.
func (s *Service) RunAchievementDispatch(ctx context.Context, interval time.Duration) {
	if s.notifier == nil {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchBatch(ctx)
		}
	}
}

// dispatchBatch доставляет факты в порядке создания и останавливается на первой ошибке,
// чтобы не нарушать порядок. Недоставленные факты повторяются на следующем тике.
func (s *Service) dispatchBatch(ctx context.Context) int {
	pending, err := s.repo.PendingAchievements(ctx, dispatchBatch)
	if err != nil {
		s.logger.Warn("load pending achievements", zap.Error(err))
		return 0
	}

	delivered := 0
	for _, a := range pending {
		retryAfter, err := s.notifier.Deliver(ctx, a)
		if err != nil {
			s.logger.Warn("deliver achievement",
				zap.Error(err),
				zap.String("achievementID", a.ID.String()),
				zap.Duration("retryAfter", retryAfter),
			)
			if retryAfter > 0 {
				timer := time.NewTimer(retryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
				case <-timer.C:
				}
			}
			return delivered
		}

		if err := s.repo.MarkAchievementDelivered(ctx, a.ID, s.now()); err != nil {
			s.logger.Warn("mark achievement delivered", zap.Error(err), zap.String("achievementID", a.ID.String()))
			return delivered
		}
		delivered++
	}

	return delivered
}
