// Package service реализует программу вознаграждений репетиторов: журнал баллов, значки,
// уровни, денежные бонусы и пересчёт почасовой ставки.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/tutor-rewards/internal/model"
	"github.com/mmeshcher/tutor-rewards/internal/policy"
	"github.com/mmeshcher/tutor-rewards/internal/repository"
	"github.com/mmeshcher/tutor-rewards/internal/validation"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	RecordSession(ctx context.Context, s model.Session) (bool, error)
	RecordReview(ctx context.Context, rv model.Review) (bool, error)
	RecordReferral(ctx context.Context, ref model.Referral) (bool, error)
	GetReferral(ctx context.Context, studentID uuid.UUID) (*model.Referral, error)
	CountStudentSessions(ctx context.Context, studentID uuid.UUID) (int, error)
	GetTutorStats(ctx context.Context, tutorID uuid.UUID, retentionSpan time.Duration) (*model.TutorStats, error)
	ListStudentSpans(ctx context.Context, tutorID uuid.UUID) ([]model.StudentSpan, error)

	InsertPointGrant(ctx context.Context, g model.PointGrant, facts ...model.Achievement) error
	GrantedReferences(ctx context.Context, tutorID uuid.UUID, reason model.PointReason) ([]string, error)
	SumPoints(ctx context.Context, tutorID uuid.UUID) (int64, error)
	ListPointGrants(ctx context.Context, tutorID uuid.UUID, limit int) ([]model.PointGrant, error)

	ListBadges(ctx context.Context, tutorID uuid.UUID) ([]model.Badge, error)
	InsertBadge(ctx context.Context, b model.Badge, facts ...model.Achievement) error

	GetTier(ctx context.Context, tutorID uuid.UUID) (*model.TierRecord, error)
	TouchTierEvaluation(ctx context.Context, tutorID uuid.UUID, at time.Time) error
	PromoteTier(ctx context.Context, change model.TierChange, facts ...model.Achievement) (bool, error)
	ListTierHistory(ctx context.Context, tutorID uuid.UUID) ([]model.TierChange, error)

	InsertBonus(ctx context.Context, b model.Bonus, claims []string, change model.BonusStatusChange, facts ...model.Achievement) error
	Claims(ctx context.Context, tutorID uuid.UUID, bonusType model.BonusType) ([]string, error)
	HasBonus(ctx context.Context, tutorID uuid.UUID, bonusType model.BonusType, referenceKey string) (bool, error)
	GetBonus(ctx context.Context, id uuid.UUID) (*model.Bonus, error)
	ListBonuses(ctx context.Context, tutorID uuid.UUID) ([]model.Bonus, error)
	TransitionBonus(ctx context.Context, change model.BonusStatusChange, from []model.BonusStatus, paymentRef string) (*model.Bonus, error)

	GetRate(ctx context.Context, tutorID uuid.UUID) (*model.TutorRate, error)
	UpdateRate(ctx context.Context, defaults model.TutorRate, apply repository.RateUpdate) (*model.TutorRate, error)
	ListRateHistory(ctx context.Context, tutorID uuid.UUID) ([]model.RateHistory, error)
	ListRateDrift(ctx context.Context, expected map[model.Tier]decimal.Decimal, limit int) ([]model.RateDrift, error)

	PendingAchievements(ctx context.Context, limit int) ([]model.Achievement, error)
	MarkAchievementDelivered(ctx context.Context, id uuid.UUID, at time.Time) error
}

// Notifier доставляет факты о достижениях во внешнюю систему уведомлений.
type Notifier interface {
	Deliver(ctx context.Context, a model.Achievement) (time.Duration, error)
}

const defaultStoreTimeout = 5 * time.Second

// Service содержит бизнес-логику программы вознаграждений.
type Service struct {
	repo         Repository
	notifier     Notifier
	logger       *zap.Logger
	storeTimeout time.Duration
	now          func() time.Time
}

// Option настраивает сервис.
type Option func(*Service)

// WithStoreTimeout ограничивает время одной операции с хранилищем.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// WithClock подменяет источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService создаёт новый сервис с указанным репозиторием и клиентом уведомлений.
// notifier может быть nil: факты тогда накапливаются в исходящей очереди.
func NewService(repo Repository, notifier Notifier, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		repo:         repo,
		notifier:     notifier,
		logger:       logger,
		storeTimeout: defaultStoreTimeout,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// withTimeout ограничивает единицу работы временем storeTimeout.
// По истечении вызывающий получает ошибку и может безопасно повторить операцию.
func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.storeTimeout)
}

// tutorStats собирает агрегированную статистику из событий и текущего состояния репетитора.
// Средняя оценка и доля удержания не округляются: пороги уровней и значков сравниваются с точными значениями.
func (s *Service) tutorStats(ctx context.Context, tutorID uuid.UUID) (*model.TutorStats, error) {
	st, err := s.repo.GetTutorStats(ctx, tutorID, policy.RetentionSpan)
	if err != nil {
		return nil, err
	}

	if st.DistinctStudents > 0 {
		st.RetentionRate = float64(st.RetainedStudents) * 100 / float64(st.DistinctStudents)
	}

	tier, err := s.currentTier(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	st.CurrentTier = tier

	total, err := s.repo.SumPoints(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	st.TotalPoints = total
	st.Level = policy.LevelFor(total)

	return st, nil
}

func (s *Service) currentTier(ctx context.Context, tutorID uuid.UUID) (model.Tier, error) {
	rec, err := s.repo.GetTier(ctx, tutorID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.TierStandard, nil
		}
		return "", err
	}
	return rec.Tier, nil
}

// GetTutorStats возвращает агрегированную статистику репетитора. Средняя оценка и доля удержания
// округляются до сотых.
func (s *Service) GetTutorStats(ctx context.Context, tutorID uuid.UUID) (*model.TutorStats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	st, err := s.tutorStats(ctx, tutorID)
	if err != nil {
		return nil, err
	}
	st.AverageRating = round2(st.AverageRating)
	st.RetentionRate = round2(st.RetentionRate)
	return st, nil
}

// fact готовит факт для исходящей очереди. Факт сохраняется в той же записи, что и награда.
func (s *Service) fact(tutorID uuid.UUID, kind model.AchievementKind, payload any) (model.Achievement, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return model.Achievement{}, fmt.Errorf("encode %s achievement: %w", kind, err)
	}

	return model.Achievement{
		ID:        uuid.New(),
		TutorID:   tutorID,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: s.now(),
	}, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func requireID(field string, id uuid.UUID) error {
	if !validation.IsValidID(id) {
		return &ValidationError{Field: field, Message: "must be set"}
	}
	return nil
}

// ErrValidation возвращается при некорректных входных данных.
var ErrValidation = errors.New("validation failed")

// ErrDuplicateAward возвращается при явной повторной записи уже выданной награды.
var ErrDuplicateAward = repository.ErrDuplicateAward

// ValidationError описывает отклонённое входное значение.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
