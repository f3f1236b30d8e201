package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/tutor-rewards/internal/model"
)

type grantKey struct {
	TutorID uuid.UUID
	Reason  model.PointReason
	Kind    model.ReferenceKind
	Ref     string
}

type badgeKey struct {
	TutorID uuid.UUID
	Type    model.BadgeType
}

type bonusKey struct {
	TutorID uuid.UUID
	Type    model.BonusType
	Key     string
}

// MemoryRepository хранит записи в памяти с теми же ограничениями уникальности, что и PostgreSQL.
// Используется в режиме разработки без DATABASE_URI и в тестах.
type MemoryRepository struct {
	mu sync.RWMutex

	sessions  map[uuid.UUID]model.Session
	reviews   map[uuid.UUID]model.Review
	referrals map[uuid.UUID]model.Referral

	grants    []model.PointGrant
	grantRefs map[grantKey]bool

	badges map[badgeKey]model.Badge

	tiers       map[uuid.UUID]model.TierRecord
	tierHistory []model.TierChange

	bonuses       map[uuid.UUID]*model.Bonus
	bonusOrder    []uuid.UUID
	bonusRefs     map[bonusKey]bool
	claims        map[bonusKey]uuid.UUID
	statusHistory []model.BonusStatusChange

	rates       map[uuid.UUID]model.TutorRate
	rateHistory []model.RateHistory

	achievements []model.Achievement
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:  make(map[uuid.UUID]model.Session),
		reviews:   make(map[uuid.UUID]model.Review),
		referrals: make(map[uuid.UUID]model.Referral),
		grantRefs: make(map[grantKey]bool),
		badges:    make(map[badgeKey]model.Badge),
		tiers:     make(map[uuid.UUID]model.TierRecord),
		bonuses:   make(map[uuid.UUID]*model.Bonus),
		bonusRefs: make(map[bonusKey]bool),
		claims:    make(map[bonusKey]uuid.UUID),
		rates:     make(map[uuid.UUID]model.TutorRate),
	}
}

// Close ничего не делает.
func (m *MemoryRepository) Close() error { return nil }

func (m *MemoryRepository) RecordSession(_ context.Context, s model.Session) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.SessionID]; ok {
		return false, nil
	}
	m.sessions[s.SessionID] = s
	return true, nil
}

func (m *MemoryRepository) RecordReview(_ context.Context, rv model.Review) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reviews[rv.ReviewID]; ok {
		return false, nil
	}
	m.reviews[rv.ReviewID] = rv
	return true, nil
}

func (m *MemoryRepository) RecordReferral(_ context.Context, ref model.Referral) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.referrals[ref.ReferredStudentID]; ok {
		return false, nil
	}
	m.referrals[ref.ReferredStudentID] = ref
	return true, nil
}

func (m *MemoryRepository) GetReferral(_ context.Context, studentID uuid.UUID) (*model.Referral, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ref, ok := m.referrals[studentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &ref, nil
}

func (m *MemoryRepository) CountStudentSessions(_ context.Context, studentID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, s := range m.sessions {
		if s.StudentID == studentID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) GetTutorStats(ctx context.Context, tutorID uuid.UUID, retentionSpan time.Duration) (*model.TutorStats, error) {
	spans, err := m.ListStudentSpans(ctx, tutorID)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	st := model.TutorStats{TutorID: tutorID, DistinctStudents: len(spans)}
	for _, sp := range spans {
		if sp.LastSessionAt.Sub(sp.FirstSessionAt) >= retentionSpan {
			st.RetainedStudents++
		}
	}

	for _, s := range m.sessions {
		if s.TutorID == tutorID {
			st.CompletedSessions++
			st.TotalMinutes += s.DurationMinutes
		}
	}

	ratingSum := 0
	for _, rv := range m.reviews {
		if rv.TutorID != tutorID {
			continue
		}
		st.ReviewCount++
		ratingSum += rv.Rating
		if rv.Rating == 5 {
			st.FiveStarReviews++
		}
	}
	if st.ReviewCount > 0 {
		st.AverageRating = float64(ratingSum) / float64(st.ReviewCount)
	}

	for _, ref := range m.referrals {
		if ref.ReferrerID == tutorID {
			st.ConvertedReferrals++
		}
	}

	return &st, nil
}

func (m *MemoryRepository) ListStudentSpans(_ context.Context, tutorID uuid.UUID) ([]model.StudentSpan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byStudent := make(map[uuid.UUID]*model.StudentSpan)
	for _, s := range m.sessions {
		if s.TutorID != tutorID {
			continue
		}
		sp, ok := byStudent[s.StudentID]
		if !ok {
			byStudent[s.StudentID] = &model.StudentSpan{
				StudentID:      s.StudentID,
				Sessions:       1,
				FirstSessionAt: s.CompletedAt,
				LastSessionAt:  s.CompletedAt,
			}
			continue
		}
		sp.Sessions++
		if s.CompletedAt.Before(sp.FirstSessionAt) {
			sp.FirstSessionAt = s.CompletedAt
		}
		if s.CompletedAt.After(sp.LastSessionAt) {
			sp.LastSessionAt = s.CompletedAt
		}
	}

	res := make([]model.StudentSpan, 0, len(byStudent))
	for _, sp := range byStudent {
		res = append(res, *sp)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].FirstSessionAt.Before(res[j].FirstSessionAt)
	})
	return res, nil
}

func (m *MemoryRepository) InsertPointGrant(_ context.Context, g model.PointGrant, facts ...model.Achievement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g.ReferenceID != "" {
		k := grantKey{TutorID: g.TutorID, Reason: g.Reason, Kind: g.ReferenceKind, Ref: g.ReferenceID}
		if m.grantRefs[k] {
			return ErrDuplicateAward
		}
		m.grantRefs[k] = true
	}
	m.grants = append(m.grants, g)
	m.achievements = append(m.achievements, facts...)
	return nil
}

func (m *MemoryRepository) GrantedReferences(_ context.Context, tutorID uuid.UUID, reason model.PointReason) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []string
	for k := range m.grantRefs {
		if k.TutorID == tutorID && k.Reason == reason {
			res = append(res, k.Ref)
		}
	}
	sort.Strings(res)
	return res, nil
}

func (m *MemoryRepository) SumPoints(_ context.Context, tutorID uuid.UUID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var total int64
	for _, g := range m.grants {
		if g.TutorID == tutorID {
			total += g.Points
		}
	}
	return total, nil
}

func (m *MemoryRepository) ListPointGrants(_ context.Context, tutorID uuid.UUID, limit int) ([]model.PointGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.PointGrant
	for i := len(m.grants) - 1; i >= 0 && len(res) < limit; i-- {
		if m.grants[i].TutorID == tutorID {
			res = append(res, m.grants[i])
		}
	}
	return res, nil
}

func (m *MemoryRepository) ListBadges(_ context.Context, tutorID uuid.UUID) ([]model.Badge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.Badge
	for k, b := range m.badges {
		if k.TutorID == tutorID {
			res = append(res, b)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].EarnedAt.Before(res[j].EarnedAt)
	})
	return res, nil
}

func (m *MemoryRepository) InsertBadge(_ context.Context, b model.Badge, facts ...model.Achievement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := badgeKey{TutorID: b.TutorID, Type: b.Type}
	if _, ok := m.badges[k]; ok {
		return ErrDuplicateAward
	}
	m.badges[k] = b
	m.achievements = append(m.achievements, facts...)
	return nil
}

func (m *MemoryRepository) GetTier(_ context.Context, tutorID uuid.UUID) (*model.TierRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.tiers[tutorID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (m *MemoryRepository) TouchTierEvaluation(_ context.Context, tutorID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.tiers[tutorID]
	if !ok {
		rec = model.TierRecord{TutorID: tutorID, Tier: model.TierStandard, TierStartedAt: at}
	}
	rec.LastEvaluatedAt = at
	m.tiers[tutorID] = rec
	return nil
}

func (m *MemoryRepository) PromoteTier(_ context.Context, change model.TierChange, facts ...model.Achievement) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := model.TierStandard
	if rec, ok := m.tiers[change.TutorID]; ok {
		current = rec.Tier
	}
	if !change.To.Above(current) {
		return false, nil
	}

	m.tiers[change.TutorID] = model.TierRecord{
		TutorID:         change.TutorID,
		Tier:            change.To,
		TierStartedAt:   change.ChangedAt,
		LastEvaluatedAt: change.ChangedAt,
	}
	change.From = current
	m.tierHistory = append(m.tierHistory, change)
	m.achievements = append(m.achievements, facts...)
	return true, nil
}

func (m *MemoryRepository) ListTierHistory(_ context.Context, tutorID uuid.UUID) ([]model.TierChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.TierChange
	for _, c := range m.tierHistory {
		if c.TutorID == tutorID {
			res = append(res, c)
		}
	}
	return res, nil
}

func (m *MemoryRepository) InsertBonus(_ context.Context, b model.Bonus, claims []string, change model.BonusStatusChange,
	facts ...model.Achievement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := bonusKey{TutorID: b.TutorID, Type: b.Type, Key: b.ReferenceKey}
	if m.bonusRefs[ref] {
		return ErrDuplicateAward
	}
	for _, c := range claims {
		if _, ok := m.claims[bonusKey{TutorID: b.TutorID, Type: b.Type, Key: c}]; ok {
			return ErrDuplicateAward
		}
	}

	m.bonusRefs[ref] = true
	for _, c := range claims {
		m.claims[bonusKey{TutorID: b.TutorID, Type: b.Type, Key: c}] = b.ID
	}
	stored := b
	m.bonuses[b.ID] = &stored
	m.bonusOrder = append(m.bonusOrder, b.ID)
	m.statusHistory = append(m.statusHistory, change)
	m.achievements = append(m.achievements, facts...)
	return nil
}

func (m *MemoryRepository) Claims(_ context.Context, tutorID uuid.UUID, bonusType model.BonusType) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []string
	for k := range m.claims {
		if k.TutorID == tutorID && k.Type == bonusType {
			res = append(res, k.Key)
		}
	}
	sort.Strings(res)
	return res, nil
}

func (m *MemoryRepository) HasBonus(_ context.Context, tutorID uuid.UUID, bonusType model.BonusType, referenceKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.bonusRefs[bonusKey{TutorID: tutorID, Type: bonusType, Key: referenceKey}], nil
}

func (m *MemoryRepository) GetBonus(_ context.Context, id uuid.UUID) (*model.Bonus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bonuses[id]
	if !ok {
		return nil, ErrNotFound
	}
	res := *b
	return &res, nil
}

func (m *MemoryRepository) ListBonuses(_ context.Context, tutorID uuid.UUID) ([]model.Bonus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.Bonus
	for i := len(m.bonusOrder) - 1; i >= 0; i-- {
		b := m.bonuses[m.bonusOrder[i]]
		if b.TutorID == tutorID {
			res = append(res, *b)
		}
	}
	return res, nil
}

func (m *MemoryRepository) TransitionBonus(_ context.Context, change model.BonusStatusChange, from []model.BonusStatus, paymentRef string) (*model.Bonus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bonuses[change.BonusID]
	if !ok {
		return nil, ErrNotFound
	}
	if !statusIn(b.Status, from) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, b.Status, change.To)
	}

	at := change.ChangedAt
	switch change.To {
	case model.BonusApproved:
		b.ApprovedAt = &at
	case model.BonusPaid:
		b.PaidAt = &at
	case model.BonusCancelled:
		b.CancelledAt = &at
	default:
		return nil, fmt.Errorf("%w: to %s", ErrInvalidTransition, change.To)
	}
	if paymentRef != "" {
		b.PaymentReference = paymentRef
	}

	change.From = b.Status
	b.Status = change.To
	m.statusHistory = append(m.statusHistory, change)

	res := *b
	return &res, nil
}

// StatusHistory возвращает журнал переходов статуса бонуса.
func (m *MemoryRepository) StatusHistory(bonusID uuid.UUID) []model.BonusStatusChange {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.BonusStatusChange
	for _, c := range m.statusHistory {
		if c.BonusID == bonusID {
			res = append(res, c)
		}
	}
	return res
}

func (m *MemoryRepository) GetRate(_ context.Context, tutorID uuid.UUID) (*model.TutorRate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rate, ok := m.rates[tutorID]
	if !ok {
		return nil, ErrNotFound
	}
	return &rate, nil
}

// UpdateRate вызывает apply под блокировкой хранилища, поэтому apply не обращается к хранилищу.
func (m *MemoryRepository) UpdateRate(_ context.Context, defaults model.TutorRate, apply RateUpdate) (*model.TutorRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rate, ok := m.rates[defaults.TutorID]
	if !ok {
		rate = defaults
	}

	h, facts, err := apply(&rate)
	if err != nil {
		return nil, err
	}

	m.rates[rate.TutorID] = rate
	m.rateHistory = append(m.rateHistory, h)
	m.achievements = append(m.achievements, facts...)

	res := rate
	return &res, nil
}

func (m *MemoryRepository) ListRateHistory(_ context.Context, tutorID uuid.UUID) ([]model.RateHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.RateHistory
	for i := len(m.rateHistory) - 1; i >= 0; i-- {
		if m.rateHistory[i].TutorID == tutorID {
			res = append(res, m.rateHistory[i])
		}
	}
	return res, nil
}

func (m *MemoryRepository) ListRateDrift(_ context.Context, expected map[model.Tier]decimal.Decimal, limit int) ([]model.RateDrift, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.RateDrift
	for id, rate := range m.rates {
		tier := model.TierStandard
		if rec, ok := m.tiers[id]; ok {
			tier = rec.Tier
		}
		if want, ok := expected[tier]; ok && !rate.TierAdjustment.Equal(want) {
			res = append(res, model.RateDrift{TutorID: id, Tier: tier, TierAdjustment: rate.TierAdjustment, HasRate: true})
		}
	}
	for id, rec := range m.tiers {
		if _, ok := m.rates[id]; ok || rec.Tier == model.TierStandard {
			continue
		}
		if _, ok := expected[rec.Tier]; ok {
			res = append(res, model.RateDrift{TutorID: id, Tier: rec.Tier})
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].TutorID.String() < res[j].TutorID.String()
	})
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *MemoryRepository) PendingAchievements(_ context.Context, limit int) ([]model.Achievement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var res []model.Achievement
	for _, a := range m.achievements {
		if len(res) >= limit {
			break
		}
		if a.DeliveredAt == nil {
			res = append(res, a)
		}
	}
	return res, nil
}

func (m *MemoryRepository) MarkAchievementDelivered(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.achievements {
		if m.achievements[i].ID == id && m.achievements[i].DeliveredAt == nil {
			t := at
			m.achievements[i].DeliveredAt = &t
		}
	}
	return nil
}

// Achievements возвращает все факты исходящей очереди.
func (m *MemoryRepository) Achievements() []model.Achievement {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make([]model.Achievement, len(m.achievements))
	copy(res, m.achievements)
	return res
}
