package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/tutor-rewards/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{100 * time.Millisecond, 300 * time.Millisecond, 500 * time.Millisecond},
	}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет операцию при конфликте сериализации, взаимоблокировке и обрыве соединения.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(r.delays) {
			return err
		}

		timer := time.NewTimer(r.delays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// RecordSession сохраняет завершённое занятие и сообщает, было ли оно новым.
func (r *PostgresRepository) RecordSession(ctx context.Context, s model.Session) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, tutor_id, student_id, duration_minutes, completed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (session_id) DO NOTHING`,
		s.SessionID, s.TutorID, s.StudentID, s.DurationMinutes, s.CompletedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert session: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordReview сохраняет отзыв и сообщает, был ли он новым.
func (r *PostgresRepository) RecordReview(ctx context.Context, rv model.Review) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO reviews (review_id, tutor_id, student_id, rating, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (review_id) DO NOTHING`,
		rv.ReviewID, rv.TutorID, rv.StudentID, rv.Rating, rv.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert review: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RecordReferral сохраняет приглашение ученика и сообщает, было ли оно новым.
func (r *PostgresRepository) RecordReferral(ctx context.Context, ref model.Referral) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO referrals (referred_student_id, referrer_id, converted_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (referred_student_id) DO NOTHING`,
		ref.ReferredStudentID, ref.ReferrerID, ref.ConvertedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert referral: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetReferral возвращает приглашение по идентификатору приглашённого ученика.
func (r *PostgresRepository) GetReferral(ctx context.Context, studentID uuid.UUID) (*model.Referral, error) {
	var ref model.Referral
	err := r.pool.QueryRow(ctx,
		`SELECT referred_student_id, referrer_id, converted_at FROM referrals WHERE referred_student_id = $1`,
		studentID,
	).Scan(&ref.ReferredStudentID, &ref.ReferrerID, &ref.ConvertedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get referral: %w", err)
	}
	return &ref, nil
}

// CountStudentSessions возвращает число завершённых занятий ученика у всех репетиторов.
func (r *PostgresRepository) CountStudentSessions(ctx context.Context, studentID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions WHERE student_id = $1`,
		studentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count student sessions: %w", err)
	}
	return n, nil
}

// GetTutorStats возвращает счётчики занятий, отзывов, удержания и приглашений репетитора.
// Производные поля (доля удержания, уровень, баллы) заполняет сервис.
func (r *PostgresRepository) GetTutorStats(ctx context.Context, tutorID uuid.UUID, retentionSpan time.Duration) (*model.TutorStats, error) {
	st := model.TutorStats{TutorID: tutorID}

	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(duration_minutes), 0), COUNT(DISTINCT student_id)
		 FROM sessions
		 WHERE tutor_id = $1`,
		tutorID,
	).Scan(&st.CompletedSessions, &st.TotalMinutes, &st.DistinctStudents)
	if err != nil {
		return nil, fmt.Errorf("session stats: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*)
		 FROM (
		     SELECT student_id
		     FROM sessions
		     WHERE tutor_id = $1
		     GROUP BY student_id
		     HAVING EXTRACT(EPOCH FROM MAX(completed_at) - MIN(completed_at)) >= $2
		 ) retained`,
		tutorID, int64(retentionSpan.Seconds()),
	).Scan(&st.RetainedStudents)
	if err != nil {
		return nil, fmt.Errorf("retention stats: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE rating = 5), COALESCE(AVG(rating), 0)::float8
		 FROM reviews
		 WHERE tutor_id = $1`,
		tutorID,
	).Scan(&st.ReviewCount, &st.FiveStarReviews, &st.AverageRating)
	if err != nil {
		return nil, fmt.Errorf("review stats: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM referrals WHERE referrer_id = $1`,
		tutorID,
	).Scan(&st.ConvertedReferrals)
	if err != nil {
		return nil, fmt.Errorf("referral stats: %w", err)
	}

	return &st, nil
}

// ListStudentSpans возвращает историю занятий репетитора по каждому ученику.
func (r *PostgresRepository) ListStudentSpans(ctx context.Context, tutorID uuid.UUID) ([]model.StudentSpan, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT student_id, COUNT(*), MIN(completed_at), MAX(completed_at)
		 FROM sessions
		 WHERE tutor_id = $1
		 GROUP BY student_id
		 ORDER BY MIN(completed_at)`,
		tutorID,
	)
	if err != nil {
		return nil, fmt.Errorf("select student spans: %w", err)
	}
	defer rows.Close()

	var res []model.StudentSpan
	for rows.Next() {
		var sp model.StudentSpan
		if err := rows.Scan(&sp.StudentID, &sp.Sessions, &sp.FirstSessionAt, &sp.LastSessionAt); err != nil {
			return nil, fmt.Errorf("scan student span: %w", err)
		}
		res = append(res, sp)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// InsertPointGrant добавляет запись в журнал баллов вместе с фактами для уведомлений.
// Для записи с основанием повторная вставка возвращает ErrDuplicateAward.
func (r *PostgresRepository) InsertPointGrant(ctx context.Context, g model.PointGrant, facts ...model.Achievement) error {
	meta := []byte("{}")
	if g.Metadata != nil {
		var err error
		if meta, err = json.Marshal(g.Metadata); err != nil {
			return fmt.Errorf("encode grant metadata: %w", err)
		}
	}

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`INSERT INTO point_grants (id, tutor_id, points, reason, reference_id, reference_kind, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT DO NOTHING`,
			g.ID, g.TutorID, g.Points, string(g.Reason), g.ReferenceID, string(g.ReferenceKind), meta, g.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateAward
			}
			return fmt.Errorf("insert point grant: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicateAward
		}

		if err := insertAchievements(ctx, tx, facts); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GrantedReferences возвращает основания начислений репетитора по причине.
func (r *PostgresRepository) GrantedReferences(ctx context.Context, tutorID uuid.UUID, reason model.PointReason) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT reference_id
		 FROM point_grants
		 WHERE tutor_id = $1 AND reason = $2 AND reference_id <> ''`,
		tutorID, string(reason),
	)
	if err != nil {
		return nil, fmt.Errorf("select granted references: %w", err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan granted reference: %w", err)
		}
		res = append(res, ref)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SumPoints возвращает сумму всех начислений репетитора.
func (r *PostgresRepository) SumPoints(ctx context.Context, tutorID uuid.UUID) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points), 0) FROM point_grants WHERE tutor_id = $1`,
		tutorID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum points: %w", err)
	}
	return total, nil
}

// ListPointGrants возвращает последние начисления репетитора.
func (r *PostgresRepository) ListPointGrants(ctx context.Context, tutorID uuid.UUID, limit int) ([]model.PointGrant, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tutor_id, points, reason, reference_id, reference_kind, metadata, created_at
		 FROM point_grants
		 WHERE tutor_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		tutorID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select point grants: %w", err)
	}
	defer rows.Close()

	var res []model.PointGrant
	for rows.Next() {
		var (
			g       model.PointGrant
			reason  string
			refKind string
			meta    []byte
		)
		if err := rows.Scan(&g.ID, &g.TutorID, &g.Points, &reason, &g.ReferenceID, &refKind, &meta, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan point grant: %w", err)
		}
		g.Reason = model.PointReason(reason)
		g.ReferenceKind = model.ReferenceKind(refKind)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &g.Metadata); err != nil {
				return nil, fmt.Errorf("decode grant metadata: %w", err)
			}
		}
		res = append(res, g)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListBadges возвращает значки репетитора.
func (r *PostgresRepository) ListBadges(ctx context.Context, tutorID uuid.UUID) ([]model.Badge, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT tutor_id, badge_type, earned_at, metadata
		 FROM badges
		 WHERE tutor_id = $1
		 ORDER BY earned_at`,
		tutorID,
	)
	if err != nil {
		return nil, fmt.Errorf("select badges: %w", err)
	}
	defer rows.Close()

	var res []model.Badge
	for rows.Next() {
		var (
			b         model.Badge
			badgeType string
			meta      []byte
		)
		if err := rows.Scan(&b.TutorID, &badgeType, &b.EarnedAt, &meta); err != nil {
			return nil, fmt.Errorf("scan badge: %w", err)
		}
		b.Type = model.BadgeType(badgeType)
		if err := json.Unmarshal(meta, &b.Metadata); err != nil {
			return nil, fmt.Errorf("decode badge metadata: %w", err)
		}
		res = append(res, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// InsertBadge сохраняет значок вместе с фактами для уведомлений. Повторная вставка возвращает ErrDuplicateAward.
func (r *PostgresRepository) InsertBadge(ctx context.Context, b model.Badge, facts ...model.Achievement) error {
	meta, err := json.Marshal(b.Metadata)
	if err != nil {
		return fmt.Errorf("encode badge metadata: %w", err)
	}

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`INSERT INTO badges (tutor_id, badge_type, earned_at, metadata)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (tutor_id, badge_type) DO NOTHING`,
			b.TutorID, string(b.Type), b.EarnedAt, meta,
		)
		if err != nil {
			return fmt.Errorf("insert badge: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicateAward
		}

		if err := insertAchievements(ctx, tx, facts); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetTier возвращает текущий уровень репетитора.
func (r *PostgresRepository) GetTier(ctx context.Context, tutorID uuid.UUID) (*model.TierRecord, error) {
	var (
		rec  model.TierRecord
		tier string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT tutor_id, tier, tier_started_at, last_evaluated_at FROM tiers WHERE tutor_id = $1`,
		tutorID,
	).Scan(&rec.TutorID, &tier, &rec.TierStartedAt, &rec.LastEvaluatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tier: %w", err)
	}
	rec.Tier = model.Tier(tier)
	return &rec, nil
}

// TouchTierEvaluation отмечает время последней проверки уровня, создавая запись standard при её отсутствии.
func (r *PostgresRepository) TouchTierEvaluation(ctx context.Context, tutorID uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO tiers (tutor_id, tier, tier_rank, tier_started_at, last_evaluated_at)
		 VALUES ($1, $2, $3, $4, $4)
		 ON CONFLICT (tutor_id) DO UPDATE SET last_evaluated_at = EXCLUDED.last_evaluated_at`,
		tutorID, string(model.TierStandard), model.TierStandard.Rank(), at,
	)
	if err != nil {
		return fmt.Errorf("touch tier: %w", err)
	}
	return nil
}

// PromoteTier повышает уровень и записывает переход в журнал и факты для уведомлений в одной транзакции.
// Строка уровня блокируется, поэтому понижение невозможно даже при параллельных вызовах.
// Возвращает false, если текущий уровень уже не ниже целевого.
func (r *PostgresRepository) PromoteTier(ctx context.Context, change model.TierChange, facts ...model.Achievement) (bool, error) {
	stats, err := json.Marshal(change.Stats)
	if err != nil {
		return false, fmt.Errorf("encode tier stats: %w", err)
	}

	var promoted bool
	err = r.withRetry(ctx, func() error {
		promoted = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var current string
		err = tx.QueryRow(ctx,
			`SELECT tier FROM tiers WHERE tutor_id = $1 FOR UPDATE`,
			change.TutorID,
		).Scan(&current)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			current = string(model.TierStandard)
		case err != nil:
			return fmt.Errorf("lock tier: %w", err)
		}

		if !change.To.Above(model.Tier(current)) {
			return nil
		}

		tag, err := tx.Exec(ctx,
			`INSERT INTO tiers (tutor_id, tier, tier_rank, tier_started_at, last_evaluated_at)
			 VALUES ($1, $2, $3, $4, $4)
			 ON CONFLICT (tutor_id) DO UPDATE
			 SET tier = EXCLUDED.tier,
			     tier_rank = EXCLUDED.tier_rank,
			     tier_started_at = EXCLUDED.tier_started_at,
			     last_evaluated_at = EXCLUDED.last_evaluated_at
			 WHERE tiers.tier_rank < EXCLUDED.tier_rank`,
			change.TutorID, string(change.To), change.To.Rank(), change.ChangedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert tier: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO tier_history (id, tutor_id, from_tier, to_tier, stats, changed_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (tutor_id, to_tier) DO NOTHING`,
			change.ID, change.TutorID, current, string(change.To), stats, change.ChangedAt,
		)
		if err != nil {
			return fmt.Errorf("insert tier history: %w", err)
		}

		if err := insertAchievements(ctx, tx, facts); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		promoted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return promoted, nil
}

// ListTierHistory возвращает журнал повышений уровня репетитора.
func (r *PostgresRepository) ListTierHistory(ctx context.Context, tutorID uuid.UUID) ([]model.TierChange, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tutor_id, from_tier, to_tier, stats, changed_at
		 FROM tier_history
		 WHERE tutor_id = $1
		 ORDER BY changed_at`,
		tutorID,
	)
	if err != nil {
		return nil, fmt.Errorf("select tier history: %w", err)
	}
	defer rows.Close()

	var res []model.TierChange
	for rows.Next() {
		var (
			c        model.TierChange
			from, to string
			stats    []byte
		)
		if err := rows.Scan(&c.ID, &c.TutorID, &from, &to, &stats, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan tier change: %w", err)
		}
		c.From = model.Tier(from)
		c.To = model.Tier(to)
		if err := json.Unmarshal(stats, &c.Stats); err != nil {
			return nil, fmt.Errorf("decode tier stats: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// InsertBonus сохраняет бонус в статусе pending вместе с его притязаниями и фактами для уведомлений.
// Ограничения уникальности по основанию бонуса и по каждому притязанию гарантируют однократную выплату:
// при конфликте транзакция откатывается и возвращается ErrDuplicateAward.
func (r *PostgresRepository) InsertBonus(ctx context.Context, b model.Bonus, claims []string, change model.BonusStatusChange,
	facts ...model.Achievement) error {
	meta, err := model.EncodeBonusMetadata(b.Metadata)
	if err != nil {
		return fmt.Errorf("encode bonus metadata: %w", err)
	}

	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx,
			`INSERT INTO bonuses (id, tutor_id, bonus_type, base_amount, multiplier, amount, status,
			                      reference_id, reference_kind, reference_key, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT (tutor_id, bonus_type, reference_key) DO NOTHING`,
			b.ID, b.TutorID, string(b.Type), b.BaseAmount, b.Multiplier, b.Amount, string(b.Status),
			b.ReferenceID, string(b.ReferenceKind), b.ReferenceKey, meta, b.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert bonus: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrDuplicateAward
		}

		for _, claim := range claims {
			tag, err := tx.Exec(ctx,
				`INSERT INTO bonus_claims (tutor_id, bonus_type, claim_key, bonus_id)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT DO NOTHING`,
				b.TutorID, string(b.Type), claim, b.ID,
			)
			if err != nil {
				return fmt.Errorf("insert bonus claim: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrDuplicateAward
			}
		}

		if err := insertStatusChange(ctx, tx, change); err != nil {
			return err
		}

		if err := insertAchievements(ctx, tx, facts); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func insertStatusChange(ctx context.Context, tx pgx.Tx, c model.BonusStatusChange) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO bonus_status_history (id, bonus_id, from_status, to_status, reason, changed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.BonusID, string(c.From), string(c.To), c.Reason, c.ChangedAt,
	)
	if err != nil {
		return fmt.Errorf("insert bonus status change: %w", err)
	}
	return nil
}

// Claims возвращает ключи притязаний репетитора по категории бонуса.
func (r *PostgresRepository) Claims(ctx context.Context, tutorID uuid.UUID, bonusType model.BonusType) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT claim_key FROM bonus_claims WHERE tutor_id = $1 AND bonus_type = $2`,
		tutorID, string(bonusType),
	)
	if err != nil {
		return nil, fmt.Errorf("select bonus claims: %w", err)
	}
	defer rows.Close()

	var res []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan bonus claim: %w", err)
		}
		res = append(res, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// HasBonus сообщает, записан ли бонус с указанным основанием.
func (r *PostgresRepository) HasBonus(ctx context.Context, tutorID uuid.UUID, bonusType model.BonusType, referenceKey string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM bonuses WHERE tutor_id = $1 AND bonus_type = $2 AND reference_key = $3)`,
		tutorID, string(bonusType), referenceKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check bonus: %w", err)
	}
	return exists, nil
}

const bonusColumns = `id, tutor_id, bonus_type, base_amount, multiplier, amount, status,
	reference_id, reference_kind, reference_key, metadata, created_at,
	approved_at, paid_at, cancelled_at, payment_reference`

func scanBonus(row pgx.Row) (*model.Bonus, error) {
	var (
		b         model.Bonus
		bonusType string
		status    string
		refKind   string
		meta      []byte
	)
	err := row.Scan(&b.ID, &b.TutorID, &bonusType, &b.BaseAmount, &b.Multiplier, &b.Amount, &status,
		&b.ReferenceID, &refKind, &b.ReferenceKey, &meta, &b.CreatedAt,
		&b.ApprovedAt, &b.PaidAt, &b.CancelledAt, &b.PaymentReference)
	if err != nil {
		return nil, err
	}

	b.Type = model.BonusType(bonusType)
	b.Status = model.BonusStatus(status)
	b.ReferenceKind = model.ReferenceKind(refKind)

	b.Metadata, err = model.DecodeBonusMetadata(b.Type, meta)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBonus возвращает бонус по идентификатору.
func (r *PostgresRepository) GetBonus(ctx context.Context, id uuid.UUID) (*model.Bonus, error) {
	b, err := scanBonus(r.pool.QueryRow(ctx,
		`SELECT `+bonusColumns+` FROM bonuses WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get bonus: %w", err)
	}
	return b, nil
}

// ListBonuses возвращает бонусы репетитора, новые первыми.
func (r *PostgresRepository) ListBonuses(ctx context.Context, tutorID uuid.UUID) ([]model.Bonus, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+bonusColumns+` FROM bonuses WHERE tutor_id = $1 ORDER BY created_at DESC`,
		tutorID,
	)
	if err != nil {
		return nil, fmt.Errorf("select bonuses: %w", err)
	}
	defer rows.Close()

	var res []model.Bonus
	for rows.Next() {
		b, err := scanBonus(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bonus: %w", err)
		}
		res = append(res, *b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// TransitionBonus переводит бонус в новый статус, если текущий статус входит в from.
// Переход и запись аудита выполняются в одной транзакции.
func (r *PostgresRepository) TransitionBonus(ctx context.Context, change model.BonusStatusChange, from []model.BonusStatus, paymentRef string) (*model.Bonus, error) {
	var column string
	switch change.To {
	case model.BonusApproved:
		column = "approved_at"
	case model.BonusPaid:
		column = "paid_at"
	case model.BonusCancelled:
		column = "cancelled_at"
	default:
		return nil, fmt.Errorf("%w: to %s", ErrInvalidTransition, change.To)
	}

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var current string
		err = tx.QueryRow(ctx,
			`SELECT status FROM bonuses WHERE id = $1 FOR UPDATE`,
			change.BonusID,
		).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock bonus: %w", err)
		}

		if !statusIn(model.BonusStatus(current), from) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, change.To)
		}

		_, err = tx.Exec(ctx,
			`UPDATE bonuses
			 SET status = $2, `+column+` = $3,
			     payment_reference = CASE WHEN $4 = '' THEN payment_reference ELSE $4 END
			 WHERE id = $1`,
			change.BonusID, string(change.To), change.ChangedAt, paymentRef,
		)
		if err != nil {
			return fmt.Errorf("update bonus status: %w", err)
		}

		change.From = model.BonusStatus(current)
		if err := insertStatusChange(ctx, tx, change); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r.GetBonus(ctx, change.BonusID)
}

func statusIn(s model.BonusStatus, set []model.BonusStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// GetRate возвращает текущую ставку репетитора.
func (r *PostgresRepository) GetRate(ctx context.Context, tutorID uuid.UUID) (*model.TutorRate, error) {
	var rate model.TutorRate
	err := r.pool.QueryRow(ctx,
		`SELECT tutor_id, base_rate, tier_adjustment, custom_adjustment, effective_rate, updated_at
		 FROM tutor_rates
		 WHERE tutor_id = $1`,
		tutorID,
	).Scan(&rate.TutorID, &rate.BaseRate, &rate.TierAdjustment, &rate.CustomAdjustment, &rate.EffectiveRate, &rate.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get rate: %w", err)
	}
	return &rate, nil
}

// UpdateRate изменяет ставку в одной транзакции: строка блокируется, apply получает актуальные значения,
// затем сохраняются ставка, запись журнала и факты. При отсутствии записи она создаётся из defaults.
func (r *PostgresRepository) UpdateRate(ctx context.Context, defaults model.TutorRate, apply RateUpdate) (*model.TutorRate, error) {
	var res model.TutorRate
	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO tutor_rates (tutor_id, base_rate, tier_adjustment, custom_adjustment, effective_rate, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (tutor_id) DO NOTHING`,
			defaults.TutorID, defaults.BaseRate, defaults.TierAdjustment, defaults.CustomAdjustment,
			defaults.EffectiveRate, defaults.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert default rate: %w", err)
		}

		var rate model.TutorRate
		err = tx.QueryRow(ctx,
			`SELECT tutor_id, base_rate, tier_adjustment, custom_adjustment, effective_rate, updated_at
			 FROM tutor_rates
			 WHERE tutor_id = $1
			 FOR UPDATE`,
			defaults.TutorID,
		).Scan(&rate.TutorID, &rate.BaseRate, &rate.TierAdjustment, &rate.CustomAdjustment, &rate.EffectiveRate, &rate.UpdatedAt)
		if err != nil {
			return fmt.Errorf("lock rate: %w", err)
		}

		h, facts, err := apply(&rate)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE tutor_rates
			 SET base_rate = $2, tier_adjustment = $3, custom_adjustment = $4, effective_rate = $5, updated_at = $6
			 WHERE tutor_id = $1`,
			rate.TutorID, rate.BaseRate, rate.TierAdjustment, rate.CustomAdjustment, rate.EffectiveRate, rate.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update rate: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO rate_history (id, tutor_id, old_rate, new_rate, change_type, reason, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			h.ID, h.TutorID, h.OldRate, h.NewRate, string(h.ChangeType), h.Reason, h.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert rate history: %w", err)
		}

		if err := insertAchievements(ctx, tx, facts); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		res = rate
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// ListRateHistory возвращает журнал изменений ставки, новые записи первыми.
func (r *PostgresRepository) ListRateHistory(ctx context.Context, tutorID uuid.UUID) ([]model.RateHistory, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tutor_id, old_rate, new_rate, change_type, reason, created_at
		 FROM rate_history
		 WHERE tutor_id = $1
		 ORDER BY created_at DESC`,
		tutorID,
	)
	if err != nil {
		return nil, fmt.Errorf("select rate history: %w", err)
	}
	defer rows.Close()

	var res []model.RateHistory
	for rows.Next() {
		var (
			h          model.RateHistory
			changeType string
		)
		if err := rows.Scan(&h.ID, &h.TutorID, &h.OldRate, &h.NewRate, &changeType, &h.Reason, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rate history: %w", err)
		}
		h.ChangeType = model.RateChangeType(changeType)
		res = append(res, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListRateDrift возвращает репетиторов, у которых сохранённая надбавка за уровень расходится с ожидаемой,
// а также повышенных репетиторов без записи ставки.
func (r *PostgresRepository) ListRateDrift(ctx context.Context, expected map[model.Tier]decimal.Decimal, limit int) ([]model.RateDrift, error) {
	tiers := make([]string, 0, len(expected))
	adjustments := make([]string, 0, len(expected))
	for t, adj := range expected {
		tiers = append(tiers, string(t))
		adjustments = append(adjustments, adj.String())
	}

	rows, err := r.pool.Query(ctx,
		`SELECT d.tutor_id, d.tier, d.tier_adjustment
		 FROM (
		     SELECT r.tutor_id, COALESCE(t.tier, $1) AS tier, r.tier_adjustment
		     FROM tutor_rates r
		     LEFT JOIN tiers t ON t.tutor_id = r.tutor_id
		     UNION ALL
		     SELECT t.tutor_id, t.tier, NULL
		     FROM tiers t
		     WHERE t.tier <> $1
		       AND NOT EXISTS (SELECT 1 FROM tutor_rates r WHERE r.tutor_id = t.tutor_id)
		 ) d
		 JOIN unnest($2::text[], $3::text[]) AS e(tier, adj) ON e.tier = d.tier
		 WHERE d.tier_adjustment IS NULL OR d.tier_adjustment <> e.adj::numeric
		 ORDER BY d.tutor_id
		 LIMIT $4`,
		string(model.TierStandard), tiers, adjustments, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select rate drift: %w", err)
	}
	defer rows.Close()

	var res []model.RateDrift
	for rows.Next() {
		var (
			d    model.RateDrift
			tier string
			adj  decimal.NullDecimal
		)
		if err := rows.Scan(&d.TutorID, &tier, &adj); err != nil {
			return nil, fmt.Errorf("scan rate drift: %w", err)
		}
		d.Tier = model.Tier(tier)
		d.TierAdjustment = adj.Decimal
		d.HasRate = adj.Valid
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertAchievements(ctx context.Context, q execer, facts []model.Achievement) error {
	for _, a := range facts {
		payload := []byte(a.Payload)
		if len(payload) == 0 {
			payload = []byte("{}")
		}

		_, err := q.Exec(ctx,
			`INSERT INTO achievements (id, tutor_id, kind, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
			a.ID, a.TutorID, string(a.Kind), payload, a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert achievement: %w", err)
		}
	}
	return nil
}

// PendingAchievements возвращает недоставленные факты в порядке создания.
func (r *PostgresRepository) PendingAchievements(ctx context.Context, limit int) ([]model.Achievement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, tutor_id, kind, payload, created_at
		 FROM achievements
		 WHERE delivered_at IS NULL
		 ORDER BY created_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select achievements: %w", err)
	}
	defer rows.Close()

	var res []model.Achievement
	for rows.Next() {
		var (
			a       model.Achievement
			kind    string
			payload []byte
		)
		if err := rows.Scan(&a.ID, &a.TutorID, &kind, &payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan achievement: %w", err)
		}
		a.Kind = model.AchievementKind(kind)
		a.Payload = payload
		res = append(res, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkAchievementDelivered отмечает факт как доставленный.
func (r *PostgresRepository) MarkAchievementDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE achievements SET delivered_at = $2 WHERE id = $1 AND delivered_at IS NULL`,
		id, at,
	)
	if err != nil {
		return fmt.Errorf("mark achievement delivered: %w", err)
	}
	return nil
}
