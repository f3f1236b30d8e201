// Package handler содержит HTTP-обработчики API сервиса вознаграждений репетиторов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/tutor-rewards/internal/model"
	"github.com/mmeshcher/tutor-rewards/internal/policy"
	"github.com/mmeshcher/tutor-rewards/internal/repository"
	"github.com/mmeshcher/tutor-rewards/internal/service"
)

// syncLaterMessage показывается пользователю при любом сбое расчёта наград.
const syncLaterMessage = "could not update rewards; your progress is saved and will sync shortly"

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	SessionCompleted(ctx context.Context, s model.Session) (*service.Outcome, error)
	ReviewReceived(ctx context.Context, rv model.Review) (*service.Outcome, error)
	ReferralConverted(ctx context.Context, ref model.Referral) (*service.Outcome, error)
	RetentionSweep(ctx context.Context, tutorID uuid.UUID) (*service.Outcome, error)

	GetTutorStats(ctx context.Context, tutorID uuid.UUID) (*model.TutorStats, error)
	GetTierProgress(ctx context.Context, tutorID uuid.UUID) (*model.TierProgress, error)
	ListBadges(ctx context.Context, tutorID uuid.UUID) ([]model.Badge, error)
	GetBadgeProgress(ctx context.Context, tutorID uuid.UUID) ([]model.BadgeProgress, error)
	TotalPoints(ctx context.Context, tutorID uuid.UUID) (int64, error)
	ListPointGrants(ctx context.Context, tutorID uuid.UUID, limit int) ([]model.PointGrant, error)

	ListBonuses(ctx context.Context, tutorID uuid.UUID) ([]model.Bonus, error)
	GetBonusSummary(ctx context.Context, tutorID uuid.UUID) (*model.BonusSummary, error)
	ApproveBonus(ctx context.Context, bonusID uuid.UUID) (*model.Bonus, error)
	MarkBonusAsPaid(ctx context.Context, bonusID uuid.UUID, paymentRef string) (*model.Bonus, error)
	CancelBonus(ctx context.Context, bonusID uuid.UUID, reason string) (*model.Bonus, error)

	GetRate(ctx context.Context, tutorID uuid.UUID) (*model.TutorRate, error)
	GetRateHistory(ctx context.Context, tutorID uuid.UUID) ([]model.RateHistory, error)
	UpdateBaseRate(ctx context.Context, tutorID uuid.UUID, base decimal.Decimal, reason string) (*model.TutorRate, error)
	ApplyCustomAdjustment(ctx context.Context, tutorID uuid.UUID, pct decimal.Decimal, reason string) (*model.TutorRate, error)
}

// Handler реализует HTTP-обработчики API сервиса вознаграждений.
type Handler struct {
	service     Service
	logger      *zap.Logger
	corsOrigins []string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, corsOrigins []string) *Handler {
	return &Handler{
		service:     s,
		logger:      logger,
		corsOrigins: corsOrigins,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError сопоставляет ошибку сервиса со статусом ответа.
func (h *Handler) writeError(w http.ResponseWriter, op string, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: verr.Message, Field: verr.Field})
	case errors.Is(err, service.ErrValidation):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: http.StatusText(http.StatusNotFound)})
	case errors.Is(err, repository.ErrInvalidTransition), errors.Is(err, repository.ErrDuplicateAward):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.Error(op+" error", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: syncLaterMessage})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

type sessionCompletedRequest struct {
	SessionID       uuid.UUID `json:"session_id"`
	TutorID         uuid.UUID `json:"tutor_id"`
	StudentID       uuid.UUID `json:"student_id"`
	DurationMinutes int       `json:"duration_minutes"`
	CompletedAt     time.Time `json:"completed_at"`
}

// SessionCompleted принимает событие о завершённом занятии.
func (h *Handler) SessionCompleted(w http.ResponseWriter, r *http.Request) {
	var req sessionCompletedRequest
	if !decode(w, r, &req) {
		return
	}

	out, err := h.service.SessionCompleted(r.Context(), model.Session{
		SessionID:       req.SessionID,
		TutorID:         req.TutorID,
		StudentID:       req.StudentID,
		DurationMinutes: req.DurationMinutes,
		CompletedAt:     req.CompletedAt,
	})
	if err != nil {
		h.writeError(w, "session completed", err)
		return
	}
	writeOutcome(w, out)
}

type reviewReceivedRequest struct {
	ReviewID  uuid.UUID `json:"review_id"`
	TutorID   uuid.UUID `json:"tutor_id"`
	StudentID uuid.UUID `json:"student_id"`
	Rating    int       `json:"rating"`
	CreatedAt time.Time `json:"created_at"`
}

// ReviewReceived принимает событие о новом отзыве.
func (h *Handler) ReviewReceived(w http.ResponseWriter, r *http.Request) {
	var req reviewReceivedRequest
	if !decode(w, r, &req) {
		return
	}

	out, err := h.service.ReviewReceived(r.Context(), model.Review{
		ReviewID:  req.ReviewID,
		TutorID:   req.TutorID,
		StudentID: req.StudentID,
		Rating:    req.Rating,
		CreatedAt: req.CreatedAt,
	})
	if err != nil {
		h.writeError(w, "review received", err)
		return
	}
	writeOutcome(w, out)
}

type referralConvertedRequest struct {
	ReferrerID        uuid.UUID `json:"referrer_id"`
	ReferredStudentID uuid.UUID `json:"referred_student_id"`
	ConvertedAt       time.Time `json:"converted_at"`
}

// ReferralConverted принимает событие о приглашённом ученике.
func (h *Handler) ReferralConverted(w http.ResponseWriter, r *http.Request) {
	var req referralConvertedRequest
	if !decode(w, r, &req) {
		return
	}

	out, err := h.service.ReferralConverted(r.Context(), model.Referral{
		ReferrerID:        req.ReferrerID,
		ReferredStudentID: req.ReferredStudentID,
		ConvertedAt:       req.ConvertedAt,
	})
	if err != nil {
		h.writeError(w, "referral converted", err)
		return
	}
	writeOutcome(w, out)
}

type retentionSweepRequest struct {
	TutorID uuid.UUID `json:"tutor_id"`
}

// RetentionSweep запускает проверку удержания учеников репетитора.
func (h *Handler) RetentionSweep(w http.ResponseWriter, r *http.Request) {
	var req retentionSweepRequest
	if !decode(w, r, &req) {
		return
	}

	out, err := h.service.RetentionSweep(r.Context(), req.TutorID)
	if err != nil {
		h.writeError(w, "retention sweep", err)
		return
	}
	writeOutcome(w, out)
}

// writeOutcome отвечает 202 для нового события и 200 для повторно доставленного.
func writeOutcome(w http.ResponseWriter, out *service.Outcome) {
	status := http.StatusAccepted
	if out.Redelivered {
		status = http.StatusOK
	}
	writeJSON(w, status, out)
}

// GetTutorStats возвращает агрегированную статистику репетитора.
func (h *Handler) GetTutorStats(w http.ResponseWriter, r *http.Request) {
	tutorID, ok := pathID(w, r, "tutorID")
	if !ok {
		return
	}

	stats, err := h.service.GetTutorStats(r.Context(), tutorID)
	if err != nil {
		h.writeError(w, "get stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// GetTierProgress возвращает прогресс к следующему уровню.
func (h *Handler) GetTierProgress(w http.ResponseWriter, r *http.Request) {
	tutorID, ok := pathID(w, r, "tutorID")
	if !ok {
		return
	}

	progress, err := h.service.GetTierProgress(r.Context(), tutorID)
	if err != nil {
		h.writeError(w, "get tier progress", err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

// ListBadges возвращает полученные значки.
func (h *Handler) ListBadges(w http.ResponseWriter, r *http.Request) {
	tutorID, ok := pathID(w, r, "tutorID")
	if !ok {
		return
	}

	badges, err := h.service.ListBadges(r.Context(), tutorID)
	if err != nil {
		h.writeError(w, "list badges", err)
		return
	}
	if len(badges) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, badges)
}

// GetBadgeProgress возвращает прогресс по каталогу значков.
func (h *Handler) GetBadgeProgress(w http.ResponseWriter, r *http.Request) {
	tutorID, ok := pathID(w, r, "tutorID")
	if !ok {
		return
	}

	progress, err := h.service.GetBadgeProgress(r.Context(), tutorID)
	if err != nil {
		h.writeError(w, "get badge progress", err)
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

type pointsResponse struct {
	Total  int64              `json:"total"`
	Level  model.Level        `json:"level"`
	Grants []model.PointGrant `json:"grants"`
}

// GetPoints возвращает сумму баллов, уровень и последние начисления.
func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	tutorID, ok := pathID(w, r, "tutorID")
	if !ok {
		return
	}

	total, err := h.service.TotalPoints(r.Context(), tutorID)
	if err != nil {
		h.writeError(w, "total points", err)
		return
	}
	grants, err := h.service.ListPointGrants(r.Context(), tutorID, 0)
	if err != nil {
		h.writeError(w, "list point grants", err)
		return
	}

	writeJSON(w, http.StatusOK, pointsResponse{
		Total:  total,
		Level:  policy.LevelFor(total),
		Grants: grants,
	})
}

// ListBonuses возвращает бонусы репетитора.
func (h *Handler) ListBonuses(w http.ResponseWriter, r *http.Request) {
	tutorID, ok := pathID(w, r, "tutorID")
	if !ok {
		return
	}

	bonuses, err := h.service.ListBonuses(r.Context(), tutorID)
	if err != nil {
		h.writeError(w, "list bonuses", err)
		return
	}
	if len(bonuses) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, bonuses)
}

// GetBonusSummary возвращает сводку бонусов по статусам.
func (h *Handler) GetBonusSummary(w http.ResponseWriter, r *http.Request) {
	tutorID, ok := pathID(w, r, "tutorID")
	if !ok {
		return
	}

	summary, err := h.service.GetBonusSummary(r.Context(), tutorID)
	if err != nil {
		h.writeError(w, "bonus summary", err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ApproveBonus одобряет бонус.
func (h *Handler) ApproveBonus(w http.ResponseWriter, r *http.Request) {
	bonusID, ok := pathID(w, r, "bonusID")
	if !ok {
		return
	}

	b, err := h.service.ApproveBonus(r.Context(), bonusID)
	if err != nil {
		h.writeError(w, "approve bonus", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type markPaidRequest struct {
	PaymentReference string `json:"payment_reference"`
}

// MarkBonusPaid отмечает бонус выплаченным.
func (h *Handler) MarkBonusPaid(w http.ResponseWriter, r *http.Request) {
	bonusID, ok := pathID(w, r, "bonusID")
	if !ok {
		return
	}

	var req markPaidRequest
	if !decode(w, r, &req) {
		return
	}

	b, err := h.service.MarkBonusAsPaid(r.Context(), bonusID, req.PaymentReference)
	if err != nil {
		h.writeError(w, "mark bonus paid", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelBonus отменяет бонус.
func (h *Handler) CancelBonus(w http.ResponseWriter, r *http.Request) {
	bonusID, ok := pathID(w, r, "bonusID")
	if !ok {
		return
	}

	var req cancelRequest
	if !decode(w, r, &req) {
		return
	}

	b, err := h.service.CancelBonus(r.Context(), bonusID, req.Reason)
	if err != nil {
		h.writeError(w, "cancel bonus", err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// GetRate возвращает текущую ставку.
func (h *Handler) GetRate(w http.ResponseWriter, r *http.Request) {
	tutorID, ok := pathID(w, r, "tutorID")
	if !ok {
		return
	}

	rate, err := h.service.GetRate(r.Context(), tutorID)
	if err != nil {
		h.writeError(w, "get rate", err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

// GetRateHistory возвращает журнал изменений ставки.
func (h *Handler) GetRateHistory(w http.ResponseWriter, r *http.Request) {
	tutorID, ok := pathID(w, r, "tutorID")
	if !ok {
		return
	}

	history, err := h.service.GetRateHistory(r.Context(), tutorID)
	if err != nil {
		h.writeError(w, "get rate history", err)
		return
	}
	if len(history) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

type baseRateRequest struct {
	BaseRate decimal.Decimal `json:"base_rate"`
	Reason   string          `json:"reason"`
}

// UpdateBaseRate задаёт базовую ставку.
func (h *Handler) UpdateBaseRate(w http.ResponseWriter, r *http.Request) {
	tutorID, ok := pathID(w, r, "tutorID")
	if !ok {
		return
	}

	var req baseRateRequest
	if !decode(w, r, &req) {
		return
	}

	rate, err := h.service.UpdateBaseRate(r.Context(), tutorID, req.BaseRate, req.Reason)
	if err != nil {
		h.writeError(w, "update base rate", err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}

type customAdjustmentRequest struct {
	CustomAdjustment decimal.Decimal `json:"custom_adjustment"`
	Reason           string          `json:"reason"`
}

// ApplyCustomAdjustment задаёт ручную надбавку к ставке.
func (h *Handler) ApplyCustomAdjustment(w http.ResponseWriter, r *http.Request) {
	tutorID, ok := pathID(w, r, "tutorID")
	if !ok {
		return
	}

	var req customAdjustmentRequest
	if !decode(w, r, &req) {
		return
	}

	rate, err := h.service.ApplyCustomAdjustment(r.Context(), tutorID, req.CustomAdjustment, req.Reason)
	if err != nil {
		h.writeError(w, "apply custom adjustment", err)
		return
	}
	writeJSON(w, http.StatusOK, rate)
}
