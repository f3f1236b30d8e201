package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	custommiddleware "github.com/mmeshcher/tutor-rewards/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса вознаграждений.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "Content-Encoding", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Route("/events", func(r chi.Router) {
			r.Post("/session-completed", h.SessionCompleted)
			r.Post("/review-received", h.ReviewReceived)
			r.Post("/referral-converted", h.ReferralConverted)
			r.Post("/retention-sweep", h.RetentionSweep)
		})

		r.Route("/tutors/{tutorID}", func(r chi.Router) {
			r.Get("/stats", h.GetTutorStats)
			r.Get("/tier-progress", h.GetTierProgress)
			r.Get("/badges", h.ListBadges)
			r.Get("/badge-progress", h.GetBadgeProgress)
			r.Get("/points", h.GetPoints)
			r.Get("/bonuses", h.ListBonuses)
			r.Get("/bonuses/summary", h.GetBonusSummary)
			r.Get("/rate", h.GetRate)
			r.Get("/rate/history", h.GetRateHistory)
			r.Put("/rate/base", h.UpdateBaseRate)
			r.Put("/rate/custom", h.ApplyCustomAdjustment)
		})

		r.Route("/bonuses/{bonusID}", func(r chi.Router) {
			r.Post("/approve", h.ApproveBonus)
			r.Post("/paid", h.MarkBonusPaid)
			r.Post("/cancel", h.CancelBonus)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
