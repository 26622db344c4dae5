package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/starsgate/internal/middleware"
)

const intakeWindow = time.Minute

// SetupRouter настраивает HTTP-маршруты и middleware сервиса обмена звёзд.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.With(custommiddleware.WebhookSecret(h.opts.WebhookSecret)).Post("/telegram/webhook", h.Webhook)

	intakeLimit := custommiddleware.RateLimit(h.opts.Limiter, h.opts.IntakeRateLimit, intakeWindow, h.logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Route("/orders", func(r chi.Router) {
			r.With(intakeLimit).Post("/sell", h.CreateSellOrder)
			r.With(intakeLimit).Post("/buy", h.CreateBuyOrder)
			r.Get("/", h.GetOrders)
			r.Get("/{id}", h.GetOrder)
			r.Post("/{id}/release", h.ReleaseOrder)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.RequireAdmin(h.service.IsAdmin))
			r.Post("/orders/{id}/{action}", h.AdminAction)
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
