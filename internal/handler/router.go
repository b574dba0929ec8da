package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	custommiddleware "github.com/mmeshcher/wastehub-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса вывоза отходов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", h.Register)
		r.Post("/auth/login", h.Login)

		// Webhook шлюза живёт вне группы аутентификации: провайдер
		// токенов не носит.
		r.Post("/payments/callback/{provider}", h.GatewayCallback)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/reports", h.SubmitReport)
			r.Get("/reports", h.GetReports)
			r.Get("/reports/available", h.GetAvailableReports)
			r.Get("/reports/{id}", h.GetReport)
			r.Post("/reports/{id}/pay", h.InitiatePayment)
			r.Post("/reports/{id}/claim", h.ClaimReport)
			r.Post("/reports/{id}/start", h.StartCollection)
			r.Post("/reports/{id}/verify", h.VerifyCollection)
			r.Post("/reports/{id}/cancel", h.CancelReport)

			r.Post("/collectors/location", h.UpdateLocation)
			r.Get("/collectors/nearest", h.NearestCollectors)
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
