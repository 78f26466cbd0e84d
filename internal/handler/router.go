package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/coursegate-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса coursegate.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		r.Get("/courses", h.ListCourses)
		r.Get("/courses/{courseID}", h.GetCourse)

		// Уведомление шлюза приходит без пользовательского токена;
		// статус оплаты всё равно перепроверяется у шлюза.
		r.Post("/payments/webhook", h.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.CreateOrder)
			r.Get("/payments/return", h.PaymentReturn)

			r.Get("/courses/{courseID}/access", h.CheckAccess)
			r.Get("/documents/{documentID}", h.GetDocument)

			r.Get("/user/purchases", h.GetPurchases)
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
