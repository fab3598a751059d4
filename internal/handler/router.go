package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mmeshcher/campaign-billing/internal/metrics"
	custommiddleware "github.com/mmeshcher/campaign-billing/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса биллинга.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	// Тело вебхука читается без распаковки: подпись считается по сырым байтам.
	r.Post("/webhooks/payment", h.PaymentWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Compress(5))
		r.Use(h.authMiddleware.Middleware)

		r.Route("/wallet", func(r chi.Router) {
			r.Get("/", h.GetBalance)
			r.Get("/usage", h.GetMonthlyUsage)
			r.Get("/transactions", h.ListTransactions)
			r.Post("/debit", h.Debit)
			r.Post("/convert", h.Convert)
			r.Put("/external", h.LinkExternalWallet)
			r.Delete("/external", h.UnlinkExternalWallet)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", h.CreateOrder)
			r.Get("/", h.ListOrders)
			r.Post("/{reference}/verify", h.VerifyOrder)
		})

		r.Route("/items/{itemID}", func(r chi.Router) {
			r.Post("/", h.StartTracking)
			r.Get("/", h.GetTimeline)
		})

		r.Route("/conversions", func(r chi.Router) {
			r.Post("/", h.RequestConversion)
			r.Get("/", h.ListConversions)
			r.Get("/{id}", h.GetConversion)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(custommiddleware.RequireAdmin)

			r.Post("/wallets/{userID}/credit", h.AdminCredit)
			r.Post("/wallets/{userID}/repair", h.RepairTotalSpent)

			r.Post("/items/{userID}/{itemID}/review", h.reviewStep("mark under review", h.service.MarkUnderReview, false))
			r.Post("/items/{userID}/{itemID}/approve", h.reviewStep("approve item", h.service.ApproveItem, false))
			r.Post("/items/{userID}/{itemID}/reject", h.reviewStep("reject item", h.service.RejectItem, true))

			r.Post("/conversions/{id}/approve", h.ApproveConversion)
			r.Post("/conversions/{id}/reject", h.RejectConversion)
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
