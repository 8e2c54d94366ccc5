package handlers

import (
	"net/http"
	"time"

	mW "github.com/banquesolidaire/ledger/internal/middleware"
	"github.com/banquesolidaire/ledger/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

type RouterConfig struct {
	Ledger     *services.LedgerService
	Transfers  *services.TransferService
	QR         *services.QRService
	Reconciler *services.Reconciler
	Auth       *mW.Auth
	Log        logrus.FieldLogger
}

func NewRouter(cfg RouterConfig) http.Handler {
	accounts := NewAccountHandler(cfg.Ledger, cfg.Transfers)
	transfers := NewTransferHandler(cfg.Transfers)
	qr := NewQRHandler(cfg.QR)
	admin := NewAdminHandler(cfg.Reconciler, cfg.Transfers)

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(mW.SecurityHeaders)
	r.Use(requestLogger(cfg.Log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/accounts", accounts.OpenAccount)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(cfg.Auth.Middleware)

			r.Get("/accounts/{id}/balance", accounts.GetBalance)
			r.Get("/accounts/{id}/entries", accounts.ListEntries)
			r.Post("/accounts/{id}/credits", accounts.CreditAccount)
			r.Get("/credits", accounts.ListCredits)

			r.Post("/transfers", transfers.SubmitTransfer)
			r.Get("/transfers/pending", transfers.ListPending)
			r.Get("/transfers/{id}", transfers.GetTransfer)
			r.Post("/transfers/{id}/resolve", transfers.ResolveTransfer)

			r.Post("/payment-requests", qr.GenerateQR)
			r.Post("/payment-requests/process", qr.ProcessQR)

			r.Get("/admin/reconciliation", admin.Reconciliation)
		})
	})

	return r
}

func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
			}).Info("HTTP request")
		})
	}
}
