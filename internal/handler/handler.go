// Package handler exposes the voucher service over HTTP.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xenking/gift-voucher/internal/apperr"
	"github.com/xenking/gift-voucher/internal/artifact"
	"github.com/xenking/gift-voucher/internal/domain/order"
	"github.com/xenking/gift-voucher/internal/domain/voucher"
	"github.com/xenking/gift-voucher/internal/notify"
	"github.com/xenking/gift-voucher/internal/payment"
	"github.com/xenking/gift-voucher/pkg/httpmiddleware"
)

// Orders creates and reads orders.
type Orders interface {
	Create(ctx context.Context, req order.CreateRequest) (*order.CreateResult, error)
	Get(ctx context.Context, id string) (*order.Order, error)
}

// Checkouts opens provider checkout sessions.
type Checkouts interface {
	Start(ctx context.Context, orderID string) (*payment.Session, error)
}

// Fulfiller drives payment outcomes and the render+notify cascade.
type Fulfiller interface {
	OnPaymentOutcome(ctx context.Context, orderID string, outcome order.Outcome) (*order.Order, error)
	Resend(ctx context.Context, orderID string) (*notify.Result, error)
	Artifact(ctx context.Context, orderID string) (*artifact.Artifact, error)
}

// PaymentEvents resolves provider callbacks.
type PaymentEvents interface {
	Ingest(ctx context.Context, topic, externalID string) *payment.Event
}

// Vouchers looks up and redeems vouchers.
type Vouchers interface {
	Lookup(ctx context.Context, code string) (*voucher.Voucher, error)
	Redeem(ctx context.Context, code string) (*voucher.Voucher, error)
	Now() time.Time
}

// Config holds non-dependency handler settings.
type Config struct {
	// WebhookSecret enables X-Signature verification of payment callbacks
	// when non-empty.
	WebhookSecret string
	// RedeemLimit throttles the voucher routes. Nil disables throttling.
	RedeemLimit httpmiddleware.Middleware
	// MaxBodyBytes caps request bodies. Defaults to 64 KiB.
	MaxBodyBytes int64
}

// Handler serves the HTTP API.
type Handler struct {
	orders    Orders
	checkouts Checkouts
	fulfiller Fulfiller
	events    PaymentEvents
	vouchers  Vouchers
	cfg       Config
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg Config,
	orders Orders,
	checkouts Checkouts,
	fulfiller Fulfiller,
	events PaymentEvents,
	vouchers Vouchers,
) *Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	return &Handler{
		orders:    orders,
		checkouts: checkouts,
		fulfiller: fulfiller,
		events:    events,
		vouchers:  vouchers,
		cfg:       cfg,
	}
}

var (
	errRouteNotFound    = apperr.New(apperr.KindNotFound, "route_not_found", "route not found")
	errMethodNotAllowed = apperr.New(apperr.KindValidation, "method_not_allowed", "method not allowed").
				WithStatus(http.StatusMethodNotAllowed)
)

// Router returns the API routes mounted under /api.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errRouteNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, errMethodNotAllowed)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", h.CreateOrder)
		r.Get("/orders/{id}", h.GetOrder)
		r.Post("/orders/{id}/checkout", h.Checkout)
		r.Post("/orders/{id}/resend", h.Resend)
		r.Get("/orders/{id}/voucher.pdf", h.DownloadVoucher)

		r.Post("/payments/webhook", h.Webhook)

		r.Group(func(r chi.Router) {
			if h.cfg.RedeemLimit != nil {
				r.Use(h.cfg.RedeemLimit)
			}
			r.Post("/vouchers/redeem", h.RedeemScanned)
			r.Get("/vouchers/{code}", h.LookupVoucher)
			r.Post("/vouchers/{code}/redeem", h.Redeem)
		})
	})
	return r
}
