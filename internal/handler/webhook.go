package handler

import (
	"net/http"

	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/gift-voucher/internal/payment"
)

// SignatureHeader carries the hex HMAC-SHA256 of the notification id.
const SignatureHeader = "X-Signature"

// Webhook handles POST /api/payments/webhook. The answer is always 200;
// ignored and failed notifications are only logged.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	defer writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.Field("received", func(e *jx.Encoder) { e.Bool(true) })
		e.ObjEnd()
	})

	body, err := h.readBody(w, r)
	if err != nil {
		zctx.From(ctx).Warn("Webhook body unreadable", zap.Error(err))
		body = nil
	}
	n := payment.ParseNotification(r.URL.Query(), body)
	lg := zctx.From(ctx).With(zap.String("topic", n.Topic), zap.String("external_id", n.ID))

	if n.ID == "" {
		lg.Info("Webhook ignored, no payment id")
		return
	}
	if h.cfg.WebhookSecret != "" && !payment.Authenticate(h.cfg.WebhookSecret, n.ID, r.Header.Get(SignatureHeader)) {
		lg.Warn("Webhook signature mismatch")
		return
	}

	ev := h.events.Ingest(ctx, n.Topic, n.ID)
	if ev == nil {
		lg.Info("Webhook ignored, event not resolvable")
		return
	}

	lg = lg.With(zap.String("order_id", ev.OrderID), zap.String("outcome", string(ev.Outcome)))
	if _, err := h.fulfiller.OnPaymentOutcome(ctx, ev.OrderID, ev.Outcome); err != nil {
		lg.Error("Apply payment outcome", zap.Error(err))
		return
	}
	lg.Info("Webhook applied")
}
