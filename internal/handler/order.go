package handler

import (
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/gift-voucher/internal/domain/order"
	"github.com/xenking/gift-voucher/internal/domain/voucher"
	"github.com/xenking/gift-voucher/internal/notify"
)

// CreateOrder handles POST /api/orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req, err := decodeCreateRequest(body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.orders.Create(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/orders/"+res.Order.ID)
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		encodeOrder(e, res.Order)
	})
}

// GetOrder handles GET /api/orders/{id}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeOrder(e, o)
	})
}

// Checkout handles POST /api/orders/{id}/checkout.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	s, err := h.checkouts.Start(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.Field("checkoutUrl", func(e *jx.Encoder) { e.Str(s.CheckoutURL) })
		e.Field("externalRef", func(e *jx.Encoder) { e.Str(s.ExternalRef) })
		e.ObjEnd()
	})
}

// Resend handles POST /api/orders/{id}/resend.
func (h *Handler) Resend(w http.ResponseWriter, r *http.Request) {
	res, err := h.fulfiller.Resend(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeDispatch(e, res)
	})
}

// DownloadVoucher handles GET /api/orders/{id}/voucher.pdf.
func (h *Handler) DownloadVoucher(w http.ResponseWriter, r *http.Request) {
	a, err := h.fulfiller.Artifact(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.FileName}))
	w.Header().Set("Content-Length", strconv.Itoa(len(a.PDF)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.PDF)
}

func decodeCreateRequest(body []byte) (order.CreateRequest, error) {
	var req order.CreateRequest
	err := decodeObject(body, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "storeId":
			req.StoreID, err = optString(d)
		case "productId":
			req.ProductID, err = optString(d)
		case "customerId":
			req.CustomerID, err = optString(d)
		case "amount":
			req.Amount, err = decodeAmount(d)
		case "currency":
			req.Currency, err = optString(d)
		case "payer":
			req.Payer, err = decodeParty(d)
		case "sender":
			req.Sender, err = decodeParty(d)
		case "receiver":
			req.Receiver, err = decodeParty(d)
		case "message":
			req.Message, err = optString(d)
		case "template":
			var t string
			t, err = optString(d)
			req.Template = voucher.Template(t)
		default:
			err = d.Skip()
		}
		return err
	})
	return req, err
}

// decodeAmount accepts a JSON number or a numeric string. Null and absent
// both mean the product price.
func decodeAmount(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.Null:
		return decimal.Zero, d.Null()
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return parseAmount(s)
	default:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return parseAmount(n.String())
	}
}

func parseAmount(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &order.ValidationError{Field: "amount", Reason: "not a decimal number"}
	}
	return v, nil
}

func decodeParty(d *jx.Decoder) (voucher.Party, error) {
	var p voucher.Party
	if d.Next() == jx.Null {
		return p, d.Null()
	}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "name":
			p.Name, err = optString(d)
		case "email":
			p.Email, err = optString(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return p, err
}

// encodeOrder writes the order view. The voucher code is not part of it: the
// code is the bearer credential and only travels in the fulfillment email
// and the voucher document.
func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.Field("id", func(e *jx.Encoder) { e.Str(o.ID) })
	encodeOptString(e, "customerId", o.CustomerID)
	e.Field("voucherId", func(e *jx.Encoder) { e.Str(o.VoucherID) })
	e.Field("payment", func(e *jx.Encoder) {
		p := o.Payment
		e.ObjStart()
		e.Field("status", func(e *jx.Encoder) { e.Str(string(p.Status)) })
		e.Field("amount", func(e *jx.Encoder) { e.Str(p.Amount.StringFixed(2)) })
		e.Field("currency", func(e *jx.Encoder) { e.Str(p.Currency) })
		encodeOptString(e, "provider", p.Provider)
		encodeOptString(e, "externalId", p.ExternalID)
		encodeOptTime(e, "paidAt", p.PaidAt)
		e.ObjEnd()
	})
	e.Field("fulfillment", func(e *jx.Encoder) {
		f := o.Fulfillment
		e.ObjStart()
		e.Field("state", func(e *jx.Encoder) { e.Str(string(f.State)) })
		e.Field("attempts", func(e *jx.Encoder) { e.Int(f.Attempts) })
		encodeOptString(e, "lastError", f.LastError)
		encodeOptString(e, "artifactId", f.ArtifactID)
		encodeOptTime(e, "deliveredAt", f.DeliveredAt)
		e.ObjEnd()
	})
	encodeTime(e, "createdAt", o.CreatedAt)
	encodeTime(e, "updatedAt", o.UpdatedAt)
	e.ObjEnd()
}

func encodeDispatch(e *jx.Encoder, res *notify.Result) {
	e.ObjStart()
	e.Field("orderId", func(e *jx.Encoder) { e.Str(res.OrderID) })
	e.Field("artifactId", func(e *jx.Encoder) { e.Str(res.ArtifactID) })
	e.Field("delivered", func(e *jx.Encoder) { e.Int(res.Delivered()) })
	e.Field("outcomes", func(e *jx.Encoder) {
		e.ArrStart()
		for _, o := range res.Outcomes {
			e.ObjStart()
			e.Field("recipient", func(e *jx.Encoder) { e.Str(string(o.Recipient)) })
			e.Field("ok", func(e *jx.Encoder) { e.Bool(o.Err == nil) })
			if o.Err != nil {
				e.Field("error", func(e *jx.Encoder) { e.Str(o.Err.Error()) })
			}
			e.ObjEnd()
		}
		e.ArrEnd()
	})
	e.ObjEnd()
}
