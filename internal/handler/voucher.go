package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"

	"github.com/xenking/gift-voucher/internal/domain/voucher"
)

// LookupVoucher handles GET /api/vouchers/{code}.
func (h *Handler) LookupVoucher(w http.ResponseWriter, r *http.Request) {
	v, err := h.vouchers.Lookup(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeVoucher(w, v)
}

// Redeem handles POST /api/vouchers/{code}/redeem.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	h.redeem(w, r, chi.URLParam(r, "code"))
}

// RedeemScanned handles POST /api/vouchers/redeem with a body of {"code"}
// for typed input or {"qr"} for a scanned redemption URL.
func (h *Handler) RedeemScanned(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var code, qr string
	err = decodeObject(body, func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			code, err = optString(d)
		case "qr":
			qr, err = optString(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if code == "" {
		code = qr
	}
	h.redeem(w, r, code)
}

func (h *Handler) redeem(w http.ResponseWriter, r *http.Request, code string) {
	v, err := h.vouchers.Redeem(r.Context(), code)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeVoucher(w, v)
}

func (h *Handler) writeVoucher(w http.ResponseWriter, v *voucher.Voucher) {
	now := h.vouchers.Now()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		encodeVoucher(e, v, now)
	})
}

// encodeVoucher writes the voucher snapshot with the status a reader should
// see at now.
func encodeVoucher(e *jx.Encoder, v *voucher.Voucher, now time.Time) {
	e.ObjStart()
	e.Field("id", func(e *jx.Encoder) { e.Str(v.ID) })
	e.Field("code", func(e *jx.Encoder) { e.Str(v.Code) })
	e.Field("status", func(e *jx.Encoder) { e.Str(string(v.EffectiveStatus(now))) })
	e.Field("storeId", func(e *jx.Encoder) { e.Str(v.StoreID) })
	e.Field("productId", func(e *jx.Encoder) { e.Str(v.ProductID) })
	e.Field("template", func(e *jx.Encoder) { e.Str(string(v.Template.Normalize())) })
	encodeOptString(e, "receiverName", v.Receiver.Name)
	encodeTime(e, "expirationDate", v.ExpiresAt)
	encodeOptTime(e, "redeemedAt", v.RedeemedAt)
	e.ObjEnd()
}
