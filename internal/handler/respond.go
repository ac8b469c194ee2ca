package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/gift-voucher/internal/apperr"
)

var (
	errMalformedBody = apperr.New(apperr.KindValidation, "malformed_body", "request body is not valid JSON")
	errBodyTooLarge  = apperr.New(apperr.KindValidation, "body_too_large", "request body too large").
				WithStatus(http.StatusRequestEntityTooLarge)
)

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}

// writeError answers {code, message, retryable} with the status of the
// error's kind. Server-side failures are logged with the full chain, the
// client only sees the public message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	lg := zctx.From(r.Context()).With(
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("code", apperr.CodeOf(err)),
	)
	if status >= http.StatusInternalServerError {
		lg.Error("Request failed", zap.Error(err))
	} else {
		lg.Debug("Request rejected", zap.Error(err))
	}

	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.Field("code", func(e *jx.Encoder) { e.Str(apperr.CodeOf(err)) })
		e.Field("message", func(e *jx.Encoder) { e.Str(apperr.PublicMessage(err)) })
		e.Field("retryable", func(e *jx.Encoder) { e.Bool(apperr.Retryable(err)) })
		e.ObjEnd()
	})
}

// readBody reads at most cfg.MaxBodyBytes of the request body.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, errBodyTooLarge
		}
		return nil, errors.Wrap(err, "read body")
	}
	return body, nil
}

// decodeObject walks a JSON object body and wraps any syntax error into
// errMalformedBody.
func decodeObject(body []byte, field func(d *jx.Decoder, key string) error) error {
	if err := jx.DecodeBytes(body).Obj(field); err != nil {
		var vErr interface{ Kind() apperr.Kind }
		if errors.As(err, &vErr) {
			return err
		}
		return errors.Wrap(errMalformedBody, err.Error())
	}
	return nil
}

// optString reads a string, treating null as empty.
func optString(d *jx.Decoder) (string, error) {
	if d.Next() == jx.Null {
		return "", d.Null()
	}
	return d.Str()
}

func encodeTime(e *jx.Encoder, name string, t time.Time) {
	e.Field(name, func(e *jx.Encoder) { e.Str(t.UTC().Format(time.RFC3339)) })
}

func encodeOptTime(e *jx.Encoder, name string, t *time.Time) {
	if t != nil {
		encodeTime(e, name, *t)
	}
}

func encodeOptString(e *jx.Encoder, name, v string) {
	if v != "" {
		e.Field(name, func(e *jx.Encoder) { e.Str(v) })
	}
}
