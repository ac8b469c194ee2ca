package payment

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/gift-voucher/internal/apperr"
	"github.com/xenking/gift-voucher/internal/domain/order"
)

const (
	providerName     = "mercadopago"
	maxResponseBytes = 1 << 20
)

// Config holds the provider connection settings.
type Config struct {
	BaseURL         string `default:"https://api.mercadopago.com"`
	AccessToken     string
	WebhookSecret   string
	NotificationURL string
	Title           string        `default:"Gift voucher"`
	Timeout         time.Duration `default:"10s"`
	Return          ReturnURLs
}

var _ Gateway = (*Client)(nil)

// Client talks to the provider REST API.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient returns a Client. A nil httpClient uses a client bound by
// cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: httpClient}
}

func (c *Client) Provider() string { return providerName }

// CreateCheckout opens a checkout preference referencing the order id.
func (c *Client) CreateCheckout(ctx context.Context, o *order.Order, urls ReturnURLs) (*Session, error) {
	body := c.preference(o, urls)

	resp, err := c.do(ctx, http.MethodPost, "/checkout/preferences", body)
	if err != nil {
		return nil, apperr.External("payment", errors.Wrap(err, "create preference"))
	}

	var s Session
	if err := jx.DecodeBytes(resp).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			id, err := readID(d)
			s.ExternalRef = id
			return err
		case "init_point":
			v, err := d.Str()
			s.CheckoutURL = v
			return err
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, apperr.External("payment", errors.Wrap(err, "decode preference"))
	}
	if s.ExternalRef == "" || s.CheckoutURL == "" {
		return nil, apperr.External("payment", errors.New("preference without id or init_point"))
	}
	return &s, nil
}

func (c *Client) preference(o *order.Order, urls ReturnURLs) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.Field("external_reference", func(e *jx.Encoder) { e.Str(o.ID) })
	e.Field("items", func(e *jx.Encoder) {
		e.ArrStart()
		e.ObjStart()
		e.Field("id", func(e *jx.Encoder) { e.Str(o.VoucherID) })
		e.Field("title", func(e *jx.Encoder) { e.Str(c.cfg.Title) })
		e.Field("quantity", func(e *jx.Encoder) { e.Int(1) })
		e.Field("currency_id", func(e *jx.Encoder) { e.Str(o.Payment.Currency) })
		e.Field("unit_price", func(e *jx.Encoder) { e.Num(jx.Num(o.Payment.Amount.StringFixed(2))) })
		e.ObjEnd()
		e.ArrEnd()
	})
	if o.Payment.PayerEmail != "" {
		e.Field("payer", func(e *jx.Encoder) {
			e.ObjStart()
			e.Field("email", func(e *jx.Encoder) { e.Str(o.Payment.PayerEmail) })
			if o.Payment.PayerName != "" {
				e.Field("name", func(e *jx.Encoder) { e.Str(o.Payment.PayerName) })
			}
			e.ObjEnd()
		})
	}
	if urls.Success != "" || urls.Failure != "" || urls.Pending != "" {
		e.Field("back_urls", func(e *jx.Encoder) {
			e.ObjStart()
			e.Field("success", func(e *jx.Encoder) { e.Str(urls.Success) })
			e.Field("failure", func(e *jx.Encoder) { e.Str(urls.Failure) })
			e.Field("pending", func(e *jx.Encoder) { e.Str(urls.Pending) })
			e.ObjEnd()
		})
		if urls.Success != "" {
			e.Field("auto_return", func(e *jx.Encoder) { e.Str(statusApproved) })
		}
	}
	if c.cfg.NotificationURL != "" {
		e.Field("notification_url", func(e *jx.Encoder) { e.Str(c.cfg.NotificationURL) })
	}
	e.ObjEnd()
	return e.Bytes()
}

type providerPayment struct {
	ID                string
	Status            string
	ExternalReference string
}

// Ingest fetches the payment behind a callback and maps it to an Event.
func (c *Client) Ingest(ctx context.Context, topic, externalID string) (ev *Event) {
	lg := zctx.From(ctx).With(zap.String("topic", topic), zap.String("external_id", externalID))
	defer func() {
		if r := recover(); r != nil {
			lg.Error("Payment callback panicked", zap.Any("panic", r))
			ev = nil
		}
	}()

	if !isPaymentTopic(topic) || strings.TrimSpace(externalID) == "" {
		lg.Debug("Ignoring payment callback")
		return nil
	}

	p, err := c.fetchPayment(ctx, strings.TrimSpace(externalID))
	if err != nil {
		lg.Warn("Resolve payment callback", zap.Error(err))
		return nil
	}
	outcome, final := outcomeOf(p.Status)
	if !final || p.ExternalReference == "" {
		lg.Debug("Payment not final or not ours", zap.String("status", p.Status))
		return nil
	}
	return &Event{
		OrderID:    p.ExternalReference,
		Outcome:    outcome,
		ExternalID: externalID,
		Provider:   providerName,
	}
}

func isPaymentTopic(topic string) bool {
	return topic == "payment" || strings.HasPrefix(topic, "payment.")
}

func (c *Client) fetchPayment(ctx context.Context, id string) (*providerPayment, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var p providerPayment
	if err := jx.DecodeBytes(resp).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			p.ID, err = readID(d)
		case "status":
			p.Status, err = readString(d)
		case "external_reference":
			p.ExternalReference, err = readString(d)
		default:
			err = d.Skip()
		}
		return err
	}); err != nil {
		return nil, errors.Wrap(err, "decode payment")
	}
	return &p, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return data, nil
}

// readID accepts ids encoded as strings or numbers.
func readID(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	case jx.Null:
		return "", d.Null()
	default:
		return "", d.Skip()
	}
}

func readString(d *jx.Decoder) (string, error) {
	if d.Next() == jx.String {
		return d.Str()
	}
	return "", d.Skip()
}
