// Package notify delivers rendered vouchers to the store, the receiver and
// the payer.
package notify

import (
	"context"
	"time"

	"github.com/xenking/gift-voucher/internal/apperr"
)

// ErrDispatch is returned when no recipient could be notified.
var ErrDispatch = apperr.New(apperr.KindExternal, "notification_failed", "no recipient could be notified")

// Recipient is one of the three independent audiences of a voucher.
type Recipient string

const (
	RecipientStore    Recipient = "store"
	RecipientReceiver Recipient = "receiver"
	RecipientPayer    Recipient = "payer"
)

// Recipients lists every audience in send order.
var Recipients = []Recipient{RecipientStore, RecipientReceiver, RecipientPayer}

// Attachment is a file sent with a message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is a composed email.
type Message struct {
	To          string
	ToName      string
	Subject     string
	HTML        string
	Attachments []Attachment
}

// Sender is an outbound email transport.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// Outcome is the delivery result for one recipient.
type Outcome struct {
	Recipient Recipient
	Address   string
	Err       error
	Duration  time.Duration
}

// Result aggregates the per-recipient outcomes of one dispatch.
type Result struct {
	OrderID    string
	ArtifactID string
	Outcomes   []Outcome
}

// Delivered returns the number of recipients that were notified.
func (r *Result) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the outcomes that carry an error.
func (r *Result) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}
