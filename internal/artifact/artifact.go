// Package artifact renders the printable voucher document of an order.
package artifact

import (
	"context"
	"html/template"
	"time"

	"github.com/xenking/gift-voucher/internal/apperr"
)

// ErrNotFound is returned when no artifact was stored for an order.
var ErrNotFound = apperr.New(apperr.KindNotFound, "artifact_not_found", "voucher document not found")

// Artifact is a rendered voucher document.
type Artifact struct {
	ID        string
	OrderID   string
	FileName  string
	PDF       []byte
	CreatedAt time.Time

	// View holds the resolved fields the document was rendered from. It is
	// set by Render and not persisted.
	View *View
}

// View is the fixed set of named fields substituted into voucher and
// notification templates.
type View struct {
	StoreName    string
	StoreEmail   string
	StoreAddress string
	StorePhone   string
	ProductName  string
	Amount       string
	Currency     string
	Code         string
	ExpiresOn    string
	SenderName   string
	ReceiverName string
	ReceiverMail string
	PayerName    string
	PayerMail    string
	Message      string
	RedeemURL    string
	QRDataURI    template.URL
}

// Store persists rendered artifacts so downloads do not re-render.
type Store interface {
	Save(ctx context.Context, a *Artifact) error
	// Latest returns the most recently saved artifact of the order or
	// ErrNotFound.
	Latest(ctx context.Context, orderID string) (*Artifact, error)
}
