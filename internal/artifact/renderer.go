package artifact

import (
	"bytes"
	"context"
	"embed"
	"encoding/base64"
	"html/template"
	"io/fs"
	"os"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/gift-voucher/internal/apperr"
	"github.com/xenking/gift-voucher/internal/domain/catalog"
	"github.com/xenking/gift-voucher/internal/domain/order"
	"github.com/xenking/gift-voucher/internal/domain/voucher"
)

//go:embed templates/*.html
var templateFS embed.FS

const dateLayout = "02 Jan 2006"

// Engine acquires a headless document-rendering session.
type Engine interface {
	Open(ctx context.Context) (Session, error)
}

// Session is one acquired rendering process. Close must release every
// resource the session holds and is safe to call after a failed PrintPDF.
type Session interface {
	PrintPDF(ctx context.Context, html []byte) ([]byte, error)
	Close() error
}

// VoucherSource resolves the voucher of an order.
type VoucherSource interface {
	Get(ctx context.Context, id string) (*voucher.Voucher, error)
}

// CatalogSource resolves store and product references.
type CatalogSource interface {
	GetStore(ctx context.Context, id string) (*catalog.Store, error)
	GetProduct(ctx context.Context, id string) (*catalog.Product, error)
}

// Page is the fixed document size as CSS lengths.
type Page struct {
	Width  string
	Height string
}

// Config holds rendering settings.
type Config struct {
	Page    Page
	Timeout time.Duration
	// TemplateDir replaces the embedded templates with <name>.html files
	// from a directory when set.
	TemplateDir string
}

// Renderer turns an order's voucher into a PDF.
type Renderer struct {
	vouchers  VoucherSource
	catalog   CatalogSource
	engine    Engine
	templates *template.Template
	cfg       Config
	now       func() time.Time
}

// NewRenderer parses the embedded voucher templates and returns a Renderer.
func NewRenderer(cfg Config, vouchers VoucherSource, catalogSrc CatalogSource, engine Engine) (*Renderer, error) {
	if cfg.Page.Width == "" || cfg.Page.Height == "" {
		cfg.Page = Page{Width: "210mm", Height: "148mm"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	var src fs.FS = templateFS
	pattern := "templates/*.html"
	if cfg.TemplateDir != "" {
		src, pattern = os.DirFS(cfg.TemplateDir), "*.html"
	}
	tmpl, err := template.ParseFS(src, pattern)
	if err != nil {
		return nil, errors.Wrap(err, "parse voucher templates")
	}
	return &Renderer{
		vouchers:  vouchers,
		catalog:   catalogSrc,
		engine:    engine,
		templates: tmpl,
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

type document struct {
	*View
	Page Page
}

// Render resolves the order's references, fills the template selected by the
// voucher and rasterizes it. Missing store or product fails with the catalog
// not-found error before any rendering starts.
func (r *Renderer) Render(ctx context.Context, o *order.Order) (*Artifact, error) {
	view, v, err := r.resolve(ctx, o)
	if err != nil {
		return nil, err
	}

	html, err := r.execute(v.Template.Normalize(), view)
	if err != nil {
		return nil, err
	}

	pdf, err := r.rasterize(ctx, html)
	if err != nil {
		return nil, apperr.External("renderer", err)
	}

	zctx.From(ctx).Debug("Voucher rendered",
		zap.String("order_id", o.ID),
		zap.Int("bytes", len(pdf)),
	)
	return &Artifact{
		ID:        uuid.New().String(),
		OrderID:   o.ID,
		FileName:  "voucher-" + v.Code + ".pdf",
		PDF:       pdf,
		CreatedAt: r.now().UTC(),
		View:      view,
	}, nil
}

func (r *Renderer) resolve(ctx context.Context, o *order.Order) (*View, *voucher.Voucher, error) {
	v, err := r.vouchers.Get(ctx, o.VoucherID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "get voucher")
	}
	store, err := r.catalog.GetStore(ctx, v.StoreID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "get store")
	}
	product, err := r.catalog.GetProduct(ctx, v.ProductID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "get product")
	}

	sender := v.Sender.Name
	if sender == "" {
		sender = o.Payment.PayerName
	}
	view := &View{
		StoreName:    store.Name,
		StoreEmail:   store.Email,
		StoreAddress: store.Address,
		StorePhone:   store.Phone,
		ProductName:  product.Name,
		Amount:       o.Payment.Amount.StringFixed(2),
		Currency:     o.Payment.Currency,
		Code:         v.Code,
		ExpiresOn:    v.ExpiresAt.Format(dateLayout),
		SenderName:   sender,
		ReceiverName: v.Receiver.Name,
		ReceiverMail: v.Receiver.Email,
		PayerName:    o.Payment.PayerName,
		PayerMail:    o.Payment.PayerEmail,
		Message:      v.Message,
		RedeemURL:    v.QRPayload,
	}
	if len(v.QRImage) > 0 {
		view.QRDataURI = template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(v.QRImage))
	}
	return view, v, nil
}

func (r *Renderer) execute(name voucher.Template, view *View) ([]byte, error) {
	file := string(name) + ".html"
	if r.templates.Lookup(file) == nil {
		file = string(voucher.TemplateClassic) + ".html"
	}
	var buf bytes.Buffer
	if err := r.templates.ExecuteTemplate(&buf, file, document{View: view, Page: r.cfg.Page}); err != nil {
		return nil, errors.Wrapf(err, "execute template %s", name)
	}
	return buf.Bytes(), nil
}

// rasterize owns the session for exactly the duration of one print. The
// deferred Close runs on success, error and panic alike.
func (r *Renderer) rasterize(ctx context.Context, html []byte) (_ []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	session, err := r.engine.Open(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "open render session")
	}
	defer func() {
		if cerr := session.Close(); cerr != nil {
			zctx.From(ctx).Warn("Close render session", zap.Error(cerr))
		}
	}()

	pdf, err := session.PrintPDF(ctx, html)
	if err != nil {
		return nil, errors.Wrap(err, "print pdf")
	}
	if len(pdf) == 0 {
		return nil, errors.New("print pdf: empty document")
	}
	return pdf, nil
}
