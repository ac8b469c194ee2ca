package notify

import (
	"bytes"
	"embed"
	"html/template"
	texttemplate "text/template"

	"github.com/go-faster/errors"

	"github.com/xenking/gift-voucher/internal/artifact"
)

//go:embed templates/*.html
var templateFS embed.FS

var subjects = map[Recipient]string{
	RecipientStore:    "New gift voucher {{.Code}} sold: {{.ProductName}}",
	RecipientReceiver: "{{if .SenderName}}{{.SenderName}} sent you{{else}}You received{{end}} a gift from {{.StoreName}}",
	RecipientPayer:    "Your gift voucher for {{.ReceiverName}} is on its way",
}

type composer struct {
	subjects map[Recipient]*texttemplate.Template
	bodies   *template.Template
}

func newComposer() (*composer, error) {
	bodies, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, errors.Wrap(err, "parse mail templates")
	}
	c := &composer{
		subjects: make(map[Recipient]*texttemplate.Template, len(subjects)),
		bodies:   bodies,
	}
	for r, s := range subjects {
		t, err := texttemplate.New(string(r)).Parse(s)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s subject", r)
		}
		c.subjects[r] = t
	}
	return c, nil
}

// address returns where the audience is reached.
func address(r Recipient, v *artifact.View) (addr, name string) {
	switch r {
	case RecipientStore:
		return v.StoreEmail, v.StoreName
	case RecipientReceiver:
		return v.ReceiverMail, v.ReceiverName
	default:
		return v.PayerMail, v.PayerName
	}
}

func (c *composer) compose(r Recipient, a *artifact.Artifact) (*Message, error) {
	v := a.View
	to, name := address(r, v)
	if to == "" {
		return nil, errors.Errorf("no %s address", r)
	}

	var subject bytes.Buffer
	if err := c.subjects[r].Execute(&subject, v); err != nil {
		return nil, errors.Wrap(err, "execute subject")
	}
	var body bytes.Buffer
	if err := c.bodies.ExecuteTemplate(&body, string(r)+".html", v); err != nil {
		return nil, errors.Wrap(err, "execute body")
	}

	return &Message{
		To:      to,
		ToName:  name,
		Subject: subject.String(),
		HTML:    body.String(),
		Attachments: []Attachment{{
			Name:        a.FileName,
			ContentType: "application/pdf",
			Data:        a.PDF,
		}},
	}, nil
}
