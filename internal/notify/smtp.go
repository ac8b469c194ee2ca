package notify

import (
	"bytes"
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/wneessen/go-mail"
)

// SMTPConfig holds the outbound mail server settings.
type SMTPConfig struct {
	Host     string `default:"localhost"`
	Port     int    `default:"587"`
	Username string
	Password string
	From     string `default:"Gift Vouchers <no-reply@localhost>"`
	// TLS is one of mandatory, opportunistic or none.
	TLS     string        `default:"opportunistic"`
	Timeout time.Duration `default:"15s"`
}

// SMTP sends messages through an SMTP relay. Every Send dials its own
// connection so concurrent dispatches do not share session state.
type SMTP struct {
	cfg  SMTPConfig
	opts []mail.Option
}

// NewSMTP validates cfg and returns an SMTP sender. A zero port or timeout
// falls back to 587 and 15s.
func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
	}
	switch cfg.TLS {
	case "mandatory":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	case "", "opportunistic":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	default:
		return nil, errors.Errorf("unknown smtp tls policy %q", cfg.TLS)
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	// Fail on a bad host before the first dispatch.
	if _, err := mail.NewClient(cfg.Host, opts...); err != nil {
		return nil, errors.Wrap(err, "smtp client")
	}
	return &SMTP{cfg: cfg, opts: opts}, nil
}

func (s *SMTP) Send(ctx context.Context, msg *Message) error {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return errors.Wrap(err, "from")
	}
	if err := m.AddToFormat(msg.ToName, msg.To); err != nil {
		return errors.Wrap(err, "to")
	}
	m.Subject(msg.Subject)
	m.SetDate()
	m.SetMessageID()
	m.SetBodyString(mail.TypeTextHTML, msg.HTML)
	for _, a := range msg.Attachments {
		m.AttachReadSeeker(a.Name, bytes.NewReader(a.Data),
			mail.WithFileContentType(mail.ContentType(a.ContentType)),
		)
	}

	c, err := mail.NewClient(s.cfg.Host, s.opts...)
	if err != nil {
		return errors.Wrap(err, "smtp client")
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return errors.Wrap(err, "send")
	}
	return nil
}
