package voucher

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	qrcode "github.com/skip2/go-qrcode"
)

// codeAlphabet drops 0/O and 1/I so codes survive being read aloud or typed.
const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const (
	randomChars = 12
	timeChars   = 4
	codeChars   = randomChars + timeChars
	groupSize   = 4

	// CodeTemplateParam is replaced by the code in redemption URL templates.
	CodeTemplateParam = "{code}"

	qrSize = 256

	// seenCapacity bounds the local filter. Past it the filter is cleared so
	// its false positive rate stays low; uniqueness is still enforced by the
	// store.
	seenCapacity = 1_000_000
)

// Credential is a freshly generated code and its QR rendering.
type Credential struct {
	Code      string
	QRPayload string
	QRImage   []byte
}

// QREncoder renders content as a PNG image.
type QREncoder func(content string, size int) ([]byte, error)

func encodeQR(content string, size int) ([]byte, error) {
	return qrcode.Encode(content, qrcode.Medium, size)
}

// Generator produces voucher credentials.
//
// A code is 12 characters of crypto randomness followed by 4 characters
// derived from the current millisecond, grouped as XXXX-XXXX-XXXX-XXXX. A
// process-local bloom filter rejects codes this generator already handed out
// so the database unique index is rarely the one catching a collision.
type Generator struct {
	urlTemplate string
	encode      QREncoder
	random      io.Reader
	now         func() time.Time

	mu    sync.Mutex
	seen  *bloom.BloomFilter
	added uint
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithQREncoder overrides the QR image encoder.
func WithQREncoder(enc QREncoder) GeneratorOption {
	return func(g *Generator) { g.encode = enc }
}

// WithRandom overrides the source of randomness.
func WithRandom(r io.Reader) GeneratorOption {
	return func(g *Generator) { g.random = r }
}

// WithClock overrides the time source of the disambiguator.
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) { g.now = now }
}

// NewGenerator creates a Generator. urlTemplate must contain "{code}", for
// example "https://vouchers.example.com/redeem/{code}".
func NewGenerator(urlTemplate string, opts ...GeneratorOption) *Generator {
	g := &Generator{
		urlTemplate: urlTemplate,
		encode:      encodeQR,
		random:      rand.Reader,
		now:         time.Now,
		seen:        bloom.NewWithEstimates(seenCapacity, 0.0001),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns a new credential. It fails with ErrGeneration when the QR
// image cannot be rendered; callers must not persist a voucher without one.
func (g *Generator) Generate() (Credential, error) {
	code, err := g.nextCode()
	if err != nil {
		return Credential{}, errors.Wrap(ErrGeneration, err.Error())
	}

	payload := g.RedemptionURL(code)
	img, err := g.encode(payload, qrSize)
	if err != nil {
		return Credential{}, errors.Wrap(ErrGeneration, "render qr: "+err.Error())
	}
	if len(img) == 0 {
		return Credential{}, errors.Wrap(ErrGeneration, "render qr: empty image")
	}

	return Credential{Code: code, QRPayload: payload, QRImage: img}, nil
}

// RedemptionURL returns the QR payload for code.
func (g *Generator) RedemptionURL(code string) string {
	return strings.ReplaceAll(g.urlTemplate, CodeTemplateParam, url.PathEscape(code))
}

func (g *Generator) nextCode() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.added >= seenCapacity {
		g.seen.ClearAll()
		g.added = 0
	}

	// A bloom hit may be a false positive; a handful of redraws is plenty.
	for range 8 {
		code, err := g.drawCode()
		if err != nil {
			return "", err
		}
		if !g.seen.TestAndAddString(code) {
			g.added++
			return code, nil
		}
	}
	return "", errors.New("code space saturated in local filter")
}

func (g *Generator) drawCode() (string, error) {
	var buf [8]byte
	if _, err := io.ReadFull(g.random, buf[:]); err != nil {
		return "", errors.Wrap(err, "read random")
	}
	r := binary.BigEndian.Uint64(buf[:])
	ms := uint64(g.now().UnixMilli())

	raw := make([]byte, 0, codeChars)
	for range randomChars {
		raw = append(raw, codeAlphabet[r&31])
		r >>= 5
	}
	for range timeChars {
		raw = append(raw, codeAlphabet[ms&31])
		ms >>= 5
	}
	return group(raw), nil
}

func group(raw []byte) string {
	var b strings.Builder
	b.Grow(len(raw) + len(raw)/groupSize)
	for i, c := range raw {
		if i > 0 && i%groupSize == 0 {
			b.WriteByte('-')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// NormalizeCode accepts a typed code (any case, with or without dashes or
// spaces) or a scanned redemption URL and returns the canonical grouped form.
func NormalizeCode(input string) (string, error) {
	s := strings.TrimSpace(input)
	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
		s = strings.TrimSuffix(u.Path, "/")
		if i := strings.LastIndexByte(s, '/'); i >= 0 {
			s = s[i+1:]
		}
		if unescaped, err := url.PathUnescape(s); err == nil {
			s = unescaped
		}
	}

	raw := make([]byte, 0, codeChars)
	for _, c := range strings.ToUpper(s) {
		switch {
		case c == '-' || c == ' ':
			continue
		case c < 128 && strings.IndexByte(codeAlphabet, byte(c)) >= 0:
			raw = append(raw, byte(c))
		default:
			return "", ErrInvalidCode
		}
	}
	if len(raw) != codeChars {
		return "", ErrInvalidCode
	}
	return group(raw), nil
}
