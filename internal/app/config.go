package app

import (
	"os"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/gift-voucher/internal/fulfillment"
	"github.com/xenking/gift-voucher/internal/notify"
	"github.com/xenking/gift-voucher/internal/payment"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (VOUCHER_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (VOUCHER_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	// PublicURL is the externally reachable base of this service. It builds
	// redemption links and default payment callback URLs.
	PublicURL string `default:"http://localhost:8080" usage:"Public base URL" flag:"public-url"`
	Storage   string `default:"postgres" usage:"Storage driver: postgres or memory"`
	// SeedFile loads a catalog into the memory driver on startup.
	SeedFile string `usage:"Catalog seed JSON for the memory driver" flag:"seed-file"`

	Voucher     VoucherConfig
	Payment     payment.Config
	SMTP        notify.SMTPConfig
	Renderer    RendererConfig
	Fulfillment fulfillment.Config
	RateLimit   RateLimitConfig
	Graceful    GracefulConfig
}

// VoucherConfig controls voucher issuance.
type VoucherConfig struct {
	Currency string        `default:"USD" usage:"Currency of orders without one"`
	Validity time.Duration `default:"8760h" usage:"Voucher lifetime when the product sets none"`
	// RedeemPath is appended to PublicURL; {code} is replaced by the code.
	RedeemPath   string        `default:"/redeem/{code}"`
	CodeAttempts int           `default:"5" usage:"Code allocation attempts before giving up"`
	CodeBackoff  time.Duration `default:"10ms" usage:"Delay after the first code conflict"`
}

// RendererConfig controls the headless browser used for voucher documents.
type RendererConfig struct {
	Binary      string        `default:"chromium" usage:"Headless Chromium binary"`
	PageWidth   string        `default:"210mm"`
	PageHeight  string        `default:"148mm"`
	Timeout     time.Duration `default:"30s"`
	TemplateDir string        `usage:"Directory overriding the embedded voucher templates"`
}

// RateLimitConfig throttles the voucher lookup and redemption routes.
type RateLimitConfig struct {
	Max    int           `default:"30" usage:"Requests per window and client"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "VOUCHER",
		Files:     []string{"config.yaml", "/etc/voucher/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()
	cfg.applyDerivedDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return errors.New("database URL is required: set VOUCHER_DATABASE_URL or DATABASE_URL")
		}
	case StorageMemory:
	default:
		return errors.Errorf("unknown storage driver %q", c.Storage)
	}
	if !strings.Contains(c.Voucher.RedeemPath, "{code}") {
		return errors.New("voucher redeem path must contain {code}")
	}
	return nil
}

// RedeemURLTemplate is the QR payload template.
func (c *Config) RedeemURLTemplate() string {
	return strings.TrimRight(c.PublicURL, "/") + c.Voucher.RedeemPath
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's VOUCHER_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

// applyDerivedDefaults points unset provider callbacks at this service.
func (c *Config) applyDerivedDefaults() {
	base := strings.TrimRight(c.PublicURL, "/")
	if c.Payment.NotificationURL == "" {
		c.Payment.NotificationURL = base + "/api/payments/webhook"
	}
	r := &c.Payment.Return
	if r.Success == "" {
		r.Success = base + "/checkout/success"
	}
	if r.Failure == "" {
		r.Failure = base + "/checkout/failure"
	}
	if r.Pending == "" {
		r.Pending = base + "/checkout/pending"
	}
}
