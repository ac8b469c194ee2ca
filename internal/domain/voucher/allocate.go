package voucher

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// AllocateConfig bounds the allocation retry loop.
type AllocateConfig struct {
	// MaxAttempts is the number of codes tried before giving up.
	MaxAttempts int
	// Backoff is the delay after the first conflict; it doubles per attempt.
	Backoff time.Duration
}

// Allocate generates credentials and hands each to insert until insert
// accepts one. insert must perform a uniqueness-constrained write and return
// ErrCodeConflict when the code is taken; any other error aborts. After
// MaxAttempts conflicts Allocate fails with ErrCodeExhausted.
func (g *Generator) Allocate(ctx context.Context, cfg AllocateConfig, insert func(ctx context.Context, c Credential) error) (Credential, error) {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := cfg.Backoff

	for attempt := 1; ; attempt++ {
		c, err := g.Generate()
		if err != nil {
			return Credential{}, err
		}

		err = insert(ctx, c)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, ErrCodeConflict) {
			return Credential{}, err
		}
		if attempt >= attempts {
			return Credential{}, errors.Wrapf(ErrCodeExhausted, "after %d attempts", attempt)
		}

		if err := sleepCtx(ctx, delay); err != nil {
			return Credential{}, err
		}
		delay *= 2
	}
}

// sleepCtx blocks for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
