package artifact

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

const stderrLimit = 4 << 10

// Chrome renders documents with a headless Chromium binary, one process per
// session.
type Chrome struct {
	Binary string
	Args   []string
	// WaitDelay bounds how long the process may outlive a cancelled context.
	WaitDelay time.Duration
}

// Open creates a private working directory for the session. The process
// itself is started by PrintPDF.
func (c *Chrome) Open(_ context.Context) (Session, error) {
	bin := c.Binary
	if bin == "" {
		bin = "chromium"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, errors.Wrapf(err, "lookup %q", bin)
	}
	dir, err := os.MkdirTemp("", "voucher-render-*")
	if err != nil {
		return nil, errors.Wrap(err, "create session dir")
	}
	wait := c.WaitDelay
	if wait <= 0 {
		wait = 2 * time.Second
	}
	return &chromeSession{bin: bin, args: c.Args, dir: dir, wait: wait}, nil
}

type chromeSession struct {
	bin  string
	args []string
	dir  string
	wait time.Duration

	mu     sync.Mutex
	cmd    *exec.Cmd
	closed bool
}

func (s *chromeSession) PrintPDF(ctx context.Context, html []byte) ([]byte, error) {
	in := filepath.Join(s.dir, "voucher.html")
	out := filepath.Join(s.dir, "voucher.pdf")
	if err := os.WriteFile(in, html, 0o600); err != nil {
		return nil, errors.Wrap(err, "write document")
	}

	args := append([]string{
		"--headless=new",
		"--disable-gpu",
		"--no-sandbox",
		"--no-first-run",
		"--no-pdf-header-footer",
		"--user-data-dir=" + filepath.Join(s.dir, "profile"),
		"--print-to-pdf=" + out,
	}, s.args...)
	args = append(args, "file://"+in)

	cmd := exec.CommandContext(ctx, s.bin, args...)
	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr
	cmd.WaitDelay = s.wait
	setProcessGroup(cmd)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("session closed")
	}
	s.cmd = cmd
	s.mu.Unlock()

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Wrap(ctxErr, "chromium")
		}
		return nil, errors.Wrapf(err, "chromium: %s", strings.TrimSpace(stderr.String()))
	}

	pdf, err := os.ReadFile(out)
	if err != nil {
		return nil, errors.Wrap(err, "read pdf")
	}
	return pdf, nil
}

// Close kills whatever is left of the process group and removes the working
// directory.
func (s *chromeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.cmd != nil && s.cmd.Process != nil {
		killProcessGroup(s.cmd)
	}
	return os.RemoveAll(s.dir)
}

type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string { return b.buf.String() }
