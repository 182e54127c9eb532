package relay

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.io/infrasutra/mailburner/internal/email"
)

// StdoutRelay prints forwarded copies instead of sending them. Useful for dry
// runs against the real provider.
type StdoutRelay struct {
	mu     sync.Mutex
	writer io.Writer
	from   string
	to     string
}

func NewStdout(from, to string) *StdoutRelay {
	return NewStdoutWithWriter(os.Stdout, from, to)
}

func NewStdoutWithWriter(w io.Writer, from, to string) *StdoutRelay {
	return &StdoutRelay{writer: w, from: from, to: to}
}

func (r *StdoutRelay) Name() string {
	return "stdout"
}

func (r *StdoutRelay) Forward(_ context.Context, msg email.Message) error {
	out := Compose(msg, r.from, r.to)

	var b strings.Builder
	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "From: %s\n", out.From)
	fmt.Fprintf(&b, "To: %s\n", out.To)
	fmt.Fprintf(&b, "Subject: %s\n", out.Subject)
	if out.Account != "" {
		fmt.Fprintf(&b, "%s: %s\n", HeaderAccount, out.Account)
	}
	b.WriteString("Body:\n")
	b.WriteString(out.Text + "\n")
	if out.HTML != "" {
		fmt.Fprintf(&b, "HTML: %d bytes\n", len(out.HTML))
	}
	b.WriteString("========================================\n")

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := io.WriteString(r.writer, b.String()); err != nil {
		return &SendError{Backend: r.Name(), Err: err}
	}
	return nil
}

var _ Relay = (*StdoutRelay)(nil)
