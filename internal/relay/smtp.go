package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.io/infrasutra/mailburner/internal/email"
)

const (
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
	TLSNone     = "none"

	smtpMaxRetries = 2
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
	TLS      string
	Timeout  time.Duration
	// TLSConfig overrides the default client TLS settings.
	TLSConfig *tls.Config
}

// SMTPRelay submits forwarded copies through one authenticated SMTP account.
type SMTPRelay struct {
	cfg        SMTPConfig
	logger     *slog.Logger
	retryDelay time.Duration
}

func NewSMTP(cfg SMTPConfig, logger *slog.Logger) *SMTPRelay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	return &SMTPRelay{cfg: cfg, logger: logger, retryDelay: time.Second}
}

func (r *SMTPRelay) Name() string {
	return "smtp"
}

// Forward composes and sends msg. Temporary SMTP replies and network errors
// are retried a bounded number of times before giving up.
func (r *SMTPRelay) Forward(ctx context.Context, msg email.Message) error {
	out := Compose(msg, r.cfg.From, r.cfg.To)
	raw, err := out.Bytes()
	if err != nil {
		return &SendError{Backend: r.Name(), Err: err}
	}

	var lastErr error
	for attempt := 0; attempt <= smtpMaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.retryDelay << (attempt - 1)
			r.logger.Debug("retrying smtp submission", "attempt", attempt, "delay", delay, "error", lastErr)
			if err := sleepWithContext(ctx, delay); err != nil {
				return &SendError{Backend: r.Name(), Err: fmt.Errorf("cancelled during retry wait: %w", lastErr), transient: true}
			}
		}

		err := r.send(ctx, out.From, out.To, raw)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTransientSMTP(err) {
			return &SendError{Backend: r.Name(), Err: err}
		}
	}
	return &SendError{Backend: r.Name(), Err: lastErr, transient: true}
}

func (r *SMTPRelay) send(ctx context.Context, from, to string, raw []byte) error {
	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	dialer := &net.Dialer{Timeout: r.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	deadline := time.Now().Add(r.cfg.Timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	tlsConfig := r.cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: r.cfg.Host}
	}

	var client *smtp.Client
	switch r.cfg.TLS {
	case TLSImplicit:
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
	case TLSNone:
		client = smtp.NewClient(conn)
	default:
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	defer client.Close()
	client.CommandTimeout = r.cfg.Timeout
	client.SubmissionTimeout = r.cfg.Timeout

	if r.cfg.Username != "" && r.cfg.Password != "" {
		if err := client.Auth(sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(from, nil); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to, nil); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}
	if err := client.Quit(); err != nil {
		r.logger.Debug("smtp quit", "error", err)
	}
	return nil
}

// isTransientSMTP treats 4xx replies and network failures as retryable.
func isTransientSMTP(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Temporary()
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, net.ErrClosed)
}

var _ Relay = (*SMTPRelay)(nil)
