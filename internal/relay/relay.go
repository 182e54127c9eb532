// Package relay delivers forwarded copies of disposable-inbox messages to the
// operator's mailbox.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.io/infrasutra/mailburner/internal/email"
)

const (
	SubjectTag         = "[mailburner]"
	NoSubject          = "(no subject)"
	NoText             = "(no text content)"
	HeaderAccount      = "X-Mailburner-Account"
	HeaderOriginalID   = "X-Original-Message-Id"
	defaultMessageHost = "mailburner.local"
)

// Relay sends one forwarded message. Implementations return *SendError.
type Relay interface {
	Forward(ctx context.Context, msg email.Message) error
	Name() string
}

// SendError is returned when a forward could not be delivered.
type SendError struct {
	Backend   string
	Err       error
	transient bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Backend, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure may clear up on a later attempt.
func (e *SendError) Transient() bool {
	return e.transient
}

// Outgoing is the forwarded copy as it will be sent.
type Outgoing struct {
	From       string
	To         string
	Subject    string
	Text       string
	HTML       string
	MessageID  string
	Account    string
	OriginalID string
	Date       time.Time
}

// Compose applies the forwarding rules to msg: tagged subject, text or a
// placeholder, and the HTML fragments joined by newlines.
func Compose(msg email.Message, from, to string) Outgoing {
	subject := msg.Subject
	if subject == "" {
		subject = NoSubject
	}
	text := msg.Text
	if text == "" {
		text = NoText
	}
	return Outgoing{
		From:       from,
		To:         to,
		Subject:    SubjectTag + " " + subject,
		Text:       text,
		HTML:       strings.Join(msg.HTML, "\n"),
		MessageID:  uuid.NewString() + "@" + messageHost(from),
		Account:    msg.Account,
		OriginalID: msg.ID,
		Date:       time.Now(),
	}
}

func messageHost(from string) string {
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		return from[at+1:]
	}
	return defaultMessageHost
}

// Bytes renders the message as RFC 5322 text. A message with HTML becomes
// multipart/alternative; otherwise a single text/plain part is written.
func (o Outgoing) Bytes() ([]byte, error) {
	var h mail.Header
	h.SetDate(o.Date)
	h.SetAddressList("From", []*mail.Address{{Address: o.From}})
	h.SetAddressList("To", []*mail.Address{{Address: o.To}})
	h.SetSubject(o.Subject)
	h.SetMessageID(o.MessageID)
	if o.Account != "" {
		h.Set(HeaderAccount, o.Account)
	}
	if o.OriginalID != "" {
		h.Set(HeaderOriginalID, o.OriginalID)
	}

	var buf bytes.Buffer
	if o.HTML == "" {
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		h.Set("Content-Transfer-Encoding", "quoted-printable")
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, fmt.Errorf("create message: %w", err)
		}
		if _, err := io.WriteString(w, o.Text); err != nil {
			return nil, fmt.Errorf("write text body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("close message: %w", err)
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if err := writePart(mw, "text/plain", o.Text); err != nil {
		return nil, err
	}
	if err := writePart(mw, "text/html", o.HTML); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(mw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	w, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close %s part: %w", contentType, err)
	}
	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
