// Package smtpsink is an in-process SMTP server that captures every message
// it accepts. It stands in for the operator's relay in tests.
package smtpsink

import (
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

const defaultDomain = "smtpsink.local"

type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

// Delivery is one accepted message, parsed.
type Delivery struct {
	From     string
	To       []string
	Subject  string
	TextBody string
	HTMLBody string
	Header   mail.Header
	Raw      []byte
}

// RejectFunc decides whether the DATA command for d fails. Returning a
// *smtp.SMTPError controls the reply code.
type RejectFunc func(d Delivery) error

type Server struct {
	smtp     *smtp.Server
	listener net.Listener
	backend  *backend
	done     chan struct{}
}

// Start listens on a random loopback port and serves until Close.
func Start(authCfg AuthConfig) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	be := &backend{
		authEnabled:  authCfg.Enabled,
		authUsername: authCfg.Username,
		authPassword: authCfg.Password,
	}
	server := smtp.NewServer(be)
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 10
	server.MaxMessageBytes = 25 << 20

	s := &Server{smtp: server, listener: listener, backend: be, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		_ = server.Serve(listener)
	}()
	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Host() string {
	return s.listener.Addr().(*net.TCPAddr).IP.String()
}

func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Deliveries returns a copy of everything accepted so far, in arrival order.
func (s *Server) Deliveries() []Delivery {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	out := make([]Delivery, len(s.backend.deliveries))
	copy(out, s.backend.deliveries)
	return out
}

// RejectWith installs fn for subsequent DATA commands; nil accepts everything.
func (s *Server) RejectWith(fn RejectFunc) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.reject = fn
}

func (s *Server) Close() error {
	err := s.smtp.Close()
	<-s.done
	return err
}

type backend struct {
	authEnabled  bool
	authUsername string
	authPassword string

	mu         sync.Mutex
	deliveries []Delivery
	reject     RejectFunc
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

type session struct {
	backend       *backend
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authEnabled {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.authEnabled {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username == s.backend.authUsername && password == s.backend.authPassword {
			s.authenticated = true
			return nil
		}
		return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "invalid credentials"}
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = normalizeEmail(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authEnabled && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.to = append(s.to, normalizeEmail(to))
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	delivery := parseDelivery(s.from, s.to, raw)

	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if s.backend.reject != nil {
		if err := s.backend.reject(delivery); err != nil {
			return err
		}
	}
	s.backend.deliveries = append(s.backend.deliveries, delivery)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

func parseDelivery(from string, to []string, raw []byte) Delivery {
	delivery := Delivery{
		From: from,
		To:   append([]string(nil), to...),
		Raw:  raw,
	}

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return delivery
	}
	defer reader.Close()
	delivery.Header = reader.Header

	if subject, err := reader.Header.Subject(); err == nil {
		delivery.Subject = subject
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return delivery
		}
		header, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		mediaType, _, _ := header.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			delivery.HTMLBody = appendBody(delivery.HTMLBody, string(body))
		case strings.HasPrefix(mediaType, "text/plain") || mediaType == "":
			delivery.TextBody = appendBody(delivery.TextBody, string(body))
		}
	}
	return delivery
}

func appendBody(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "\n" + next
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
