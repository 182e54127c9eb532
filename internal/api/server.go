package api

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"

	webassets "github.io/infrasutra/mailburner/web"
)

// AddressLister returns every known address in registry order.
type AddressLister interface {
	ListAddresses(ctx context.Context) ([]string, error)
}

// Server renders the listing page. It serves the root path only.
type Server struct {
	addresses AddressLister
	logger    *slog.Logger
	page      *template.Template
}

type pageData struct {
	Addresses []string
}

func NewServer(addresses AddressLister, logger *slog.Logger) (*Server, error) {
	templates, err := webassets.Templates()
	if err != nil {
		return nil, fmt.Errorf("open templates: %w", err)
	}
	page, err := template.ParseFS(templates, "index.html")
	if err != nil {
		return nil, fmt.Errorf("parse index template: %w", err)
	}
	return &Server{addresses: addresses, logger: logger, page: page}, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleIndex(w, r)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	addresses, err := s.addresses.ListAddresses(r.Context())
	if err != nil {
		s.logger.Error("list addresses", "error", err)
		http.Error(w, "unable to load addresses", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := s.page.Execute(&buf, pageData{Addresses: addresses}); err != nil {
		s.logger.Error("render index", "error", err)
		http.Error(w, "unable to render page", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(buf.Bytes())
}
