package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.io/infrasutra/mailburner/internal/store"
)

type staticLister struct {
	addresses []string
	err       error
}

func (l staticLister) ListAddresses(context.Context) ([]string, error) {
	return l.addresses, l.err
}

func newTestServer(t *testing.T, lister AddressLister) *Server {
	t.Helper()
	server, err := NewServer(lister, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return server
}

func TestIndexListsAddressesInRegistryOrder(t *testing.T) {
	ctx := context.Background()
	registry, err := store.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })
	require.NoError(t, registry.EnsureSchema(ctx))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, registry.CreateAccount(ctx, store.Account{Address: "first@example.com", CreatedAt: base}))
	require.NoError(t, registry.CreateAccount(ctx, store.Account{Address: "second@example.com", CreatedAt: base.Add(time.Second)}))

	server := newTestServer(t, registry)
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	first := strings.Index(body, "first@example.com")
	second := strings.Index(body, "second@example.com")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second)
	assert.Contains(t, body, `data-address="first@example.com"`)
	assert.Contains(t, body, "navigator.clipboard.writeText")
}

func TestIndexEscapesAddresses(t *testing.T) {
	server := newTestServer(t, staticLister{addresses: []string{"<script>@example.com"}})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "<script>@example.com")
	assert.Contains(t, rec.Body.String(), "&lt;script&gt;@example.com")
}

func TestIndexEmpty(t *testing.T) {
	server := newTestServer(t, staticLister{})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "No addresses provisioned yet.")
}

func TestHeadHasNoBody(t *testing.T) {
	server := newTestServer(t, staticLister{addresses: []string{"a@example.com"}})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, rec.Body.Len())
}

func TestOnlyRootIsServed(t *testing.T) {
	server := newTestServer(t, staticLister{})

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/messages", http.StatusNotFound},
		{http.MethodGet, "/health", http.StatusNotFound},
		{http.MethodGet, "/index.html", http.StatusNotFound},
		{http.MethodPost, "/", http.StatusMethodNotAllowed},
		{http.MethodDelete, "/", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestIndexStoreFailure(t *testing.T) {
	server := newTestServer(t, staticLister{err: errors.New("database is locked")})
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "database is locked")
}
