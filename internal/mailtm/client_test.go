package mailtm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	c := New(server.URL, 5*time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.retryDelay = time.Millisecond
	return c
}

func TestDomains(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/domains", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = io.WriteString(w, `{"hydra:member":[
			{"domain":"example.com"},
			{"domain":"inactive.test","isActive":false},
			{"domain":"private.test","isPrivate":true},
			{"domain":"second.test","isActive":true}
		],"hydra:totalItems":4}`)
	}))

	domains, err := c.Domains(context.Background())
	require.NoError(t, err)
	require.Len(t, domains, 2)
	assert.Equal(t, "example.com", domains[0].Domain)
	assert.Equal(t, "second.test", domains[1].Domain)
}

func TestCreateAccountAndToken(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/accounts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var body credentials
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "abc12345@example.com", body.Address)
		assert.Equal(t, "secret", body.Password)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"id":"acc-1","address":"abc12345@example.com"}`)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"acc-1","token":"jwt-token"}`)
	})
	c := newTestClient(t, mux)

	ctx := context.Background()
	require.NoError(t, c.CreateAccount(ctx, "abc12345@example.com", "secret"))

	token, err := c.Token(ctx, "abc12345@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "jwt-token", token)
}

func TestCreateAccountRejectedIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"hydra:description":"address: This value is already used."}`)
	}))

	err := c.CreateAccount(context.Background(), "taken@example.com", "secret")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "address: This value is already used.", apiErr.Message)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), calls.Load(), "permanent errors are not retried")
}

func TestTransientErrorsAreRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"hydra:member":[{"domain":"example.com"}]}`)
	}))

	domains, err := c.Domains(context.Background())
	require.NoError(t, err)
	assert.Len(t, domains, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestTransientRetriesAreBounded(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	_, err := c.Domains(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestListMessagesUsesBearerToken(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"code":401,"message":"Invalid JWT Token"}`)
			return
		}
		_, _ = io.WriteString(w, `{"hydra:member":[
			{"id":"m1","subject":"first","from":{"address":"a@x.test","name":"A"},"seen":false},
			{"id":"m2","subject":"second","from":{"address":"b@x.test"}}
		]}`)
	}))

	ctx := context.Background()
	summaries, err := c.ListMessages(ctx, "tok")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "m1", summaries[0].ID)
	assert.Equal(t, "second", summaries[1].Subject)

	_, err = c.ListMessages(ctx, "expired")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "Invalid JWT Token")
}

func TestListMessagesFollowsPages(t *testing.T) {
	t.Parallel()

	var pages []string
	var mu sync.Mutex
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		page := r.URL.Query().Get("page")
		mu.Lock()
		pages = append(pages, page)
		mu.Unlock()

		var members []string
		switch page {
		case "1":
			for i := 31; i >= 2; i-- {
				members = append(members, fmt.Sprintf(`{"id":"m%d"}`, i))
			}
		case "2":
			members = []string{`{"id":"m1"}`}
		}
		fmt.Fprintf(w, `{"hydra:member":[%s],"hydra:totalItems":31}`, strings.Join(members, ","))
	}))

	summaries, err := c.ListMessages(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, summaries, 31)
	assert.Equal(t, "m31", summaries[0].ID)
	assert.Equal(t, "m2", summaries[29].ID)
	assert.Equal(t, "m1", summaries[30].ID)
	assert.Equal(t, []string{"1", "2"}, pages)
}

func TestListMessagesStopsOnEmptyPage(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_, _ = io.WriteString(w, `{"hydra:member":[{"id":"m1"}],"hydra:totalItems":5}`)
			return
		}
		_, _ = io.WriteString(w, `{"hydra:member":[],"hydra:totalItems":5}`)
	}))

	summaries, err := c.ListMessages(context.Background(), "tok")
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMessageHTMLShapes(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/messages/list":
			_, _ = io.WriteString(w, `{"id":"list","subject":"s","text":"plain","html":["<p>a</p>","<p>b</p>"],
				"from":{"address":"a@x.test","name":"Alice"},"to":[{"address":"abc@example.com"}]}`)
		case "/messages/string":
			_, _ = io.WriteString(w, `{"id":"string","html":"<p>only</p>"}`)
		case "/messages/none":
			_, _ = io.WriteString(w, `{"id":"none","text":"t","html":null}`)
		default:
			http.NotFound(w, r)
		}
	}))

	ctx := context.Background()

	msg, err := c.Message(ctx, "tok", "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"<p>a</p>", "<p>b</p>"}, msg.HTML)
	assert.Equal(t, "plain", msg.Text)
	assert.Equal(t, "Alice <a@x.test>", msg.From)
	assert.Empty(t, msg.Account, "recipient list does not name the polled inbox")

	msg, err = c.Message(ctx, "tok", "string")
	require.NoError(t, err)
	assert.Equal(t, []string{"<p>only</p>"}, msg.HTML)

	msg, err = c.Message(ctx, "tok", "none")
	require.NoError(t, err)
	assert.Nil(t, msg.HTML)

	_, err = c.Message(ctx, "tok", "missing")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c := New(url, time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.retryDelay = time.Millisecond

	_, err := c.Domains(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
