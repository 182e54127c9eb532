// Package mailtm is a client for the mail.tm disposable mailbox REST API.
package mailtm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.io/infrasutra/mailburner/internal/email"
)

const (
	maxRetries     = 3
	baseRetryDelay = time.Second
	maxBodyBytes   = 8 << 20
	maxPages       = 100
)

// APIError is returned for every failed provider call.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
	RetryAfter string
	transient  bool
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("mailtm %s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("mailtm %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// Transient reports whether the call may succeed if repeated.
func (e *APIError) Transient() bool {
	return e.transient
}

func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.transient
}

func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

func classify(op string, statusCode int, message, retryAfter string) *APIError {
	err := &APIError{
		Op:         op,
		StatusCode: statusCode,
		Message:    message,
		RetryAfter: retryAfter,
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		err.transient = true
	case statusCode >= 500:
		err.transient = true
	}
	return err
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
}

func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
		retryDelay: baseRetryDelay,
	}
}

// Domains lists the domains new accounts can be created on.
func (c *Client) Domains(ctx context.Context) ([]Domain, error) {
	var out collection[Domain]
	if err := c.do(ctx, http.MethodGet, "/domains", "", nil, &out); err != nil {
		return nil, err
	}
	domains := make([]Domain, 0, len(out.Members))
	for _, domain := range out.Members {
		if domain.Usable() {
			domains = append(domains, domain)
		}
	}
	return domains, nil
}

func (c *Client) CreateAccount(ctx context.Context, address, password string) error {
	return c.do(ctx, http.MethodPost, "/accounts", "", credentials{Address: address, Password: password}, nil)
}

// Token exchanges account credentials for a bearer token.
func (c *Client) Token(ctx context.Context, address, password string) (string, error) {
	var out tokenResponse
	if err := c.do(ctx, http.MethodPost, "/token", "", credentials{Address: address, Password: password}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &APIError{Op: "POST /token", Message: "response carried no token"}
	}
	return out.Token, nil
}

// ListMessages returns the whole inbox in provider order, following pages
// until hydra:totalItems members were collected or a page comes back empty.
func (c *Client) ListMessages(ctx context.Context, token string) ([]Summary, error) {
	var summaries []Summary
	for page := 1; page <= maxPages; page++ {
		var out collection[Summary]
		if err := c.do(ctx, http.MethodGet, "/messages?page="+strconv.Itoa(page), token, nil, &out); err != nil {
			return nil, err
		}
		summaries = append(summaries, out.Members...)
		if len(out.Members) == 0 || len(summaries) >= out.TotalItems {
			return summaries, nil
		}
	}
	c.logger.Warn("inbox listing truncated", "pages", maxPages, "collected", len(summaries))
	return summaries, nil
}

// Message fetches one message with its bodies. Account is left for the
// caller, which knows the inbox the message was listed in.
func (c *Client) Message(ctx context.Context, token, id string) (email.Message, error) {
	var out messageDetail
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id), token, nil, &out); err != nil {
		return email.Message{}, err
	}
	msg := email.Message{
		ID:        out.ID,
		From:      out.From.String(),
		Subject:   out.Subject,
		Text:      out.Text,
		HTML:      []string(out.HTML),
		CreatedAt: out.CreatedAt,
	}
	if msg.ID == "" {
		msg.ID = id
	}
	return msg, nil
}

// do runs one API call, retrying transient failures with exponential backoff
// and honoring Retry-After on 429.
func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	op := method + " " + path

	var payload []byte
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return &APIError{Op: op, Message: fmt.Sprintf("encode request: %v", err)}
		}
		payload = encoded
	}

	var lastErr *APIError
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.retryAfterDelay(lastErr.RetryAfter, attempt-1)
			c.logger.Debug("retrying provider request", "op", op, "attempt", attempt, "delay", delay, "error", lastErr)
			if err := sleepWithContext(ctx, delay); err != nil {
				return &APIError{Op: op, Message: fmt.Sprintf("cancelled during retry wait: %v (last error: %v)", err, lastErr)}
			}
		}

		err := c.doOnce(ctx, op, method, path, token, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !err.transient || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, op, method, path, token string, payload []byte, out any) *APIError {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &APIError{Op: op, Message: fmt.Sprintf("build request: %v", err)}
	}
	req.Header.Set("Accept", "application/ld+json, application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Op: op, Message: err.Error(), transient: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("read body: %v", err), transient: true}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(string(data))
		var violation violationResponse
		if jsonErr := json.Unmarshal(data, &violation); jsonErr == nil && violation.text() != "" {
			message = violation.text()
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return classify(op, resp.StatusCode, message, resp.Header.Get("Retry-After"))
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{Op: op, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	return nil
}

func (c *Client) retryAfterDelay(retryAfter string, attempt int) time.Duration {
	if retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return c.backoffDelay(attempt)
}

// backoffDelay doubles the base delay per attempt: 1s, 2s, 4s.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.retryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
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
