// Package forwarder runs poll ticks: list one account's inbox and forward the
// messages it has not forwarded before.
package forwarder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.io/infrasutra/mailburner/internal/email"
	"github.io/infrasutra/mailburner/internal/mailtm"
	"github.io/infrasutra/mailburner/internal/relay"
	"github.io/infrasutra/mailburner/internal/store"
)

// Registry is the slice of the account store a tick reads and writes.
type Registry interface {
	Account(ctx context.Context, address string) (store.Account, error)
	MarkSeen(ctx context.Context, address, messageID string, at time.Time) error
	UpdateToken(ctx context.Context, address, token string) error
}

// Provider is the slice of the mail provider API a tick uses.
type Provider interface {
	Token(ctx context.Context, address, password string) (string, error)
	ListMessages(ctx context.Context, token string) ([]mailtm.Summary, error)
	Message(ctx context.Context, token, id string) (email.Message, error)
}

// Result summarizes one tick.
type Result struct {
	Listed    int
	Forwarded int
	Failed    int
}

type Forwarder struct {
	registry Registry
	provider Provider
	relay    relay.Relay
	logger   *slog.Logger
	now      func() time.Time
}

func New(registry Registry, provider Provider, r relay.Relay, logger *slog.Logger) *Forwarder {
	return &Forwarder{
		registry: registry,
		provider: provider,
		relay:    r,
		logger:   logger,
		now:      time.Now,
	}
}

// Poll runs one tick for address. Messages are handled one at a time in the
// order the provider lists them. A message is marked seen only after its
// forward succeeded; a failed fetch or forward leaves it for the next tick.
//
// The returned error covers failures that made the whole tick a no-op
// (account lookup, listing). Per-message failures are logged and counted in
// Result.Failed.
func (f *Forwarder) Poll(ctx context.Context, address string) (Result, error) {
	var result Result

	account, err := f.registry.Account(ctx, address)
	if err != nil {
		return result, fmt.Errorf("load account: %w", err)
	}

	token, summaries, err := f.list(ctx, account)
	if err != nil {
		return result, fmt.Errorf("list messages: %w", err)
	}
	result.Listed = len(summaries)

	for _, summary := range summaries {
		if account.HasSeen(summary.ID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}

		msg, err := f.provider.Message(ctx, token, summary.ID)
		if err != nil {
			result.Failed++
			f.logger.Error("fetch failed", "account", address, "msg_id", summary.ID, "error", err)
			continue
		}
		msg.Account = address

		if err := f.relay.Forward(ctx, msg); err != nil {
			result.Failed++
			f.logger.Error("forward failed", "account", address, "msg_id", summary.ID, "relay", f.relay.Name(), "error", err)
			continue
		}
		result.Forwarded++

		if err := f.registry.MarkSeen(ctx, address, summary.ID, f.now()); err != nil {
			f.logger.Error("mark seen failed, message will be forwarded again",
				"account", address,
				"msg_id", summary.ID,
				"error", err,
			)
			continue
		}
		if account.Seen == nil {
			account.Seen = map[string]struct{}{}
		}
		account.Seen[summary.ID] = struct{}{}

		f.logger.Info("forwarded", "account", address, "msg_id", summary.ID, "subject", msg.Subject)
	}

	if result.Forwarded > 0 || result.Failed > 0 {
		f.logger.Info("tick finished",
			"account", address,
			"listed", result.Listed,
			"forwarded", result.Forwarded,
			"failed", result.Failed,
		)
	}
	return result, nil
}

// list fetches the inbox, re-issuing the bearer token once when the stored
// one is rejected.
func (f *Forwarder) list(ctx context.Context, account store.Account) (string, []mailtm.Summary, error) {
	token := account.Token
	summaries, err := f.provider.ListMessages(ctx, token)
	if err == nil || !mailtm.IsUnauthorized(err) {
		return token, summaries, err
	}

	f.logger.Info("token rejected, requesting a new one", "account", account.Address)
	token, err = f.provider.Token(ctx, account.Address, account.Password)
	if err != nil {
		return "", nil, fmt.Errorf("reissue token: %w", err)
	}
	if err := f.registry.UpdateToken(ctx, account.Address, token); err != nil {
		f.logger.Warn("persist reissued token failed", "account", account.Address, "error", err)
	}

	summaries, err = f.provider.ListMessages(ctx, token)
	return token, summaries, err
}
