// Package provisioner creates disposable accounts on the provider.
package provisioner

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.io/infrasutra/mailburner/internal/mailtm"
	"github.io/infrasutra/mailburner/internal/store"
)

const (
	localPartLength = 10
	passwordLength  = 20

	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!@#$%^&*-_=+?"
)

var ErrNoDomains = errors.New("provider offered no usable domains")

type Provider interface {
	Domains(ctx context.Context) ([]mailtm.Domain, error)
	CreateAccount(ctx context.Context, address, password string) error
	Token(ctx context.Context, address, password string) (string, error)
}

type Registry interface {
	CreateAccount(ctx context.Context, account store.Account) error
}

// Scheduler receives every account created here.
type Scheduler interface {
	Add(key string, createdAt time.Time)
}

type Provisioner struct {
	provider  Provider
	registry  Registry
	scheduler Scheduler
	interval  time.Duration
	logger    *slog.Logger

	localPart func() string
	password  func() (string, error)
	now       func() time.Time
}

func New(provider Provider, registry Registry, scheduler Scheduler, interval time.Duration, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		provider:  provider,
		registry:  registry,
		scheduler: scheduler,
		interval:  interval,
		logger:    logger,
		localPart: randomLocalPart,
		password:  randomPassword,
		now:       time.Now,
	}
}

// Run provisions one account immediately and then one per interval until ctx
// is done. Failed attempts are logged and left for the next tick.
func (p *Provisioner) Run(ctx context.Context) error {
	p.logger.Info("provisioner started", "interval", p.interval)

	p.provision(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("provisioner stopped")
			return nil
		case <-ticker.C:
			p.provision(ctx)
		}
	}
}

func (p *Provisioner) provision(ctx context.Context) {
	account, err := p.ProvisionOne(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		p.logger.Error("provisioning failed", "error", err)
		return
	}
	p.scheduler.Add(account.Address, account.CreatedAt)
	p.logger.Info("account provisioned", "account", account.Address)
}

// ProvisionOne creates an account on the first usable domain, obtains its
// token and persists it. Nothing is persisted unless every step succeeds.
func (p *Provisioner) ProvisionOne(ctx context.Context) (store.Account, error) {
	domains, err := p.provider.Domains(ctx)
	if err != nil {
		return store.Account{}, fmt.Errorf("list domains: %w", err)
	}
	if len(domains) == 0 {
		return store.Account{}, ErrNoDomains
	}

	address := p.localPart() + "@" + domains[0].Domain
	password, err := p.password()
	if err != nil {
		return store.Account{}, fmt.Errorf("generate password: %w", err)
	}

	if err := p.provider.CreateAccount(ctx, address, password); err != nil {
		return store.Account{}, fmt.Errorf("create account %s: %w", address, err)
	}
	token, err := p.provider.Token(ctx, address, password)
	if err != nil {
		return store.Account{}, fmt.Errorf("issue token for %s: %w", address, err)
	}

	account := store.Account{
		Address:   address,
		Password:  password,
		Token:     token,
		Seen:      map[string]struct{}{},
		CreatedAt: p.now().UTC(),
	}
	if err := p.registry.CreateAccount(ctx, account); err != nil {
		return store.Account{}, fmt.Errorf("persist account %s: %w", address, err)
	}
	return account, nil
}

func randomLocalPart() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:localPartLength]
}

// randomPassword returns a password with at least one character of every
// class the provider requires.
func randomPassword() (string, error) {
	classes := []string{lowerChars, upperChars, digitChars, symbolChars}
	all := strings.Join(classes, "")

	buf := make([]byte, 0, passwordLength)
	for _, class := range classes {
		c, err := pick(class)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}
	for len(buf) < passwordLength {
		c, err := pick(all)
		if err != nil {
			return "", err
		}
		buf = append(buf, c)
	}

	for i := len(buf) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		buf[i], buf[j.Int64()] = buf[j.Int64()], buf[i]
	}
	return string(buf), nil
}

func pick(chars string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
	if err != nil {
		return 0, err
	}
	return chars[n.Int64()], nil
}
