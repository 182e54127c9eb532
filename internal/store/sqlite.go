package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound  = errors.New("account not found")
	ErrDuplicate = errors.New("account already exists")
)

// Error is returned for every failed read or write against the database.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

type Store struct {
	db *sqlx.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sqlx.Open("sqlite", trimmed)
	if err != nil {
		return nil, wrap("open", err)
	}
	// One connection keeps writes serialized and an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, wrap("enable foreign keys", err)
	}
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, wrap("enable WAL", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA synchronous = FULL;"); err != nil {
			db.Close()
			return nil, wrap("set synchronous", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
            address TEXT PRIMARY KEY,
            password TEXT NOT NULL,
            token TEXT NOT NULL,
            created_at INTEGER NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS seen_messages (
            address TEXT NOT NULL,
            message_id TEXT NOT NULL,
            forwarded_at INTEGER NOT NULL,
            PRIMARY KEY (address, message_id),
            FOREIGN KEY(address) REFERENCES accounts(address) ON DELETE CASCADE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_created ON accounts(created_at);`,
	}

	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return wrap("apply schema", err)
		}
	}
	return nil
}

// CreateAccount durably inserts a new account. The seen-set of the argument is
// ignored; new accounts always start with an empty one.
func (s *Store) CreateAccount(ctx context.Context, account Account) error {
	if account.Address == "" {
		return wrap("create account", errors.New("address is required"))
	}
	createdAt := account.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	result, err := s.db.ExecContext(ctx, `INSERT INTO accounts (address, password, token, created_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(address) DO NOTHING;`,
		account.Address,
		account.Password,
		account.Token,
		createdAt.UnixMilli(),
	)
	if err != nil {
		return wrap("create account", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrap("create account", err)
	}
	if rows == 0 {
		return wrap("create account", fmt.Errorf("%s: %w", account.Address, ErrDuplicate))
	}
	return nil
}

// MarkSeen records messageID as forwarded for address. Marking an id twice is
// a no-op.
func (s *Store) MarkSeen(ctx context.Context, address, messageID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO seen_messages (address, message_id, forwarded_at)
        VALUES (?, ?, ?)
        ON CONFLICT(address, message_id) DO NOTHING;`,
		address, messageID, at.UnixMilli())
	if err != nil {
		return wrap("mark seen", err)
	}
	return nil
}

func (s *Store) UpdateToken(ctx context.Context, address, token string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE accounts SET token = ? WHERE address = ?;`, token, address)
	if err != nil {
		return wrap("update token", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return wrap("update token", err)
	}
	if rows == 0 {
		return wrap("update token", fmt.Errorf("%s: %w", address, ErrNotFound))
	}
	return nil
}

func (s *Store) Account(ctx context.Context, address string) (Account, error) {
	var row accountRow
	err := s.db.GetContext(ctx, &row, `SELECT address, password, token, created_at
        FROM accounts WHERE address = ?;`, address)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, wrap("get account", fmt.Errorf("%s: %w", address, ErrNotFound))
		}
		return Account{}, wrap("get account", err)
	}

	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT message_id FROM seen_messages WHERE address = ?;`, address); err != nil {
		return Account{}, wrap("get seen messages", err)
	}
	account := row.toAccount()
	for _, id := range ids {
		account.Seen[id] = struct{}{}
	}
	return account, nil
}

// LoadAccounts returns every account in creation order with its seen-set.
func (s *Store) LoadAccounts(ctx context.Context) ([]Account, error) {
	var rows []accountRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT address, password, token, created_at
        FROM accounts ORDER BY created_at, rowid;`); err != nil {
		return nil, wrap("load accounts", err)
	}

	var seen []seenRow
	if err := s.db.SelectContext(ctx, &seen, `SELECT address, message_id FROM seen_messages;`); err != nil {
		return nil, wrap("load seen messages", err)
	}

	accounts := make([]Account, 0, len(rows))
	index := make(map[string]int, len(rows))
	for i, row := range rows {
		accounts = append(accounts, row.toAccount())
		index[row.Address] = i
	}
	for _, row := range seen {
		if i, ok := index[row.Address]; ok {
			accounts[i].Seen[row.MessageID] = struct{}{}
		}
	}
	return accounts, nil
}

// ListAddresses returns all addresses in creation order.
func (s *Store) ListAddresses(ctx context.Context) ([]string, error) {
	var addresses []string
	if err := s.db.SelectContext(ctx, &addresses, `SELECT address FROM accounts ORDER BY created_at, rowid;`); err != nil {
		return nil, wrap("list addresses", err)
	}
	return addresses, nil
}

func (r accountRow) toAccount() Account {
	return Account{
		Address:   r.Address,
		Password:  r.Password,
		Token:     r.Token,
		Seen:      map[string]struct{}{},
		CreatedAt: time.UnixMilli(r.CreatedAt),
	}
}
