package store

import "time"

// Account is one disposable mailbox together with the ids of the messages
// already forwarded from it.
type Account struct {
	Address   string
	Password  string
	Token     string
	Seen      map[string]struct{}
	CreatedAt time.Time
}

// HasSeen reports whether messageID was already forwarded.
func (a Account) HasSeen(messageID string) bool {
	_, ok := a.Seen[messageID]
	return ok
}

type accountRow struct {
	Address   string `db:"address"`
	Password  string `db:"password"`
	Token     string `db:"token"`
	CreatedAt int64  `db:"created_at"`
}

type seenRow struct {
	Address   string `db:"address"`
	MessageID string `db:"message_id"`
}
