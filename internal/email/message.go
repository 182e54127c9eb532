// Package email defines the message model shared by the provider client and
// the relay.
package email

import "time"

// Message is one message fetched from a disposable inbox.
type Message struct {
	ID        string
	Account   string
	From      string
	Subject   string
	Text      string
	HTML      []string
	CreatedAt time.Time
}
