package mailtm

import (
	"encoding/json"
	"fmt"
	"time"
)

// collection is the Hydra envelope the provider wraps every list response in.
type collection[T any] struct {
	Members    []T `json:"hydra:member"`
	TotalItems int `json:"hydra:totalItems"`
}

type Domain struct {
	ID        string `json:"id"`
	Domain    string `json:"domain"`
	IsActive  *bool  `json:"isActive,omitempty"`
	IsPrivate bool   `json:"isPrivate"`
}

// Usable reports whether accounts can be created on the domain. A response
// that omits isActive is treated as active.
func (d Domain) Usable() bool {
	if d.Domain == "" || d.IsPrivate {
		return false
	}
	return d.IsActive == nil || *d.IsActive
}

type Address struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

func (a Address) String() string {
	if a.Name == "" {
		return a.Address
	}
	return fmt.Sprintf("%s <%s>", a.Name, a.Address)
}

// Summary is an entry of the message listing.
type Summary struct {
	ID        string    `json:"id"`
	From      Address   `json:"from"`
	Subject   string    `json:"subject"`
	Intro     string    `json:"intro"`
	Seen      bool      `json:"seen"`
	CreatedAt time.Time `json:"createdAt"`
}

type messageDetail struct {
	ID        string    `json:"id"`
	From      Address   `json:"from"`
	Subject   string    `json:"subject"`
	Text      string    `json:"text"`
	HTML      htmlBody  `json:"html"`
	CreatedAt time.Time `json:"createdAt"`
}

// htmlBody accepts either a single string or a list of fragments.
type htmlBody []string

func (h *htmlBody) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*h = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*h = nil
		} else {
			*h = htmlBody{single}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("html must be a string or a list of strings: %w", err)
	}
	*h = list
	return nil
}

type credentials struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

type tokenResponse struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type violationResponse struct {
	Detail      string `json:"detail"`
	Message     string `json:"message"`
	Description string `json:"hydra:description"`
}

func (v violationResponse) text() string {
	switch {
	case v.Description != "":
		return v.Description
	case v.Detail != "":
		return v.Detail
	default:
		return v.Message
	}
}
