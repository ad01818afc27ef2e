package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LinkPrecedence marks a contact as the anchor of its group or as linked to one.
type LinkPrecedence string

const (
	LinkPrimary   LinkPrecedence = "primary"
	LinkSecondary LinkPrecedence = "secondary"
)

// Contact represents a customer contact in the database
type Contact struct {
	ID             int64          `json:"id"`
	PhoneNumber    *string        `json:"phoneNumber"`
	Email          *string        `json:"email"`
	LinkedID       *int64         `json:"linkedId"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      *time.Time     `json:"updatedAt"`
	DeletedAt      *time.Time     `json:"deletedAt,omitempty"`
}

func (c Contact) IsPrimary() bool {
	return c.LinkPrecedence == LinkPrimary
}

// OlderThan reports whether c outranks other for the primary slot. Creation
// time decides; the lower id breaks an exact tie.
func (c Contact) OlderThan(other Contact) bool {
	if !c.CreatedAt.Equal(other.CreatedAt) {
		return c.CreatedAt.Before(other.CreatedAt)
	}
	return c.ID < other.ID
}

// LinkUpdate carries the only fields that change after creation.
type LinkUpdate struct {
	LinkPrecedence LinkPrecedence
	LinkedID       *int64
	UpdatedAt      time.Time
}

// Attr is an optional identity attribute as received over the wire. It accepts
// JSON strings and numbers, since phone numbers are often sent unquoted.
type Attr struct {
	Value *string
}

func (a *Attr) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		a.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		a.Value = &s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", strings.TrimSpace(string(data)))
	}
	s = n.String()
	a.Value = &s
	return nil
}

// IdentifyRequest represents the incoming request body
type IdentifyRequest struct {
	Email       Attr `json:"email"`
	PhoneNumber Attr `json:"phoneNumber"`
}

// ConsolidatedIdentity is the merged view of one contact group.
type ConsolidatedIdentity struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}

// IdentifyResponse represents the response body
type IdentifyResponse struct {
	Contact ConsolidatedIdentity `json:"contact"`
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
