package domain

import (
	"fmt"
	"strings"
	"time"
)

// Recipient is a contact row as the resolver reads it.
type Recipient struct {
	ID           string         `json:"id" db:"id"`
	FirstName    string         `json:"first_name" db:"first_name"`
	LastName     string         `json:"last_name" db:"last_name"`
	Email        string         `json:"email" db:"email"`
	Phone        string         `json:"phone" db:"phone"`
	Status       string         `json:"status" db:"status"`
	Source       string         `json:"source" db:"source"`
	AccountName  string         `json:"account_name" db:"account_name"`
	CustomFields map[string]any `json:"custom_fields" db:"custom_fields"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
}

// FullName joins first and last name.
func (r *Recipient) FullName() string {
	return strings.TrimSpace(r.FirstName + " " + r.LastName)
}

// AddressFor returns the recipient's address on ch.
func (r *Recipient) AddressFor(ch Channel) string {
	if ch == ChannelSMS {
		return r.Phone
	}
	return r.Email
}

// MergeFields flattens the recipient into the lower-cased key space used by
// personalization. Custom fields never shadow profile fields.
func (r *Recipient) MergeFields() map[string]string {
	m := make(map[string]string, 8+len(r.CustomFields))
	for k, v := range r.CustomFields {
		if v == nil {
			continue
		}
		m[strings.ToLower(k)] = fmt.Sprint(v)
	}
	m["first_name"] = r.FirstName
	m["last_name"] = r.LastName
	m["name"] = r.FullName()
	m["email"] = r.Email
	m["phone"] = r.Phone
	m["status"] = r.Status
	m["source"] = r.Source
	m["account_name"] = r.AccountName
	return m
}

// ResolvedRecipient is one member of a resolved audience.
type ResolvedRecipient struct {
	ID          string            `json:"id"`
	Address     string            `json:"address"`
	MergeFields map[string]string `json:"merge_fields"`
}

// PreviewRow is the projection returned by an audience preview.
type PreviewRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Address     string `json:"address"`
	Status      string `json:"status"`
	Source      string `json:"source"`
	AccountName string `json:"account_name"`
}

// AudiencePreview is a count plus a sample of matching recipients.
type AudiencePreview struct {
	Count int          `json:"count"`
	Rows  []PreviewRow `json:"recipients"`
}

// InternalUser is a staff member eligible for test sends.
type InternalUser struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`
	Phone string `json:"phone" db:"phone"`
}

// AddressFor returns the user's address on ch.
func (u *InternalUser) AddressFor(ch Channel) string {
	if ch == ChannelSMS {
		return u.Phone
	}
	return u.Email
}

// MergeFields exposes the user under the same keys as a recipient so test
// sends render the real template.
func (u *InternalUser) MergeFields() map[string]string {
	first, last, _ := strings.Cut(u.Name, " ")
	return map[string]string{
		"first_name": first,
		"last_name":  last,
		"name":       u.Name,
		"email":      u.Email,
		"phone":      u.Phone,
	}
}
