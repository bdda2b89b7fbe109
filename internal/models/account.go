package models

import "time"

type AccountStatus string

const (
	AccountActive   AccountStatus = "active"
	AccountInactive AccountStatus = "inactive"
)

// Account is the CRM-side tenant: where its webhooks go and how they are signed.
type Account struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	WebhookURL    string        `json:"webhook_url"`
	WebhookSecret string        `json:"webhook_secret,omitempty"`
	APIToken      string        `json:"api_token,omitempty"`
	Status        AccountStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

func (a *Account) Active() bool {
	return a.Status == AccountActive
}
