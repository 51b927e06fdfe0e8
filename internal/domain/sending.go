package domain

import (
	"errors"
	"time"
)

// ErrDomainNotFound reports that no sending domain exists for an ID. The
// pipeline treats it as a configuration failure; any other lookup error
// is infrastructure trouble and must not fail a campaign.
var ErrDomainNotFound = errors.New("sending domain not found")

// ProviderType identifies the delivery transport for a sending domain.
// This is a closed set: the provider registry fails fast on anything else.
type ProviderType string

const (
	ProviderSMTP      ProviderType = "smtp"
	ProviderSES       ProviderType = "ses"
	ProviderSparkPost ProviderType = "sparkpost"
)

// SendingDomain holds a tenant's sending identity and transport config.
// Reputation is mutated by the pipeline; credentials by user configuration.
type SendingDomain struct {
	ID                 string       `json:"id" db:"id"`
	OwnerID            string       `json:"owner_id" db:"owner_id"`
	Domain             string       `json:"domain" db:"domain"`
	Verified           bool         `json:"verified" db:"verified"`
	Provider           ProviderType `json:"provider" db:"provider"`
	DefaultFromAddress string       `json:"default_from_address" db:"default_from_address"`
	SMTPHost           string       `json:"smtp_host" db:"smtp_host"`
	SMTPPort           int          `json:"smtp_port" db:"smtp_port"`
	SMTPUsername       string       `json:"smtp_username" db:"smtp_username"`
	SMTPPassword       string       `json:"-" db:"smtp_password"`
	DailyLimit         int          `json:"daily_limit" db:"daily_limit"`
	EnableWarmup       bool         `json:"enable_warmup" db:"enable_warmup"`
	Reputation         float64      `json:"reputation" db:"reputation"`
	CreatedAt          time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at" db:"updated_at"`
}

// HasSMTPCredentials reports whether the domain carries a complete
// custom-SMTP connection config.
func (d *SendingDomain) HasSMTPCredentials() bool {
	return d.SMTPHost != "" && d.SMTPPort > 0 && d.SMTPUsername != "" && d.SMTPPassword != ""
}

// EmailMessage is the fully-resolved message handed to a provider sender.
// By the time a message reaches this struct, template substitution and
// from-address resolution are complete.
type EmailMessage struct {
	ID          string            `json:"id"`
	CampaignID  string            `json:"campaign_id"`
	To          string            `json:"to"`
	FromName    string            `json:"from_name"`
	FromEmail   string            `json:"from_email"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"html_content"`
	TextContent string            `json:"text_content"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// SendResult is the outcome of one provider send call.
type SendResult struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id"`
	Provider  string    `json:"provider"`
	SentAt    time.Time `json:"sent_at"`
	Error     error     `json:"-"`
}

// Recipient is one valid address from a campaign's target list, with the
// substitution data used for personalization.
type Recipient struct {
	Email  string                 `json:"email"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}
