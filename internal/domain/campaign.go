package domain

import (
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
//
// Transitions only move forward through the directed graph:
//
//	draft → ready → sending → sent
//	draft → scheduled → sending → sent
//	(any pre-claim state) → failed on domain validation failure
//
// Nothing returns from sent/failed to an earlier state.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignReady     CampaignStatus = "ready"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignSent      CampaignStatus = "sent"
	CampaignFailed    CampaignStatus = "failed"
)

// Campaign represents an outbound bulk email campaign with its content
// and delivery configuration.
type Campaign struct {
	ID              string         `json:"id" db:"id"`
	OwnerID         string         `json:"owner_id" db:"owner_id"`
	ListID          string         `json:"list_id" db:"list_id"`
	SendingDomainID string         `json:"sending_domain_id" db:"sending_domain_id"`
	Name            string         `json:"name" db:"name"`
	Subject         string         `json:"subject" db:"subject"`
	HTMLContent     string         `json:"html_content" db:"html_content"`
	PlainContent    string         `json:"plain_content" db:"plain_content"`
	Status          CampaignStatus `json:"status" db:"status"`
	ScheduledAt     *time.Time     `json:"scheduled_at" db:"scheduled_at"`
	SentAt          *time.Time     `json:"sent_at" db:"sent_at"`
	FailureReason   string         `json:"failure_reason,omitempty" db:"failure_reason"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignSent || c.Status == CampaignFailed
}

// Claimable reports whether the campaign is eligible for the monitor
// to claim at the given instant. Draft/ready campaigns with no schedule
// (or a due schedule) are immediate candidates; scheduled campaigns wait
// for their scheduled_at.
func (c *Campaign) Claimable(now time.Time) bool {
	switch c.Status {
	case CampaignDraft, CampaignReady:
		return c.ScheduledAt == nil || !c.ScheduledAt.After(now)
	case CampaignScheduled:
		return c.ScheduledAt != nil && !c.ScheduledAt.After(now)
	default:
		return false
	}
}

// CampaignStats is the aggregated delivery view surfaced by the API.
// Raw internal errors never appear here, only counts and rates.
type CampaignStats struct {
	CampaignID     string  `json:"campaign_id"`
	Status         string  `json:"status"`
	TotalEmails    int     `json:"total_emails"`
	Processed      int     `json:"processed"`
	Delivered      int     `json:"delivered"`
	Failed         int     `json:"failed"`
	Opened         int     `json:"opened"`
	Clicked        int     `json:"clicked"`
	Bounced        int     `json:"bounced"`
	Complained     int     `json:"complained"`
	DeliveryRate   float64 `json:"delivery_rate"`
	OpenRate       float64 `json:"open_rate"`
	ClickRate      float64 `json:"click_rate"`
	BounceRate     float64 `json:"bounce_rate"`
}
