package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/embermail/embermail/internal/domain"
	"github.com/embermail/embermail/internal/pkg/logger"
)

const sparkpostDefaultTimeout = 30 * time.Second

// SparkPostSender sends emails via the SparkPost Transmissions API.
type SparkPostSender struct {
	apiKey  string
	baseURL string
	client  *http.Client
	now     func() time.Time
}

// NewSparkPostSender creates a sender targeting the SparkPost v1 API.
// A non-positive timeout falls back to the default.
func NewSparkPostSender(apiKey, baseURL string, timeout time.Duration) *SparkPostSender {
	if baseURL == "" {
		baseURL = "https://api.sparkpost.com"
	}
	if timeout <= 0 {
		timeout = sparkpostDefaultTimeout
	}
	return &SparkPostSender{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}
}

// Name returns the provider tag.
func (s *SparkPostSender) Name() string { return string(domain.ProviderSparkPost) }

// Send delivers a single email through a SparkPost transmission.
func (s *SparkPostSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	results, err := s.SendBulk(ctx, []*domain.EmailMessage{msg})
	if err != nil {
		return nil, err
	}
	res := results[0]
	if res.Error != nil {
		return nil, res.Error
	}
	return &res, nil
}

// SendBulk posts one transmission per message. SparkPost supports
// multi-recipient transmissions only when content is shared; our messages
// are personalized per recipient, so each gets its own call with
// per-message failure isolation.
func (s *SparkPostSender) SendBulk(ctx context.Context, messages []*domain.EmailMessage) ([]domain.SendResult, error) {
	if s.apiKey == "" {
		return nil, &ConfigurationError{Provider: s.Name(), Reason: "missing API key"}
	}

	results := make([]domain.SendResult, len(messages))
	for i, msg := range messages {
		id, err := s.transmit(ctx, msg)
		if err != nil {
			results[i] = domain.SendResult{Success: false, Provider: s.Name(), Error: err}
			continue
		}
		results[i] = domain.SendResult{
			Success:   true,
			MessageID: id,
			Provider:  s.Name(),
			SentAt:    s.now(),
		}
	}
	return results, nil
}

func (s *SparkPostSender) transmit(ctx context.Context, msg *domain.EmailMessage) (string, error) {
	transmission := map[string]interface{}{
		"recipients": []map[string]interface{}{
			{"address": map[string]string{"email": msg.To}},
		},
		"content": map[string]interface{}{
			"from":    map[string]string{"email": msg.FromEmail, "name": msg.FromName},
			"subject": msg.Subject,
			"html":    msg.HTMLContent,
			"text":    msg.TextContent,
		},
		"metadata": map[string]interface{}{
			"campaign_id": msg.CampaignID,
		},
	}

	jsonData, err := json.Marshal(transmission)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/api/v1/transmissions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("sparkpost error %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Results struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	json.Unmarshal(body, &result)

	log.Printf("[SparkPost] Sent to %s (id: %s)", logger.RedactEmail(msg.To), result.Results.ID)
	return result.Results.ID, nil
}

// Validate confirms the API key is accepted by hitting the account
// endpoint. Network failures report an unusable transport, not an error.
func (s *SparkPostSender) Validate(ctx context.Context) (bool, error) {
	if s.apiKey == "" {
		return false, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v1/account", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode < 400, nil
}
