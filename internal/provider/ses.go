package provider

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/embermail/embermail/internal/domain"
	"github.com/embermail/embermail/internal/pkg/logger"
)

// SESSender sends emails via AWS SES using the SDK v2. Credentials are
// process-wide: every sending domain on the "ses" provider shares them.
type SESSender struct {
	accessKey string
	secretKey string
	region    string
	client    *sesv2.Client
	now       func() time.Time
}

// NewSESSender creates an SES sender. The SDK client is initialized
// eagerly; a failure to build AWS config leaves the client nil and
// Validate reports false.
func NewSESSender(accessKey, secretKey, region string) *SESSender {
	if region == "" {
		region = "us-east-1"
	}
	s := &SESSender{
		accessKey: accessKey,
		secretKey: secretKey,
		region:    region,
		now:       time.Now,
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		log.Printf("[SES] Warning: failed to initialize AWS config: %v", err)
	} else {
		s.client = sesv2.NewFromConfig(cfg)
	}
	return s
}

// Name returns the provider tag.
func (s *SESSender) Name() string { return string(domain.ProviderSES) }

// Send delivers a single email through AWS SES.
func (s *SESSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if s.client == nil {
		return nil, &ConfigurationError{Provider: s.Name(), Reason: "SES client not initialized"}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(fmt.Sprintf("%s <%s>", msg.FromName, msg.FromEmail)),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)},
		},
	}
	if msg.TextContent != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String("UTF-8")}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send to %s: %w", logger.RedactEmail(msg.To), err)
	}

	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	log.Printf("[SES] Sent to %s (id: %s)", logger.RedactEmail(msg.To), messageID)

	return &domain.SendResult{
		Success:   true,
		MessageID: messageID,
		Provider:  s.Name(),
		SentAt:    s.now(),
	}, nil
}

// SendBulk sends messages individually; SES v2 has no true bulk send for
// fully distinct message bodies.
func (s *SESSender) SendBulk(ctx context.Context, messages []*domain.EmailMessage) ([]domain.SendResult, error) {
	if s.client == nil {
		return nil, &ConfigurationError{Provider: s.Name(), Reason: "SES client not initialized"}
	}
	return sendEach(ctx, s, messages)
}

// Validate checks that the SDK client was constructed with credentials.
// It deliberately avoids a billable API round trip; the registry caches
// the result anyway.
func (s *SESSender) Validate(ctx context.Context) (bool, error) {
	return s.client != nil && s.accessKey != "" && s.secretKey != "", nil
}
