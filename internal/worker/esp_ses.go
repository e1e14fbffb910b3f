package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/pkg/logger"
	"github.com/ignite/audience-dispatch/internal/service/sending"
)

// SESAPI is the part of the SES v2 client the provider uses.
type SESAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider delivers the email channel through AWS SES v2.
type SESProvider struct {
	client           SESAPI
	fromAddress      string
	configurationSet string
	timeout          time.Duration
}

// SESConfig configures NewSESProvider.
type SESConfig struct {
	AccessKey        string
	SecretKey        string
	Region           string
	FromAddress      string
	ConfigurationSet string
	Timeout          time.Duration
}

// NewSESProvider builds an SES client from static credentials when given,
// otherwise from the default AWS credential chain.
func NewSESProvider(ctx context.Context, cfg SESConfig) (*SESProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-west-2"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config for SES: %w", err)
	}
	log.Printf("[SES] client ready in %s", cfg.Region)
	return NewSESProviderWithClient(sesv2.NewFromConfig(awsCfg), cfg), nil
}

// NewSESProviderWithClient wraps an existing client.
func NewSESProviderWithClient(client SESAPI, cfg SESConfig) *SESProvider {
	return &SESProvider{
		client:           client,
		fromAddress:      cfg.FromAddress,
		configurationSet: cfg.ConfigurationSet,
		timeout:          cfg.Timeout,
	}
}

// Channel implements sending.Provider.
func (s *SESProvider) Channel() domain.Channel { return domain.ChannelEmail }

// Send implements sending.Provider. The SES MessageId becomes the send's
// external id.
func (s *SESProvider) Send(ctx context.Context, msg *sending.Message) (*sending.Result, error) {
	from := msg.From
	if from == "" {
		from = s.fromAddress
	}
	if from == "" {
		return nil, &sending.ProviderError{Code: "no_from_address", Message: "no from address configured"}
	}

	body := &types.Body{
		Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
	}
	if msg.HTMLBody != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
			},
		},
	}
	if msg.CampaignID != "" {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String("campaign_id"), Value: aws.String(msg.CampaignID)})
	}
	if msg.RecipientID != "" {
		input.EmailTags = append(input.EmailTags, types.MessageTag{Name: aws.String("recipient_id"), Value: aws.String(msg.RecipientID)})
	}
	if s.configurationSet != "" {
		input.ConfigurationSetName = aws.String(s.configurationSet)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, sesError(err)
	}

	id := aws.ToString(out.MessageId)
	log.Printf("[SES] Sent to %s (id: %s)", logger.RedactEmail(msg.To), id)
	return &sending.Result{ProviderID: id, SentAt: time.Now()}, nil
}

// sesError maps SES API errors to provider errors keyed by the API error
// code.
func sesError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		retryable := false
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "LimitExceededException", "InternalFailure", "ServiceUnavailable":
			retryable = true
		}
		return &sending.ProviderError{Code: apiErr.ErrorCode(), Message: apiErr.ErrorMessage(), Retryable: retryable}
	}
	return sending.AsProviderError(err)
}
