package relay

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.io/infrasutra/mailburner/internal/email"
)

type SESConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	From            string
	To              string
}

// SendEmailAPI is the slice of the SES v2 client the relay needs.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESRelay delivers forwarded copies through the AWS SES v2 API. The SDK's
// own retryer handles throttling.
type SESRelay struct {
	from   string
	to     string
	client SendEmailAPI
}

func NewSES(ctx context.Context, cfg SESConfig) (*SESRelay, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewSESWithClient(cfg.From, cfg.To, sesv2.NewFromConfig(awsCfg)), nil
}

func NewSESWithClient(from, to string, client SendEmailAPI) *SESRelay {
	return &SESRelay{from: from, to: to, client: client}
}

func (r *SESRelay) Name() string {
	return "ses"
}

func (r *SESRelay) Forward(ctx context.Context, msg email.Message) error {
	out := Compose(msg, r.from, r.to)
	if _, err := r.client.SendEmail(ctx, buildSESInput(out)); err != nil {
		return &SendError{Backend: r.Name(), Err: err}
	}
	return nil
}

func buildSESInput(out Outgoing) *sesv2.SendEmailInput {
	body := &types.Body{
		Text: &types.Content{Data: aws.String(out.Text), Charset: aws.String("UTF-8")},
	}
	if out.HTML != "" {
		body.Html = &types.Content{Data: aws.String(out.HTML), Charset: aws.String("UTF-8")}
	}

	headers := []types.MessageHeader{}
	if out.Account != "" {
		headers = append(headers, types.MessageHeader{Name: aws.String(HeaderAccount), Value: aws.String(out.Account)})
	}
	if out.OriginalID != "" {
		headers = append(headers, types.MessageHeader{Name: aws.String(HeaderOriginalID), Value: aws.String(out.OriginalID)})
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(out.From),
		Destination:      &types.Destination{ToAddresses: []string{out.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(out.Subject), Charset: aws.String("UTF-8")},
				Body:    body,
				Headers: headers,
			},
		},
	}
}

var _ Relay = (*SESRelay)(nil)
