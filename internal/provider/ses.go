package provider

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SES sends through AWS SES using the SDK v2.
type SES struct {
	region string
	client *sesv2.Client
}

// NewSES creates an SES provider. The client is initialized eagerly from
// static credentials; a nil client means credentials were missing and every
// Send will fail fast.
func NewSES(accessKey, secretKey, region string) *SES {
	if region == "" {
		region = "us-east-1"
	}

	s := &SES{region: region}
	if accessKey != "" && secretKey != "" {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
			awsconfig.WithRegion(region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
		)
		if err != nil {
			log.Printf("[SES] Warning: failed to initialize AWS config: %v", err)
		} else {
			s.client = sesv2.NewFromConfig(cfg)
		}
	}
	return s
}

// Name identifies the provider in logs and send records.
func (s *SES) Name() string { return "ses" }

// Send delivers one envelope through SES.
func (s *SES) Send(ctx context.Context, env *Envelope) (*Result, error) {
	if s.client == nil {
		return nil, fmt.Errorf("SES client not initialized - check credentials")
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(FormatFrom(env.FromName, env.FromEmail)),
		Destination:      &types.Destination{ToAddresses: env.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(env.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(env.HTML), Charset: aws.String("UTF-8")},
				},
			},
		},
	}
	if env.Text != "" {
		input.Content.Simple.Body.Text = &types.Content{Data: aws.String(env.Text), Charset: aws.String("UTF-8")}
	}
	if env.ReplyTo != "" {
		input.ReplyToAddresses = []string{env.ReplyTo}
	}
	for _, tag := range env.Tags {
		name, value := splitTag(tag)
		if name == "" {
			continue
		}
		input.EmailTags = append(input.EmailTags, types.MessageTag{
			Name:  aws.String(name),
			Value: aws.String(value),
		})
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return &Result{
			OK:    false,
			Error: err.Error(),
			Class: classifySESError(err),
		}, nil
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	return &Result{OK: true, ID: messageID}, nil
}

// classifySESError buckets SES SDK errors by their error code text. SES has
// no numeric statuses at this level, so string matching on the stable code
// names is the pragmatic option.
func classifySESError(err error) ErrorClass {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "TooManyRequests"), strings.Contains(msg, "Throttling"):
		return ClassRateLimited
	case strings.Contains(msg, "MessageRejected"),
		strings.Contains(msg, "MailFromDomainNotVerified"),
		strings.Contains(msg, "AccountSuspended"),
		strings.Contains(msg, "BadRequest"):
		return ClassPermanent
	default:
		return ClassRetryable
	}
}
