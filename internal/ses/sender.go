// Package ses submits email via AWS SESv2 with bounded retry on
// transient failures.
package ses

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/cenkalti/backoff/v4"

	"github.com/ignite/bulkmail/internal/apperr"
	"github.com/ignite/bulkmail/internal/config"
	"github.com/ignite/bulkmail/internal/domain"
)

// api is the slice of the SESv2 client the sender uses.
type api interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Sender submits single messages through SESv2.
type Sender struct {
	client api
	from   string
}

// NewSender builds a sender from configuration. Static credentials are
// used when provided; otherwise the default AWS credential chain applies.
func NewSender(ctx context.Context, cfg config.SESConfig) (*Sender, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Provider, "failed to load AWS configuration", err)
	}

	return &Sender{
		client: sesv2.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
	}, nil
}

// Submit sends one message and returns the provider-assigned message id.
// Transient failures (throttling, network timeouts) are retried up to
// twice with exponential backoff; everything else fails immediately.
func (s *Sender) Submit(ctx context.Context, r *domain.Request) (string, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{r.Email},
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(r.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: &types.Body{
					Html: &types.Content{
						Data:    aws.String(r.Body),
						Charset: aws.String("UTF-8"),
					},
				},
			},
		},
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	var messageID string
	op := func() error {
		out, err := s.client.SendEmail(ctx, input)
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		messageID = aws.ToString(out.MessageId)
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 2), ctx))
	if err != nil {
		return "", apperr.Wrap(apperr.Provider, "email submission failed", err)
	}
	return messageID, nil
}

// retryable reports whether a submission error is worth another attempt.
func retryable(err error) bool {
	var tooMany *types.TooManyRequestsException
	if errors.As(err, &tooMany) {
		return true
	}
	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ThrottlingException" {
		return true
	}
	return false
}
