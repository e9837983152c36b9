package ses

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/bulkmail/internal/apperr"
	"github.com/ignite/bulkmail/internal/domain"
)

type stubClient struct {
	calls   int
	errs    []error
	lastIn  *sesv2.SendEmailInput
	message string
}

func (s *stubClient) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	s.calls++
	s.lastIn = in
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String(s.message)}, nil
}

func testRequest() *domain.Request {
	return &domain.Request{ID: 1, Email: "a@example.com", Subject: "Hello", Body: "<p>World</p>"}
}

func TestSubmit_Success(t *testing.T) {
	client := &stubClient{message: "msg-1"}
	s := &Sender{client: client, from: "noreply@example.com"}

	id, err := s.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	assert.Equal(t, 1, client.calls)

	in := client.lastIn
	require.NotNil(t, in)
	assert.Equal(t, "noreply@example.com", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"a@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "Hello", aws.ToString(in.Content.Simple.Subject.Data))
	assert.Equal(t, "UTF-8", aws.ToString(in.Content.Simple.Subject.Charset))
	assert.Equal(t, "<p>World</p>", aws.ToString(in.Content.Simple.Body.Html.Data))
}

func TestSubmit_RetriesThrottling(t *testing.T) {
	client := &stubClient{
		message: "msg-2",
		errs:    []error{&types.TooManyRequestsException{}, nil},
	}
	s := &Sender{client: client, from: "noreply@example.com"}

	id, err := s.Submit(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, "msg-2", id)
	assert.Equal(t, 2, client.calls)
}

func TestSubmit_GivesUpAfterThreeAttempts(t *testing.T) {
	throttle := &types.TooManyRequestsException{}
	client := &stubClient{errs: []error{throttle, throttle, throttle, throttle}}
	s := &Sender{client: client, from: "noreply@example.com"}

	_, err := s.Submit(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.Provider, apperr.KindOf(err))
	assert.Equal(t, 3, client.calls)
}

func TestSubmit_PermanentFailureDoesNotRetry(t *testing.T) {
	client := &stubClient{errs: []error{&types.MessageRejected{}}}
	s := &Sender{client: client, from: "noreply@example.com"}

	_, err := s.Submit(context.Background(), testRequest())
	require.Error(t, err)
	assert.Equal(t, apperr.Provider, apperr.KindOf(err))
	assert.Equal(t, 1, client.calls)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"throttling exception type", &types.TooManyRequestsException{}, true},
		{"request send error", &smithyhttp.RequestSendError{Err: errors.New("connection reset")}, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"generic throttling code", &smithy.GenericAPIError{Code: "ThrottlingException"}, true},
		{"message rejected", &types.MessageRejected{}, false},
		{"account suspended", &types.SendingPausedException{}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, retryable(tt.err))
		})
	}
}
