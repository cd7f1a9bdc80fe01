package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/carbonscribe/sentinel-core/internal/domain"
	"github.com/carbonscribe/sentinel-core/internal/domainerr"
)

// Channel delivers a single job and returns the provider's message ID
// on success. Failures are returned as plain errors; a failure wrapped
// as domainerr.PermanentNotificationFailure tells the dispatcher to
// fail the job immediately instead of retrying it.
type Channel interface {
	Send(ctx context.Context, job domain.NotificationJob) (providerID string, err error)
}

// smsBodyLimit is the SNS SMS gateway's maximum body length, counted in
// runes (Unicode code points); longer bodies are truncated before Publish.
const smsBodyLimit = 1600

// truncateToCodeUnits trims s to at most n runes (Unicode code points),
// leaving multi-byte runes intact rather than splitting one in half.
func truncateToCodeUnits(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

// SNSChannel delivers SMS via Amazon SNS, the way the teacher's AWS
// wiring reaches for SNS for any outbound text messaging.
type SNSChannel struct {
	client   *sns.Client
	senderID string
}

// NewSNSChannel wraps an SNS client with the account's registered
// sender ID.
func NewSNSChannel(client *sns.Client, senderID string) *SNSChannel {
	return &SNSChannel{client: client, senderID: senderID}
}

func (c *SNSChannel) Send(ctx context.Context, job domain.NotificationJob) (string, error) {
	body := truncateToCodeUnits(job.Body, smsBodyLimit)
	out, err := c.client.Publish(ctx, &sns.PublishInput{
		Message:     aws.String(body),
		PhoneNumber: aws.String(job.Recipient),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"AWS.SNS.SMS.SenderID": {DataType: aws.String("String"), StringValue: aws.String(c.senderID)},
		},
	})
	if err != nil {
		if isPermanentSNSFailure(err) {
			return "", domainerr.Wrap("notification.SNSChannel.Send", domainerr.PermanentNotificationFailure, err)
		}
		return "", fmt.Errorf("sns publish failed: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// isPermanentSNSFailure reports whether err reflects a malformed
// request or an account-level failure that retrying will not resolve:
// a bad phone number, a revoked/missing authorization, or an account
// that has not opted in to SMS in the destination region.
func isPermanentSNSFailure(err error) bool {
	var invalidParam *snstypes.InvalidParameterException
	var authErr *snstypes.AuthorizationErrorException
	var optIn *snstypes.OptInRequiredException
	return errors.As(err, &invalidParam) || errors.As(err, &authErr) || errors.As(err, &optIn)
}

// EmailChannel delivers email via Amazon SESv2.
type EmailChannel struct {
	client      *sesv2.Client
	fromAddress string
}

// NewEmailChannel wraps a SESv2 client with the verified from address.
func NewEmailChannel(client *sesv2.Client, fromAddress string) *EmailChannel {
	return &EmailChannel{client: client, fromAddress: fromAddress}
}

func (c *EmailChannel) Send(ctx context.Context, job domain.NotificationJob) (string, error) {
	out, err := c.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(c.fromAddress),
		Destination:      &sestypes.Destination{ToAddresses: []string{job.Recipient}},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String("Sentinel alert")},
				Body:    &sestypes.Body{Text: &sestypes.Content{Data: aws.String(job.Body)}},
			},
		},
	})
	if err != nil {
		if isPermanentSESFailure(err) {
			return "", domainerr.Wrap("notification.EmailChannel.Send", domainerr.PermanentNotificationFailure, err)
		}
		return "", fmt.Errorf("ses send failed: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// isPermanentSESFailure reports whether err reflects a malformed
// request or an account/recipient failure retrying cannot fix: a bad
// request (malformed address), an unverified from-domain, a rejected
// message, or a suspended account.
func isPermanentSESFailure(err error) bool {
	var badRequest *sestypes.BadRequestException
	var domainNotVerified *sestypes.MailFromDomainNotVerifiedException
	var rejected *sestypes.MessageRejected
	var suspended *sestypes.AccountSuspendedException
	return errors.As(err, &badRequest) || errors.As(err, &domainNotVerified) ||
		errors.As(err, &rejected) || errors.As(err, &suspended)
}
