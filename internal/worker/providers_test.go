package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/smithy-go"
	"github.com/ignite/audience-dispatch/internal/domain"
	"github.com/ignite/audience-dispatch/internal/service/sending"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(_ context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("ses-123")}, nil
}

func TestSESProviderSend(t *testing.T) {
	client := &fakeSES{}
	p := NewSESProviderWithClient(client, SESConfig{FromAddress: "news@example.com", ConfigurationSet: "dispatch"})
	assert.Equal(t, domain.ChannelEmail, p.Channel())

	res, err := p.Send(context.Background(), &sending.Message{
		To: "a@example.com", Subject: "Hi", Body: "text", HTMLBody: "<p>html</p>",
		CampaignID: "c1", RecipientID: "r1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ses-123", res.ProviderID)

	in := client.input
	assert.Equal(t, "news@example.com", aws.ToString(in.FromEmailAddress))
	assert.Equal(t, []string{"a@example.com"}, in.Destination.ToAddresses)
	assert.Equal(t, "Hi", aws.ToString(in.Content.Simple.Subject.Data))
	assert.Equal(t, "<p>html</p>", aws.ToString(in.Content.Simple.Body.Html.Data))
	assert.Equal(t, "dispatch", aws.ToString(in.ConfigurationSetName))
	assert.Len(t, in.EmailTags, 2)
}

func TestSESProviderErrors(t *testing.T) {
	client := &fakeSES{err: &smithy.GenericAPIError{Code: "MessageRejected", Message: "Email address is not verified."}}
	p := NewSESProviderWithClient(client, SESConfig{FromAddress: "news@example.com"})

	_, err := p.Send(context.Background(), &sending.Message{To: "a@example.com", Subject: "s", Body: "b"})
	var pe *sending.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "MessageRejected", pe.Code)
	assert.False(t, pe.Retryable)

	client.err = &smithy.GenericAPIError{Code: "TooManyRequestsException", Message: "slow down"}
	_, err = p.Send(context.Background(), &sending.Message{To: "a@example.com", Subject: "s", Body: "b"})
	require.True(t, errors.As(err, &pe))
	assert.True(t, pe.Retryable)

	noFrom := NewSESProviderWithClient(&fakeSES{}, SESConfig{})
	_, err = noFrom.Send(context.Background(), &sending.Message{To: "a@example.com"})
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "no_from_address", pe.Code)
}

func TestTwilioProviderSend(t *testing.T) {
	var gotPath, gotUser, gotTo, gotFrom, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		require.NoError(t, r.ParseForm())
		gotTo, gotFrom, gotBody = r.PostForm.Get("To"), r.PostForm.Get("From"), r.PostForm.Get("Body")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM123","status":"queued","error_code":null}`))
	}))
	defer srv.Close()

	p := NewTwilioProvider(TwilioConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550000000", BaseURL: srv.URL}, srv.Client())
	assert.Equal(t, domain.ChannelSMS, p.Channel())

	res, err := p.Send(context.Background(), &sending.Message{To: "+15551234567", From: "news@example.com", Body: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "SM123", res.ProviderID)
	assert.Equal(t, "/2010-04-01/Accounts/AC1/Messages.json", gotPath)
	assert.Equal(t, "AC1", gotUser)
	assert.Equal(t, "+15551234567", gotTo)
	assert.Equal(t, "+15550000000", gotFrom)
	assert.Equal(t, "hello", gotBody)
}

func TestTwilioProviderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"The 'To' number is not a valid phone number.","status":400}`))
	}))
	defer srv.Close()

	p := NewTwilioProvider(TwilioConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550000000", BaseURL: srv.URL}, srv.Client())
	_, err := p.Send(context.Background(), &sending.Message{To: "bogus", Body: "hello"})

	var pe *sending.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "21211", pe.Code)
	assert.Contains(t, pe.Message, "not a valid phone number")
	assert.False(t, pe.Retryable)
}

func TestTwilioProviderRejectsResponseWithoutSid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"status":"queued"}`))
	}))
	defer srv.Close()

	p := NewTwilioProvider(TwilioConfig{AccountSID: "AC1", AuthToken: "tok", FromNumber: "+15550000000", BaseURL: srv.URL}, srv.Client())
	res, err := p.Send(context.Background(), &sending.Message{To: "+15551234567", Body: "hello"})

	assert.Nil(t, res)
	var pe *sending.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "bad_response", pe.Code)
}

func TestTwilioProviderNotConfigured(t *testing.T) {
	p := NewTwilioProvider(TwilioConfig{}, nil)
	_, err := p.Send(context.Background(), &sending.Message{To: "+15551234567", Body: "x"})
	var pe *sending.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "not_configured", pe.Code)
}
