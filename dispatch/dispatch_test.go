package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/resend/resend-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmails struct {
	got *resend.SendEmailRequest
	err error
}

func (f *fakeEmails) SendWithContext(_ context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	f.got = params
	if f.err != nil {
		return nil, f.err
	}
	return &resend.SendEmailResponse{Id: "re_123"}, nil
}

func TestResendGateway(t *testing.T) {
	fake := &fakeEmails{}
	g := NewResendGatewayWithSender(fake, "no-reply@idguard.dev")

	id, err := g.Send(context.Background(), Message{Channel: ChannelEmail, Destination: "a@b.c", Subject: "code", Body: "123456"})
	require.NoError(t, err)
	assert.Equal(t, "re_123", id)
	assert.Equal(t, []string{"a@b.c"}, fake.got.To)
	assert.Equal(t, "no-reply@idguard.dev", fake.got.From)
	assert.Equal(t, "123456", fake.got.Text)

	fake.err = errors.New("quota")
	_, err = g.Send(context.Background(), Message{Destination: "a@b.c"})
	assert.Error(t, err)

	_, err = g.Send(context.Background(), Message{})
	assert.Error(t, err)
}

func TestWebhookGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tkn", r.Header.Get("Authorization"))
		var req webhookRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.To == "+10000000000" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(webhookResponse{ID: "sms-1"})
	}))
	defer srv.Close()

	g := NewWebhookGateway(srv.URL, "tkn", srv.Client())
	id, err := g.Send(context.Background(), Message{Channel: ChannelSMS, Destination: "+15550001111", Body: "123456"})
	require.NoError(t, err)
	assert.Equal(t, "sms-1", id)

	_, err = g.Send(context.Background(), Message{Channel: ChannelSMS, Destination: "+10000000000"})
	assert.Error(t, err)
}

func TestWebhookGatewayHonoursDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g := NewWebhookGateway(srv.URL, "", srv.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := g.Send(ctx, Message{Destination: "+1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRouter(t *testing.T) {
	r := NewRouter().Register(ChannelSMS, GatewayFunc(func(ctx context.Context, msg Message) (string, error) {
		return "sms:" + msg.Destination, nil
	}))
	id, err := r.Send(context.Background(), Message{Channel: ChannelSMS, Destination: "+1"})
	require.NoError(t, err)
	assert.Equal(t, "sms:+1", id)

	_, err = r.Send(context.Background(), Message{Channel: ChannelEmail})
	assert.ErrorIs(t, err, ErrNoGateway)
}

func TestThrottledWaitRespectsContext(t *testing.T) {
	calls := 0
	g := NewThrottled(GatewayFunc(func(ctx context.Context, msg Message) (string, error) {
		calls++
		return "ok", nil
	}), 0.001, 1)

	_, err := g.Send(context.Background(), Message{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Send(ctx, Message{})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
