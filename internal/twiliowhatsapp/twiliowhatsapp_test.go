package twiliowhatsapp

import (
	"context"
	"errors"
	"testing"

	"github.com/BTreeMap/FunnelPipe/internal/gateway"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeAPI struct {
	calls []*twilioApi.CreateMessageParams
	err   error
}

func (f *fakeAPI) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.calls = append(f.calls, params)
	if f.err != nil {
		return nil, f.err
	}
	return &twilioApi.ApiV2010Message{}, nil
}

func TestSendText(t *testing.T) {
	api := &fakeAPI{}
	c := &Client{api: api, fromWhats: "whatsapp:+15550000000"}

	err := c.Send(context.Background(), gateway.OutboundMessage{Recipient: "5511999990000", Kind: gateway.PayloadText, Text: "Hello Test"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(api.calls))
	}
	p := api.calls[0]
	if *p.To != "whatsapp:+5511999990000" || *p.From != "whatsapp:+15550000000" || *p.Body != "Hello Test" {
		t.Errorf("unexpected params: to=%s from=%s body=%s", *p.To, *p.From, *p.Body)
	}
	if p.MediaUrl != nil {
		t.Errorf("text message should not carry media")
	}
}

func TestSendMediaWithCaption(t *testing.T) {
	api := &fakeAPI{}
	c := &Client{api: api, fromWhats: "whatsapp:+15550000000"}

	err := c.Send(context.Background(), gateway.OutboundMessage{
		Recipient: "5511999990000", Kind: gateway.PayloadVideo, Text: "watch", MediaURL: "https://example.com/v.mp4",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	p := api.calls[0]
	if p.MediaUrl == nil || len(*p.MediaUrl) != 1 || (*p.MediaUrl)[0] != "https://example.com/v.mp4" || *p.Body != "watch" {
		t.Errorf("unexpected media params: %+v", p)
	}
}

func TestSendRejectsInvalidPayload(t *testing.T) {
	api := &fakeAPI{}
	c := &Client{api: api, fromWhats: "whatsapp:+1"}

	err := c.Send(context.Background(), gateway.OutboundMessage{Recipient: "1", Kind: gateway.PayloadImage})
	if !errors.Is(err, gateway.ErrMissingMedia) {
		t.Errorf("expected ErrMissingMedia, got %v", err)
	}
	if len(api.calls) != 0 {
		t.Errorf("invalid payload must not reach the API")
	}
}

func TestSendWrapsAPIError(t *testing.T) {
	cause := errors.New("rate limited")
	c := &Client{api: &fakeAPI{err: cause}, fromWhats: "whatsapp:+1"}

	err := c.Send(context.Background(), gateway.OutboundMessage{Recipient: "1", Kind: gateway.PayloadText, Text: "x"})
	if !errors.Is(err, cause) {
		t.Errorf("expected wrapped cause, got %v", err)
	}
}

func TestWhatsAddress(t *testing.T) {
	for in, want := range map[string]string{
		"5511":          "whatsapp:+5511",
		"+5511":         "whatsapp:+5511",
		"whatsapp:+551": "whatsapp:+551",
	} {
		if got := whatsAddress(in); got != want {
			t.Errorf("whatsAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNewClientRequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewClient(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without sender number")
	}
	c, err := NewClient(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromWhats("+15550000000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.fromWhats != "whatsapp:+15550000000" {
		t.Errorf("fromWhats = %q", c.fromWhats)
	}
}
