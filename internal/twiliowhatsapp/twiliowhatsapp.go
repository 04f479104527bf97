// Package twiliowhatsapp wraps the Twilio API as a FunnelPipe gateway instance.
package twiliowhatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BTreeMap/FunnelPipe/internal/gateway"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Opts holds configuration options for the Twilio WhatsApp client.
// This focuses solely on Twilio API requirements
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio WhatsApp client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sender in "whatsapp:+1234567890" format.
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// messageCreator is the slice of the Twilio REST API the client uses.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Client wraps Twilio REST API for WhatsApp
type Client struct {
	api       messageCreator
	fromWhats string
}

// Compile-time check that Client implements gateway.InstanceClient.
var _ gateway.InstanceClient = (*Client)(nil)

// NewClient creates a Twilio-backed instance. Missing options fall back to
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)
	return &Client{api: client.Api, fromWhats: whatsAddress(cfg.FromWhats)}, nil
}

// whatsAddress formats a phone number as a Twilio WhatsApp address.
func whatsAddress(phone string) string {
	if strings.HasPrefix(phone, "whatsapp:") {
		return phone
	}
	if !strings.HasPrefix(phone, "+") {
		phone = "+" + phone
	}
	return "whatsapp:" + phone
}

// Send delivers msg. Media payloads carry the media URL and use Text as caption.
func (c *Client) Send(ctx context.Context, msg gateway.OutboundMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(whatsAddress(msg.Recipient))
	params.SetFrom(c.fromWhats)
	if msg.Text != "" {
		params.SetBody(msg.Text)
	}
	if msg.Kind != gateway.PayloadText {
		params.SetMediaUrl([]string{msg.MediaURL})
	}

	if _, err := c.api.CreateMessage(params); err != nil {
		slog.Error("Twilio Send failed", "to", msg.Recipient, "kind", msg.Kind, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", msg.Recipient, err)
	}
	slog.Debug("Twilio message sent", "to", msg.Recipient, "kind", msg.Kind)
	return nil
}

// SetPresence does nothing since Twilio API does not support typing indicators
func (c *Client) SetPresence(ctx context.Context, recipient string, state gateway.PresenceState) error {
	slog.Debug("Twilio SetPresence ignored (unsupported)", "to", recipient, "state", state)
	return nil
}
