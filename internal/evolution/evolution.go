// Package evolution is a gateway instance backed by the Evolution API HTTP
// service, which fronts one WhatsApp session per named instance.
package evolution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/gateway"
)

// DefaultTimeout bounds one Evolution API call.
const DefaultTimeout = 15 * time.Second

// ErrMissingConfig is returned when the base URL or instance name is empty.
var ErrMissingConfig = errors.New("evolution: base URL and instance name are required")

// APIError is a non-2xx Evolution API response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("evolution api status %d: %s", e.Status, e.Body)
}

// Opts holds configuration options for the Evolution client.
type Opts struct {
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Option defines a configuration option for the Evolution client.
type Option func(*Opts)

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithTimeout sets the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client sends through one Evolution API instance.
type Client struct {
	baseURL  string
	apiKey   string
	instance string
	http     *http.Client
}

// Compile-time check that Client implements gateway.InstanceClient.
var _ gateway.InstanceClient = (*Client)(nil)

// NewClient creates a client for instance on the Evolution server at baseURL.
func NewClient(baseURL, apiKey, instance string, opts ...Option) (*Client, error) {
	if baseURL == "" || instance == "" {
		return nil, ErrMissingConfig
	}
	cfg := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	slog.Debug("Evolution client created", "instance", instance, "apikey_set", apiKey != "")
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		instance: instance,
		http:     cfg.HTTPClient,
	}, nil
}

type textPayload struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

type mediaMessage struct {
	MediaType string `json:"mediatype"`
	Media     string `json:"media"`
	Caption   string `json:"caption,omitempty"`
}

type mediaPayload struct {
	Number       string       `json:"number"`
	MediaMessage mediaMessage `json:"mediaMessage"`
}

type presencePayload struct {
	Number   string `json:"number"`
	Presence string `json:"presence"`
}

// Send delivers msg through the instance.
func (c *Client) Send(ctx context.Context, msg gateway.OutboundMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	number := strings.TrimPrefix(msg.Recipient, "+")

	switch msg.Kind {
	case gateway.PayloadImage:
		return c.post(ctx, "/message/sendMedia", mediaPayload{
			Number:       number,
			MediaMessage: mediaMessage{MediaType: "image", Media: msg.MediaURL, Caption: msg.Text},
		})
	case gateway.PayloadVideo:
		return c.post(ctx, "/message/sendVideo", mediaPayload{
			Number:       number,
			MediaMessage: mediaMessage{MediaType: "video", Media: msg.MediaURL, Caption: msg.Text},
		})
	default:
		return c.post(ctx, "/message/sendText", textPayload{Number: number, Text: msg.Text})
	}
}

// SetPresence signals composing or paused in the recipient's chat.
func (c *Client) SetPresence(ctx context.Context, recipient string, state gateway.PresenceState) error {
	return c.post(ctx, "/chat/sendPresence", presencePayload{
		Number:   strings.TrimPrefix(recipient, "+"),
		Presence: string(state),
	})
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", endpoint, err)
	}

	url := c.baseURL + endpoint + "/" + c.instance
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Warn("Evolution request failed", "instance", c.instance, "endpoint", endpoint, "error", err)
		return fmt.Errorf("evolution %s on %s: %w", endpoint, c.instance, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		slog.Warn("Evolution request rejected", "instance", c.instance, "endpoint", endpoint, "status", resp.StatusCode)
		return fmt.Errorf("evolution %s on %s: %w", endpoint, c.instance, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))})
	}
	io.Copy(io.Discard, resp.Body)
	slog.Debug("Evolution request succeeded", "instance", c.instance, "endpoint", endpoint)
	return nil
}
