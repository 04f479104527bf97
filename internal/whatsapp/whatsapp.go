// Package whatsapp wraps the Whatsmeow client as a FunnelPipe gateway instance.
//
// It sends text and media, signals chat presence and forwards observed
// messages, including this device's own echoes, to an inbound channel.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/gateway"
	"github.com/BTreeMap/FunnelPipe/internal/models"
	"github.com/BTreeMap/FunnelPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for WhatsApp/whatsmeow SQLite database
	DefaultSQLitePath = "/var/lib/funnelpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// DefaultInboundBuffer is the buffer size of the inbound message channel
	DefaultInboundBuffer = 100
	// DefaultChannelTimeout bounds how long a full inbound channel may block the event handler
	DefaultChannelTimeout = 1 * time.Second
	// MaxMediaBytes caps media downloaded for upload
	MaxMediaBytes = 64 << 20
)

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // use numeric login code instead of QR code
	Instance    string // gateway instance name reported on inbound messages
	HTTPClient  *http.Client
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// WithInstanceName sets the gateway instance name this client registers as.
func WithInstanceName(name string) Option {
	return func(o *Opts) {
		o.Instance = name
	}
}

// WithHTTPClient sets the client used to download media before upload.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) {
		o.HTTPClient = c
	}
}

// Client wraps the Whatsmeow client as a gateway.InstanceClient.
type Client struct {
	waClient *whatsmeow.Client
	instance string
	http     *http.Client
	inbound  chan models.InboundMessage
}

// Compile-time check that Client implements gateway.InstanceClient.
var _ gateway.InstanceClient = (*Client)(nil)

// hasForeignKeys reports whether a SQLite DSN enables foreign keys.
func hasForeignKeys(dsn string) bool {
	return strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "foreign_keys")
}

// NewClient creates a new WhatsApp client, applying any provided options for customization.
// This handles WhatsApp/whatsmeow database configuration with proper validation and warnings.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode, "instance", cfg.Instance)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == store.DialectSQLite && !hasForeignKeys(dbDSN) {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"The whatsmeow library strongly recommends enabling foreign keys for data integrity. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver)
	logger := waLog.Stdout("Database", "INFO", true)
	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, logger)
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	clientLog := waLog.Stdout("Client", "INFO", true)
	waClient := whatsmeow.NewClient(deviceStore, clientLog)

	if waClient.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow", "instance", cfg.Instance)
		qrChan, _ := waClient.GetQRChannel(context.Background())
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp during login", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		writer := io.Writer(os.Stdout)
		if cfg.QRPath != "" {
			f, ferr := os.Create(cfg.QRPath)
			if ferr != nil {
				slog.Error("Failed to create QR file", "error", ferr)
				return nil, fmt.Errorf("failed to create QR file: %w", ferr)
			}
			defer f.Close()
			writer = f
		}
		for evt := range qrChan {
			if evt.Event == "code" {
				if cfg.NumericCode {
					fmt.Fprintln(writer, evt.Code)
				} else {
					qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
				}
			} else {
				slog.Info("WhatsApp login event", "event", evt.Event)
			}
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}

	c := &Client{
		waClient: waClient,
		instance: cfg.Instance,
		http:     cfg.HTTPClient,
		inbound:  make(chan models.InboundMessage, DefaultInboundBuffer),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 60 * time.Second}
	}
	waClient.AddEventHandler(c.handleEvent)

	slog.Info("WhatsApp client connected successfully", "instance", cfg.Instance)
	return c, nil
}

// Send delivers msg, uploading media first for image and video payloads.
func (c *Client) Send(ctx context.Context, msg gateway.OutboundMessage) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	var payload *waE2E.Message
	switch msg.Kind {
	case gateway.PayloadText:
		payload = &waE2E.Message{Conversation: proto.String(msg.Text)}
	case gateway.PayloadImage, gateway.PayloadVideo:
		data, mimetype, err := fetchMedia(ctx, c.http, msg.MediaURL)
		if err != nil {
			return err
		}
		mediaType := whatsmeow.MediaImage
		if msg.Kind == gateway.PayloadVideo {
			mediaType = whatsmeow.MediaVideo
		}
		up, err := c.waClient.Upload(ctx, data, mediaType)
		if err != nil {
			slog.Error("Failed to upload WhatsApp media", "error", err, "to", msg.Recipient, "kind", msg.Kind)
			return fmt.Errorf("failed to upload media for %s: %w", msg.Recipient, err)
		}
		payload = buildMediaMessage(msg, up, mimetype)
	}

	slog.Debug("Sending WhatsApp message", "to", msg.Recipient, "kind", msg.Kind, "instance", c.instance)
	if _, err := c.waClient.SendMessage(ctx, PhoneToJID(msg.Recipient), payload); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", msg.Recipient)
		return fmt.Errorf("failed to send message to %s: %w", msg.Recipient, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", msg.Recipient)
	return nil
}

// SetPresence signals composing or paused in the recipient's chat.
func (c *Client) SetPresence(ctx context.Context, recipient string, state gateway.PresenceState) error {
	if c.waClient == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	presence := types.ChatPresencePaused
	if state == gateway.PresenceComposing {
		presence = types.ChatPresenceComposing
	}
	return c.waClient.SendChatPresence(PhoneToJID(recipient), presence, types.ChatPresenceMediaText)
}

// Inbound returns the channel of observed messages.
func (c *Client) Inbound() <-chan models.InboundMessage {
	return c.inbound
}

// Close disconnects from WhatsApp.
func (c *Client) Close() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

func (c *Client) handleEvent(evt interface{}) {
	v, ok := evt.(*events.Message)
	if !ok {
		return
	}
	text, ok := messageText(v.Message)
	if !ok {
		slog.Debug("WhatsApp ignoring non-text message", "chat", v.Info.Chat.String())
		return
	}

	in := models.InboundMessage{
		Recipient: JIDToPhone(v.Info.Chat),
		Instance:  c.instance,
		Text:      text,
		FromMe:    v.Info.IsFromMe,
		Time:      v.Info.Timestamp,
	}
	select {
	case c.inbound <- in:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsApp inbound channel blocked, dropping message", "recipient", in.Recipient, "timeout", DefaultChannelTimeout)
	}
}

// messageText extracts plain or extended text from a message.
func messageText(m *waE2E.Message) (string, bool) {
	switch {
	case m == nil:
		return "", false
	case m.Conversation != nil:
		return m.GetConversation(), true
	case m.ExtendedTextMessage != nil && m.ExtendedTextMessage.Text != nil:
		return m.GetExtendedTextMessage().GetText(), true
	case m.ImageMessage != nil:
		return m.GetImageMessage().GetCaption(), true
	case m.VideoMessage != nil:
		return m.GetVideoMessage().GetCaption(), true
	}
	return "", false
}

func buildMediaMessage(msg gateway.OutboundMessage, up whatsmeow.UploadResponse, mimetype string) *waE2E.Message {
	if msg.Kind == gateway.PayloadVideo {
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       optionalString(msg.Text),
			Mimetype:      proto.String(mimetype),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
	return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Caption:       optionalString(msg.Text),
		Mimetype:      proto.String(mimetype),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return proto.String(s)
}

// fetchMedia downloads a media reference and reports its content type.
func fetchMedia(ctx context.Context, client *http.Client, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid media url %q: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download media %q: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download media %q: status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media %q: %w", url, err)
	}
	if len(data) > MaxMediaBytes {
		return nil, "", fmt.Errorf("media %q exceeds %d bytes", url, MaxMediaBytes)
	}

	mimetype := resp.Header.Get("Content-Type")
	if mimetype == "" || mimetype == "application/octet-stream" {
		mimetype = http.DetectContentType(data)
	}
	return data, mimetype, nil
}

// PhoneToJID converts a normalized phone number to a user JID.
func PhoneToJID(phone string) types.JID {
	return types.NewJID(strings.TrimPrefix(phone, "+"), JIDSuffix)
}

// JIDToPhone returns the phone number of a user JID.
func JIDToPhone(jid types.JID) string {
	return jid.User
}

// MockClient implements gateway.InstanceClient in memory for tests.
type MockClient struct {
	Sent     []gateway.OutboundMessage
	Presence []gateway.PresenceState
	Err      error
}

// Compile-time check that MockClient implements gateway.InstanceClient.
var _ gateway.InstanceClient = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) Send(ctx context.Context, msg gateway.OutboundMessage) error {
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

func (m *MockClient) SetPresence(ctx context.Context, recipient string, state gateway.PresenceState) error {
	m.Presence = append(m.Presence, state)
	return m.Err
}
