// Package whatsapp wraps the Whatsmeow client for WhatsApp delivery in FlowPipe.
//
// It provides methods for sending text and media messages and exposes the underlying
// client for event handling.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow device database
	DefaultSQLitePath = "/var/lib/flowpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// DefaultMaxMediaBytes bounds an attachment fetched for upload
	DefaultMaxMediaBytes = 64 << 20
	// DefaultMediaFetchTimeout bounds the download of an attachment
	DefaultMediaFetchTimeout = 30 * time.Second
)

// WhatsAppSender sends WhatsApp messages (for production and testing).
type WhatsAppSender interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendMedia(ctx context.Context, to string, msg models.OutboundMessage) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN       string       // whatsmeow device database connection string
	QRPath      string       // path to write login QR code
	NumericCode bool         // print the raw login code instead of a QR code
	HTTPClient  *http.Client // client used to fetch media before upload
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the raw login code instead of rendering a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// WithHTTPClient sets the client used to download media.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client wraps the Whatsmeow client.
type Client struct {
	waClient *whatsmeow.Client
	http     *http.Client
}

var _ WhatsAppSender = (*Client)(nil)

// NewClient opens the device store, logs in when no session exists, and connects.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}

	dbDriver := store.DetectDSNType(dbDSN)
	if dbDriver == "sqlite3" && !strings.Contains(dbDSN, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dbDSN+"?_foreign_keys=on")
	}

	ctx := context.Background()
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	waClient := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	if waClient.Store.ID == nil {
		if err := login(waClient, cfg); err != nil {
			return nil, err
		}
	} else {
		slog.Debug("WhatsApp already logged in, connecting to server")
		if err := waClient.Connect(); err != nil {
			slog.Error("Failed to connect to WhatsApp server", "error", err)
			return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
		}
	}
	slog.Info("WhatsApp client connected successfully")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultMediaFetchTimeout}
	}
	return &Client{waClient: waClient, http: httpClient}, nil
}

func login(waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("WhatsApp login required; starting QR code flow")
	qrChan, _ := waClient.GetQRChannel(context.Background())
	if err := waClient.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp during login", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
	}
	writer := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			slog.Error("Failed to create QR file", "error", err)
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		writer = f
	}
	for evt := range qrChan {
		if evt.Event != "code" {
			slog.Info("WhatsApp login event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(writer, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
		}
	}
	return nil
}

// SendMessage sends a text message to the specified recipient.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if err := c.ready(to); err != nil {
		return err
	}
	if body == "" {
		return models.Permanent(fmt.Errorf("message body cannot be empty"))
	}
	slog.Debug("Sending WhatsApp message", "to", to, "body_length", len(body))
	return c.send(ctx, to, &waE2E.Message{Conversation: proto.String(body)})
}

// SendMedia downloads the attachment, uploads it to WhatsApp and sends it.
func (c *Client) SendMedia(ctx context.Context, to string, msg models.OutboundMessage) error {
	if err := c.ready(to); err != nil {
		return err
	}
	mediaType, err := mediaTypeFor(msg.Type)
	if err != nil {
		return models.Permanent(err)
	}
	data, mimeType, err := fetchMedia(ctx, c.http, msg.MediaURL, DefaultMaxMediaBytes)
	if err != nil {
		return err
	}
	uploaded, err := c.waClient.Upload(ctx, data, mediaType)
	if err != nil {
		slog.Error("WhatsApp media upload failed", "error", err, "to", to, "type", msg.Type)
		return fmt.Errorf("failed to upload media: %w", err)
	}
	slog.Debug("WhatsApp media uploaded", "to", to, "type", msg.Type, "bytes", len(data))
	return c.send(ctx, to, buildMediaMessage(msg, uploaded, mimeType))
}

func (c *Client) ready(to string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return fmt.Errorf("whatsapp client not initialized")
	}
	if to == "" {
		return models.Permanent(fmt.Errorf("recipient cannot be empty"))
	}
	return nil
}

func (c *Client) send(ctx context.Context, to string, msg *waE2E.Message) error {
	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	slog.Debug("WhatsApp message sent successfully", "to", to)
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the connection to WhatsApp.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

func mediaTypeFor(t models.MessageType) (whatsmeow.MediaType, error) {
	switch t {
	case models.MessageTypeImage:
		return whatsmeow.MediaImage, nil
	case models.MessageTypeVideo:
		return whatsmeow.MediaVideo, nil
	case models.MessageTypeAudio:
		return whatsmeow.MediaAudio, nil
	case models.MessageTypeDocument:
		return whatsmeow.MediaDocument, nil
	}
	return "", fmt.Errorf("unsupported media type %q", t)
}

// fetchMedia downloads url, returning the body and its MIME type.
func fetchMedia(ctx context.Context, client *http.Client, url string, limit int64) ([]byte, string, error) {
	if url == "" {
		return nil, "", models.Permanent(fmt.Errorf("media url cannot be empty"))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", models.Permanent(fmt.Errorf("invalid media url: %w", err))
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("failed to fetch media: status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, "", models.Permanent(err)
		}
		return nil, "", err
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, "", models.Permanent(fmt.Errorf("media exceeds %d bytes", limit))
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

func buildMediaMessage(msg models.OutboundMessage, up whatsmeow.UploadResponse, mimeType string) *waE2E.Message {
	var caption *string
	if msg.Caption != "" {
		caption = proto.String(msg.Caption)
	}
	switch msg.Type {
	case models.MessageTypeImage:
		return &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       caption,
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case models.MessageTypeVideo:
		return &waE2E.Message{VideoMessage: &waE2E.VideoMessage{
			Caption:       caption,
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	case models.MessageTypeAudio:
		return &waE2E.Message{AudioMessage: &waE2E.AudioMessage{
			Mimetype:      proto.String(mimeType),
			URL:           proto.String(up.URL),
			DirectPath:    proto.String(up.DirectPath),
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    proto.Uint64(up.FileLength),
		}}
	}
	filename := msg.Filename
	if filename == "" {
		filename = "document"
	}
	return &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption:       caption,
		FileName:      proto.String(filename),
		Title:         proto.String(filename),
		Mimetype:      proto.String(mimeType),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
}

// MockClient records messages instead of connecting to WhatsApp (for tests).
type MockClient struct {
	mu       sync.Mutex
	Messages []models.OutboundMessage
	To       []string
	Err      error
}

var _ WhatsAppSender = (*MockClient)(nil)

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	return m.record(to, models.TextMessage(body))
}

func (m *MockClient) SendMedia(ctx context.Context, to string, msg models.OutboundMessage) error {
	return m.record(to, msg)
}

func (m *MockClient) record(to string, msg models.OutboundMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.To = append(m.To, to)
	m.Messages = append(m.Messages, msg)
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []models.OutboundMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OutboundMessage(nil), m.Messages...)
}
