// Package notify delivers operator alerts by email.
package notify

import (
	"context"
	"fmt"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/wolfman30/chatpulse/pkg/logging"
)

const defaultFromName = "ChatPulse Alerts"

// EmailSender is implemented by every delivery backend.
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

type EmailMessage struct {
	To      string
	ToName  string
	Subject string
	Body    string
	HTML    string
}

type sendgridAPI interface {
	SendWithContext(ctx context.Context, email *mail.SGMailV3) (*rest.Response, error)
}

// SendGridSender sends through the SendGrid v3 API.
type SendGridSender struct {
	client    sendgridAPI
	fromEmail string
	fromName  string
	logger    *logging.Logger
}

type SendGridConfig struct {
	APIKey    string
	FromEmail string
	FromName  string
}

// NewSendGridSender returns nil when no API key is configured.
func NewSendGridSender(cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if cfg.APIKey == "" {
		return nil
	}
	return newSendGridSender(sendgrid.NewSendClient(cfg.APIKey), cfg, logger)
}

func newSendGridSender(client sendgridAPI, cfg SendGridConfig, logger *logging.Logger) *SendGridSender {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FromName == "" {
		cfg.FromName = defaultFromName
	}
	return &SendGridSender{client: client, fromEmail: cfg.FromEmail, fromName: cfg.FromName, logger: logger}
}

func (s *SendGridSender) Send(ctx context.Context, msg EmailMessage) error {
	if s.client == nil {
		return fmt.Errorf("notify: sendgrid client not configured")
	}
	html := msg.HTML
	if html == "" {
		html = msg.Body
	}
	message := mail.NewSingleEmail(
		mail.NewEmail(s.fromName, s.fromEmail),
		msg.Subject,
		mail.NewEmail(msg.ToName, msg.To),
		msg.Body,
		html,
	)

	resp, err := s.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("notify: sendgrid send failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		s.logger.Error("sendgrid returned error status", "status", resp.StatusCode, "body", resp.Body, "to", msg.To)
		return fmt.Errorf("notify: sendgrid returned status %d", resp.StatusCode)
	}
	s.logger.Info("alert email sent", "provider", "sendgrid", "to", msg.To, "subject", msg.Subject)
	return nil
}

// LogSender only logs. Used when no provider is configured.
type LogSender struct {
	logger *logging.Logger
}

func NewLogSender(logger *logging.Logger) *LogSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg EmailMessage) error {
	s.logger.Info("email delivery disabled, alert logged", "to", msg.To, "subject", msg.Subject)
	return nil
}
