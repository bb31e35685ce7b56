package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"
)

// ResendAlertSender emails the account owner when the rotation protocol
// revokes their sessions. Returns nil from the constructor when no API
// key is configured so alerts degrade to a no-op in development.
type ResendAlertSender struct {
	client *resend.Client
	from   string
}

func NewResendAlertSender(apiKey string, from string) *ResendAlertSender {
	if strings.TrimSpace(apiKey) == "" || strings.TrimSpace(from) == "" {
		return nil
	}
	return &ResendAlertSender{
		client: resend.NewClient(apiKey),
		from:   from,
	}
}

func (s *ResendAlertSender) SendSessionsRevokedAlert(ctx context.Context, email string, reason string) error {
	if s == nil || s.client == nil {
		return errors.New("alert sender not configured")
	}
	subject := "Security alert: your sessions were signed out"
	text := fmt.Sprintf(
		"We detected suspicious activity on your account (%s) and signed you out everywhere. Please sign in again and review your devices.",
		reason,
	)
	html := fmt.Sprintf(
		"<p>We detected suspicious activity on your account (<strong>%s</strong>) and signed you out everywhere.</p><p>Please sign in again and review your devices.</p>",
		reason,
	)
	_, err := s.client.Emails.Send(&resend.SendEmailRequest{
		From:    s.from,
		To:      []string{email},
		Subject: subject,
		Html:    html,
		Text:    text,
	})
	return err
}
