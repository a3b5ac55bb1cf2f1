package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// Sender delivers a payment-failure alert to whoever is on call.
type Sender interface {
	Send(ctx context.Context, subject string, body string) error
	Channel() string
}

// SMTPSender mails alerts via unauthenticated SMTP (Mailpit-compatible).
type SMTPSender struct {
	addr string
	from string
	to   string
}

func NewSMTPSender(host string, port string, from string, to string) *SMTPSender {
	host = strings.TrimSpace(host)
	port = strings.TrimSpace(port)
	from = strings.TrimSpace(from)
	if from == "" {
		from = "alerts@sitewright.local"
	}
	return &SMTPSender{
		addr: fmt.Sprintf("%s:%s", host, port),
		from: from,
		to:   strings.TrimSpace(to),
	}
}

func (s *SMTPSender) Channel() string {
	return "email"
}

func (s *SMTPSender) Send(_ context.Context, subject string, body string) error {
	if s.to == "" {
		return errors.New("alert recipient not configured")
	}
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		s.from,
		s.to,
		subject,
		body,
	)
	return smtp.SendMail(s.addr, nil, s.from, []string{s.to}, []byte(msg))
}

// WebhookSender posts alerts as JSON to a chat webhook.
type WebhookSender struct {
	url   string
	token string
	http  *http.Client
}

func NewWebhookSender(url string, token string) *WebhookSender {
	return &WebhookSender{
		url:   strings.TrimSpace(url),
		token: strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

func (s *WebhookSender) Channel() string {
	return "webhook"
}

func (s *WebhookSender) Send(ctx context.Context, subject string, body string) error {
	if s.url == "" {
		return errors.New("alert webhook url not configured")
	}
	payload := map[string]string{
		"subject": subject,
		"body":    body,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New("alert webhook returned non-2xx")
	}
	return nil
}

type NoopSender struct{}

func NewNoopSender() *NoopSender {
	return &NoopSender{}
}

func (s *NoopSender) Channel() string {
	return "noop"
}

func (s *NoopSender) Send(_ context.Context, _ string, _ string) error {
	return nil
}
