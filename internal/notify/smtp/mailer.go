// Package smtp delivers digest emails through an SMTP relay.
package smtp

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
)

// Config describes the SMTP relay.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(msg *email.Email, addr string, auth smtp.Auth) error

// Mailer implements notify.Mailer.
type Mailer struct {
	cfg  Config
	send sendFunc
}

// New builds a Mailer.
func New(cfg Config) (*Mailer, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp from address is required")
	}
	return &Mailer{
		cfg: cfg,
		send: func(msg *email.Email, addr string, auth smtp.Auth) error {
			return msg.Send(addr, auth)
		},
	}, nil
}

// Send delivers an HTML email. Servers that do not offer AUTH get an unauthenticated retry.
func (m *Mailer) Send(ctx context.Context, to []string, subject, html string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	msg := email.NewEmail()
	msg.From = m.from()
	msg.To = to
	msg.Subject = subject
	msg.HTML = []byte(html)

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	err := m.send(msg, addr, auth)
	if err != nil && auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = m.send(msg, addr, nil)
	}
	if err != nil {
		return fmt.Errorf("send email via %s: %w", addr, err)
	}
	return nil
}

func (m *Mailer) from() string {
	if m.cfg.FromName == "" {
		return m.cfg.From
	}
	return fmt.Sprintf("%s <%s>", m.cfg.FromName, m.cfg.From)
}
