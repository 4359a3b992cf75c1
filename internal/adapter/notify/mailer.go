// Package notify delivers operational alerts over email and Slack.
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/danieloza/backoffice/internal/config"
	"github.com/danieloza/backoffice/internal/domain"
)

const smtpTimeout = 12 * time.Second

// SMTPMailer sends plain-text alerts through the configured SMTP relay.
// Without a host or sender it is disabled and drops messages silently, so
// alerting never becomes a hard dependency of the request path.
type SMTPMailer struct {
	host     string
	port     int
	user     string
	pass     string
	from     string
	startTLS bool
}

// NewSMTPMailer builds the mailer from configuration. The sender falls back
// to the SMTP username when SMTP_FROM is unset.
func NewSMTPMailer(cfg config.Config) *SMTPMailer {
	from := strings.TrimSpace(cfg.SMTPFrom)
	if from == "" {
		from = strings.TrimSpace(cfg.SMTPUser)
	}
	return &SMTPMailer{
		host:     strings.TrimSpace(cfg.SMTPHost),
		port:     cfg.SMTPPort,
		user:     strings.TrimSpace(cfg.SMTPUser),
		pass:     cfg.SMTPPass,
		from:     from,
		startTLS: cfg.SMTPStartTLS,
	}
}

// Enabled reports whether the mailer has enough configuration to deliver.
func (m *SMTPMailer) Enabled() bool { return m.host != "" && m.from != "" }

// Send implements domain.Mailer.
func (m *SMTPMailer) Send(ctx domain.Context, to, subject, body string) error {
	if !m.Enabled() || strings.TrimSpace(to) == "" {
		return nil
	}
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("op=notify.Send: %w", err)
	}
	if err := msg.To(to); err != nil {
		return fmt.Errorf("op=notify.Send: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(m.port),
		mail.WithTimeout(smtpTimeout),
	}
	if m.startTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	}
	if m.user != "" && m.pass != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.user),
			mail.WithPassword(m.pass))
	}
	client, err := mail.NewClient(m.host, opts...)
	if err != nil {
		return fmt.Errorf("op=notify.Send: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("op=notify.Send: %w", err)
	}
	return nil
}
