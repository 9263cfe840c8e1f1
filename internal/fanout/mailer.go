package fanout

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/signoff/internal/config"
	"github.com/pitabwire/signoff/model"
)

// NewMailer builds the mailer selected by cfg. It returns nil when email is
// disabled.
func NewMailer(cfg config.EmailConfig, logger *zap.Logger) Mailer {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Driver == "smtp" {
		return NewSMTPMailer(cfg)
	}
	return NewLogMailer(logger)
}

// LogMailer writes emails to the log instead of sending them.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

// Send logs e.
func (m *LogMailer) Send(_ context.Context, e model.Email) error {
	m.logger.Info("email",
		zap.String("to", e.To),
		zap.String("subject", e.Subject),
		zap.Int("body_bytes", len(e.Body)),
	)
	return nil
}

// SMTPMailer sends plain-text email through an SMTP relay.
type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPMailer creates a mailer for cfg.SMTPAddr. PLAIN auth is used when a
// username is configured; the password is read from cfg.SMTPPasswordEnv.
func NewSMTPMailer(cfg config.EmailConfig) *SMTPMailer {
	m := &SMTPMailer{addr: cfg.SMTPAddr, from: cfg.From, send: smtp.SendMail}
	if cfg.SMTPUsername != "" {
		host, _, err := net.SplitHostPort(cfg.SMTPAddr)
		if err != nil {
			host = cfg.SMTPAddr
		}
		m.auth = smtp.PlainAuth("", cfg.SMTPUsername, os.Getenv(cfg.SMTPPasswordEnv), host)
	}
	return m
}

// Send delivers e. The SMTP exchange is not cancellable; a cancelled context
// is only checked before dialing.
func (m *SMTPMailer) Send(ctx context.Context, e model.Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(e.To, "\r\n") || strings.ContainsAny(e.Subject, "\r\n") {
		return fmt.Errorf("invalid header value for %q", e.To)
	}
	if err := m.send(m.addr, m.auth, m.from, []string{e.To}, m.message(e)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", e.To, err)
	}
	return nil
}

func (m *SMTPMailer) message(e model.Email) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.from)
	fmt.Fprintf(&b, "To: %s\r\n", e.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", e.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(e.Body, "\n", "\r\n"))
	return []byte(b.String())
}
