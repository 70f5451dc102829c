// Package notify sends account emails to instance owners.
package notify

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/gluk-w/wagate/internal/config"
	"github.com/gluk-w/wagate/internal/database"
)

type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// NewMailer returns an SMTP mailer when SMTP is configured and a mailer that
// only logs otherwise.
func NewMailer() Mailer {
	if config.Cfg.SMTPHost == "" {
		return LogMailer{}
	}
	return &SMTPMailer{
		Addr:     net.JoinHostPort(config.Cfg.SMTPHost, strconv.Itoa(config.Cfg.SMTPPort)),
		Host:     config.Cfg.SMTPHost,
		Username: config.Cfg.SMTPUsername,
		Password: config.Cfg.SMTPPassword,
		From:     config.Cfg.MailFrom,
	}
}

type SMTPMailer struct {
	Addr     string
	Host     string
	Username string
	Password string
	From     string
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	var auth smtp.Auth
	if m.Username != "" {
		auth = smtp.PlainAuth("", m.Username, m.Password, m.Host)
	}
	msg := buildMessage(m.From, to, subject, body, time.Now())

	done := make(chan error, 1)
	go func() { done <- smtp.SendMail(m.Addr, auth, m.From, []string{to}, msg) }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send mail to %s: %w", to, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogMailer writes mails to the log instead of sending them.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, to, subject, _ string) error {
	log.Printf("[notify] SMTP not configured, skipping mail to %s: %s", to, subject)
	return nil
}

func buildMessage(from, to, subject, body string, date time.Time) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.NewReplacer("\r", "", "\n", "").Replace(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// PaymentConfirmed tells the owner their instance is active again.
func PaymentConfirmed(ctx context.Context, m Mailer, user *database.User, inst *database.Instance) error {
	if user.Email == "" {
		log.Printf("[notify] user %d has no email, skipping payment confirmation", user.ID)
		return nil
	}
	name := user.Name
	if name == "" {
		name = user.Username
	}
	end := "-"
	if inst.EndService != nil {
		end = inst.EndService.Format("2006-01-02")
	}
	body := fmt.Sprintf("Hello %s,\n\nYour payment was received and instance %q is being started.\nService is active until %s.\n", name, inst.Name, end)
	return m.Send(ctx, user.Email, "Payment confirmed", body)
}
