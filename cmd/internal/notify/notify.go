// Package notify reports failed backup runs.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	backuperrors "github.com/metal-stack/dbbackup/cmd/internal/backup/errors"
)

// Failure describes a failed backup of a target
type Failure struct {
	Target string
	Stage  string
	Err    error
	Time   time.Time
}

// Notifier is informed about every failed target
type Notifier interface {
	Notify(ctx context.Context, failure Failure) error
}

// Nop discards all notifications
type Nop struct{}

func (Nop) Notify(context.Context, Failure) error {
	return nil
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTP mails failures to the configured recipients
type SMTP struct {
	log    *slog.Logger
	config SMTPConfig
	send   sendFunc
}

type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

func NewSMTP(log *slog.Logger, config SMTPConfig) (*SMTP, error) {
	if config.Host == "" {
		return nil, backuperrors.ConfigurationError{Msg: "smtp host must not be empty"}
	}
	if config.From == "" {
		return nil, backuperrors.ConfigurationError{Msg: "smtp sender must not be empty"}
	}
	if len(config.Recipients) == 0 {
		return nil, backuperrors.ConfigurationError{Msg: "smtp recipients must not be empty"}
	}
	if config.Port == 0 {
		config.Port = 25
	}

	return &SMTP{
		log:    log,
		config: config,
		send:   smtp.SendMail,
	}, nil
}

// Subject is the mail subject of a failure
func Subject(failure Failure) string {
	return fmt.Sprintf("dbbackup: %s failed at %s", failure.Target, failure.Stage)
}

func (s *SMTP) Notify(ctx context.Context, failure Failure) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.config.Username != "" {
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.Host)
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))

	err := s.send(addr, auth, s.config.From, s.config.Recipients, s.message(failure))
	if err != nil {
		return fmt.Errorf("unable to send failure mail via %s: %w", addr, err)
	}

	s.log.Info("sent failure notification", "target", failure.Target, "recipients", len(s.config.Recipients))

	return nil
}

func (s *SMTP) message(failure Failure) []byte {
	var msg strings.Builder

	fmt.Fprintf(&msg, "From: %s\r\n", s.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(s.config.Recipients, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", Subject(failure))
	fmt.Fprintf(&msg, "Date: %s\r\n", failure.Time.Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	msg.WriteString("\r\n")

	fmt.Fprintf(&msg, "target: %s\r\n", failure.Target)
	fmt.Fprintf(&msg, "stage: %s\r\n", failure.Stage)
	fmt.Fprintf(&msg, "time: %s\r\n", failure.Time.Format(time.RFC3339))
	fmt.Fprintf(&msg, "error: %s\r\n", failure.Err)

	var unexpected backuperrors.UnexpectedError
	if errors.As(failure.Err, &unexpected) && len(unexpected.Stack) > 0 {
		msg.WriteString("\r\n")
		msg.WriteString(strings.ReplaceAll(strings.TrimRight(string(unexpected.Stack), "\n"), "\n", "\r\n"))
		msg.WriteString("\r\n")
	}

	return []byte(msg.String())
}
