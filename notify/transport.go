package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is one outbound email.
type Message struct {
	From    mail.Address
	To      string
	Subject string
	HTML    string
	Text    string
}

// Transport delivers messages. Configured reports whether credentials were supplied at startup.
type Transport interface {
	Send(ctx context.Context, msg Message) error
	Configured() bool
}

// ErrNotConfigured is returned by NopTransport.Send.
var ErrNotConfigured = errors.New("mail transport not configured")

// NopTransport stands in when no mail credentials are configured.
type NopTransport struct{}

func (NopTransport) Send(context.Context, Message) error { return ErrNotConfigured }
func (NopTransport) Configured() bool                    { return false }

const (
	resendHost = "smtp.resend.com"
	resendUser = "resend"
	// ResendSender is the sender address Resend accepts without a verified domain.
	ResendSender = "onboarding@resend.dev"
)

// SMTPTransport speaks SMTP with STARTTLS when the server offers it.
type SMTPTransport struct {
	Host     string
	Port     int
	Username string
	Password string
	// DialTimeout bounds connection setup when ctx carries no deadline.
	DialTimeout time.Duration
}

// NewSMTPTransport returns a transport for host:port. Port 0 means 587.
func NewSMTPTransport(host string, port int, username, password string) *SMTPTransport {
	if port == 0 {
		port = 587
	}
	return &SMTPTransport{
		Host:        host,
		Port:        port,
		Username:    username,
		Password:    password,
		DialTimeout: 10 * time.Second,
	}
}

// NewResendTransport relays through Resend's SMTP endpoint with apiKey as the password.
func NewResendTransport(apiKey string) *SMTPTransport {
	return NewSMTPTransport(resendHost, 587, resendUser, apiKey)
}

func (t *SMTPTransport) Configured() bool {
	return t != nil && t.Host != "" && t.Username != "" && t.Password != ""
}

// Send delivers msg. The connection is closed as soon as ctx ends.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	if !t.Configured() {
		return ErrNotConfigured
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
	dialer := &net.Dialer{Timeout: t.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	client, err := smtp.NewClient(conn, t.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake failed: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: t.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls failed: %w", err)
		}
	}
	if ok, _ := client.Extension("AUTH"); ok {
		if err := client.Auth(smtp.PlainAuth("", t.Username, t.Password, t.Host)); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}
	if err := client.Mail(msg.From.Address); err != nil {
		return fmt.Errorf("smtp MAIL FROM failed: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("smtp RCPT TO failed: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA failed: %w", err)
	}
	raw, err := buildMIME(msg, time.Now())
	if err != nil {
		_ = w.Close()
		return err
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp server rejected message: %w", err)
	}
	if err := client.Quit(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("smtp QUIT failed: %w", err)
	}
	return nil
}

// buildMIME renders msg as multipart/alternative with text and HTML parts.
func buildMIME(msg Message, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	headers := [][2]string{
		{"From", msg.From.String()},
		{"To", msg.To},
		{"Subject", mime.QEncoding.Encode("utf-8", msg.Subject)},
		{"Date", now.Format(time.RFC1123Z)},
		{"Message-ID", "<" + uuid.NewString() + "@" + domainOf(msg.From.Address) + ">"},
		{"MIME-Version", "1.0"},
		{"Content-Type", "multipart/alternative; boundary=" + mw.Boundary()},
	}
	var head bytes.Buffer
	for _, h := range headers {
		head.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	head.WriteString("\r\n")

	for _, part := range []struct{ contentType, body string }{
		{"text/plain; charset=utf-8", msg.Text},
		{"text/html; charset=utf-8", msg.HTML},
	} {
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.contentType},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create mime part: %w", err)
		}
		qp := quotedprintable.NewWriter(pw)
		if _, err := qp.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("failed to encode mime part: %w", err)
		}
		if err := qp.Close(); err != nil {
			return nil, fmt.Errorf("failed to encode mime part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish mime body: %w", err)
	}
	return append(head.Bytes(), buf.Bytes()...), nil
}

func domainOf(address string) string {
	if i := strings.LastIndexByte(address, '@'); i >= 0 {
		return address[i+1:]
	}
	return "localhost"
}
