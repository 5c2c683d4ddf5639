package notify

import (
	"context"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSMTPTransportConfigured(t *testing.T) {
	tests := []struct {
		name      string
		transport *SMTPTransport
		want      bool
	}{
		{"nil", nil, false},
		{"complete", NewSMTPTransport("smtp.example.com", 0, "user", "pass"), true},
		{"missing password", NewSMTPTransport("smtp.example.com", 587, "user", ""), false},
		{"missing host", NewSMTPTransport("", 587, "user", "pass"), false},
		{"resend", NewResendTransport("re_123"), true},
		{"resend without key", NewResendTransport(""), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.transport.Configured())
		})
	}

	r := NewResendTransport("re_123")
	assert.Equal(t, "smtp.resend.com", r.Host)
	assert.Equal(t, 587, r.Port)
	assert.Equal(t, "resend", r.Username)
	assert.Equal(t, 587, NewSMTPTransport("h", 0, "u", "p").Port)
}

func TestUnconfiguredTransportsRefuse(t *testing.T) {
	assert.ErrorIs(t, NopTransport{}.Send(context.Background(), Message{}), ErrNotConfigured)
	assert.ErrorIs(t, NewSMTPTransport("", 0, "", "").Send(context.Background(), Message{}), ErrNotConfigured)
}

func TestSMTPTransportHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// 192.0.2.0/24 is reserved for documentation and never answers.
	err := NewSMTPTransport("192.0.2.1", 2525, "u", "p").Send(ctx, Message{To: "a@example.com"})
	require.Error(t, err)
}

func TestBuildMIME(t *testing.T) {
	msg := Message{
		From:    mail.Address{Name: "ProcastiNot", Address: "noreply@procastinot.app"},
		To:      "acp@example.com",
		Subject: "Proof Submitted - Challenge #42",
		HTML:    "<p>Hello</p>",
		Text:    "Hello",
	}
	raw, err := buildMIME(msg, time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	s := string(raw)
	assert.True(t, strings.HasPrefix(s, `From: "ProcastiNot" <noreply@procastinot.app>`+"\r\n"))
	assert.Contains(t, s, "To: acp@example.com\r\n")
	assert.Contains(t, s, "Subject: Proof Submitted - Challenge #42\r\n")
	assert.Contains(t, s, "Date: Mon, 01 Jun 2026 08:00:00 +0000\r\n")
	assert.Contains(t, s, "@procastinot.app>\r\n")
	assert.Contains(t, s, "Content-Type: multipart/alternative; boundary=")
	assert.Contains(t, s, "Content-Type: text/plain; charset=utf-8")
	assert.Contains(t, s, "Content-Type: text/html; charset=utf-8")
	assert.Less(t, strings.Index(s, "text/plain"), strings.Index(s, "text/html"))
	assert.Contains(t, s, "<p>Hello</p>")
}

func TestBuildMIMEEncodesNonASCIISubject(t *testing.T) {
	raw, err := buildMIME(Message{
		From:    mail.Address{Address: "a@example.com"},
		To:      "b@example.com",
		Subject: "Défi approuvé",
	}, time.Now())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Subject: =?utf-8?q?")
}
