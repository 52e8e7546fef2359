// Package smtp is a minimal SMTP sender adapted from the donor's
// internal/provider/smtp.Client, trimmed of its OTP-template
// machinery: the Notify executor only ever needs one rendered body
// sent to one address. No third-party SMTP client exists anywhere in
// the retrieved corpus, so this wraps the standard library's
// net/smtp directly (see DESIGN.md for the stdlib justification).
package smtp

import (
	"fmt"
	"net/smtp"
	"strings"
)

type Config struct {
	Host string
	Port string
	User string
	Pass string
	From string // optional override; defaults to User
}

type Client struct {
	host, port, user, pass, from string
}

func NewClient(cfg Config) *Client {
	from := cfg.From
	if strings.TrimSpace(from) == "" {
		from = cfg.User
	}
	return &Client{host: cfg.Host, port: cfg.Port, user: cfg.User, pass: cfg.Pass, from: from}
}

// Send delivers a plain-text email via the configured relay.
func (c *Client) Send(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%s", c.host, c.port)
	auth := smtp.PlainAuth("", c.user, c.pass, c.host)

	headers := map[string]string{
		"From":         c.from,
		"To":           to,
		"Subject":      subject,
		"MIME-Version": "1.0",
		"Content-Type": "text/plain; charset=utf-8",
	}
	var sb strings.Builder
	for k, v := range headers {
		sb.WriteString(k + ": " + v + "\r\n")
	}
	sb.WriteString("\r\n" + body)

	return smtp.SendMail(addr, auth, c.from, []string{to}, []byte(sb.String()))
}
