package channel

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/http"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/samims/dispatch/internal/model"
)

const DefaultEmailAPIEndpoint = "https://api.resend.com/emails"

// EmailTransport delivers one composed email.
type EmailTransport interface {
	Deliver(ctx context.Context, msg Message) (messageID string, err error)
}

type EmailChannel struct {
	transport EmailTransport
}

func NewEmailChannel(t EmailTransport) *EmailChannel {
	return &EmailChannel{transport: t}
}

func (c *EmailChannel) Type() model.ChannelType { return model.ChannelEmail }

func (c *EmailChannel) Send(ctx context.Context, msg Message) (res Result) {
	defer recoverInto(&res, model.ChannelEmail)

	if _, err := mail.ParseAddress(msg.To); err != nil {
		return failed("email: invalid recipient %q", msg.To)
	}
	if msg.Body == "" && msg.HTMLBody == "" {
		return failed("email: message has no body")
	}
	id, err := c.transport.Deliver(ctx, msg)
	if err != nil {
		return failed("email: %v", err)
	}
	return Result{Success: true, MessageID: id}
}

// SMTPTransport speaks SMTP with STARTTLS when offered, or implicit TLS.
type SMTPTransport struct {
	cfg     EmailSMTPConfig
	timeout time.Duration
	// tlsConfig is overridable in tests.
	tlsConfig *tls.Config
}

func NewSMTPTransport(cfg EmailSMTPConfig, timeout time.Duration) *SMTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &SMTPTransport{cfg: cfg, timeout: timeout, tlsConfig: &tls.Config{ServerName: cfg.Host}}
}

func (t *SMTPTransport) Deliver(ctx context.Context, msg Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(t.cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if t.cfg.ImplicitTLS {
		conn = tls.Client(conn, t.tlsConfig)
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if !t.cfg.ImplicitTLS {
		if okTLS, _ := client.Extension("STARTTLS"); okTLS {
			if err := client.StartTLS(t.tlsConfig); err != nil {
				return "", fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if t.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)); err != nil {
			return "", fmt.Errorf("auth: %w", err)
		}
	}

	messageID := newMessageID(t.cfg.From)
	raw, err := composeMIME(t.cfg.From, t.cfg.FromName, msg, messageID, time.Now())
	if err != nil {
		return "", err
	}
	if err := client.Mail(t.cfg.From); err != nil {
		return "", fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(msg.To); err != nil {
		return "", fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return "", fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("end data: %w", err)
	}
	_ = client.Quit()
	return messageID, nil
}

// composeMIME renders a text/plain message, or multipart/alternative when an
// HTML body is present.
func composeMIME(from, fromName string, msg Message, messageID string, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	sender := (&mail.Address{Name: fromName, Address: from}).String()
	headers := [][2]string{
		{"From", sender},
		{"To", msg.To},
		{"Subject", mime.QEncoding.Encode("utf-8", msg.Subject)},
		{"Date", now.Format(time.RFC1123Z)},
		{"Message-ID", messageID},
		{"MIME-Version", "1.0"},
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h[0], h[1])
	}

	if msg.HTMLBody == "" {
		buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
		buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n\r\n")
		if err := writeQP(&buf, msg.Body); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", mw.Boundary())
	parts := []struct {
		contentType string
		body        string
	}{
		{"text/plain; charset=utf-8", msg.Body},
		{"text/html; charset=utf-8", msg.HTMLBody},
	}
	for _, p := range parts {
		pw, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeQP(pw, p.body); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeQP(w interface{ Write([]byte) (int, error) }, s string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(s)); err != nil {
		return err
	}
	return qp.Close()
}

func newMessageID(from string) string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return "<" + hex.EncodeToString(b) + "@" + domain + ">"
}

// APITransport posts to a transactional email HTTP API (Resend style).
type APITransport struct {
	cfg    EmailAPIConfig
	client *http.Client
}

func NewAPITransport(cfg EmailAPIConfig, client *http.Client) *APITransport {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEmailAPIEndpoint
	}
	return &APITransport{cfg: cfg, client: client}
}

func (t *APITransport) Deliver(ctx context.Context, msg Message) (string, error) {
	body := map[string]any{
		"from":    t.cfg.From,
		"to":      []string{msg.To},
		"subject": msg.Subject,
	}
	if msg.Body != "" {
		body["text"] = msg.Body
	}
	if msg.HTMLBody != "" {
		body["html"] = msg.HTMLBody
	}
	status, raw, err := postJSON(ctx, t.client, t.cfg.Endpoint, body, http.Header{
		"Authorization": {"Bearer " + t.cfg.APIKey},
	})
	if err != nil {
		return "", err
	}
	var out struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &out)
	if !ok(status) {
		if out.Message != "" {
			return "", fmt.Errorf("api returned %d: %s", status, out.Message)
		}
		return "", fmt.Errorf("api returned %d: %s", status, snippet(raw))
	}
	return out.ID, nil
}
