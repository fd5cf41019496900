// Package notify sends issuance notifications to document recipients.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/foxzi/chaindoc/internal/document"
	"github.com/foxzi/chaindoc/internal/template"
)

// TLS modes
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// ErrNoRecipient is returned when the document has no recipient e-mail
var ErrNoRecipient = errors.New("document has no recipient email")

// Config contains SMTP relay settings
type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	// HeloName is not sent in starttls mode, where the client greets as localhost
	HeloName  string
	TLS       string
	VerifyURL string
	Timeout   time.Duration
	// TLSConfig overrides the client TLS settings for tls and starttls
	TLSConfig *tls.Config
}

// Mailer delivers issuance notifications through an SMTP relay
type Mailer struct {
	cfg    Config
	signer *Signer
	logger *slog.Logger
}

// New creates a mailer. signer may be nil.
func New(cfg Config, signer *Signer, logger *slog.Logger) *Mailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.TLS == "" {
		cfg.TLS = TLSStartTLS
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HeloName == "" {
		cfg.HeloName = "localhost"
	}
	return &Mailer{
		cfg:    cfg,
		signer: signer,
		logger: logger.With("component", "notify"),
	}
}

// NotifyIssued mails the recipient of doc a reference they can verify with
func (m *Mailer) NotifyIssued(ctx context.Context, doc *document.Document, tmpl *template.Template) error {
	if doc.IssuedTo.Email == "" {
		return ErrNoRecipient
	}

	subject := fmt.Sprintf("Your %s has been issued", tmpl.Name)
	if err := m.Send(ctx, doc.IssuedTo.Email, subject, m.issuedBody(doc, tmpl)); err != nil {
		return err
	}

	m.logger.Info("issuance notification sent",
		"document_id", doc.ID,
		"to", doc.IssuedTo.Email,
	)
	return nil
}

func (m *Mailer) issuedBody(doc *document.Document, tmpl *template.Template) string {
	var b strings.Builder

	name := doc.IssuedTo.Name
	if name == "" {
		name = "there"
	}
	fmt.Fprintf(&b, "Hello %s,\r\n\r\n", name)
	fmt.Fprintf(&b, "The document %q was issued to you and recorded on the %s blockchain.\r\n\r\n",
		tmpl.Name, doc.Blockchain.Network)
	fmt.Fprintf(&b, "Document ID:      %s\r\n", doc.ID)
	fmt.Fprintf(&b, "Contract address: %s\r\n", doc.Blockchain.ContractAddress)
	fmt.Fprintf(&b, "Document hash:    %s\r\n", doc.Blockchain.DocumentHash)
	fmt.Fprintf(&b, "Transaction:      %s\r\n", doc.Blockchain.TxHash)
	if m.cfg.VerifyURL != "" {
		fmt.Fprintf(&b, "\r\nVerify it at %s?id=%s\r\n", strings.TrimSuffix(m.cfg.VerifyURL, "/"), doc.ID)
	}
	return b.String()
}

// Send delivers a plain text message to a single recipient
func (m *Mailer) Send(ctx context.Context, to, subject, body string) error {
	if _, err := mail.ParseAddress(to); err != nil {
		return fmt.Errorf("invalid recipient %q: %w", to, err)
	}

	data := BuildMessage(m.cfg.From, to, subject, body, time.Now(), messageID(m.cfg.From))
	if m.signer != nil {
		signed, err := m.signer.Sign(data)
		if err != nil {
			m.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", m.signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	client, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if m.cfg.Username != "" {
		if err := client.Auth(sasl.NewPlainClient("", m.cfg.Username, m.cfg.Password)); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := client.SendMail(envelopeAddress(m.cfg.From), []string{envelopeAddress(to)}, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return client.Quit()
}

func (m *Mailer) dial(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}

	var conn net.Conn
	var err error
	if m.cfg.TLS == TLSImplicit {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: m.tlsConfig()}
		conn, err = tlsDialer.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("connection failed to %s: %w", addr, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(m.cfg.Timeout)
	}
	conn.SetDeadline(deadline)

	// A relay without STARTTLS is refused rather than used in the clear
	if m.cfg.TLS == TLSStartTLS {
		client, err := smtp.NewClientStartTLS(conn, m.tlsConfig())
		if err != nil {
			return nil, fmt.Errorf("STARTTLS failed: %w", err)
		}
		return client, nil
	}

	client := smtp.NewClient(conn)
	if err := client.Hello(m.cfg.HeloName); err != nil {
		client.Close()
		return nil, fmt.Errorf("HELO failed: %w", err)
	}
	return client, nil
}

func (m *Mailer) tlsConfig() *tls.Config {
	if m.cfg.TLSConfig != nil {
		cfg := m.cfg.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = m.cfg.Host
		}
		return cfg
	}
	return &tls.Config{ServerName: m.cfg.Host, MinVersion: tls.VersionTLS12}
}

// BuildMessage renders an RFC 5322 text/plain message
func BuildMessage(from, to, subject, body string, date time.Time, msgID string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", msgID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.Bytes()
}

func messageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(envelopeAddress(from), "@"); at >= 0 {
		domain = envelopeAddress(from)[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

// envelopeAddress strips a display name from an address
func envelopeAddress(addr string) string {
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return addr
	}
	return parsed.Address
}
