package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	netmail "net/mail"
	"net/smtp"
	"os"
	"strconv"
	"time"

	"inviqa/mail-outbox-relay/mail"
)

const defaultSMTPTimeout = 60 * time.Second

type SMTPConfig struct {
	Host           string     `yaml:"host"`
	Port           uint32     `yaml:"port"`
	Username       string     `yaml:"username"`
	Password       string     `yaml:"password"`
	StartTLS       bool       `yaml:"starttls"`
	TLSSkipVerify  bool       `yaml:"tls_skip_verify"`
	HeloName       string     `yaml:"helo_name"`
	TimeoutSeconds int        `yaml:"timeout_seconds"`
	DKIM           DKIMConfig `yaml:"dkim"`
}

func (c SMTPConfig) timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return defaultSMTPTimeout
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c SMTPConfig) heloName() string {
	if c.HeloName != "" {
		return c.HeloName
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "localhost"
}

// NewSMTPFactory returns a Factory whose transports keep one connection open
// for every message they send, until they are closed.
func NewSMTPFactory(c SMTPConfig) (Factory, error) {
	if c.Host == "" {
		return nil, errors.New("smtp: a host is required")
	}
	if c.Port == 0 {
		c.Port = 25
	}

	signer, err := NewSigner(c.DKIM)
	if err != nil {
		return nil, err
	}

	return func() (Transport, error) {
		return &smtpTransport{cfg: c, signer: signer, now: time.Now}, nil
	}, nil
}

type smtpTransport struct {
	cfg    SMTPConfig
	signer *Signer
	now    func() time.Time
	conn   net.Conn
	client *smtp.Client
}

func (t *smtpTransport) Send(ctx context.Context, m *mail.Rendered) error {
	from, err := envelopeAddress(m.From)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}

	var rcpts []string
	for _, addr := range m.Envelope() {
		rcpt, err := envelopeAddress(addr)
		if err != nil {
			return fmt.Errorf("invalid recipient: %w", err)
		}
		rcpts = append(rcpts, rcpt)
	}
	if len(rcpts) == 0 {
		return errors.New("no recipients")
	}

	data, err := buildMessage(m, t.now())
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}
	if data, err = t.signer.Sign(data, m.From); err != nil {
		return err
	}

	if err := t.connect(ctx); err != nil {
		return err
	}

	if err := t.deliver(ctx, from, rcpts, data); err != nil {
		// the session state is unknown after a failure, start over with the next message
		t.reset()
		return err
	}

	return nil
}

func (t *smtpTransport) Close() error {
	if t.client == nil {
		return nil
	}

	err := t.client.Quit()
	t.reset()

	return err
}

func (t *smtpTransport) connect(ctx context.Context) error {
	if t.client != nil {
		return nil
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.FormatUint(uint64(t.cfg.Port), 10))
	dialer := &net.Dialer{Timeout: t.cfg.timeout()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	if err := conn.SetDeadline(t.deadline(ctx)); err != nil {
		conn.Close()
		return fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, t.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("new client: %w", err)
	}

	if err := t.handshake(client); err != nil {
		client.Close()
		return err
	}

	t.conn = conn
	t.client = client

	return nil
}

func (t *smtpTransport) handshake(client *smtp.Client) error {
	if err := client.Hello(t.cfg.heloName()); err != nil {
		return fmt.Errorf("helo: %w", err)
	}

	if t.cfg.StartTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return errors.New("starttls: not supported by the server")
		}
		// #nosec G402
		tlsConf := &tls.Config{
			ServerName:         t.cfg.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: t.cfg.TLSSkipVerify,
		}
		if err := client.StartTLS(tlsConf); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}

	if t.cfg.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", t.cfg.Username, t.cfg.Password, t.cfg.Host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	return nil
}

func (t *smtpTransport) deliver(ctx context.Context, from string, rcpts []string, data []byte) error {
	if err := t.conn.SetDeadline(t.deadline(ctx)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	if err := t.client.Mail(from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range rcpts {
		if err := t.client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt to %s: %w", rcpt, err)
		}
	}

	w, err := t.client.Data()
	if err != nil {
		return fmt.Errorf("data start: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("data close: %w", err)
	}

	return nil
}

func (t *smtpTransport) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(t.cfg.timeout())
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

func (t *smtpTransport) reset() {
	if t.client != nil {
		t.client.Close()
	}
	t.client = nil
	t.conn = nil
}

func envelopeAddress(address string) (string, error) {
	a, err := netmail.ParseAddress(address)
	if err != nil {
		return "", err
	}
	return a.Address, nil
}
