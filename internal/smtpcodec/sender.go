// Package smtpcodec implements connector.Sender on top of an SMTP submission client.
package smtpcodec

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/NostraDavid/mail/connector"
	"github.com/NostraDavid/mail/credential"
	"github.com/NostraDavid/mail/db"
	"github.com/NostraDavid/mail/internal/supervisor"
)

type Config struct {
	Host     string
	Port     int
	Policy   db.ConnectionPolicy
	Resolver supervisor.Resolver
	Dialer   supervisor.StreamDialer

	// StartTLS upgrades a plain stream before authenticating if set.
	StartTLS *tls.Config

	// LocalName is announced in EHLO.
	LocalName string

	// Debug receives the raw protocol exchange if set.
	Debug io.Writer
}

func NewConnectFunc(cfg Config) supervisor.ConnectFunc[connector.Sender] {
	return func(ctx context.Context, cred credential.Credential) (connector.Sender, error) {
		conn, err := supervisor.Dial(ctx, cfg.Resolver, cfg.Dialer, cfg.Host, cfg.Port, cfg.Policy)
		if err != nil {
			return nil, err
		}

		sender, err := NewSender(ctx, conn, cred, cfg)
		if err != nil {
			return nil, err
		}

		return sender, nil
	}
}

// Sender submits messages over one SMTP connection.
type Sender struct {
	client *smtp.Client
	conn   net.Conn

	// dsn is set when the server can recognise a retried submission by its envelope ID.
	dsn bool
}

// NewSender greets and authenticates over an established stream. The stream is closed on failure.
func NewSender(ctx context.Context, conn net.Conn, cred credential.Credential, cfg Config) (*Sender, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	sender, err := newSender(conn, cred, cfg)
	if err != nil {
		_ = conn.Close()

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, err
	}

	return sender, nil
}

func newSender(conn net.Conn, cred credential.Credential, cfg Config) (*Sender, error) {
	var (
		client *smtp.Client
		err    error
	)

	if cfg.StartTLS != nil {
		if client, err = smtp.NewClientStartTLS(conn, cfg.StartTLS); err != nil {
			return nil, connectError(err)
		}
	} else {
		client = smtp.NewClient(conn)
	}

	if cfg.Debug != nil {
		client.DebugWriter = cfg.Debug
	}

	localName := cfg.LocalName
	if localName == "" {
		localName = "localhost"
	}

	if err := client.Hello(localName); err != nil {
		return nil, connectError(err)
	}

	var auth sasl.Client

	switch cred.Kind {
	case credential.KindOAuth:
		auth = sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{Username: cred.Username, Token: cred.Secret})

	default:
		auth = sasl.NewPlainClient("", cred.Username, cred.Secret)
	}

	if err := client.Auth(auth); err != nil {
		return nil, authError(err)
	}

	dsn, _ := client.Extension("DSN")

	return &Sender{client: client, conn: conn, dsn: dsn}, nil
}

// Send runs one MAIL/RCPT/DATA exchange. Failures are reported as *connector.DeliveryError.
// A failure after the message body was fully written is ambiguous: the server may have queued it.
func (s *Sender) Send(ctx context.Context, env connector.DeliveryEnvelope, literal []byte) error {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	var mailOpts *smtp.MailOptions

	if s.dsn && env.EnvelopeID != "" {
		mailOpts = &smtp.MailOptions{EnvelopeID: env.EnvelopeID}
	}

	if err := s.client.Mail(env.From, mailOpts); err != nil {
		return s.fail(ctx, err, false)
	}

	for _, to := range env.To {
		if err := s.client.Rcpt(to, nil); err != nil {
			return s.fail(ctx, err, false)
		}
	}

	w, err := s.client.Data()
	if err != nil {
		return s.fail(ctx, err, false)
	}

	if _, err := io.Copy(w, bytes.NewReader(literal)); err != nil {
		_ = w.Close()
		return s.fail(ctx, err, false)
	}

	if err := w.Close(); err != nil {
		return s.fail(ctx, err, true)
	}

	return nil
}

// SupportsDSN reports whether retried submissions carry an envelope ID the server understands.
func (s *Sender) SupportsDSN() bool {
	return s.dsn
}

func (s *Sender) Close() error {
	if err := s.client.Quit(); err != nil {
		return s.client.Close()
	}

	return nil
}

func (s *Sender) fail(ctx context.Context, err error, afterData bool) error {
	deliveryErr := classify(err, afterData)

	if ctx.Err() != nil && !deliveryErr.Ambiguous {
		return ctx.Err()
	}

	var smtpErr *smtp.SMTPError

	if errors.As(err, &smtpErr) {
		// Leave the connection ready for the next message.
		_ = s.client.Reset()
	}

	return deliveryErr
}

func classify(err error, afterData bool) *connector.DeliveryError {
	var smtpErr *smtp.SMTPError

	if errors.As(err, &smtpErr) {
		return &connector.DeliveryError{
			Code:      smtpErr.Code,
			Permanent: smtpErr.Code >= 500,
			Err:       errors.New(smtpErr.Message),
		}
	}

	return &connector.DeliveryError{
		Ambiguous: afterData,
		Err:       fmt.Errorf("%w: %v", connector.ErrUnreachable, err),
	}
}

func connectError(err error) error {
	var smtpErr *smtp.SMTPError

	if errors.As(err, &smtpErr) {
		return fmt.Errorf("%w: %v", connector.ErrUnreachable, smtpErr.Message)
	}

	if connector.IsTransient(err) {
		return err
	}

	return fmt.Errorf("%w: %v", connector.ErrUnreachable, err)
}

func authError(err error) error {
	var smtpErr *smtp.SMTPError

	if !errors.As(err, &smtpErr) {
		return connectError(err)
	}

	switch smtpErr.Code {
	case 530, 534, 535:
		return fmt.Errorf("%w: %v", connector.ErrAuthExpired, smtpErr.Message)

	default:
		if smtpErr.Code >= 500 {
			return fmt.Errorf("%w: %v", connector.ErrAuthFatal, smtpErr.Message)
		}

		return fmt.Errorf("%w: %v", connector.ErrUnreachable, smtpErr.Message)
	}
}
