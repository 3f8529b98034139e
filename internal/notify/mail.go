// internal/notify/mail.go
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/xkilldash9x/formcheck/internal/config"
)

const defaultSender = "formcheck@localhost"

// MailSink sends one alert per attempt over SMTP. The whole exchange, dial
// included, is bounded by the configured timeout.
type MailSink struct {
	cfg  config.MailConfig
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
	now  func() time.Time
}

// NewMailSink creates a sink for cfg. cfg.Enabled() is the caller's concern.
func NewMailSink(cfg config.MailConfig) *MailSink {
	d := &net.Dialer{}
	return &MailSink{cfg: cfg, dial: d.DialContext, now: time.Now}
}

func (s *MailSink) Name() string { return "mail" }

func (s *MailSink) Send(ctx context.Context, ev Event) error {
	if s.cfg.OnlyOnProblem && !ev.Problem() {
		return nil
	}

	from, rcpts, msg, err := s.compose(ev)
	if err != nil {
		return err
	}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	client, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := s.authenticate(client); err != nil {
		return err
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range rcpts {
		if err := client.Rcpt(to); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to initiate data transfer: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data transfer: %w", err)
	}
	if err := client.Quit(); err != nil {
		return fmt.Errorf("failed to quit SMTP session: %w", err)
	}
	return nil
}

// compose renders the MIME message and returns it with the envelope addresses.
func (s *MailSink) compose(ev Event) (string, []string, []byte, error) {
	sender := s.cfg.From
	if sender == "" {
		sender = defaultSender
	}
	fromAddr, err := mail.ParseAddress(sender)
	if err != nil {
		return "", nil, nil, fmt.Errorf("invalid sender %q: %w", sender, err)
	}

	var to []*mail.Address
	for _, raw := range s.cfg.To {
		addrs, err := mail.ParseAddressList(raw)
		if err != nil {
			return "", nil, nil, fmt.Errorf("invalid recipient %q: %w", raw, err)
		}
		to = append(to, addrs...)
	}
	if len(to) == 0 {
		return "", nil, nil, errors.New("no recipients specified")
	}

	var h mail.Header
	h.SetDate(s.now())
	h.SetAddressList("From", []*mail.Address{fromAddr})
	h.SetAddressList("To", to)
	h.SetSubject(ev.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := h.GenerateMessageID(); err != nil {
		return "", nil, nil, fmt.Errorf("failed to generate message id: %w", err)
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return "", nil, nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(w, ev.Body); err != nil {
		return "", nil, nil, fmt.Errorf("failed to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", nil, nil, fmt.Errorf("failed to finish message: %w", err)
	}

	rcpts := make([]string, len(to))
	for i, a := range to {
		rcpts[i] = a.Address
	}
	return fromAddr.Address, rcpts, buf.Bytes(), nil
}

// connect dials the server and applies the transport security mode. In
// "none" mode the connection is still upgraded when the server offers
// STARTTLS. The context deadline becomes the connection deadline so that a
// stalled server cannot hold the sink beyond the timeout.
func (s *MailSink) connect(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{
		ServerName:         s.cfg.Host,
		InsecureSkipVerify: s.cfg.SkipVerify,
	}

	conn, err := s.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SMTP server %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set SMTP deadline: %w", err)
		}
	}

	if s.cfg.Secure == config.SecureTLS {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to connect via SMTPS: %w", err)
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create SMTP client: %w", err)
	}

	switch s.cfg.Secure {
	case config.SecureSTARTTLS:
		if err := client.StartTLS(tlsConfig); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}
	case config.SecureNone:
		// Plain submission ports still upgrade when offered; PlainAuth
		// refuses to send credentials to a remote host in the clear.
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return nil, fmt.Errorf("failed to upgrade via STARTTLS: %w", err)
			}
		}
	}
	return client, nil
}

// authenticate uses PLAIN when credentials are configured and the server
// advertises AUTH.
func (s *MailSink) authenticate(client *smtp.Client) error {
	if s.cfg.Username == "" || s.cfg.Password == "" {
		return nil
	}
	if ok, _ := client.Extension("AUTH"); !ok {
		return errors.New("SMTP server does not support authentication")
	}
	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("SMTP authentication failed: %w", err)
	}
	return nil
}
