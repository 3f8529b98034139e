// internal/notify/mail_test.go
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/formcheck/internal/config"
)

type receivedMail struct {
	from string
	to   []string
	data []byte
}

type receivedAuth struct {
	user, pass string
	secured    bool
}

// smtpServer is a minimal in-process SMTP server that accepts every message.
// With a TLS config it also offers STARTTLS and AUTH PLAIN.
type smtpServer struct {
	ln    net.Listener
	stall bool
	tls   *tls.Config
	msgs  chan receivedMail
	auths chan receivedAuth
	wg    sync.WaitGroup
}

func startSMTPServer(t *testing.T, stall bool) *smtpServer {
	t.Helper()
	return newSMTPServer(t, stall, nil)
}

// startSTARTTLSServer serves the throwaway certificate of an httptest TLS server.
func startSTARTTLSServer(t *testing.T) *smtpServer {
	t.Helper()
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	cert := ts.TLS.Certificates[0]
	ts.Close()
	return newSMTPServer(t, false, &tls.Config{Certificates: []tls.Certificate{cert}})
}

func newSMTPServer(t *testing.T, stall bool, tlsConfig *tls.Config) *smtpServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &smtpServer{
		ln:    ln,
		stall: stall,
		tls:   tlsConfig,
		msgs:  make(chan receivedMail, 4),
		auths: make(chan receivedAuth, 4),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.serve(conn)
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		s.wg.Wait()
	})
	return s
}

func (s *smtpServer) mailConfig() config.MailConfig {
	addr := s.ln.Addr().(*net.TCPAddr)
	return config.MailConfig{
		Host:          "127.0.0.1",
		Port:          addr.Port,
		Secure:        config.SecureNone,
		From:          "Form Check <monitor@example.com>",
		To:            []string{"ops@example.com", "Web Team <web@example.com>"},
		SubjectPrefix: "[formcheck]",
		Timeout:       2 * time.Second,
	}
}

func (s *smtpServer) serve(conn net.Conn) {
	defer conn.Close()
	if s.stall {
		// Never greet; wait for the client to give up.
		_, _ = io.Copy(io.Discard, conn)
		return
	}

	tp := textproto.NewConn(conn)
	_ = tp.PrintfLine("220 localhost ESMTP test")
	var m receivedMail
	secured := false
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		verb := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(verb, "EHLO"):
			_ = tp.PrintfLine("250-localhost")
			if s.tls != nil {
				if !secured {
					_ = tp.PrintfLine("250-STARTTLS")
				}
				_ = tp.PrintfLine("250-AUTH PLAIN")
			}
			_ = tp.PrintfLine("250 8BITMIME")
		case verb == "STARTTLS" && s.tls != nil && !secured:
			_ = tp.PrintfLine("220 Ready to start TLS")
			tlsConn := tls.Server(conn, s.tls)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			tp = textproto.NewConn(tlsConn)
			secured = true
		case strings.HasPrefix(verb, "AUTH PLAIN ") && s.tls != nil:
			raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(line[len("AUTH PLAIN "):]))
			parts := strings.Split(string(raw), "\x00")
			if err != nil || len(parts) != 3 {
				_ = tp.PrintfLine("501 Malformed AUTH")
				continue
			}
			s.auths <- receivedAuth{user: parts[1], pass: parts[2], secured: secured}
			_ = tp.PrintfLine("235 2.7.0 Authentication successful")
		case strings.HasPrefix(verb, "HELO"), strings.HasPrefix(verb, "RSET"), strings.HasPrefix(verb, "NOOP"):
			_ = tp.PrintfLine("250 OK")
		case strings.HasPrefix(verb, "MAIL FROM:"):
			m = receivedMail{from: angleAddr(line)}
			_ = tp.PrintfLine("250 OK")
		case strings.HasPrefix(verb, "RCPT TO:"):
			m.to = append(m.to, angleAddr(line))
			_ = tp.PrintfLine("250 OK")
		case verb == "DATA":
			_ = tp.PrintfLine("354 End data with <CR><LF>.<CR><LF>")
			data, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			m.data = data
			s.msgs <- m
			_ = tp.PrintfLine("250 OK queued")
		case verb == "QUIT":
			_ = tp.PrintfLine("221 Bye")
			return
		default:
			_ = tp.PrintfLine("502 Command not implemented")
		}
	}
}

func angleAddr(line string) string {
	start, end := strings.Index(line, "<"), strings.Index(line, ">")
	if start < 0 || end < start {
		return ""
	}
	return line[start+1 : end]
}

func TestMailSink_SendsAlert(t *testing.T) {
	srv := startSMTPServer(t, false)
	sink := NewMailSink(srv.mailConfig())
	sink.now = func() time.Time { return testFinished }

	ev := NewEvent(scenarioResults()["D"], "[formcheck]")
	require.NoError(t, sink.Send(context.Background(), ev))

	var got receivedMail
	select {
	case got = <-srv.msgs:
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
	assert.Equal(t, "monitor@example.com", got.from)
	assert.Equal(t, []string{"ops@example.com", "web@example.com"}, got.to)

	mr, err := mail.CreateReader(bytes.NewReader(got.data))
	require.NoError(t, err)
	defer mr.Close()

	subject, err := mr.Header.Subject()
	require.NoError(t, err)
	assert.Equal(t, ev.Subject, subject)

	to, err := mr.Header.AddressList("To")
	require.NoError(t, err)
	require.Len(t, to, 2)
	assert.Equal(t, "Web Team", to[1].Name)

	date, err := mr.Header.Date()
	require.NoError(t, err)
	assert.True(t, date.Equal(testFinished.Truncate(time.Second)))

	part, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(part.Body)
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(ev.Body), strings.TrimSpace(strings.ReplaceAll(string(body), "\r\n", "\n")))
	assert.Contains(t, string(body), `stage="wait token"`)
}

func TestMailSink_UpgradesBeforeAuthenticating(t *testing.T) {
	srv := startSTARTTLSServer(t)
	cfg := srv.mailConfig()
	cfg.Host = "smtp.example.com"
	cfg.Port = 587
	cfg.Secure = config.SecureNone
	cfg.SkipVerify = true
	cfg.Username = "monitor"
	cfg.Password = "s3cret"

	sink := NewMailSink(cfg)
	addr := srv.ln.Addr().String()
	sink.dial = func(ctx context.Context, network, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, addr)
	}

	require.NoError(t, sink.Send(context.Background(), NewEvent(scenarioResults()["D"], "[formcheck]")))

	select {
	case auth := <-srv.auths:
		assert.True(t, auth.secured, "credentials must only travel over TLS")
		assert.Equal(t, "monitor", auth.user)
		assert.Equal(t, "s3cret", auth.pass)
	case <-time.After(5 * time.Second):
		t.Fatal("client never authenticated")
	}
	select {
	case <-srv.msgs:
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestMailSink_OnlyOnProblem(t *testing.T) {
	srv := startSMTPServer(t, false)
	cfg := srv.mailConfig()
	cfg.OnlyOnProblem = true
	sink := NewMailSink(cfg)

	require.NoError(t, sink.Send(context.Background(), NewEvent(scenarioResults()["A"], "")))
	select {
	case <-srv.msgs:
		t.Fatal("a SUCCESS must not be mailed when only problems are reported")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, sink.Send(context.Background(), NewEvent(scenarioResults()["C"], "")))
	select {
	case <-srv.msgs:
	case <-time.After(5 * time.Second):
		t.Fatal("FAILED result was not mailed")
	}
}

func TestMailSink_Bounded(t *testing.T) {
	srv := startSMTPServer(t, true)
	cfg := srv.mailConfig()
	cfg.Timeout = 200 * time.Millisecond
	sink := NewMailSink(cfg)

	start := time.Now()
	err := sink.Send(context.Background(), NewEvent(scenarioResults()["E"], ""))
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second, "a stalled server must not hold the sink")
}

func TestMailSink_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	sink := NewMailSink(config.MailConfig{
		Host:    "127.0.0.1",
		Port:    port,
		To:      []string{"ops@example.com"},
		Timeout: time.Second,
	})
	err = sink.Send(context.Background(), NewEvent(scenarioResults()["A"], ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:"+strconv.Itoa(port))
}

func TestMailSink_Compose(t *testing.T) {
	t.Run("DefaultSender", func(t *testing.T) {
		sink := NewMailSink(config.MailConfig{To: []string{"ops@example.com"}})
		from, rcpts, msg, err := sink.compose(NewEvent(scenarioResults()["A"], ""))
		require.NoError(t, err)
		assert.Equal(t, defaultSender, from)
		assert.Equal(t, []string{"ops@example.com"}, rcpts)
		assert.Contains(t, strings.ToLower(string(msg)), "message-id:")
	})

	t.Run("NoRecipients", func(t *testing.T) {
		sink := NewMailSink(config.MailConfig{})
		_, _, _, err := sink.compose(NewEvent(scenarioResults()["A"], ""))
		assert.Error(t, err)
	})

	t.Run("BadRecipient", func(t *testing.T) {
		sink := NewMailSink(config.MailConfig{To: []string{"not an address"}})
		_, _, _, err := sink.compose(NewEvent(scenarioResults()["A"], ""))
		assert.Error(t, err)
	})
}
