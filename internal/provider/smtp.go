package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/smtp"
	"sync"
	"time"

	"github.com/embermail/embermail/internal/domain"
	"github.com/embermail/embermail/internal/pkg/logger"
	"github.com/google/uuid"
)

const (
	// smtpMaxConnRetries bounds the in-line reconnect attempts for
	// connection-class failures within one Send call.
	smtpMaxConnRetries = 3

	// smtpCoolingThreshold is the consecutive connection-failure streak,
	// accumulated across Send calls and reset by any success, that puts
	// the adapter into cooling.
	smtpCoolingThreshold = smtpMaxConnRetries + 1

	// smtpCoolingPeriod is how long sends fail fast once the streak
	// reaches the threshold.
	smtpCoolingPeriod = 2 * time.Minute

	smtpDialTimeout = 30 * time.Second
)

// SMTPSender delivers mail over a pooled SMTP connection with health
// tracking. Repeated connection failures put the adapter into a cooling
// window during which sends fail fast with ErrCooling instead of
// attempting the network call.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string

	// dial is swapped out in tests.
	dial func(ctx context.Context) (smtpConn, error)
	now  func() time.Time

	mu     sync.Mutex // guards client and health
	client smtpConn

	// Connection health. The counters are running totals; consecutive
	// connection failures drive the cooling window.
	successes    int64
	failures     int64
	consecFails  int
	coolingUntil time.Time
}

// smtpConn is the subset of *smtp.Client the sender uses, extracted so
// tests can substitute a fake transport.
type smtpConn interface {
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// NewSMTPSender creates an SMTP sender for the given server.
func NewSMTPSender(host string, port int, username, password string) *SMTPSender {
	s := &SMTPSender{
		host:     host,
		port:     port,
		username: username,
		password: password,
		now:      time.Now,
	}
	s.dial = s.dialSMTP
	return s
}

// Name returns the provider tag.
func (s *SMTPSender) Name() string { return string(domain.ProviderSMTP) }

// Send delivers a single message. Connection-class errors are retried
// in-line with exponential backoff up to smtpMaxConnRetries; once the
// bound is exhausted the adapter cools for smtpCoolingPeriod.
func (s *SMTPSender) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	s.mu.Lock()
	if s.now().Before(s.coolingUntil) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (until %s)", ErrCooling, s.coolingUntil.Format(time.RFC3339))
	}
	s.mu.Unlock()

	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), s.host)
	raw := buildMIME(msg, messageID)

	var lastErr error
	for attempt := 0; attempt <= smtpMaxConnRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(250<<(attempt-1)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := s.deliver(ctx, msg.FromEmail, msg.To, raw)
		if err == nil {
			s.recordSuccess()
			log.Printf("[SMTP] Sent to %s (id: %s)", logger.RedactEmail(msg.To), messageID)
			return &domain.SendResult{
				Success:   true,
				MessageID: messageID,
				Provider:  s.Name(),
				SentAt:    s.now(),
			}, nil
		}

		lastErr = err
		if !IsConnectionError(err) {
			// Provider rejection: not a transport health problem, no
			// point reconnecting. The retry coordinator owns this.
			s.recordFailure(false)
			return nil, fmt.Errorf("smtp send to %s: %w", logger.RedactEmail(msg.To), err)
		}
		if s.recordFailure(true) {
			return nil, fmt.Errorf("smtp connection unhealthy, cooling: %w", lastErr)
		}
	}

	return nil, fmt.Errorf("smtp connection failed after %d attempts: %w", smtpMaxConnRetries+1, lastErr)
}

// SendBulk sends each message individually; SMTP has no native bulk call.
func (s *SMTPSender) SendBulk(ctx context.Context, messages []*domain.EmailMessage) ([]domain.SendResult, error) {
	return sendEach(ctx, s, messages)
}

// Validate dials the server and quits. Returns false (without error) when
// the server is unreachable.
func (s *SMTPSender) Validate(ctx context.Context) (bool, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		if IsConnectionError(err) {
			return false, nil
		}
		return false, err
	}
	conn.Quit()
	return true, nil
}

// Health returns the running success/failure counts and whether the
// adapter is currently cooling.
func (s *SMTPSender) Health() (successes, failures int64, cooling bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.successes, s.failures, s.now().Before(s.coolingUntil)
}

// deliver runs one SMTP transaction over the pooled connection, dialing
// if needed. Any failure drops the connection so the next attempt
// re-dials fresh.
func (s *SMTPSender) deliver(ctx context.Context, from, to string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		conn, err := s.dial(ctx)
		if err != nil {
			return err
		}
		s.client = conn
	}

	err := s.transact(s.client, from, to, raw)
	if err != nil {
		s.client.Close()
		s.client = nil
	}
	return err
}

func (s *SMTPSender) transact(c smtpConn, from, to string, raw []byte) error {
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	return nil
}

func (s *SMTPSender) recordSuccess() {
	s.mu.Lock()
	s.successes++
	s.consecFails = 0
	s.mu.Unlock()
}

// recordFailure tracks one failed send. Connection-class failures extend
// the consecutive streak; once the streak reaches smtpCoolingThreshold
// the adapter drops its pooled connection and starts cooling. Returns
// whether cooling began.
func (s *SMTPSender) recordFailure(connection bool) bool {
	s.mu.Lock()
	s.failures++
	if !connection {
		s.mu.Unlock()
		return false
	}
	s.consecFails++
	if s.consecFails < smtpCoolingThreshold {
		s.mu.Unlock()
		return false
	}
	s.consecFails = 0
	s.coolingUntil = s.now().Add(smtpCoolingPeriod)
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	until := s.coolingUntil
	s.mu.Unlock()
	log.Printf("[SMTP] %s:%d entering cooling period until %s", s.host, s.port, until.Format(time.RFC3339))
	return true
}

// dialSMTP establishes the real connection: TCP dial, EHLO, opportunistic
// STARTTLS, AUTH PLAIN.
func (s *SMTPSender) dialSMTP(ctx context.Context) (smtpConn, error) {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	dialer := &net.Dialer{Timeout: smtpDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("smtp connect %s: %w", addr, err)
	}
	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp client: %w", err)
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		tlsCfg := &tls.Config{ServerName: s.host}
		if tlsErr := c.StartTLS(tlsCfg); tlsErr != nil {
			log.Printf("[SMTP] STARTTLS failed (continuing without TLS): %v", tlsErr)
		}
	}
	if s.username != "" && s.password != "" {
		if authErr := c.Auth(&plainAuth{user: s.username, pass: s.password}); authErr != nil {
			c.Close()
			return nil, fmt.Errorf("smtp auth: %w", authErr)
		}
	}
	return &smtpClientConn{c}, nil
}

// smtpClientConn adapts *smtp.Client to the smtpConn interface.
type smtpClientConn struct {
	c *smtp.Client
}

func (w *smtpClientConn) Mail(from string) error         { return w.c.Mail(from) }
func (w *smtpClientConn) Rcpt(to string) error           { return w.c.Rcpt(to) }
func (w *smtpClientConn) Data() (io.WriteCloser, error)  { return w.c.Data() }
func (w *smtpClientConn) Quit() error                    { return w.c.Quit() }
func (w *smtpClientConn) Close() error                   { return w.c.Close() }

// plainAuth implements AUTH PLAIN without the TLS requirement stdlib's
// PlainAuth enforces. Tenant SMTP relays on private networks frequently
// run without TLS on the submission port.
type plainAuth struct {
	user, pass string
}

func (a *plainAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	return "PLAIN", []byte("\x00" + a.user + "\x00" + a.pass), nil
}

func (a *plainAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	return nil, nil
}

// buildMIME assembles a multipart/alternative message.
func buildMIME(msg *domain.EmailMessage, messageID string) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s <%s>\r\n", msg.FromName, msg.FromEmail))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", msg.To))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s>\r\n", messageID))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString(fmt.Sprintf("X-Campaign-ID: %s\r\n", msg.CampaignID))
	for k, v := range msg.Headers {
		buf.WriteString(fmt.Sprintf("%s: %s\r\n", k, v))
	}

	boundary := fmt.Sprintf("=_%s", uuid.New().String()[:16])
	buf.WriteString(fmt.Sprintf("Content-Type: multipart/alternative; boundary=\"%s\"\r\n\r\n", boundary))

	if msg.TextContent != "" {
		buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
		buf.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
		buf.WriteString(msg.TextContent)
		buf.WriteString("\r\n")
	}
	buf.WriteString(fmt.Sprintf("--%s\r\n", boundary))
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	buf.WriteString(msg.HTMLContent)
	buf.WriteString("\r\n")
	buf.WriteString(fmt.Sprintf("--%s--\r\n", boundary))
	return buf.Bytes()
}
