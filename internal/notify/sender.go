// Package notify delivers broker mail. Delivery failure is never fatal to
// the calling flow; callers surface an undelivered flag instead.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"ssobroker/internal/config"
)

// Sender is the single outbound capability the broker core sees.
type Sender interface {
	Send(ctx context.Context, to []string, subject, textBody, htmlBody string) error
}

type LogSender struct{}

func (LogSender) Send(ctx context.Context, to []string, subject, textBody, htmlBody string) error {
	_ = ctx
	log.Printf("mail (log sender) to=%s subject=%q body=%q", strings.Join(to, ","), subject, textBody)
	return nil
}

// failureThreshold is how many consecutive failures bench a channel before
// its count is reset and it gets another chance.
const failureThreshold = 3

// SMTPSender load-balances across configured channels with a
// failure-count-gated round robin. The channel list is an explicit
// constructor argument, not process-global state.
type SMTPSender struct {
	from        string
	maxAttempts int
	retryDelay  time.Duration

	mu       sync.Mutex
	channels []config.SMTPChannel
	failures []int
	current  int

	// deliver is swapped out in tests.
	deliver func(ch config.SMTPChannel, from string, to []string, msg []byte) error
}

func NewSMTPSender(from string, channels []config.SMTPChannel) *SMTPSender {
	s := &SMTPSender{
		from:        from,
		maxAttempts: 3,
		retryDelay:  2 * time.Second,
		channels:    channels,
		failures:    make([]int, len(channels)),
	}
	s.deliver = deliverSMTP
	return s
}

func NewSender(cfg config.Config) Sender {
	if cfg.NotifySender == "smtp" && len(cfg.SMTPChannels) > 0 {
		return NewSMTPSender(cfg.MailFrom, cfg.SMTPChannels)
	}
	return LogSender{}
}

func (s *SMTPSender) Send(ctx context.Context, to []string, subject, textBody, htmlBody string) error {
	if len(s.channels) == 0 {
		return fmt.Errorf("no SMTP channels configured")
	}
	total := s.maxAttempts * len(s.channels)
	var lastErr error
	for attempt := 0; attempt < total; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := s.rotate()
		ch := s.channels[idx]
		msg := buildMessage(s.from, to, subject, textBody, htmlBody)
		if err := s.deliver(ch, s.from, to, msg); err != nil {
			s.recordFailure(idx)
			lastErr = err
			log.Printf("mail send attempt %d via %s:%d failed: %v", attempt+1, ch.Host, ch.Port, err)
			if attempt < total-1 {
				select {
				case <-time.After(s.retryDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			continue
		}
		s.recordSuccess(idx)
		return nil
	}
	return fmt.Errorf("all %d send attempts failed: %w", total, lastErr)
}

// rotate advances to the next channel whose failure count is under the
// threshold; a benched channel has its count reset so it re-enters the
// rotation on a later pass.
func (s *SMTPSender) rotate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range s.channels {
		s.current = (s.current + 1) % len(s.channels)
		if s.failures[s.current] > failureThreshold {
			s.failures[s.current] = 0
		}
		if s.failures[s.current] < failureThreshold {
			break
		}
	}
	return s.current
}

func (s *SMTPSender) recordFailure(idx int) {
	s.mu.Lock()
	s.failures[idx]++
	s.mu.Unlock()
}

func (s *SMTPSender) recordSuccess(idx int) {
	s.mu.Lock()
	s.failures[idx] = 0
	s.mu.Unlock()
}

func buildMessage(from string, to []string, subject, textBody, htmlBody string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	if htmlBody != "" {
		b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/html; charset=utf-8\r\n\r\n")
		b.WriteString(htmlBody)
	} else {
		b.WriteString("\r\n")
		b.WriteString(textBody)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func deliverSMTP(ch config.SMTPChannel, from string, to []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", ch.Host, ch.Port)
	var auth smtp.Auth
	if ch.Username != "" {
		auth = smtp.PlainAuth("", ch.Username, ch.Password, ch.Host)
	}
	if !ch.UseTLS {
		return smtp.SendMail(addr, auth, from, to, msg)
	}
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: ch.Host})
	if err != nil {
		return err
	}
	c, err := smtp.NewClient(conn, ch.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()
	if auth != nil {
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
