package notify

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ssobroker/internal/config"
)

func testChannels(n int) []config.SMTPChannel {
	out := make([]config.SMTPChannel, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, config.SMTPChannel{Host: "mail" + string(rune('a'+i)) + ".example.com", Port: 587})
	}
	return out
}

func TestSMTPSenderRoundRobinSkipsFailingChannel(t *testing.T) {
	s := NewSMTPSender("noreply@example.com", testChannels(2))
	s.retryDelay = 0

	var attempts []string
	s.deliver = func(ch config.SMTPChannel, from string, to []string, msg []byte) error {
		attempts = append(attempts, ch.Host)
		if ch.Host == "maila.example.com" {
			return errors.New("connection refused")
		}
		return nil
	}

	for i := 0; i < 6; i++ {
		if err := s.Send(context.Background(), []string{"u@example.com"}, "s", "b", ""); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	// The first channel fails until it hits the threshold, after which the
	// rotation stops offering it and every send lands on the healthy one.
	var tail []string
	if len(attempts) > 3 {
		tail = attempts[len(attempts)-3:]
	}
	for _, host := range tail {
		if host != "mailb.example.com" {
			t.Fatalf("benched channel still receiving traffic: %v", attempts)
		}
	}
	failedTries := 0
	for _, host := range attempts {
		if host == "maila.example.com" {
			failedTries++
		}
	}
	if failedTries == 0 || failedTries > failureThreshold {
		t.Fatalf("expected up to %d tries on the failing channel, got %d (%v)", failureThreshold, failedTries, attempts)
	}
}

func TestSMTPSenderBenchedChannelGetsAnotherChance(t *testing.T) {
	s := NewSMTPSender("noreply@example.com", testChannels(1))
	s.retryDelay = 0
	s.maxAttempts = 1

	calls := 0
	s.deliver = func(ch config.SMTPChannel, from string, to []string, msg []byte) error {
		calls++
		if calls <= failureThreshold+1 {
			return errors.New("down")
		}
		return nil
	}

	for i := 0; i < failureThreshold+1; i++ {
		if err := s.Send(context.Background(), []string{"u@example.com"}, "s", "b", ""); err == nil {
			t.Fatalf("send %d should have failed", i)
		}
	}
	// The only channel is past the threshold; rotation resets its count and
	// the next send goes through.
	if err := s.Send(context.Background(), []string{"u@example.com"}, "s", "b", ""); err != nil {
		t.Fatalf("recovered channel should deliver: %v", err)
	}
}

func TestSMTPSenderExhaustsAttemptBudget(t *testing.T) {
	s := NewSMTPSender("noreply@example.com", testChannels(2))
	s.retryDelay = 0

	calls := 0
	s.deliver = func(ch config.SMTPChannel, from string, to []string, msg []byte) error {
		calls++
		return errors.New("down")
	}
	err := s.Send(context.Background(), []string{"u@example.com"}, "s", "b", "")
	if err == nil {
		t.Fatalf("expected failure when every channel is down")
	}
	if want := s.maxAttempts * 2; calls != want {
		t.Fatalf("expected %d delivery attempts, got %d", want, calls)
	}
}

func TestSMTPSenderHonorsContextCancellation(t *testing.T) {
	s := NewSMTPSender("noreply@example.com", testChannels(1))
	s.retryDelay = 0

	ctx, cancel := context.WithCancel(context.Background())
	s.deliver = func(ch config.SMTPChannel, from string, to []string, msg []byte) error {
		cancel()
		return errors.New("down")
	}
	if err := s.Send(ctx, []string{"u@example.com"}, "s", "b", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestBuildMessageHeaders(t *testing.T) {
	msg := string(buildMessage("from@example.com", []string{"a@example.com", "b@example.com"}, "Hello", "plain text", ""))
	for _, want := range []string{"From: from@example.com", "To: a@example.com, b@example.com", "Subject: Hello", "plain text"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
	htmlMsg := string(buildMessage("from@example.com", []string{"a@example.com"}, "H", "", "<b>hi</b>"))
	if !strings.Contains(htmlMsg, "Content-Type: text/html") || !strings.Contains(htmlMsg, "<b>hi</b>") {
		t.Fatalf("html message malformed:\n%s", htmlMsg)
	}
}

type recordingSender struct {
	to      []string
	subject string
	body    string
}

func (r *recordingSender) Send(ctx context.Context, to []string, subject, textBody, htmlBody string) error {
	r.to = to
	r.subject = subject
	r.body = textBody
	return nil
}

func TestNotifierBuildsAddressesAndLinks(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier(rec, "https://sso.example.com/", "campus.example.com")

	if got := n.Address(" 2021CS042 "); got != "2021cs042@campus.example.com" {
		t.Fatalf("address derivation: %q", got)
	}
	if err := n.SendVerification(context.Background(), "2021cs042", "tok-123"); err != nil {
		t.Fatalf("send verification: %v", err)
	}
	if rec.to[0] != "2021cs042@campus.example.com" {
		t.Fatalf("wrong recipient: %v", rec.to)
	}
	if !strings.Contains(rec.body, "https://sso.example.com/confirm-email/tok-123") {
		t.Fatalf("verification link malformed: %q", rec.body)
	}
	if err := n.SendPasswordReset(context.Background(), "2021cs042", "tok-456"); err != nil {
		t.Fatalf("send reset: %v", err)
	}
	if !strings.Contains(rec.body, "https://sso.example.com/resetpassword/tok-456") {
		t.Fatalf("reset link malformed: %q", rec.body)
	}
}
