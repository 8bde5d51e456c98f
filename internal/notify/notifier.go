package notify

import (
	"context"
	"fmt"
	"strings"
)

// Notifier builds the broker's mails on top of a Sender. Addresses are
// derived from the roll number and the configured mail domain.
type Notifier struct {
	sender      Sender
	baseURL     string
	emailDomain string
}

func NewNotifier(sender Sender, baseURL, emailDomain string) *Notifier {
	return &Notifier{sender: sender, baseURL: strings.TrimRight(baseURL, "/"), emailDomain: emailDomain}
}

func (n *Notifier) Address(roll string) string {
	return strings.ToLower(strings.TrimSpace(roll)) + "@" + n.emailDomain
}

func (n *Notifier) SendVerification(ctx context.Context, roll, token string) error {
	link := fmt.Sprintf("%s/confirm-email/%s", n.baseURL, token)
	body := "Click the link to verify your email: " + link
	return n.sender.Send(ctx, []string{n.Address(roll)}, "Email Verification", body, "")
}

func (n *Notifier) SendPasswordReset(ctx context.Context, roll, token string) error {
	link := fmt.Sprintf("%s/resetpassword/%s", n.baseURL, token)
	body := "Use this link to reset your password: " + link
	return n.sender.Send(ctx, []string{n.Address(roll)}, "Password Reset", body, "")
}
