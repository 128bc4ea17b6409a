package notifier

import (
	"context"
	"fmt"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// EmailChannel sends notifications through SendGrid.
type EmailChannel struct {
	client      *sendgrid.Client
	fromName    string
	fromAddress string
	to          string
}

func NewEmailChannel(apiKey, fromName, fromAddress, to string) *EmailChannel {
	return &EmailChannel{
		client:      sendgrid.NewSendClient(apiKey),
		fromName:    fromName,
		fromAddress: fromAddress,
		to:          to,
	}
}

func (c *EmailChannel) Name() string {
	return "email"
}

func (c *EmailChannel) Send(ctx context.Context, n Notification) error {
	from := mail.NewEmail(c.fromName, c.fromAddress)
	to := mail.NewEmail("", c.to)
	subject := fmt.Sprintf("[%s] %s", n.Severity, n.Subject)
	message := mail.NewSingleEmail(from, subject, to, n.Body, n.Body)

	response, err := c.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	return nil
}
