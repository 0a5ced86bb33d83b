// Package notify sends new-message email notifications through SendGrid.
// Delivery is best-effort; the fan-out engine logs and moves on when a
// notification fails.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"pigeon/dbtypes"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const emailPlain = `{{.SenderName}} sent you a new message:

  {{.Preview}}

Open Pigeon to reply.
`

var emailPlainTemplate = template.Must(template.New("email").Parse(emailPlain))

type emailParams struct {
	SenderName string
	Preview    string
}

// Mailer implements chat.Notifier over SendGrid.
type Mailer struct {
	sendgridClient *sendgrid.Client
	from           string
}

func New(sendgridClient *sendgrid.Client, from string) *Mailer {
	return &Mailer{
		sendgridClient: sendgridClient,
		from:           from,
	}
}

func (m *Mailer) NotifyNewMessage(ctx context.Context, sender, recipient *dbtypes.User, preview string) error {
	if recipient.Email == "" {
		return nil
	}

	message := mail.NewV3Mail()
	message.From = mail.NewEmail("Pigeon", m.from)
	message.Subject = fmt.Sprintf("New message from %s", sender.Username())

	personalization := mail.NewPersonalization()
	personalization.To = append(personalization.To, mail.NewEmail("", recipient.Email))
	message.Personalizations = append(message.Personalizations, personalization)

	textContent := &bytes.Buffer{}
	if err := emailPlainTemplate.Execute(textContent, emailParams{SenderName: sender.Username(), Preview: preview}); err != nil {
		return fmt.Errorf("while templating plain-text email content: %w", err)
	}

	message.Content = append(message.Content, mail.NewContent("text/plain", textContent.String()))

	resp, err := m.sendgridClient.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("while sending mail through SendGrid: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2XX response while sending mail through SendGrid: %d %s", resp.StatusCode, resp.Body)
	}

	return nil
}
