package notify

import (
	"context"
	"fmt"

	"rollbox/internal/history"
	"rollbox/internal/rollback"
	"rollbox/pkg/templates"
)

// EmailNotifier mails rollback notifications to the recipients carried by
// each notification.
type EmailNotifier struct {
	mailer Mailer
	from   string
}

// NewEmailNotifier creates a notifier sending from the given address.
func NewEmailNotifier(mailer Mailer, from string) *EmailNotifier {
	return &EmailNotifier{mailer: mailer, from: from}
}

// Notify renders and sends n. Without recipients it does nothing.
func (e *EmailNotifier) Notify(ctx context.Context, n rollback.Notification) error {
	if len(n.Recipients) == 0 {
		return nil
	}

	subject, body, err := Compose(n)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	defer cancel()

	if err := e.mailer.Send(ctx, Message{
		From:     e.from,
		To:       n.Recipients,
		Subject:  subject,
		HTMLBody: body,
	}); err != nil {
		return fmt.Errorf("failed to send rollback notification: %w", err)
	}
	return nil
}

type stepView struct {
	Name   string
	Status string
	Output string
	Error  string
	OK     bool
}

type notificationView struct {
	rollback.Notification
	BackupCommit string
	BackupFile   string
	Steps        []stepView
}

// Compose renders the subject and HTML body for n.
func Compose(n rollback.Notification) (string, string, error) {
	outcome := "succeeded"
	switch {
	case n.Succeeded:
	case n.Restored:
		outcome = "failed (restored)"
	default:
		outcome = "failed (NOT restored)"
	}

	subject, err := templates.Render(templates.RollbackSubject, templates.TemplateData{
		"PROJECT":   n.Project,
		"TO_COMMIT": shortHash(n.ToCommit),
		"OUTCOME":   outcome,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to render subject: %w", err)
	}

	view := notificationView{Notification: n}
	if n.Backup != nil {
		view.BackupCommit = n.Backup.Commit
		view.BackupFile = n.Backup.File
	}
	for _, s := range n.Steps {
		sv := stepView{Name: s.Name}
		switch o := s.Outcome.(type) {
		case history.StepSucceeded:
			sv.Status, sv.Output, sv.OK = "success", o.Output, true
		case history.StepFailed:
			sv.Status, sv.Output, sv.Error = "failed", o.Output, o.Error
		}
		view.Steps = append(view.Steps, sv)
	}

	body, err := templates.RenderHTML(templates.RollbackNotification, view)
	if err != nil {
		return "", "", fmt.Errorf("failed to render body: %w", err)
	}

	return headerValue(subject), body, nil
}

// NopNotifier discards notifications. It is used when no mail relay is
// configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, rollback.Notification) error { return nil }

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}
