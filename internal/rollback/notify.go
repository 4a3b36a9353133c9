package rollback

import (
	"context"
	"log/slog"
	"time"

	"rollbox/internal/history"
)

// Notification summarizes one rollback attempt for a human.
type Notification struct {
	Project    string
	Recipients []string
	Succeeded  bool
	Restored   bool
	FromCommit string
	ToCommit   string
	Reason     string
	Steps      history.StepLog
	Backup     *Backup
	Error      string
	At         time.Time
}

// Notifier delivers rollback notifications. Delivery is best effort: the
// outcome of a rollback never depends on it.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// sendNotification calls notifier and absorbs every failure, panics
// included, into the log.
func sendNotification(ctx context.Context, logger *slog.Logger, notifier Notifier, n Notification) {
	if notifier == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Rollback notification panicked", "panic", r)
		}
	}()

	if err := notifier.Notify(ctx, n); err != nil {
		logger.Warn("Failed to send rollback notification", "error", err)
	}
}
