package local

import (
	"context"
	"log/slog"

	"github.com/flotilla-io/flotilla/internal/domain"
)

// LogSink writes notifications to the structured log. Delivery always
// succeeds; the log record is the notification.
type LogSink struct {
	Log *slog.Logger
}

func (s *LogSink) Publish(ctx context.Context, channel, subject, message string) error {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Warn("notification",
		"channel", channel, "subject", subject, "message", message)
	return nil
}

var _ domain.NotificationSink = (*LogSink)(nil)
