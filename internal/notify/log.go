package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes every event to a logger at info level.
func LogSink(logger *zap.Logger) Sink {
	return SinkFunc(func(_ context.Context, e Event) error {
		logger.Info("notification",
			zap.Stringer("recipient_id", e.RecipientID),
			zap.String("audience", string(e.Audience)),
			zap.String("category", string(e.Category)),
			zap.String("message", e.Message),
			zap.String("link", e.Link),
		)
		return nil
	})
}
