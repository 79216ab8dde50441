package report

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier records deliveries and announcements in the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a notifier writing to logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Deliver(_ context.Context, key, caption string) error {
	n.logger.Info("artifact delivered", zap.String("key", key), zap.String("caption", caption))
	return nil
}

func (n *LogNotifier) Announce(_ context.Context, text string) error {
	n.logger.Info("announcement", zap.String("text", text))
	return nil
}
