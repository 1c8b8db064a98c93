package notify

import (
	"context"

	"go.uber.org/zap"
)

// Log writes maintainer notifications to the log. It is the fallback when no
// webhook is configured.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log {
	return &Log{log: log}
}

func (n *Log) NotifyInternalError(_ context.Context, subject, body string) error {
	n.log.Warn("maintainer notification", zap.String("subject", subject), zap.String("body", body))
	return nil
}
