// Package mail adapts outbound email delivery. Real delivery is an external
// collaborator; the log mailer stands in wherever no provider is configured.
package mail

import (
	"context"

	"go.uber.org/zap"
)

// LogMailer writes outbound mail to the log instead of sending it.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer wires a log-backed mailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (mailer *LogMailer) Send(_ context.Context, to string, subject string, html string) error {
	mailer.logger.Info("outbound email",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(html)),
	)
	return nil
}
