package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation      string
	UserID         string
	Amount         int64
	IdempotencyKey string
	Description    string
	Status         string
	Error          error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithMailer wires outbound mail delivery for invitation emails.
func WithMailer(mailer Mailer) ServiceOption {
	return func(service *Service) {
		service.mailer = mailer
	}
}

// WithSessionRefresher wires the session-snapshot sweep invoked after
// credit-affecting operations.
func WithSessionRefresher(refresher SessionRefresher) ServiceOption {
	return func(service *Service) {
		service.sessions = refresher
	}
}

// TeeOperationLoggers fans one operation log out to several sinks.
func TeeOperationLoggers(loggers ...OperationLogger) OperationLogger {
	return teeLogger{loggers: loggers}
}

type teeLogger struct {
	loggers []OperationLogger
}

func (tee teeLogger) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range tee.loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
