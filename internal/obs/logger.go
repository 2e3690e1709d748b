package obs

import (
	"context"

	"go.uber.org/zap"

	"github.com/lumenapps/creditledger/pkg/ledger"
)

// OperationZapLogger emits one structured log line per ledger operation.
type OperationZapLogger struct {
	logger *zap.Logger
}

// NewOperationZapLogger wires a zap-backed operation logger.
func NewOperationZapLogger(logger *zap.Logger) *OperationZapLogger {
	return &OperationZapLogger{logger: logger}
}

func (operationLogger *OperationZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID),
		zap.Int64("amount", entry.Amount),
		zap.String("status", entry.Status),
	}
	if entry.IdempotencyKey != "" {
		fields = append(fields, zap.String("idempotency_key", entry.IdempotencyKey))
	}
	if entry.Description != "" {
		fields = append(fields, zap.String("description", entry.Description))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
