package ledger

import (
	"context"
	"fmt"
	"time"
)

// Service contains the credit ledger domain logic over a Store.
type Service struct {
	store    Store
	nowFn    func() time.Time
	logger   OperationLogger
	mailer   Mailer
	sessions SessionRefresher
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the denormalized credit aggregate for a user. The aggregate
// is kept consistent with the ledger through explicit mutation, not
// recomputation; ReconcileBalance rebuilds it from the ledger when needed.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	user, err := service.store.GetUser(ctx, userID.String())
	if err != nil {
		return Balance{}, err
	}
	return Balance{CurrentCredits: user.CurrentCredits}, nil
}

// GrantInput describes a keyed credit grant.
type GrantInput struct {
	UserID          UserID
	Amount          Credits
	IdempotencyKey  IdempotencyKey
	Description     string
	ExpiresAt       *time.Time
	PaymentIntentID string
	MetadataJSON    string
}

// GrantCredits appends a PURCHASE ledger entry keyed by the idempotency key
// and bumps the user's aggregate, as one transaction. A duplicate key returns
// ErrDuplicateIdempotencyKey with no aggregate change; the storage-layer
// uniqueness constraint is the authoritative already-granted signal.
func (service *Service) GrantCredits(ctx context.Context, input GrantInput) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if err := txStore.InsertTransaction(ctx, Transaction{
			ID:              input.IdempotencyKey.String(),
			UserID:          input.UserID.String(),
			Amount:          input.Amount.Int64(),
			RemainingAmount: input.Amount.Int64(),
			Type:            EntryPurchase,
			Description:     input.Description,
			ExpirationDate:  input.ExpiresAt,
			PaymentIntentID: input.PaymentIntentID,
			MetadataJSON:    input.MetadataJSON,
			CreatedAt:       service.nowFn(),
		}); err != nil {
			return err
		}
		return txStore.AdjustUserCredits(ctx, input.UserID.String(), input.Amount.Int64())
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		UserID:         input.UserID.String(),
		Amount:         input.Amount.Int64(),
		IdempotencyKey: input.IdempotencyKey.String(),
		Description:    input.Description,
		Error:          operationError,
	})
	if operationError != nil {
		return operationError
	}
	service.refreshSessions(ctx, input.UserID.String())
	return nil
}

// ConsumeCredits debits the user's balance, deducting from the oldest active
// ledger entries first and recording one USAGE entry for audit. It fails with
// ErrInsufficientCredits before any write when the aggregate cannot cover the
// amount. Returns the fresh aggregate.
func (service *Service) ConsumeCredits(ctx context.Context, userID UserID, amount Credits, description string) (int64, error) {
	var freshBalance int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		user, err := txStore.GetUser(ctx, userID.String())
		if err != nil {
			return err
		}
		if user.CurrentCredits < amount.Int64() {
			return ErrInsufficientCredits
		}
		now := service.nowFn()
		active, err := txStore.ListActiveTransactions(ctx, userID.String(), now)
		if err != nil {
			return err
		}
		remainingToDeduct := amount.Int64()
		for _, transaction := range active {
			if remainingToDeduct <= 0 {
				break
			}
			deduction := transaction.RemainingAmount
			if deduction > remainingToDeduct {
				deduction = remainingToDeduct
			}
			if err := txStore.SetTransactionRemaining(ctx, transaction.ID, transaction.RemainingAmount-deduction); err != nil {
				return err
			}
			remainingToDeduct -= deduction
		}
		if err := txStore.InsertTransaction(ctx, Transaction{
			UserID:          userID.String(),
			Amount:          -amount.Int64(),
			RemainingAmount: 0,
			Type:            EntryUsage,
			Description:     description,
			CreatedAt:       now,
		}); err != nil {
			return err
		}
		if err := txStore.AdjustUserCredits(ctx, userID.String(), -amount.Int64()); err != nil {
			return err
		}
		freshBalance = user.CurrentCredits - amount.Int64()
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationConsume,
		UserID:      userID.String(),
		Amount:      -amount.Int64(),
		Description: description,
		Error:       operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	service.refreshSessions(ctx, userID.String())
	return freshBalance, nil
}

// ReconcileBalance recomputes the aggregate from the ledger and overwrites
// any drift left behind by partial failures.
func (service *Service) ReconcileBalance(ctx context.Context, userID UserID) (int64, error) {
	var reconciled int64
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		user, err := txStore.GetUser(ctx, userID.String())
		if err != nil {
			return err
		}
		ledgerSum, err := txStore.SumActiveRemaining(ctx, userID.String(), service.nowFn())
		if err != nil {
			return err
		}
		reconciled = ledgerSum
		if user.CurrentCredits == ledgerSum {
			return nil
		}
		return txStore.AdjustUserCredits(ctx, userID.String(), ledgerSum-user.CurrentCredits)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationReconcile,
		UserID:    userID.String(),
		Amount:    reconciled,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	service.refreshSessions(ctx, userID.String())
	return reconciled, nil
}

// User returns the durable user row.
func (service *Service) User(ctx context.Context, userID UserID) (User, error) {
	return service.store.GetUser(ctx, userID.String())
}

// UserByEmail returns the durable user row for an email address.
func (service *Service) UserByEmail(ctx context.Context, email EmailAddress) (User, error) {
	return service.store.GetUserByEmail(ctx, email.String())
}

// TransactionHistory lists a user's ledger entries newest-first.
func (service *Service) TransactionHistory(ctx context.Context, userID UserID, page int, limit int) ([]Transaction, Page, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	transactions, total, err := service.store.ListTransactions(ctx, userID.String(), page, limit)
	if err != nil {
		return nil, Page{}, err
	}
	pages := total / int64(limit)
	if total%int64(limit) != 0 {
		pages++
	}
	return transactions, Page{Total: total, Pages: pages, Current: page}, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// refreshSessions is best-effort: a stale session snapshot heals on the next
// durable read, so refresh failures are logged and swallowed.
func (service *Service) refreshSessions(ctx context.Context, userID string) {
	if service.sessions == nil {
		return
	}
	if err := service.sessions.RefreshUserSessions(ctx, userID); err != nil {
		service.logOperation(ctx, OperationLog{
			Operation: "refresh_sessions",
			UserID:    userID,
			Status:    operationStatusError,
			Error:     err,
		})
	}
}
