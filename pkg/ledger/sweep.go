package ledger

import (
	"context"
	"time"
)

// SweepExpired zeroes out ledger entries whose expiration has passed with
// balance still unconsumed, decrementing the aggregate by each entry's prior
// remaining amount. Entries are processed MONTHLY_REFRESH-first, then
// oldest-created. Each entry is its own transaction and failures are skipped,
// so a partial sweep is a normal outcome; the next sweep picks up the rest.
func (service *Service) SweepExpired(ctx context.Context, userID UserID, at time.Time) (int64, error) {
	expired, err := service.store.ListExpiredTransactions(ctx, userID.String(), at)
	if err != nil {
		return 0, err
	}
	var sweptTotal int64
	for _, transaction := range expired {
		entryErr := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			if err := txStore.MarkTransactionExpired(ctx, transaction.ID, at); err != nil {
				return err
			}
			return txStore.AdjustUserCredits(ctx, userID.String(), -transaction.RemainingAmount)
		})
		if entryErr != nil {
			service.logOperation(ctx, OperationLog{
				Operation: operationSweep,
				UserID:    userID.String(),
				Amount:    transaction.RemainingAmount,
				Error:     entryErr,
			})
			continue
		}
		sweptTotal += transaction.RemainingAmount
	}
	if sweptTotal > 0 {
		service.logOperation(ctx, OperationLog{
			Operation: operationSweep,
			UserID:    userID.String(),
			Amount:    -sweptTotal,
		})
		service.refreshSessions(ctx, userID.String())
	}
	return sweptTotal, nil
}

// RefreshMonthlyCredits grants the free monthly credits when a month has
// passed since the last grant. The caller passes its cached session snapshot;
// when the snapshot says a refresh is due the durable row is re-read and the
// decision re-checked before acting, so two concurrent validations working
// from the same stale snapshot collapse to one grant in the common case.
// Returns the user's fresh balance.
func (service *Service) RefreshMonthlyCredits(ctx context.Context, session SessionUser) (int64, error) {
	now := service.nowFn()
	if !refreshDue(session.LastCreditRefreshAt, now) {
		return session.CurrentCredits, nil
	}
	userID, err := NewUserID(session.UserID)
	if err != nil {
		return 0, err
	}
	user, err := service.store.GetUser(ctx, userID.String())
	if err != nil {
		return 0, err
	}
	if !refreshDue(user.LastCreditRefreshAt, now) {
		return user.CurrentCredits, nil
	}
	if _, err := service.SweepExpired(ctx, userID, now); err != nil {
		return 0, err
	}
	settings, err := service.LoadSettings(ctx)
	if err != nil {
		return 0, err
	}
	granted := settings.MonthlyFreeCredits
	operationError := service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		if granted > 0 {
			expiration := now.AddDate(0, 1, 0)
			if err := txStore.InsertTransaction(ctx, Transaction{
				UserID:          userID.String(),
				Amount:          granted,
				RemainingAmount: granted,
				Type:            EntryMonthlyRefresh,
				Description:     descriptionMonthlyRefresh,
				ExpirationDate:  &expiration,
				CreatedAt:       now,
			}); err != nil {
				return err
			}
			if err := txStore.AdjustUserCredits(ctx, userID.String(), granted); err != nil {
				return err
			}
		}
		return txStore.SetLastCreditRefresh(ctx, userID.String(), now)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationMonthlyRefresh,
		UserID:    userID.String(),
		Amount:    granted,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	service.refreshSessions(ctx, userID.String())
	fresh, err := service.store.GetUser(ctx, userID.String())
	if err != nil {
		return 0, err
	}
	return fresh.CurrentCredits, nil
}

func refreshDue(lastRefreshAt *time.Time, now time.Time) bool {
	if lastRefreshAt == nil {
		return true
	}
	return !now.Before(lastRefreshAt.AddDate(0, 1, 0))
}
