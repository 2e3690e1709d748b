package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// PurchaseItem debits the item's cost and records one-time ownership keyed by
// (user, item type, item id). Owning the item already fails before any debit.
func (service *Service) PurchaseItem(ctx context.Context, userID UserID, itemType string, itemID string, itemName string, cost Credits) error {
	owned, err := service.store.HasPurchasedItem(ctx, userID.String(), itemType, itemID)
	if err != nil {
		return err
	}
	if owned {
		return ErrItemAlreadyOwned
	}
	if _, err := service.ConsumeCredits(ctx, userID, cost, fmt.Sprintf("Purchased %s", itemName)); err != nil {
		return err
	}
	operationError := service.store.CreatePurchasedItem(ctx, PurchasedItem{
		ID:          "pitem_" + uuid.NewString(),
		UserID:      userID.String(),
		ItemType:    itemType,
		ItemID:      itemID,
		PurchasedAt: service.nowFn(),
	})
	service.logOperation(ctx, OperationLog{
		Operation:   operationPurchaseItem,
		UserID:      userID.String(),
		Amount:      -cost.Int64(),
		Description: itemName,
		Error:       operationError,
	})
	return operationError
}

// PurchasedItems returns everything a user owns.
func (service *Service) PurchasedItems(ctx context.Context, userID UserID) ([]PurchasedItem, error) {
	return service.store.ListPurchasedItems(ctx, userID.String())
}
