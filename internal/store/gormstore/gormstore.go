package gormstore

import (
	"context"
	"errors"
	"strings"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lumenapps/creditledger/pkg/ledger"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	rolesSeparator        = ","

	errorOperationStore    = "store"
	errorSubjectUser       = "user"
	errorSubjectEntry      = "entry"
	errorSubjectInvitation = "invitation"
	errorSubjectItem       = "item"
	errorSubjectSetting    = "setting"
	errorCodeCreate        = "create"
	errorCodeDuplicate     = "duplicate"
	errorCodeGet           = "get"
	errorCodeInsert        = "insert"
	errorCodeList          = "list"
	errorCodeSum           = "sum"
	errorCodeUpdate        = "update"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) CreateUser(ctx context.Context, user ledger.User) error {
	model := User{
		ID:                  user.ID,
		Email:               user.Email,
		DisplayName:         user.DisplayName,
		Roles:               strings.Join(user.Roles, rolesSeparator),
		CurrentCredits:      user.CurrentCredits,
		LastCreditRefreshAt: user.LastCreditRefreshAt,
		ReferralUserID:      user.ReferralUserID,
		CreatedAt:           user.CreatedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectUser, errorCodeDuplicate, ledger.ErrUserExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetUser(ctx context.Context, userID string) (ledger.User, error) {
	var model User
	err := store.db.WithContext(ctx).Where("id = ?", userID).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, ledger.ErrUserNotFound)
	}
	if err != nil {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return mapUser(model), nil
}

func (store *Store) GetUserByEmail(ctx context.Context, email string) (ledger.User, error) {
	var model User
	err := store.db.WithContext(ctx).Where("email = ?", email).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, ledger.ErrUserNotFound)
	}
	if err != nil {
		return ledger.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	return mapUser(model), nil
}

// AdjustUserCredits applies a delta to the aggregate with a NULL-safe atomic
// increment expression.
func (store *Store) AdjustUserCredits(ctx context.Context, userID string, delta int64) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Update("current_credits", gorm.Expr("COALESCE(current_credits, 0) + ?", delta))
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, ledger.ErrUserNotFound)
	}
	return nil
}

func (store *Store) SetLastCreditRefresh(ctx context.Context, userID string, at time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Update("last_credit_refresh_at", at)
	if result.Error != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, ledger.ErrUserNotFound)
	}
	return nil
}

// SetReferralUser links the invitee to the inviter only when no link exists
// yet. Zero rows affected means the link was already set, which is fine.
func (store *Store) SetReferralUser(ctx context.Context, userID string, inviterUserID string) error {
	if inviterUserID == "" {
		return nil
	}
	err := store.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ? AND referral_user_id IS NULL", userID).
		Update("referral_user_id", inviterUserID).Error
	if err != nil {
		return wrapStoreError(errorSubjectUser, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) error {
	var paymentIntentID *string
	if transaction.PaymentIntentID != "" {
		value := transaction.PaymentIntentID
		paymentIntentID = &value
	}
	model := CreditTransaction{
		ID:              transaction.ID,
		UserID:          transaction.UserID,
		Amount:          transaction.Amount,
		RemainingAmount: transaction.RemainingAmount,
		Type:            transaction.Type.String(),
		Description:     transaction.Description,
		ExpirationDate:  transaction.ExpirationDate,
		PaymentIntentID: paymentIntentID,
		Metadata:        datatypesJSON(transaction.MetadataJSON),
		CreatedAt:       transaction.CreatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SetTransactionRemaining(ctx context.Context, transactionID string, remaining int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("id = ?", transactionID).
		Update("remaining_amount", remaining)
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, gorm.ErrRecordNotFound)
	}
	return nil
}

// MarkTransactionExpired zeroes an entry and stamps it processed, guarded on
// the stamp still being unset so a concurrent sweep cannot process it twice.
func (store *Store) MarkTransactionExpired(ctx context.Context, transactionID string, processedAt time.Time) error {
	result := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("id = ? AND expiration_date_processed_at IS NULL", transactionID).
		Updates(map[string]any{
			"remaining_amount":             0,
			"expiration_date_processed_at": processedAt,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	return nil
}

func (store *Store) ListExpiredTransactions(ctx context.Context, userID string, at time.Time) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND expiration_date < ? AND expiration_date_processed_at IS NULL AND remaining_amount > 0", userID, at).
		Order("CASE WHEN type = 'MONTHLY_REFRESH' THEN 1 ELSE 0 END DESC, created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) ListActiveTransactions(ctx context.Context, userID string, at time.Time) ([]ledger.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND remaining_amount > 0 AND expiration_date_processed_at IS NULL", userID).
		Where("(expiration_date IS NULL OR expiration_date > ?)", at).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return mapTransactions(rows)
}

func (store *Store) ListTransactions(ctx context.Context, userID string, page int, limit int) ([]ledger.Transaction, int64, error) {
	var total int64
	if err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("user_id = ?", userID).
		Count(&total).Error; err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	transactions, mapErr := mapTransactions(rows)
	if mapErr != nil {
		return nil, 0, mapErr
	}
	return transactions, total, nil
}

func (store *Store) SumActiveRemaining(ctx context.Context, userID string, at time.Time) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(remaining_amount),0) as total").
		Where("user_id = ? AND remaining_amount > 0 AND expiration_date_processed_at IS NULL", userID).
		Where("(expiration_date IS NULL OR expiration_date > ?)", at).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSum, err)
	}
	return sum.Total, nil
}

func (store *Store) CreateInvitation(ctx context.Context, invitation ledger.Invitation) error {
	model := ReferralInvitation{
		ID:             invitation.ID,
		Token:          invitation.Token,
		InviterUserID:  invitation.InviterUserID,
		InvitedEmail:   invitation.InvitedEmail,
		Status:         invitation.Status.String(),
		ExpiresAt:      invitation.ExpiresAt,
		CreditsAwarded: invitation.CreditsAwarded,
		CreatedAt:      invitation.CreatedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectInvitation, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectInvitation, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetInvitationByToken(ctx context.Context, token string) (ledger.Invitation, error) {
	var model ReferralInvitation
	err := store.db.WithContext(ctx).Where("token = ?", token).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Invitation{}, wrapStoreError(errorSubjectInvitation, errorCodeGet, ledger.ErrInvitationNotFound)
	}
	if err != nil {
		return ledger.Invitation{}, wrapStoreError(errorSubjectInvitation, errorCodeGet, err)
	}
	return mapInvitation(model)
}

func (store *Store) FindPendingInvitationByEmail(ctx context.Context, email string) (ledger.Invitation, error) {
	var model ReferralInvitation
	err := store.db.WithContext(ctx).
		Where("invited_email = ? AND status = ?", email, ledger.InvitationPending.String()).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Invitation{}, wrapStoreError(errorSubjectInvitation, errorCodeGet, ledger.ErrInvitationNotFound)
	}
	if err != nil {
		return ledger.Invitation{}, wrapStoreError(errorSubjectInvitation, errorCodeGet, err)
	}
	return mapInvitation(model)
}

func (store *Store) ListInvitationsByInviter(ctx context.Context, inviterUserID string) ([]ledger.Invitation, error) {
	var rows []ReferralInvitation
	err := store.db.WithContext(ctx).
		Where("inviter_user_id = ?", inviterUserID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectInvitation, errorCodeList, err)
	}
	invitations := make([]ledger.Invitation, 0, len(rows))
	for _, row := range rows {
		invitation, mapErr := mapInvitation(row)
		if mapErr != nil {
			return nil, mapErr
		}
		invitations = append(invitations, invitation)
	}
	return invitations, nil
}

// UpdateInvitationStatus performs the compare-and-set status transition. Zero
// rows affected means the invitation was not in the expected status.
func (store *Store) UpdateInvitationStatus(ctx context.Context, invitationID string, from ledger.InvitationStatus, to ledger.InvitationStatus, creditsAwarded int64) error {
	result := store.db.WithContext(ctx).
		Model(&ReferralInvitation{}).
		Where("id = ? AND status = ?", invitationID, from.String()).
		Updates(map[string]any{
			"status":          to.String(),
			"credits_awarded": creditsAwarded,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectInvitation, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectInvitation, errorCodeUpdate, ledger.ErrInvitationNotPending)
	}
	return nil
}

func (store *Store) CreatePurchasedItem(ctx context.Context, item ledger.PurchasedItem) error {
	model := PurchasedItem{
		ID:          item.ID,
		UserID:      item.UserID,
		ItemType:    item.ItemType,
		ItemID:      item.ItemID,
		PurchasedAt: item.PurchasedAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectItem, errorCodeDuplicate, ledger.ErrItemAlreadyOwned)
	}
	if err != nil {
		return wrapStoreError(errorSubjectItem, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) HasPurchasedItem(ctx context.Context, userID string, itemType string, itemID string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&PurchasedItem{}).
		Where("user_id = ? AND item_type = ? AND item_id = ?", userID, itemType, itemID).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectItem, errorCodeGet, err)
	}
	return count > 0, nil
}

func (store *Store) ListPurchasedItems(ctx context.Context, userID string) ([]ledger.PurchasedItem, error) {
	var rows []PurchasedItem
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("purchased_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectItem, errorCodeList, err)
	}
	items := make([]ledger.PurchasedItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, ledger.PurchasedItem{
			ID:          row.ID,
			UserID:      row.UserID,
			ItemType:    row.ItemType,
			ItemID:      row.ItemID,
			PurchasedAt: row.PurchasedAt,
		})
	}
	return items, nil
}

func (store *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var model AppSetting
	err := store.db.WithContext(ctx).Where("key = ?", key).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", wrapStoreError(errorSubjectSetting, errorCodeGet, ledger.ErrSettingNotFound)
	}
	if err != nil {
		return "", wrapStoreError(errorSubjectSetting, errorCodeGet, err)
	}
	return model.Value, nil
}

func (store *Store) UpsertSetting(ctx context.Context, key string, value string) error {
	model := AppSetting{Key: key, Value: value}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"value": value, "updated_at": time.Now().UTC()}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectSetting, errorCodeUpdate, err)
	}
	return nil
}

func (store *Store) ListSettings(ctx context.Context) ([]ledger.Setting, error) {
	var rows []AppSetting
	err := store.db.WithContext(ctx).Order("key ASC").Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectSetting, errorCodeList, err)
	}
	settings := make([]ledger.Setting, 0, len(rows))
	for _, row := range rows {
		settings = append(settings, ledger.Setting{Key: row.Key, Value: row.Value})
	}
	return settings, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapUser(model User) ledger.User {
	var roles []string
	if model.Roles != "" {
		roles = strings.Split(model.Roles, rolesSeparator)
	}
	return ledger.User{
		ID:                  model.ID,
		Email:               model.Email,
		DisplayName:         model.DisplayName,
		Roles:               roles,
		CurrentCredits:      model.CurrentCredits,
		LastCreditRefreshAt: model.LastCreditRefreshAt,
		ReferralUserID:      model.ReferralUserID,
		CreatedAt:           model.CreatedAt,
	}
}

func mapTransactions(rows []CreditTransaction) ([]ledger.Transaction, error) {
	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		entryType, err := ledger.ParseEntryType(row.Type)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		var paymentIntentID string
		if row.PaymentIntentID != nil {
			paymentIntentID = *row.PaymentIntentID
		}
		transactions = append(transactions, ledger.Transaction{
			ID:                        row.ID,
			UserID:                    row.UserID,
			Amount:                    row.Amount,
			RemainingAmount:           row.RemainingAmount,
			Type:                      entryType,
			Description:               row.Description,
			ExpirationDate:            row.ExpirationDate,
			ExpirationDateProcessedAt: row.ExpirationDateProcessedAt,
			PaymentIntentID:           paymentIntentID,
			MetadataJSON:              string(row.Metadata),
			CreatedAt:                 row.CreatedAt,
		})
	}
	return transactions, nil
}

func mapInvitation(model ReferralInvitation) (ledger.Invitation, error) {
	status, err := ledger.ParseInvitationStatus(model.Status)
	if err != nil {
		return ledger.Invitation{}, wrapStoreError(errorSubjectInvitation, errorCodeGet, err)
	}
	return ledger.Invitation{
		ID:             model.ID,
		Token:          model.Token,
		InviterUserID:  model.InviterUserID,
		InvitedEmail:   model.InvitedEmail,
		Status:         status,
		ExpiresAt:      model.ExpiresAt,
		CreditsAwarded: model.CreditsAwarded,
		CreatedAt:      model.CreatedAt,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
