package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Credits is an integer credit amount. Grants are positive, debits negative.
type Credits int64

// Int64 returns the raw credit amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// UserID identifies a user.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// EmailAddress is a normalized (lowercased, trimmed) recipient address.
type EmailAddress struct {
	value string
}

// NewEmailAddress validates and normalizes an email address.
func NewEmailAddress(raw string) (EmailAddress, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	atIndex := strings.Index(normalized, "@")
	if atIndex < 1 || atIndex == len(normalized)-1 {
		return EmailAddress{}, fmt.Errorf("%w: %q", ErrInvalidEmail, raw)
	}
	return EmailAddress{value: normalized}, nil
}

// String returns the normalized address.
func (address EmailAddress) String() string {
	return address.value
}

// IdempotencyKey scopes duplicate detection for keyed grants.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewCredits validates an amount and ensures it is strictly positive.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// EntryType enumerates credit transaction kinds.
type EntryType string

const (
	EntryPurchase       EntryType = "PURCHASE"
	EntryUsage          EntryType = "USAGE"
	EntryMonthlyRefresh EntryType = "MONTHLY_REFRESH"
)

// ParseEntryType maps a stored string onto an EntryType.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryPurchase, EntryUsage, EntryMonthlyRefresh:
		return EntryType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
}

// String returns the stored representation.
func (entryType EntryType) String() string {
	return string(entryType)
}

// InvitationStatus defines the referral invitation lifecycle.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "PENDING"
	InvitationAccepted InvitationStatus = "ACCEPTED"
	InvitationExpired  InvitationStatus = "EXPIRED"
)

// ParseInvitationStatus maps a stored string onto an InvitationStatus.
func ParseInvitationStatus(raw string) (InvitationStatus, error) {
	switch InvitationStatus(raw) {
	case InvitationPending, InvitationAccepted, InvitationExpired:
		return InvitationStatus(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidInvitationStatus, raw)
}

// String returns the stored representation.
func (status InvitationStatus) String() string {
	return string(status)
}

// User is the account row carrying the denormalized credit aggregate.
type User struct {
	ID                  string
	Email               string
	DisplayName         string
	Roles               []string
	CurrentCredits      int64
	LastCreditRefreshAt *time.Time
	ReferralUserID      *string
	CreatedAt           time.Time
}

// Transaction is a single line in the credit ledger. Amount is immutable;
// RemainingAmount only decreases and ExpirationDateProcessedAt is set once.
type Transaction struct {
	ID                        string
	UserID                    string
	Amount                    int64
	RemainingAmount           int64
	Type                      EntryType
	Description               string
	ExpirationDate            *time.Time
	ExpirationDateProcessedAt *time.Time
	PaymentIntentID           string
	MetadataJSON              string
	CreatedAt                 time.Time
}

// Invitation is a referral invitation owned by the inviter.
type Invitation struct {
	ID             string
	Token          string
	InviterUserID  string
	InvitedEmail   string
	Status         InvitationStatus
	ExpiresAt      *time.Time
	CreditsAwarded int64
	CreatedAt      time.Time
}

// PurchasedItem records a one-time catalog purchase.
type PurchasedItem struct {
	ID          string
	UserID      string
	ItemType    string
	ItemID      string
	PurchasedAt time.Time
}

// Setting is a tunable business parameter stored as a string value.
type Setting struct {
	Key   string
	Value string
}

// Balance is the readable credit position of a user.
type Balance struct {
	CurrentCredits int64
}

// Page describes a slice of the transaction history.
type Page struct {
	Total   int64
	Pages   int64
	Current int
}

// SessionUser is the cached session snapshot a caller hands to the monthly
// refresh path. It may be stale; the service re-reads the durable row before
// acting on it.
type SessionUser struct {
	UserID              string
	CurrentCredits      int64
	LastCreditRefreshAt *time.Time
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error

	CreateUser(ctx context.Context, user User) error
	GetUser(ctx context.Context, userID string) (User, error)
	GetUserByEmail(ctx context.Context, email string) (User, error)
	AdjustUserCredits(ctx context.Context, userID string, delta int64) error
	SetLastCreditRefresh(ctx context.Context, userID string, at time.Time) error
	SetReferralUser(ctx context.Context, userID string, inviterUserID string) error

	InsertTransaction(ctx context.Context, transaction Transaction) error
	SetTransactionRemaining(ctx context.Context, transactionID string, remaining int64) error
	MarkTransactionExpired(ctx context.Context, transactionID string, processedAt time.Time) error
	ListExpiredTransactions(ctx context.Context, userID string, at time.Time) ([]Transaction, error)
	ListActiveTransactions(ctx context.Context, userID string, at time.Time) ([]Transaction, error)
	ListTransactions(ctx context.Context, userID string, page int, limit int) ([]Transaction, int64, error)
	SumActiveRemaining(ctx context.Context, userID string, at time.Time) (int64, error)

	CreateInvitation(ctx context.Context, invitation Invitation) error
	GetInvitationByToken(ctx context.Context, token string) (Invitation, error)
	FindPendingInvitationByEmail(ctx context.Context, email string) (Invitation, error)
	ListInvitationsByInviter(ctx context.Context, inviterUserID string) ([]Invitation, error)
	UpdateInvitationStatus(ctx context.Context, invitationID string, from InvitationStatus, to InvitationStatus, creditsAwarded int64) error

	CreatePurchasedItem(ctx context.Context, item PurchasedItem) error
	HasPurchasedItem(ctx context.Context, userID string, itemType string, itemID string) (bool, error)
	ListPurchasedItems(ctx context.Context, userID string) ([]PurchasedItem, error)

	GetSetting(ctx context.Context, key string) (string, error)
	UpsertSetting(ctx context.Context, key string, value string) error
	ListSettings(ctx context.Context) ([]Setting, error)
}

// Mailer delivers outbound mail. Failures are logged, never fatal.
type Mailer interface {
	Send(ctx context.Context, to string, subject string, html string) error
}

// SessionRefresher rewrites all cached session snapshots of a user after a
// credit-affecting operation completes.
type SessionRefresher interface {
	RefreshUserSessions(ctx context.Context, userID string) error
}
