package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User mirrors the users table. CurrentCredits is the denormalized aggregate.
type User struct {
	ID                  string `gorm:"type:uuid;primaryKey"`
	Email               string `gorm:"size:255;not null;uniqueIndex:uniq_users_email"`
	DisplayName         string `gorm:"size:255"`
	Roles               string `gorm:"size:255"`
	CurrentCredits      int64  `gorm:"not null;default:0"`
	LastCreditRefreshAt *time.Time
	ReferralUserID      *string   `gorm:"index:idx_users_referral_user"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	return nil
}

// CreditTransaction mirrors the credit_transactions table. The primary key
// doubles as the idempotency key for deterministically-keyed grants.
type CreditTransaction struct {
	ID                        string     `gorm:"size:255;primaryKey"`
	UserID                    string     `gorm:"type:uuid;not null;index:idx_credit_transactions_user_created,priority:1"`
	Amount                    int64      `gorm:"not null"`
	RemainingAmount           int64      `gorm:"not null;default:0"`
	Type                      string     `gorm:"size:32;not null;index:idx_credit_transactions_type"`
	Description               string     `gorm:"size:255;not null"`
	ExpirationDate            *time.Time `gorm:"index:idx_credit_transactions_expiration"`
	ExpirationDateProcessedAt *time.Time
	PaymentIntentID           *string        `gorm:"size:255;index:idx_credit_transactions_payment_intent"`
	Metadata                  datatypes.JSON `gorm:"not null"`
	CreatedAt                 time.Time      `gorm:"not null;index:idx_credit_transactions_user_created,priority:2"`
	UpdatedAt                 time.Time      `gorm:"not null"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = "ctxn_" + uuid.NewString()
	}
	return nil
}

// ReferralInvitation mirrors the referral_invitations table.
type ReferralInvitation struct {
	ID             string `gorm:"size:255;primaryKey"`
	Token          string `gorm:"size:255;not null;uniqueIndex:uniq_referral_invitations_token"`
	InviterUserID  string `gorm:"type:uuid;not null;index:idx_referral_invitations_inviter"`
	InvitedEmail   string `gorm:"size:255;not null;index:idx_referral_invitations_email"`
	Status         string `gorm:"size:16;not null;default:PENDING"`
	ExpiresAt      *time.Time
	CreditsAwarded int64     `gorm:"not null;default:0"`
	CreatedAt      time.Time `gorm:"not null"`
	UpdatedAt      time.Time `gorm:"not null"`
}

func (ReferralInvitation) TableName() string { return "referral_invitations" }

func (invitation *ReferralInvitation) BeforeCreate(tx *gorm.DB) error {
	if invitation.ID == "" {
		invitation.ID = "rinv_" + uuid.NewString()
	}
	return nil
}

// PurchasedItem mirrors the purchased_items table. The composite unique index
// makes ownership a one-time fact.
type PurchasedItem struct {
	ID          string    `gorm:"size:255;primaryKey"`
	UserID      string    `gorm:"type:uuid;not null;index:uniq_purchased_items_user_item,unique,priority:1"`
	ItemType    string    `gorm:"size:64;not null;index:uniq_purchased_items_user_item,unique,priority:2"`
	ItemID      string    `gorm:"size:255;not null;index:uniq_purchased_items_user_item,unique,priority:3"`
	PurchasedAt time.Time `gorm:"not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (PurchasedItem) TableName() string { return "purchased_items" }

func (item *PurchasedItem) BeforeCreate(tx *gorm.DB) error {
	if item.ID == "" {
		item.ID = "pitem_" + uuid.NewString()
	}
	return nil
}

// AppSetting mirrors the app_settings key/value table.
type AppSetting struct {
	Key       string    `gorm:"size:255;primaryKey"`
	Value     string    `gorm:"size:255;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (AppSetting) TableName() string { return "app_settings" }

// Models lists every table for schema migration.
func Models() []any {
	return []any{&User{}, &CreditTransaction{}, &ReferralInvitation{}, &PurchasedItem{}, &AppSetting{}}
}
