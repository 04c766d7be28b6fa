package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. BalanceUnits is the materialized
// sum of the account's ledger entry deltas.
type Account struct {
	AccountID    string    `gorm:"type:uuid;primaryKey"`
	Kind         string    `gorm:"not null;index:idx_accounts_kind_owner,unique,priority:1"`
	OwnerID      string    `gorm:"not null;index:idx_accounts_kind_owner,unique,priority:2"`
	BalanceUnits int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerEntry mirrors the ledger_entries table. Rows are append-only.
type LedgerEntry struct {
	EntryID           string         `gorm:"type:uuid;primaryKey"`
	AccountID         string         `gorm:"type:uuid;not null;index:idx_ledger_account_created,priority:1;index:uniq_entry_reference,unique,priority:1"`
	DeltaUnits        int64          `gorm:"not null"`
	BalanceAfterUnits int64          `gorm:"not null"`
	Reason            string         `gorm:"not null;index:uniq_entry_reference,unique,priority:2"`
	RefType           string         `gorm:"not null;index:uniq_entry_reference,unique,priority:3"`
	RefID             string         `gorm:"not null;index:uniq_entry_reference,unique,priority:4"`
	Metadata          datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt         time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Purchase mirrors the purchases table.
type Purchase struct {
	PurchaseID  string         `gorm:"type:uuid;primaryKey"`
	AccountID   string         `gorm:"type:uuid;not null;index:idx_purchases_account"`
	ExternalRef string         `gorm:"not null;index:uniq_purchases_external_ref,unique"`
	AmountCents int64          `gorm:"not null"`
	Units       int64          `gorm:"not null"`
	Status      string         `gorm:"not null"`
	CheckoutURL string         `gorm:""`
	Metadata    datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt   time.Time      `gorm:"not null"`
	UpdatedAt   time.Time      `gorm:"not null"`
}

func (Purchase) TableName() string { return "purchases" }

func (purchase *Purchase) BeforeCreate(tx *gorm.DB) error {
	if purchase.PurchaseID == "" {
		purchase.PurchaseID = uuid.NewString()
	}
	return nil
}
