package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/credits/pkg/billing"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEntryReference      = "uniq_entry_reference"
	constraintPurchaseExternalRef = "uniq_purchases_external_ref"
	defaultMetadataJSON           = "{}"
	pgUniqueViolationCode         = "23505"
	sqliteConstraintCode          = 19
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectEntry             = "entry"
	errorSubjectPurchase          = "purchase"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLookup               = "lookup"
	errorCodeSumDeltas            = "sum_deltas"
	errorCodeUpdateBalance        = "update_balance"
	errorCodeUpdateStatus         = "update_status"
)

// Store implements billing.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the schema. Intended for sqlite development databases;
// postgres schemas are managed externally.
func (store *Store) Migrate() error {
	return store.db.AutoMigrate(&Account{}, &LedgerEntry{}, &Purchase{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccount(ctx context.Context, kind billing.AccountKind, owner billing.OwnerID) (billing.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "kind"}, {Name: "owner_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"kind":     clause.Expr{SQL: "excluded.kind"},
				"owner_id": clause.Expr{SQL: "excluded.owner_id"},
			}),
		}).
		FirstOrCreate(&account, Account{Kind: kind.String(), OwnerID: owner.String()}).Error
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return mapAccount(account)
}

func (store *Store) GetAccount(ctx context.Context, accountID billing.AccountID) (billing.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, billing.ErrAccountNotFound)
		}
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account)
}

// GetAccountForUpdate locks the account row for the duration of the
// surrounding transaction so concurrent debits cannot pass the sufficiency
// check against a stale balance.
func (store *Store) GetAccountForUpdate(ctx context.Context, accountID billing.AccountID) (billing.Account, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, billing.ErrAccountNotFound)
		}
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(account)
}

func (store *Store) UpdateAccountBalance(ctx context.Context, accountID billing.AccountID, balanceUnits int64) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("balance_units", balanceUnits)
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdateBalance, billing.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput billing.EntryInput) error {
	entry := LedgerEntry{
		AccountID:         entryInput.AccountID.String(),
		DeltaUnits:        entryInput.Delta.Int64(),
		BalanceAfterUnits: entryInput.BalanceAfter,
		Reason:            entryInput.Reason.String(),
		RefType:           entryInput.Reference.Type(),
		RefID:             entryInput.Reference.ID(),
		Metadata:          datatypesJSON(entryInput.Metadata.String()),
		CreatedAt:         time.Unix(entryInput.CreatedUnixUTC, 0).UTC(),
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isUniqueViolation(err, constraintEntryReference) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, billing.ErrDuplicateReference)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID billing.AccountID, beforeUnixUTC int64, limit int) ([]billing.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]billing.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) SumEntryDeltas(ctx context.Context, accountID billing.AccountID) (int64, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerEntry{}).
		Select("coalesce(sum(delta_units),0) as total").
		Where("account_id = ?", accountID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectEntry, errorCodeSumDeltas, err)
	}
	return sum.Total, nil
}

func (store *Store) CreatePurchase(ctx context.Context, purchase billing.Purchase) error {
	model := Purchase{
		PurchaseID:  purchase.PurchaseID.String(),
		AccountID:   purchase.AccountID.String(),
		ExternalRef: purchase.ExternalRef.String(),
		AmountCents: purchase.AmountCents.Int64(),
		Units:       purchase.Units.Int64(),
		Status:      purchase.Status.String(),
		CheckoutURL: purchase.CheckoutURL,
		Metadata:    datatypesJSON(purchase.MetadataJSON),
		CreatedAt:   time.Unix(purchase.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintPurchaseExternalRef) {
		return wrapStoreError(errorSubjectPurchase, errorCodeDuplicate, billing.ErrPurchaseExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPurchase, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPurchaseByExternalRef(ctx context.Context, externalRef billing.ExternalRef) (billing.Purchase, error) {
	var model Purchase
	err := store.db.WithContext(ctx).
		Where("external_ref = ?", externalRef.String()).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return billing.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, billing.ErrPurchaseNotFound)
		}
		return billing.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeGet, err)
	}
	return mapPurchase(model)
}

// ClaimPurchase is the claim gate: a conditional update from pending to
// completed. RowsAffected decides which concurrent delivery owns the credit.
func (store *Store) ClaimPurchase(ctx context.Context, purchaseID billing.PurchaseID) (bool, error) {
	return store.transitionPurchase(ctx, purchaseID, billing.PurchaseStatusCompleted)
}

// FailPurchase conditionally moves a pending purchase to failed.
func (store *Store) FailPurchase(ctx context.Context, purchaseID billing.PurchaseID) (bool, error) {
	return store.transitionPurchase(ctx, purchaseID, billing.PurchaseStatusFailed)
}

func (store *Store) transitionPurchase(ctx context.Context, purchaseID billing.PurchaseID, to billing.PurchaseStatus) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&Purchase{}).
		Where("purchase_id = ? AND status = ?", purchaseID.String(), billing.PurchaseStatusPending.String()).
		Update("status", to.String())
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectPurchase, errorCodeUpdateStatus, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return billing.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) (billing.Account, error) {
	accountID, err := billing.NewAccountID(model.AccountID)
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	kind, err := billing.ParseAccountKind(model.Kind)
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	owner, err := billing.NewOwnerID(model.OwnerID)
	if err != nil {
		return billing.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return billing.Account{
		AccountID:    accountID,
		Kind:         kind,
		Owner:        owner,
		BalanceUnits: model.BalanceUnits,
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (billing.Entry, error) {
	accountID, err := billing.NewAccountID(row.AccountID)
	if err != nil {
		return billing.Entry{}, err
	}
	delta, err := billing.NewUnitsDelta(row.DeltaUnits)
	if err != nil {
		return billing.Entry{}, err
	}
	reason, err := billing.ParseReason(row.Reason)
	if err != nil {
		return billing.Entry{}, err
	}
	reference, err := billing.NewReference(row.RefType, row.RefID)
	if err != nil {
		return billing.Entry{}, err
	}
	return billing.Entry{
		EntryID:        row.EntryID,
		AccountID:      accountID,
		Delta:          delta,
		BalanceAfter:   row.BalanceAfterUnits,
		Reason:         reason,
		Reference:      reference,
		MetadataJSON:   string(row.Metadata),
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapPurchase(model Purchase) (billing.Purchase, error) {
	purchaseID, err := billing.NewPurchaseID(model.PurchaseID)
	if err != nil {
		return billing.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	accountID, err := billing.NewAccountID(model.AccountID)
	if err != nil {
		return billing.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	externalRef, err := billing.NewExternalRef(model.ExternalRef)
	if err != nil {
		return billing.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	amountCents, err := billing.NewAmountCents(model.AmountCents)
	if err != nil {
		return billing.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	units, err := billing.NewUnits(model.Units)
	if err != nil {
		return billing.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	status, err := billing.ParsePurchaseStatus(model.Status)
	if err != nil {
		return billing.Purchase{}, wrapStoreError(errorSubjectPurchase, errorCodeInvalid, err)
	}
	return billing.Purchase{
		PurchaseID:     purchaseID,
		AccountID:      accountID,
		ExternalRef:    externalRef,
		AmountCents:    amountCents,
		Units:          units,
		Status:         status,
		CheckoutURL:    model.CheckoutURL,
		MetadataJSON:   string(model.Metadata),
		CreatedUnixUTC: model.CreatedAt.Unix(),
		UpdatedUnixUTC: model.UpdatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
