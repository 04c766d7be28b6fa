package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Units is a positive quantity of indivisible balance units.
// 100 units display as one credit.
type Units int64

// UnitsDelta is a signed, nonzero balance change recorded in a ledger entry.
type UnitsDelta int64

// AmountCents is an integer amount in the payment provider's currency.
type AmountCents int64

// AccountID identifies a balance-holding account.
type AccountID struct {
	value string
}

// OwnerID identifies the user or workspace that owns an account.
type OwnerID struct {
	value string
}

// ExternalRef is the payment provider's unique reference for a checkout.
type ExternalRef struct {
	value string
}

// PurchaseID identifies one checkout attempt.
type PurchaseID struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// AccountKind distinguishes personal accounts from shared workspace accounts.
type AccountKind string

const (
	AccountKindUser      AccountKind = "user"
	AccountKindWorkspace AccountKind = "workspace"
)

// Reason classifies the cause of a balance change.
type Reason string

const (
	ReasonPurchase        Reason = "purchase"
	ReasonFreeTrial       Reason = "free_trial"
	ReasonGenerationDebit Reason = "generation_debit"
	ReasonRefund          Reason = "refund"
	ReasonAdminGrant      Reason = "admin_grant"
)

// Reference ties a ledger entry back to the record that caused it.
type Reference struct {
	refType string
	refID   string
}

// Account is a balance-holding aggregate. BalanceUnits is never negative
// and always equals the sum of the account's ledger entry deltas.
type Account struct {
	AccountID    AccountID
	Kind         AccountKind
	Owner        OwnerID
	BalanceUnits int64
}

// Entry is a single immutable line in the ledger.
type Entry struct {
	EntryID        string
	AccountID      AccountID
	Delta          UnitsDelta
	BalanceAfter   int64
	Reason         Reason
	Reference      Reference
	MetadataJSON   string
	CreatedUnixUTC int64
}

// EntryInput carries the fields required to append a ledger entry.
type EntryInput struct {
	AccountID      AccountID
	Delta          UnitsDelta
	BalanceAfter   int64
	Reason         Reason
	Reference      Reference
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewOwnerID validates and normalizes an owner id.
func NewOwnerID(raw string) (OwnerID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return OwnerID{}, fmt.Errorf("%w: empty value", ErrInvalidOwnerID)
	}
	return OwnerID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id OwnerID) String() string {
	return id.value
}

// NewExternalRef validates and normalizes a provider reference.
func NewExternalRef(raw string) (ExternalRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalRef{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	return ExternalRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref ExternalRef) String() string {
	return ref.value
}

// NewPurchaseID validates and normalizes a purchase id.
func NewPurchaseID(raw string) (PurchaseID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PurchaseID{}, fmt.Errorf("%w: empty value", ErrInvalidPurchaseID)
	}
	return PurchaseID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id PurchaseID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// NewUnits validates a unit amount and ensures it is strictly positive.
func NewUnits(raw int64) (Units, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidUnits)
	}
	return Units(raw), nil
}

// Int64 returns the raw unit count.
func (units Units) Int64() int64 {
	return int64(units)
}

// ToDelta converts a positive amount into a positive ledger delta.
func (units Units) ToDelta() UnitsDelta {
	return UnitsDelta(units)
}

// NewUnitsDelta validates a signed delta and ensures it is nonzero.
func NewUnitsDelta(raw int64) (UnitsDelta, error) {
	if raw == 0 {
		return 0, fmt.Errorf("%w: must be nonzero", ErrInvalidUnitsDelta)
	}
	return UnitsDelta(raw), nil
}

// Int64 returns the raw signed delta.
func (delta UnitsDelta) Int64() int64 {
	return int64(delta)
}

// Negated flips the sign of the delta.
func (delta UnitsDelta) Negated() UnitsDelta {
	return -delta
}

// NewAmountCents validates a provider-currency amount and ensures it is strictly positive.
func NewAmountCents(raw int64) (AmountCents, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmountCents)
	}
	return AmountCents(raw), nil
}

// Int64 returns the raw amount.
func (amount AmountCents) Int64() int64 {
	return int64(amount)
}

// ParseAccountKind validates an account kind.
func ParseAccountKind(raw string) (AccountKind, error) {
	switch AccountKind(strings.TrimSpace(raw)) {
	case AccountKindUser:
		return AccountKindUser, nil
	case AccountKindWorkspace:
		return AccountKindWorkspace, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAccountKind, raw)
	}
}

// String returns the kind label.
func (kind AccountKind) String() string {
	return string(kind)
}

// ParseReason validates a ledger entry reason.
func ParseReason(raw string) (Reason, error) {
	switch Reason(strings.TrimSpace(raw)) {
	case ReasonPurchase:
		return ReasonPurchase, nil
	case ReasonFreeTrial:
		return ReasonFreeTrial, nil
	case ReasonGenerationDebit:
		return ReasonGenerationDebit, nil
	case ReasonRefund:
		return ReasonRefund, nil
	case ReasonAdminGrant:
		return ReasonAdminGrant, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReason, raw)
	}
}

// String returns the reason label.
func (reason Reason) String() string {
	return string(reason)
}

// NewReference validates both reference segments.
func NewReference(refType string, refID string) (Reference, error) {
	trimmedType := strings.TrimSpace(refType)
	trimmedID := strings.TrimSpace(refID)
	if trimmedType == "" {
		return Reference{}, fmt.Errorf("%w: empty type", ErrInvalidReference)
	}
	if trimmedID == "" {
		return Reference{}, fmt.Errorf("%w: empty id", ErrInvalidReference)
	}
	return Reference{refType: trimmedType, refID: trimmedID}, nil
}

// Type returns the referenced record kind.
func (reference Reference) Type() string {
	return reference.refType
}

// ID returns the referenced record id.
func (reference Reference) ID() string {
	return reference.refID
}

// Store is the persistence contract used by Engine and the reconciler.
// (gormstore implements this.)
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, kind AccountKind, owner OwnerID) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	GetAccountForUpdate(ctx context.Context, accountID AccountID) (Account, error)
	UpdateAccountBalance(ctx context.Context, accountID AccountID, balanceUnits int64) error
	InsertEntry(ctx context.Context, entry EntryInput) error
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error)
	SumEntryDeltas(ctx context.Context, accountID AccountID) (int64, error)
	CreatePurchase(ctx context.Context, purchase Purchase) error
	GetPurchaseByExternalRef(ctx context.Context, externalRef ExternalRef) (Purchase, error)
	ClaimPurchase(ctx context.Context, purchaseID PurchaseID) (bool, error)
	FailPurchase(ctx context.Context, purchaseID PurchaseID) (bool, error)
}
