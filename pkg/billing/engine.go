package billing

import (
	"context"
	"errors"
	"fmt"
)

// Engine provides the atomic debit/credit primitives over a Store.
// Every call mutates the account balance and appends exactly one ledger
// entry inside one transaction. Cross-call idempotency is the caller's
// responsibility; SettlePurchase layers the purchase claim on top.
type Engine struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// Mutation reports the outcome of a successful debit or credit.
type Mutation struct {
	NewBalanceUnits int64
}

// SettleResult reports the outcome of an atomic claim-and-credit.
type SettleResult struct {
	Credited         bool
	AlreadyProcessed bool
	NewBalanceUnits  int64
}

// NewEngine wires an Engine.
func NewEngine(store Store, now func() int64, options ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidEngineConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidEngineConfig)
	}
	engine := &Engine{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// Credit increases the account balance. It never fails for balance reasons.
func (engine *Engine) Credit(ctx context.Context, accountID AccountID, amount Units, reason Reason, reference Reference, metadata MetadataJSON) (Mutation, error) {
	var mutation Mutation
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		newBalance, err := applyDelta(ctx, transactionStore, accountID, amount.ToDelta(), reason, reference, metadata, engine.nowFn())
		if err != nil {
			return err
		}
		mutation.NewBalanceUnits = newBalance
		return nil
	})
	engine.logOperation(ctx, OperationLog{
		Operation: operationCredit,
		AccountID: accountID,
		Delta:     amount.Int64(),
		Reason:    reason,
		Reference: reference,
		Error:     operationError,
	})
	return mutation, operationError
}

// Debit decreases the account balance, failing with InsufficientFundsError
// when the balance cannot cover the amount. The row lock taken inside the
// transaction makes the read-check-write sequence safe under concurrency.
func (engine *Engine) Debit(ctx context.Context, accountID AccountID, amount Units, reason Reason, reference Reference, metadata MetadataJSON) (Mutation, error) {
	var mutation Mutation
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		newBalance, err := applyDelta(ctx, transactionStore, accountID, amount.ToDelta().Negated(), reason, reference, metadata, engine.nowFn())
		if err != nil {
			return err
		}
		mutation.NewBalanceUnits = newBalance
		return nil
	})
	engine.logOperation(ctx, OperationLog{
		Operation: operationDebit,
		AccountID: accountID,
		Delta:     -amount.Int64(),
		Reason:    reason,
		Reference: reference,
		Error:     operationError,
	})
	return mutation, operationError
}

// GrantTrial credits the free-trial allowance once per account. A repeated
// call is a no-op success reporting granted=false; the unique ledger
// reference constraint is the arbiter.
func (engine *Engine) GrantTrial(ctx context.Context, accountID AccountID, amount Units, metadata MetadataJSON) (Mutation, bool, error) {
	reference, err := NewReference(ReferenceTypeAccount, accountID.String())
	if err != nil {
		return Mutation{}, false, err
	}
	mutation, err := engine.Credit(ctx, accountID, amount, ReasonFreeTrial, reference, metadata)
	if err != nil {
		if !errors.Is(err, ErrDuplicateReference) {
			return Mutation{}, false, err
		}
		balance, balanceErr := engine.Balance(ctx, accountID)
		if balanceErr != nil {
			return Mutation{}, false, balanceErr
		}
		return Mutation{NewBalanceUnits: balance}, false, nil
	}
	return mutation, true, nil
}

// SettlePurchase atomically claims a pending purchase and credits its units.
// The conditional status flip is the sole arbiter among concurrent deliveries:
// losing the claim reports AlreadyProcessed without touching the balance, and
// a crash can never separate the status flip from the credit because both
// commit in the same transaction.
func (engine *Engine) SettlePurchase(ctx context.Context, purchase Purchase) (SettleResult, error) {
	var result SettleResult
	operationError := engine.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		claimed, err := transactionStore.ClaimPurchase(ctx, purchase.PurchaseID)
		if err != nil {
			return err
		}
		if !claimed {
			result.AlreadyProcessed = true
			return nil
		}
		reference, err := NewReference(ReferenceTypePurchase, purchase.PurchaseID.String())
		if err != nil {
			return err
		}
		metadata, err := NewMetadataJSON(purchase.MetadataJSON)
		if err != nil {
			return err
		}
		newBalance, err := applyDelta(ctx, transactionStore, purchase.AccountID, purchase.Units.ToDelta(), ReasonPurchase, reference, metadata, engine.nowFn())
		if err != nil {
			return err
		}
		result.Credited = true
		result.NewBalanceUnits = newBalance
		return nil
	})
	if operationError == nil && result.AlreadyProcessed {
		balance, err := engine.Balance(ctx, purchase.AccountID)
		if err == nil {
			result.NewBalanceUnits = balance
		}
	}
	engine.logOperation(ctx, OperationLog{
		Operation: operationSettlePurchase,
		AccountID: purchase.AccountID,
		Delta:     purchase.Units.Int64(),
		Reason:    ReasonPurchase,
		Error:     operationError,
	})
	return result, operationError
}

// FailPurchase conditionally moves a pending purchase to failed. It reports
// whether this call performed the transition; a false result with nil error
// means the purchase was already terminal.
func (engine *Engine) FailPurchase(ctx context.Context, purchaseID PurchaseID) (bool, error) {
	changed, operationError := engine.store.FailPurchase(ctx, purchaseID)
	engine.logOperation(ctx, OperationLog{
		Operation: operationFailPurchase,
		Error:     operationError,
	})
	return changed, operationError
}

// Balance returns the account's current spendable balance.
func (engine *Engine) Balance(ctx context.Context, accountID AccountID) (int64, error) {
	account, err := engine.store.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return account.BalanceUnits, nil
}

// Statement lists ledger entries for an account before a cutoff time.
func (engine *Engine) Statement(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return engine.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

func (engine *Engine) logOperation(ctx context.Context, entry OperationLog) {
	if engine.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	engine.logger.LogOperation(ctx, entry)
}

func applyDelta(ctx context.Context, transactionStore Store, accountID AccountID, delta UnitsDelta, reason Reason, reference Reference, metadata MetadataJSON, nowUnixUTC int64) (int64, error) {
	account, err := transactionStore.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return 0, err
	}
	newBalance := account.BalanceUnits + delta.Int64()
	if newBalance < 0 {
		return 0, InsufficientFundsError{
			NeedUnits: -delta.Int64(),
			HaveUnits: account.BalanceUnits,
		}
	}
	if err := transactionStore.UpdateAccountBalance(ctx, accountID, newBalance); err != nil {
		return 0, err
	}
	entryInput := EntryInput{
		AccountID:      accountID,
		Delta:          delta,
		BalanceAfter:   newBalance,
		Reason:         reason,
		Reference:      reference,
		Metadata:       metadata,
		CreatedUnixUTC: nowUnixUTC,
	}
	if err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
		return 0, err
	}
	return newBalance, nil
}
