// Package reconciler turns at-least-once webhook deliveries from the
// payment provider into exactly-once balance credits. Every delivery walks
// an ordered gate pipeline: signature verification, purchase lookup,
// negative-status short-circuit, terminal-state idempotence, provider
// re-verification, and finally the atomic claim-and-credit.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/credits/internal/payprovider"
	"github.com/MarkoPoloResearchLab/credits/pkg/billing"
	"go.uber.org/zap"
)

var (
	ErrInvalidPayload             = errors.New("invalid webhook payload")
	ErrMissingOrderID             = errors.New("missing order id")
	ErrUnsupportedStatus          = errors.New("unsupported webhook status")
	ErrProviderVerificationFailed = errors.New("provider verification failed")
	ErrInvalidReconcilerConfig    = errors.New("invalid reconciler config")
)

// Event is the transient webhook notification. Nothing is persisted for it;
// replay protection comes from the signature window and the purchase claim.
type Event struct {
	OrderID     string `json:"order_id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount"`
}

// Outcome describes a successful reconciliation response.
type Outcome struct {
	Credited         bool
	AlreadyProcessed bool
	NewBalanceUnits  int64
}

// Reconciler is a stateless handler safe for concurrent invocation across
// process instances; all serialization happens in the database.
type Reconciler struct {
	store    billing.Store
	engine   *billing.Engine
	provider payprovider.Client
	secret   string
	logger   *zap.Logger
	nowFn    func() int64
}

// New wires a Reconciler.
func New(store billing.Store, engine *billing.Engine, provider payprovider.Client, secret string, logger *zap.Logger, now func() int64) (*Reconciler, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidReconcilerConfig)
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: engine dependency is nil", ErrInvalidReconcilerConfig)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: provider dependency is nil", ErrInvalidReconcilerConfig)
	}
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("%w: webhook secret is required", ErrInvalidReconcilerConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidReconcilerConfig)
	}
	return &Reconciler{
		store:    store,
		engine:   engine,
		provider: provider,
		secret:   secret,
		logger:   logger,
		nowFn:    now,
	}, nil
}

// Process applies one webhook delivery. Each gate is a hard stop on failure;
// signature and lookup failures never reach the balance engine.
func (reconciler *Reconciler) Process(ctx context.Context, rawBody []byte, signatureHeader string) (Outcome, error) {
	if err := verifySignature(reconciler.secret, signatureHeader, rawBody, reconciler.nowFn()); err != nil {
		return Outcome{}, err
	}

	event, err := parseEvent(rawBody)
	if err != nil {
		return Outcome{}, err
	}

	externalRef, err := billing.NewExternalRef(event.OrderID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrMissingOrderID, err)
	}
	purchase, err := reconciler.store.GetPurchaseByExternalRef(ctx, externalRef)
	if err != nil {
		return Outcome{}, err
	}

	if payprovider.IsNegativeStatus(event.Status) {
		return reconciler.processNegative(ctx, purchase, event)
	}
	if strings.TrimSpace(event.Status) != payprovider.StatusCompleted {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnsupportedStatus, event.Status)
	}

	switch purchase.Status {
	case billing.PurchaseStatusCompleted:
		return reconciler.alreadyProcessed(ctx, purchase)
	case billing.PurchaseStatusFailed:
		reconciler.logger.Error("completed webhook for failed purchase",
			zap.String("purchase_id", purchase.PurchaseID.String()),
			zap.String("external_ref", externalRef.String()),
		)
		return Outcome{}, fmt.Errorf("%w: purchase already failed", billing.ErrTerminalStateConflict)
	}

	// Re-verification happens before and outside the claim transaction so no
	// lock is held across a provider round trip.
	if err := reconciler.reverify(ctx, purchase, event); err != nil {
		return Outcome{}, err
	}

	result, err := reconciler.engine.SettlePurchase(ctx, purchase)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Credited:         result.Credited,
		AlreadyProcessed: result.AlreadyProcessed,
		NewBalanceUnits:  result.NewBalanceUnits,
	}, nil
}

func (reconciler *Reconciler) processNegative(ctx context.Context, purchase billing.Purchase, event Event) (Outcome, error) {
	if purchase.Status == billing.PurchaseStatusCompleted {
		// A completed purchase later reported failed signals a provider-side
		// inconsistency. Reject loudly for manual review, never absorb.
		reconciler.logger.Error("negative webhook for completed purchase",
			zap.String("purchase_id", purchase.PurchaseID.String()),
			zap.String("external_ref", purchase.ExternalRef.String()),
			zap.String("reported_status", event.Status),
		)
		return Outcome{}, fmt.Errorf("%w: completed purchase reported %s", billing.ErrTerminalStateConflict, event.Status)
	}
	changed, err := reconciler.engine.FailPurchase(ctx, purchase.PurchaseID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{AlreadyProcessed: !changed}, nil
}

func (reconciler *Reconciler) alreadyProcessed(ctx context.Context, purchase billing.Purchase) (Outcome, error) {
	balance, err := reconciler.engine.Balance(ctx, purchase.AccountID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{AlreadyProcessed: true, NewBalanceUnits: balance}, nil
}

func (reconciler *Reconciler) reverify(ctx context.Context, purchase billing.Purchase, event Event) error {
	transaction, err := reconciler.provider.LookupTransaction(ctx, purchase.ExternalRef.String())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderVerificationFailed, err)
	}
	if strings.TrimSpace(transaction.Status) != payprovider.StatusCompleted {
		reconciler.logger.Warn("provider status mismatch",
			zap.String("external_ref", purchase.ExternalRef.String()),
			zap.String("provider_status", transaction.Status),
			zap.String("reported_status", event.Status),
		)
		return fmt.Errorf("%w: provider status %q", ErrProviderVerificationFailed, transaction.Status)
	}
	if transaction.AmountCents != purchase.AmountCents.Int64() {
		reconciler.logger.Warn("provider amount mismatch",
			zap.String("external_ref", purchase.ExternalRef.String()),
			zap.Int64("provider_amount", transaction.AmountCents),
			zap.Int64("expected_amount", purchase.AmountCents.Int64()),
		)
		return fmt.Errorf("%w: amount %d does not match expected %d", ErrProviderVerificationFailed, transaction.AmountCents, purchase.AmountCents.Int64())
	}
	return nil
}

func parseEvent(rawBody []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(event.OrderID) == "" {
		return Event{}, fmt.Errorf("%w: empty order_id", ErrMissingOrderID)
	}
	return event, nil
}
