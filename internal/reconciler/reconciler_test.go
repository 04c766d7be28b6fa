package reconciler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MarkoPoloResearchLab/credits/internal/payprovider"
	"github.com/MarkoPoloResearchLab/credits/pkg/billing"
)

// stubStore is a minimal single-account billing.Store for driving the gate
// pipeline. Tests run sequentially per store, so no locking is needed.
type stubStore struct {
	account       billing.Account
	entries       []billing.Entry
	entryRefs     map[string]struct{}
	purchases     map[string]billing.Purchase
	byExternalRef map[string]string
}

func newStubStore(t *testing.T) *stubStore {
	t.Helper()
	accountID, err := billing.NewAccountID("acct-1")
	if err != nil {
		t.Fatalf("account id: %v", err)
	}
	owner, err := billing.NewOwnerID("user-1")
	if err != nil {
		t.Fatalf("owner id: %v", err)
	}
	return &stubStore{
		account:       billing.Account{AccountID: accountID, Kind: billing.AccountKindUser, Owner: owner},
		entryRefs:     map[string]struct{}{},
		purchases:     map[string]billing.Purchase{},
		byExternalRef: map[string]string{},
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore billing.Store) error) error {
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, kind billing.AccountKind, owner billing.OwnerID) (billing.Account, error) {
	return store.account, nil
}

func (store *stubStore) GetAccount(ctx context.Context, accountID billing.AccountID) (billing.Account, error) {
	if accountID != store.account.AccountID {
		return billing.Account{}, billing.ErrAccountNotFound
	}
	return store.account, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, accountID billing.AccountID) (billing.Account, error) {
	return store.GetAccount(ctx, accountID)
}

func (store *stubStore) UpdateAccountBalance(ctx context.Context, accountID billing.AccountID, balanceUnits int64) error {
	if accountID != store.account.AccountID {
		return billing.ErrAccountNotFound
	}
	store.account.BalanceUnits = balanceUnits
	return nil
}

func (store *stubStore) InsertEntry(ctx context.Context, entry billing.EntryInput) error {
	referenceKey := fmt.Sprintf("%s|%s|%s|%s", entry.AccountID.String(), entry.Reason, entry.Reference.Type(), entry.Reference.ID())
	if _, exists := store.entryRefs[referenceKey]; exists {
		return billing.ErrDuplicateReference
	}
	store.entryRefs[referenceKey] = struct{}{}
	store.entries = append(store.entries, billing.Entry{
		EntryID:        fmt.Sprintf("entry-%d", len(store.entries)+1),
		AccountID:      entry.AccountID,
		Delta:          entry.Delta,
		BalanceAfter:   entry.BalanceAfter,
		Reason:         entry.Reason,
		Reference:      entry.Reference,
		MetadataJSON:   entry.Metadata.String(),
		CreatedUnixUTC: entry.CreatedUnixUTC,
	})
	return nil
}

func (store *stubStore) ListEntries(ctx context.Context, accountID billing.AccountID, beforeUnixUTC int64, limit int) ([]billing.Entry, error) {
	return append([]billing.Entry(nil), store.entries...), nil
}

func (store *stubStore) SumEntryDeltas(ctx context.Context, accountID billing.AccountID) (int64, error) {
	var total int64
	for _, entry := range store.entries {
		total += entry.Delta.Int64()
	}
	return total, nil
}

func (store *stubStore) CreatePurchase(ctx context.Context, purchase billing.Purchase) error {
	if _, exists := store.byExternalRef[purchase.ExternalRef.String()]; exists {
		return billing.ErrPurchaseExists
	}
	store.purchases[purchase.PurchaseID.String()] = purchase
	store.byExternalRef[purchase.ExternalRef.String()] = purchase.PurchaseID.String()
	return nil
}

func (store *stubStore) GetPurchaseByExternalRef(ctx context.Context, externalRef billing.ExternalRef) (billing.Purchase, error) {
	purchaseID, found := store.byExternalRef[externalRef.String()]
	if !found {
		return billing.Purchase{}, billing.ErrPurchaseNotFound
	}
	return store.purchases[purchaseID], nil
}

func (store *stubStore) ClaimPurchase(ctx context.Context, purchaseID billing.PurchaseID) (bool, error) {
	return store.transition(purchaseID, billing.PurchaseStatusCompleted)
}

func (store *stubStore) FailPurchase(ctx context.Context, purchaseID billing.PurchaseID) (bool, error) {
	return store.transition(purchaseID, billing.PurchaseStatusFailed)
}

func (store *stubStore) transition(purchaseID billing.PurchaseID, target billing.PurchaseStatus) (bool, error) {
	purchase, found := store.purchases[purchaseID.String()]
	if !found {
		return false, billing.ErrPurchaseNotFound
	}
	if purchase.Status != billing.PurchaseStatusPending {
		return false, nil
	}
	purchase.Status = target
	store.purchases[purchaseID.String()] = purchase
	return true, nil
}

// stubProvider answers transaction lookups from a canned response.
type stubProvider struct {
	transaction payprovider.Transaction
	lookupErr   error
	lookups     int
}

func (provider *stubProvider) CreateCheckout(ctx context.Context, request payprovider.CheckoutRequest) (payprovider.CheckoutSession, error) {
	return payprovider.CheckoutSession{CheckoutURL: "https://pay.example.com/session/stub"}, nil
}

func (provider *stubProvider) LookupTransaction(ctx context.Context, externalRef string) (payprovider.Transaction, error) {
	provider.lookups++
	if provider.lookupErr != nil {
		return payprovider.Transaction{}, provider.lookupErr
	}
	return provider.transaction, nil
}

const reconcilerTestNow int64 = 1_700_000_000

type reconcilerFixture struct {
	store      *stubStore
	provider   *stubProvider
	reconciler *Reconciler
	purchase   billing.Purchase
}

func newReconcilerFixture(t *testing.T) *reconcilerFixture {
	t.Helper()
	store := newStubStore(t)
	engine, err := billing.NewEngine(store, func() int64 { return reconcilerTestNow })
	if err != nil {
		t.Fatalf("engine init: %v", err)
	}
	provider := &stubProvider{
		transaction: payprovider.Transaction{ExternalRef: "order-1", Status: payprovider.StatusCompleted, AmountCents: 2500},
	}
	webhookReconciler, err := New(store, engine, provider, signatureTestSecret, nil, func() int64 { return reconcilerTestNow })
	if err != nil {
		t.Fatalf("reconciler init: %v", err)
	}

	purchaseID, err := billing.NewPurchaseID("purchase-1")
	if err != nil {
		t.Fatalf("purchase id: %v", err)
	}
	externalRef, err := billing.NewExternalRef("order-1")
	if err != nil {
		t.Fatalf("external ref: %v", err)
	}
	purchase := billing.Purchase{
		PurchaseID:     purchaseID,
		AccountID:      store.account.AccountID,
		ExternalRef:    externalRef,
		AmountCents:    billing.AmountCents(2500),
		Units:          billing.Units(500),
		Status:         billing.PurchaseStatusPending,
		MetadataJSON:   "{}",
		CreatedUnixUTC: reconcilerTestNow,
		UpdatedUnixUTC: reconcilerTestNow,
	}
	if err := store.CreatePurchase(context.Background(), purchase); err != nil {
		t.Fatalf("purchase create: %v", err)
	}
	return &reconcilerFixture{store: store, provider: provider, reconciler: webhookReconciler, purchase: purchase}
}

func (fixture *reconcilerFixture) deliver(t *testing.T, body string) (Outcome, error) {
	t.Helper()
	rawBody := []byte(body)
	header := signTimestamped(signatureTestSecret, reconcilerTestNow-10, rawBody)
	return fixture.reconciler.Process(context.Background(), rawBody, header)
}

func TestProcessRejectsBadSignature(t *testing.T) {
	t.Parallel()
	fixture := newReconcilerFixture(t)
	body := []byte(`{"order_id":"order-1","status":"completed","amount":2500}`)
	_, err := fixture.reconciler.Process(context.Background(), body, signTimestamped("whsec_wrong", reconcilerTestNow-10, body))
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
	if fixture.store.account.BalanceUnits != 0 {
		t.Fatalf("rejected delivery must not credit, balance %d", fixture.store.account.BalanceUnits)
	}
}

func TestProcessRejectsMalformedPayload(t *testing.T) {
	t.Parallel()
	fixture := newReconcilerFixture(t)
	_, err := fixture.deliver(t, `{"order_id":`)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestProcessRejectsMissingOrderID(t *testing.T) {
	t.Parallel()
	fixture := newReconcilerFixture(t)
	_, err := fixture.deliver(t, `{"order_id":"  ","status":"completed","amount":2500}`)
	if !errors.Is(err, ErrMissingOrderID) {
		t.Fatalf("expected ErrMissingOrderID, got %v", err)
	}
}

func TestProcessUnknownOrderID(t *testing.T) {
	t.Parallel()
	fixture := newReconcilerFixture(t)
	_, err := fixture.deliver(t, `{"order_id":"order-unknown","status":"completed","amount":2500}`)
	if !errors.Is(err, billing.ErrPurchaseNotFound) {
		t.Fatalf("expected ErrPurchaseNotFound, got %v", err)
	}
}

func TestProcessRejectsUnsupportedStatus(t *testing.T) {
	t.Parallel()
	fixture := newReconcilerFixture(t)
	_, err := fixture.deliver(t, `{"order_id":"order-1","status":"processing","amount":2500}`)
	if !errors.Is(err, ErrUnsupportedStatus) {
		t.Fatalf("expected ErrUnsupportedStatus, got %v", err)
	}
}

func TestProcessCreditsOnceAcrossDuplicates(t *testing.T) {
	t.Parallel()
	fixture := newReconcilerFixture(t)

	outcome, err := fixture.deliver(t, `{"order_id":"order-1","status":"completed","amount":2500}`)
	if err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if !outcome.Credited || outcome.AlreadyProcessed {
		t.Fatalf("expected fresh credit, got %+v", outcome)
	}
	if outcome.NewBalanceUnits != 500 {
		t.Fatalf("expected balance 500, got %d", outcome.NewBalanceUnits)
	}

	outcome, err = fixture.deliver(t, `{"order_id":"order-1","status":"completed","amount":2500}`)
	if err != nil {
		t.Fatalf("duplicate delivery failed: %v", err)
	}
	if outcome.Credited || !outcome.AlreadyProcessed {
		t.Fatalf("expected already-processed outcome, got %+v", outcome)
	}
	if outcome.NewBalanceUnits != 500 {
		t.Fatalf("duplicate delivery must report balance 500, got %d", outcome.NewBalanceUnits)
	}
	if len(fixture.store.entries) != 1 {
		t.Fatalf("expected one ledger entry after duplicates, got %d", len(fixture.store.entries))
	}
	// The stored purchase stays terminal, so the second delivery short-circuits
	// before reaching the provider again.
	if fixture.provider.lookups != 1 {
		t.Fatalf("expected one provider lookup, got %d", fixture.provider.lookups)
	}
}

func TestProcessNegativeStatusFailsPurchase(t *testing.T) {
	t.Parallel()
	fixture := newReconcilerFixture(t)

	outcome, err := fixture.deliver(t, `{"order_id":"order-1","status":"cancelled","amount":2500}`)
	if err != nil {
		t.Fatalf("negative delivery failed: %v", err)
	}
	if outcome.Credited || outcome.AlreadyProcessed {
		t.Fatalf("expected fresh fail transition, got %+v", outcome)
	}
	stored := fixture.store.purchases[fixture.purchase.PurchaseID.String()]
	if stored.Status != billing.PurchaseStatusFailed {
		t.Fatalf("expected failed purchase, got %s", stored.Status)
	}

	outcome, err = fixture.deliver(t, `{"order_id":"order-1","status":"expired","amount":2500}`)
	if err != nil {
		t.Fatalf("repeated negative delivery failed: %v", err)
	}
	if !outcome.AlreadyProcessed {
		t.Fatalf("expected already-processed outcome, got %+v", outcome)
	}
	if fixture.store.account.BalanceUnits != 0 {
		t.Fatalf("negative deliveries must not credit, balance %d", fixture.store.account.BalanceUnits)
	}
}

func TestProcessCompletedAfterFailedConflicts(t *testing.T) {
	t.Parallel()
	fixture := newReconcilerFixture(t)

	if _, err := fixture.deliver(t, `{"order_id":"order-1","status":"failed","amount":2500}`); err != nil {
		t.Fatalf("negative delivery failed: %v", err)
	}
	_, err := fixture.deliver(t, `{"order_id":"order-1","status":"completed","amount":2500}`)
	if !errors.Is(err, billing.ErrTerminalStateConflict) {
		t.Fatalf("expected ErrTerminalStateConflict, got %v", err)
	}
	if fixture.store.account.BalanceUnits != 0 {
		t.Fatalf("conflicting delivery must not credit, balance %d", fixture.store.account.BalanceUnits)
	}
}

func TestProcessNegativeAfterCompletedConflicts(t *testing.T) {
	t.Parallel()
	fixture := newReconcilerFixture(t)

	if _, err := fixture.deliver(t, `{"order_id":"order-1","status":"completed","amount":2500}`); err != nil {
		t.Fatalf("completed delivery failed: %v", err)
	}
	_, err := fixture.deliver(t, `{"order_id":"order-1","status":"refunded","amount":2500}`)
	if !errors.Is(err, billing.ErrTerminalStateConflict) {
		t.Fatalf("expected ErrTerminalStateConflict, got %v", err)
	}
	if fixture.store.account.BalanceUnits != 500 {
		t.Fatalf("credited balance must stand, got %d", fixture.store.account.BalanceUnits)
	}
}

func TestProcessProviderStatusMismatchKeepsPurchasePending(t *testing.T) {
	t.Parallel()
	fixture := newReconcilerFixture(t)
	fixture.provider.transaction.Status = payprovider.StatusPending

	_, err := fixture.deliver(t, `{"order_id":"order-1","status":"completed","amount":2500}`)
	if !errors.Is(err, ErrProviderVerificationFailed) {
		t.Fatalf("expected ErrProviderVerificationFailed, got %v", err)
	}
	stored := fixture.store.purchases[fixture.purchase.PurchaseID.String()]
	if stored.Status != billing.PurchaseStatusPending {
		t.Fatalf("failed verification must leave purchase pending, got %s", stored.Status)
	}

	// The provider catches up, so the retried delivery settles normally.
	fixture.provider.transaction.Status = payprovider.StatusCompleted
	outcome, err := fixture.deliver(t, `{"order_id":"order-1","status":"completed","amount":2500}`)
	if err != nil {
		t.Fatalf("retried delivery failed: %v", err)
	}
	if !outcome.Credited || outcome.NewBalanceUnits != 500 {
		t.Fatalf("expected retried delivery to credit 500, got %+v", outcome)
	}
}

func TestProcessProviderAmountMismatch(t *testing.T) {
	t.Parallel()
	fixture := newReconcilerFixture(t)
	fixture.provider.transaction.AmountCents = 100

	_, err := fixture.deliver(t, `{"order_id":"order-1","status":"completed","amount":2500}`)
	if !errors.Is(err, ErrProviderVerificationFailed) {
		t.Fatalf("expected ErrProviderVerificationFailed, got %v", err)
	}
	stored := fixture.store.purchases[fixture.purchase.PurchaseID.String()]
	if stored.Status != billing.PurchaseStatusPending {
		t.Fatalf("amount mismatch must leave purchase pending, got %s", stored.Status)
	}
}

func TestProcessProviderLookupError(t *testing.T) {
	t.Parallel()
	fixture := newReconcilerFixture(t)
	fixture.provider.lookupErr = payprovider.ErrLookupFailed

	_, err := fixture.deliver(t, `{"order_id":"order-1","status":"completed","amount":2500}`)
	if !errors.Is(err, ErrProviderVerificationFailed) {
		t.Fatalf("expected ErrProviderVerificationFailed, got %v", err)
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()
	store := newStubStore(t)
	engine, err := billing.NewEngine(store, func() int64 { return reconcilerTestNow })
	if err != nil {
		t.Fatalf("engine init: %v", err)
	}
	provider := &stubProvider{}
	clock := func() int64 { return reconcilerTestNow }

	if _, err := New(nil, engine, provider, signatureTestSecret, nil, clock); !errors.Is(err, ErrInvalidReconcilerConfig) {
		t.Fatalf("expected config error for nil store, got %v", err)
	}
	if _, err := New(store, nil, provider, signatureTestSecret, nil, clock); !errors.Is(err, ErrInvalidReconcilerConfig) {
		t.Fatalf("expected config error for nil engine, got %v", err)
	}
	if _, err := New(store, engine, nil, signatureTestSecret, nil, clock); !errors.Is(err, ErrInvalidReconcilerConfig) {
		t.Fatalf("expected config error for nil provider, got %v", err)
	}
	if _, err := New(store, engine, provider, " ", nil, clock); !errors.Is(err, ErrInvalidReconcilerConfig) {
		t.Fatalf("expected config error for blank secret, got %v", err)
	}
	if _, err := New(store, engine, provider, signatureTestSecret, nil, nil); !errors.Is(err, ErrInvalidReconcilerConfig) {
		t.Fatalf("expected config error for nil clock, got %v", err)
	}
}
