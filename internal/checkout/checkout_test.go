package checkout_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/MarkoPoloResearchLab/credits/internal/checkout"
	"github.com/MarkoPoloResearchLab/credits/internal/payprovider"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/pkg/billing"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const checkoutTestNow int64 = 1_700_000_000

type recordingProvider struct {
	lastRequest payprovider.CheckoutRequest
	checkoutErr error
}

func (provider *recordingProvider) CreateCheckout(ctx context.Context, request payprovider.CheckoutRequest) (payprovider.CheckoutSession, error) {
	provider.lastRequest = request
	if provider.checkoutErr != nil {
		return payprovider.CheckoutSession{}, provider.checkoutErr
	}
	return payprovider.CheckoutSession{CheckoutURL: "https://pay.example.com/session/" + request.ExternalRef}, nil
}

func (provider *recordingProvider) LookupTransaction(ctx context.Context, externalRef string) (payprovider.Transaction, error) {
	return payprovider.Transaction{}, payprovider.ErrLookupFailed
}

func openTestStore(t *testing.T) *gormstore.Store {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "credits.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := gormstore.New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func testAccount(t *testing.T, store *gormstore.Store) billing.Account {
	t.Helper()
	owner, err := billing.NewOwnerID("user-1")
	if err != nil {
		t.Fatalf("owner id: %v", err)
	}
	account, err := store.GetOrCreateAccount(context.Background(), billing.AccountKindUser, owner)
	if err != nil {
		t.Fatalf("account create: %v", err)
	}
	return account
}

func TestPacksCatalog(t *testing.T) {
	t.Parallel()
	packs := checkout.Packs()
	if len(packs) != 3 {
		t.Fatalf("expected 3 packs, got %d", len(packs))
	}
	starter, found := checkout.FindPack("starter")
	if !found {
		t.Fatal("starter pack missing")
	}
	if starter.Units != 500 || starter.PriceCents != 2500 {
		t.Fatalf("unexpected starter pack %+v", starter)
	}
	if _, found := checkout.FindPack("mega"); found {
		t.Fatal("unknown pack id must not resolve")
	}
}

func TestStartRecordsPendingPurchase(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	account := testAccount(t, store)
	provider := &recordingProvider{}
	service, err := checkout.NewService(store, provider, func() int64 { return checkoutTestNow })
	if err != nil {
		t.Fatalf("service init: %v", err)
	}

	metadata, err := billing.NewMetadataJSON(`{"source":"web"}`)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	purchase, err := service.Start(context.Background(), account.AccountID, "creator", metadata)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if purchase.Status != billing.PurchaseStatusPending {
		t.Fatalf("expected pending purchase, got %s", purchase.Status)
	}
	if purchase.Units.Int64() != 1200 || purchase.AmountCents.Int64() != 5000 {
		t.Fatalf("unexpected purchase amounts %+v", purchase)
	}
	if purchase.CheckoutURL == "" {
		t.Fatal("expected checkout url from the provider session")
	}
	if provider.lastRequest.AmountCents != 5000 || provider.lastRequest.Description != "Creator" {
		t.Fatalf("unexpected provider request %+v", provider.lastRequest)
	}

	loaded, err := store.GetPurchaseByExternalRef(context.Background(), purchase.ExternalRef)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if loaded.PurchaseID != purchase.PurchaseID || loaded.Status != billing.PurchaseStatusPending {
		t.Fatalf("stored purchase mismatch %+v", loaded)
	}
}

func TestStartUnknownPack(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	account := testAccount(t, store)
	service, err := checkout.NewService(store, &recordingProvider{}, func() int64 { return checkoutTestNow })
	if err != nil {
		t.Fatalf("service init: %v", err)
	}
	metadata, err := billing.NewMetadataJSON("")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	_, err = service.Start(context.Background(), account.AccountID, "mega", metadata)
	if !errors.Is(err, checkout.ErrUnknownPack) {
		t.Fatalf("expected ErrUnknownPack, got %v", err)
	}
}

func TestStartProviderFailureLeavesNoPurchase(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	account := testAccount(t, store)
	provider := &recordingProvider{checkoutErr: payprovider.ErrCheckoutFailed}
	service, err := checkout.NewService(store, provider, func() int64 { return checkoutTestNow })
	if err != nil {
		t.Fatalf("service init: %v", err)
	}
	metadata, err := billing.NewMetadataJSON("")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	_, err = service.Start(context.Background(), account.AccountID, "starter", metadata)
	if !errors.Is(err, payprovider.ErrCheckoutFailed) {
		t.Fatalf("expected checkout error, got %v", err)
	}
}

func TestNewServiceValidatesDependencies(t *testing.T) {
	t.Parallel()
	store := openTestStore(t)
	clock := func() int64 { return checkoutTestNow }
	if _, err := checkout.NewService(nil, &recordingProvider{}, clock); !errors.Is(err, checkout.ErrInvalidServiceConfig) {
		t.Fatalf("expected config error for nil store, got %v", err)
	}
	if _, err := checkout.NewService(store, nil, clock); !errors.Is(err, checkout.ErrInvalidServiceConfig) {
		t.Fatalf("expected config error for nil provider, got %v", err)
	}
	if _, err := checkout.NewService(store, &recordingProvider{}, nil); !errors.Is(err, checkout.ErrInvalidServiceConfig) {
		t.Fatalf("expected config error for nil clock, got %v", err)
	}
}
