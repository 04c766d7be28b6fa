// Package checkout initiates credit-pack purchases: it records a pending
// purchase and opens a hosted checkout session with the payment provider.
package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/credits/internal/payprovider"
	"github.com/MarkoPoloResearchLab/credits/pkg/billing"
	"github.com/google/uuid"
)

var (
	ErrUnknownPack          = errors.New("unknown credit pack")
	ErrInvalidServiceConfig = errors.New("invalid checkout service config")
)

// Pack is one purchasable bundle of units.
type Pack struct {
	PackID      string
	DisplayName string
	Units       int64
	PriceCents  int64
}

var packCatalog = []Pack{
	{PackID: "starter", DisplayName: "Starter", Units: 500, PriceCents: 2500},
	{PackID: "creator", DisplayName: "Creator", Units: 1200, PriceCents: 5000},
	{PackID: "studio", DisplayName: "Studio", Units: 2600, PriceCents: 10000},
}

// Packs returns the purchasable catalog.
func Packs() []Pack {
	catalog := make([]Pack, len(packCatalog))
	copy(catalog, packCatalog)
	return catalog
}

// FindPack resolves a pack by id.
func FindPack(packID string) (Pack, bool) {
	for _, pack := range packCatalog {
		if pack.PackID == packID {
			return pack, true
		}
	}
	return Pack{}, false
}

// Service creates pending purchases against the provider.
type Service struct {
	store    billing.Store
	provider payprovider.Client
	nowFn    func() int64
}

// NewService wires a Service.
func NewService(store billing.Store, provider payprovider.Client, now func() int64) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: provider dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	return &Service{store: store, provider: provider, nowFn: now}, nil
}

// Start opens a checkout session and records the purchase as pending. The
// external ref is minted here and is the provider's handle for the whole
// lifecycle; the webhook reconciler resolves deliveries by it.
func (service *Service) Start(ctx context.Context, accountID billing.AccountID, packID string, metadata billing.MetadataJSON) (billing.Purchase, error) {
	pack, found := FindPack(packID)
	if !found {
		return billing.Purchase{}, fmt.Errorf("%w: %q", ErrUnknownPack, packID)
	}

	externalRef, err := billing.NewExternalRef(uuid.NewString())
	if err != nil {
		return billing.Purchase{}, err
	}
	purchaseID, err := billing.NewPurchaseID(uuid.NewString())
	if err != nil {
		return billing.Purchase{}, err
	}
	amountCents, err := billing.NewAmountCents(pack.PriceCents)
	if err != nil {
		return billing.Purchase{}, err
	}
	units, err := billing.NewUnits(pack.Units)
	if err != nil {
		return billing.Purchase{}, err
	}

	session, err := service.provider.CreateCheckout(ctx, payprovider.CheckoutRequest{
		ExternalRef: externalRef.String(),
		AmountCents: pack.PriceCents,
		Description: pack.DisplayName,
	})
	if err != nil {
		return billing.Purchase{}, err
	}

	purchase := billing.Purchase{
		PurchaseID:     purchaseID,
		AccountID:      accountID,
		ExternalRef:    externalRef,
		AmountCents:    amountCents,
		Units:          units,
		Status:         billing.PurchaseStatusPending,
		CheckoutURL:    session.CheckoutURL,
		MetadataJSON:   metadata.String(),
		CreatedUnixUTC: service.nowFn(),
	}
	if err := service.store.CreatePurchase(ctx, purchase); err != nil {
		return billing.Purchase{}, err
	}
	return purchase, nil
}
