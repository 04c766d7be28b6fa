package billing

import (
	"fmt"
	"strings"
)

// PurchaseStatus defines the purchase lifecycle. A purchase starts pending
// and transitions exactly once into a terminal state.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusCompleted PurchaseStatus = "completed"
	PurchaseStatusFailed    PurchaseStatus = "failed"
)

// ParsePurchaseStatus validates a stored status label.
func ParsePurchaseStatus(raw string) (PurchaseStatus, error) {
	switch PurchaseStatus(strings.TrimSpace(raw)) {
	case PurchaseStatusPending:
		return PurchaseStatusPending, nil
	case PurchaseStatusCompleted:
		return PurchaseStatusCompleted, nil
	case PurchaseStatusFailed:
		return PurchaseStatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPurchaseStatus, raw)
	}
}

// String returns the status label.
func (status PurchaseStatus) String() string {
	return string(status)
}

// IsTerminal reports whether the status admits no further transitions.
func (status PurchaseStatus) IsTerminal() bool {
	return status == PurchaseStatusCompleted || status == PurchaseStatusFailed
}

// Purchase models one checkout attempt. Once terminal it is read-only audit data.
type Purchase struct {
	PurchaseID     PurchaseID
	AccountID      AccountID
	ExternalRef    ExternalRef
	AmountCents    AmountCents
	Units          Units
	Status         PurchaseStatus
	CheckoutURL    string
	MetadataJSON   string
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}
