package walletapi

import "encoding/json"

// WalletEnvelope wraps wallet payloads returned by the API endpoints.
type WalletEnvelope struct {
	Wallet WalletPayload `json:"wallet"`
}

// WalletPayload describes the account balance and recent entry history.
type WalletPayload struct {
	AccountID string         `json:"account_id"`
	Balance   BalancePayload `json:"balance"`
	Entries   []EntryPayload `json:"entries"`
}

// BalancePayload normalizes units/credits for the UI.
type BalancePayload struct {
	BalanceUnits   int64 `json:"balance_units"`
	BalanceCredits int64 `json:"balance_credits"`
}

// EntryPayload mirrors the ledger entry contract for the UI.
type EntryPayload struct {
	EntryID        string          `json:"entry_id"`
	DeltaUnits     int64           `json:"delta_units"`
	BalanceAfter   int64           `json:"balance_after_units"`
	Reason         string          `json:"reason"`
	RefType        string          `json:"ref_type"`
	RefID          string          `json:"ref_id"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

// SpendEnvelope includes status plus the updated wallet payload.
type SpendEnvelope struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Wallet  WalletPayload `json:"wallet"`
}

// PurchaseEnvelope is returned when a checkout session opens.
type PurchaseEnvelope struct {
	PurchaseID  string `json:"purchase_id"`
	Status      string `json:"status"`
	CheckoutURL string `json:"checkout_url"`
	Units       int64  `json:"units"`
	AmountCents int64  `json:"amount_cents"`
}

// WebhookEnvelope is the reconciler's response contract.
type WebhookEnvelope struct {
	Success          bool  `json:"success"`
	AlreadyProcessed bool  `json:"already_processed,omitempty"`
	Credited         bool  `json:"credited,omitempty"`
	NewBalanceUnits  int64 `json:"new_balance_units,omitempty"`
}

// ErrorEnvelope encodes API errors.
type ErrorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload contains the code and message for user-visible errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
