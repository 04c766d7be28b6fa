package billing

const (
	operationCredit         = "credit"
	operationDebit          = "debit"
	operationSettlePurchase = "settle_purchase"
	operationFailPurchase   = "fail_purchase"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// ReferenceTypePurchase links ledger entries to purchase rows.
	ReferenceTypePurchase = "purchase"
	// ReferenceTypeAccount links trial grants to the account itself.
	ReferenceTypeAccount = "account"
	// ReferenceTypeGeneration links debits to generation jobs.
	ReferenceTypeGeneration = "generation"
	// ReferenceTypeAdmin links manual grants to the operator action.
	ReferenceTypeAdmin = "admin"
)
