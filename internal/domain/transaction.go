package domain

import "time"

// Transaction is a single payer-to-shop-owner payment intent with a fixed
// tax split. IDs are integers starting at 1; 0 means "not found".
type Transaction struct {
	ID              uint64    `json:"id"`
	Payer           string    `json:"payer"`
	OriginChain     string    `json:"origin_chain"`
	TotalPayment    uint64    `json:"total_payment"`
	ShopOwner       string    `json:"shop_owner"`
	PaymentToken    string    `json:"payment_token"`
	TaxAmount       uint64    `json:"tax_amount"`
	ShopOwnerAmount uint64    `json:"shop_owner_amount"`
	IsPaid          bool      `json:"is_paid"`
	IsRefunded      bool      `json:"is_refunded"`
	CreatedAt       time.Time `json:"created_at"`
}

// IsNative reports whether the transaction is denominated in the native
// asset rather than an allow-listed token.
func (t *Transaction) IsNative() bool {
	return t.PaymentToken == NativeToken
}
