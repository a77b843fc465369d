package domain

// Tax is charged at a fixed 50 basis points (0.5%) of the total payment.
const (
	TaxBasisPoints         uint64 = 50
	BasisPointsDenominator uint64 = 10000
)

// TaxAmountFor returns the tax share of a total payment, rounded down.
// Computed in two terms so the multiplication cannot overflow for any
// uint64 amount: with totalPayment = q*10000 + r,
// floor(totalPayment*50/10000) == q*50 + floor(r*50/10000) exactly.
func TaxAmountFor(totalPayment uint64) uint64 {
	q := totalPayment / BasisPointsDenominator
	r := totalPayment % BasisPointsDenominator
	return q*TaxBasisPoints + r*TaxBasisPoints/BasisPointsDenominator
}

// ShopOwnerAmountFor returns the post-tax share that goes to the shop
// owner. TaxAmountFor(n) + ShopOwnerAmountFor(n) == n for all n.
func ShopOwnerAmountFor(totalPayment uint64) uint64 {
	return totalPayment - TaxAmountFor(totalPayment)
}
