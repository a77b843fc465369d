package domain

import "strings"

// ZeroAddress is the reserved zero identity. It is never a valid
// participant, and it doubles as the native-asset sentinel in the
// payment_token field.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// NativeToken marks a transaction denominated in the chain's base currency.
const NativeToken = ZeroAddress

// NormalizeAddress lower-cases and trims an address string. Addresses are
// opaque identifiers; normalization only makes comparisons stable.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// IsZeroAddress reports whether addr is the zero identity (or empty, which
// callers treat the same way).
func IsZeroAddress(addr string) bool {
	a := NormalizeAddress(addr)
	return a == "" || a == ZeroAddress
}

// NormalizeToken maps every zero-identity spelling (including empty) to the
// native sentinel and normalizes everything else as an address.
func NormalizeToken(token string) string {
	if IsZeroAddress(token) {
		return NativeToken
	}
	return NormalizeAddress(token)
}
