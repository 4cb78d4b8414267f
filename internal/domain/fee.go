package domain

import "math/bits"

// Platform fee rates are expressed in basis points of the session amount.
const (
	BasisPointsDenominator = 10_000
	DefaultPlatformFeeBPS  = 100
)

// SplitFee divides amount into the platform fee and the website payout. The
// fee rounds down and bps above BasisPointsDenominator is capped.
func SplitFee(amount, bps uint64) (fee, payout uint64) {
	if bps > BasisPointsDenominator {
		bps = BasisPointsDenominator
	}
	hi, lo := bits.Mul64(amount, bps)
	fee, _ = bits.Div64(hi, lo, BasisPointsDenominator)
	return fee, amount - fee
}
