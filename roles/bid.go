package roles

import "math/big"

// Bid scales the bid between the configured bounds by the mean confidence of
// the asserted artifacts. Both bounds are raised to the chain minimum.
func Bid(minBid, maxBid, chainMinimum *big.Int, mask []bool, confidences []float64) *big.Int {
	lo := maxInt(orZero(minBid), orZero(chainMinimum))
	hi := maxInt(orZero(maxBid), orZero(chainMinimum))

	var (
		sum   float64
		count int
	)
	for i, asserted := range mask {
		if asserted && i < len(confidences) {
			sum += confidences[i]
			count++
		}
	}
	if count == 0 {
		return new(big.Int).Set(lo)
	}
	avg := sum / float64(count)

	spread := new(big.Float).SetInt(new(big.Int).Sub(hi, lo))
	spread.Mul(spread, big.NewFloat(avg))
	bid, _ := spread.Int(nil)
	bid.Add(bid, lo)

	if bid.Cmp(lo) < 0 {
		return new(big.Int).Set(lo)
	}
	if bid.Cmp(hi) > 0 {
		return new(big.Int).Set(hi)
	}
	return bid
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func maxInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}
