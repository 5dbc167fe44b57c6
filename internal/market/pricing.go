package market

import "math/rand"

// Fluctuation bounds for round-to-round price movement.
const (
	FluctuationMin = 0.8
	FluctuationMax = 1.2
)

// GeneratePriceSeries produces one price per round. The round-1 price is
// the seed value; each later round multiplies the previous price by a
// factor drawn uniformly from [FluctuationMin, FluctuationMax).
//
// The seed comes from the wallet asset's amount field. That conflates a
// holdings quantity with a price, but the authoring format does exactly
// this, so the engine preserves it rather than inventing new semantics.
//
// The series is generated once at scenario creation and persisted;
// reads never regenerate it.
func GeneratePriceSeries(seed float64, rounds int, rng *rand.Rand) []float64 {
	if rounds <= 0 {
		return nil
	}
	prices := make([]float64, rounds)
	prices[0] = seed
	for i := 1; i < rounds; i++ {
		factor := FluctuationMin + rng.Float64()*(FluctuationMax-FluctuationMin)
		prices[i] = prices[i-1] * factor
	}
	return prices
}
