package market

import (
	"math/rand"
	"testing"
)

func TestGeneratePriceSeries(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	prices := GeneratePriceSeries(150, 10, rng)

	if len(prices) != 10 {
		t.Fatalf("expected 10 prices, got %d", len(prices))
	}
	if prices[0] != 150 {
		t.Errorf("expected round-1 price to equal the seed, got %f", prices[0])
	}
	for i := 1; i < len(prices); i++ {
		lo := prices[i-1] * FluctuationMin
		hi := prices[i-1] * FluctuationMax
		if prices[i] < lo || prices[i] >= hi {
			t.Errorf("round %d price %f outside [%f, %f)", i+1, prices[i], lo, hi)
		}
	}
}

func TestGeneratePriceSeriesDeterministic(t *testing.T) {
	a := GeneratePriceSeries(100, 20, rand.New(rand.NewSource(7)))
	b := GeneratePriceSeries(100, 20, rand.New(rand.NewSource(7)))
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed must reproduce the series, diverged at round %d", i+1)
		}
	}
}

func TestGeneratePriceSeriesSingleRound(t *testing.T) {
	prices := GeneratePriceSeries(50, 1, rand.New(rand.NewSource(1)))
	if len(prices) != 1 || prices[0] != 50 {
		t.Errorf("expected a single seed price, got %v", prices)
	}
}

func TestGeneratePriceSeriesZeroRounds(t *testing.T) {
	if prices := GeneratePriceSeries(50, 0, rand.New(rand.NewSource(1))); prices != nil {
		t.Errorf("expected nil for zero rounds, got %v", prices)
	}
}
