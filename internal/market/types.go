// Package market implements the round-based market-simulation
// sub-engine: price-series generation, round timing, and buy/sell
// validation against a wallet.
package market

import "time"

// AssetType classifies wallet assets. Fiat assets supply the available
// funds; every other type is a tradeable holding with a price series.
type AssetType string

const (
	AssetFiat   AssetType = "fiat"
	AssetStock  AssetType = "stock"
	AssetCrypto AssetType = "crypto"
)

// Asset is one wallet entry. For tradeable assets Amount doubles as the
// round-1 price seed (a quirk inherited from the authoring format; see
// GeneratePriceSeries).
type Asset struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Type          AssetType `json:"type"`
	Amount        float64   `json:"amount"`
	InitialAmount float64   `json:"initialAmount,omitempty"`
}

// Wallet is the per-participant balance set for one scenario run.
type Wallet struct {
	Assets []Asset `json:"assets"`
}

// Scenario is the authored template for a market-simulation stage.
type Scenario struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Rounds        int    `json:"rounds"`
	RoundDuration int    `json:"roundDuration"`
	Wallet        Wallet `json:"wallet"`
}

// Bounds for authored scenarios.
const (
	MinRounds        = 1
	MaxRounds        = 50
	MinRoundDuration = 5
	MaxRoundDuration = 300
)

// TradeType discriminates buy and sell transactions.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// Transaction is an immutable log entry for one validated trade. Never
// mutated or deleted after creation.
type Transaction struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experimentId"`
	UserID       string    `json:"userId"`
	AssetID      string    `json:"assetId"`
	Symbol       string    `json:"symbol"`
	Type         TradeType `json:"type"`
	Quantity     int       `json:"quantity"`
	Price        float64   `json:"price"`
	TotalValue   float64   `json:"totalValue"`
	RoundNumber  int       `json:"roundNumber"`
	Timestamp    time.Time `json:"timestamp"`
}

// AssetPrices is the persisted per-asset series, one price per round.
type AssetPrices struct {
	AssetID string    `json:"assetId"`
	Symbol  string    `json:"symbol"`
	Prices  []float64 `json:"prices"`
}

// Balances is returned to the caller after a validated trade.
type Balances struct {
	Funds    float64            `json:"funds"`
	Holdings map[string]float64 `json:"holdings"`
}
