package market

import "errors"

var (
	// ErrInsufficientFunds rejects a buy whose cost exceeds available
	// funds. No state is mutated.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientHoldings rejects a sell of more units than held.
	ErrInsufficientHoldings = errors.New("insufficient holdings")

	// ErrInvalidQuantity rejects non-positive trade quantities.
	ErrInvalidQuantity = errors.New("quantity must be a positive integer")

	// ErrUnknownAsset rejects trades on assets without a price series.
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrScenarioInactive rejects trades and ticks on a run that is
	// suspended or already complete.
	ErrScenarioInactive = errors.New("scenario is not active")
)
