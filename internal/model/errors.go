package model

import "errors"

// Engine failure kinds. Callers match them with errors.Is; engine packages
// wrap them with context.
var (
	// ErrInvalidAmount is returned for a bet below the minimum or a
	// non-positive quantity.
	ErrInvalidAmount = errors.New("market: invalid amount")

	// ErrInsufficientShares is returned when a sell exceeds owned shares.
	ErrInsufficientShares = errors.New("market: insufficient shares")

	// ErrPositionNotFound is returned when selling without a position.
	ErrPositionNotFound = errors.New("market: position not found")

	// ErrCandidateNotFound is returned when a candidate has no share record
	// in the period.
	ErrCandidateNotFound = errors.New("market: candidate not found")

	// ErrAlreadyResolved is returned when a period is resolved twice.
	ErrAlreadyResolved = errors.New("market: period already resolved")

	// ErrInvalidTransition is returned for an order status change out of a
	// terminal state.
	ErrInvalidTransition = errors.New("market: invalid order status transition")

	// ErrPeriodMismatch is returned when a request targets a different
	// period than the supplied market state.
	ErrPeriodMismatch = errors.New("market: period mismatch")

	// ErrPeriodClosed is returned when trading a period that has ended.
	ErrPeriodClosed = errors.New("market: period closed for trading")

	// ErrPeriodOpen is returned when resolving a period before its end.
	ErrPeriodOpen = errors.New("market: period has not ended")

	// ErrNoRanking is returned when resolving a period in which no KOL
	// trade was recorded.
	ErrNoRanking = errors.New("market: no KOL ranking for period")

	// ErrInsufficientFunds is returned by the funds service on overdraft.
	ErrInsufficientFunds = errors.New("market: insufficient funds")

	// ErrNotFound is returned by stores for a missing record.
	ErrNotFound = errors.New("market: record not found")
)
