package ledger

import "errors"

var (
	// ErrAccountNotFound means the account id has never been synced.
	// Fatal to the caller; nothing was mutated.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientCredits is an expected business outcome, surfaced to
	// the end user and never retried. No partial debit occurs.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount rejects zero or negative amounts before any store
	// access.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrDuplicateEvent is returned by stores when an append violates the
	// unique payment index. The ledger translates it into an idempotent
	// success, never an error to the caller.
	ErrDuplicateEvent = errors.New("duplicate billing event")

	// ErrEventNotFound is returned by stores when no purchase event
	// exists for a payment id.
	ErrEventNotFound = errors.New("billing event not found")
)
