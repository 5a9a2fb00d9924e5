package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidOrder     = errors.New("invalid order parameters")
	ErrSigningFailed    = errors.New("signing failed")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrLockHeld         = errors.New("lock already held")
	ErrStaleBook        = errors.New("order book is stale")
	ErrOutOfSequence    = errors.New("sequence out of order")
	ErrOverloaded       = errors.New("submission queue full")
	ErrExchangeRejected = errors.New("exchange rejected order")
	ErrTransient        = errors.New("transient failure")
	ErrReadOnly         = errors.New("read-only mode")
	ErrIllegalState     = errors.New("illegal state transition")
)
