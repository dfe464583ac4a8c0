package engine

import (
	"errors"

	"github.com/gregtusar/coveredcall/pkg/reconcile"
)

var (
	// ErrBusy means another trade is in flight on this engine. Callers retry later.
	ErrBusy = errors.New("engine busy")
	// ErrDuplicate means an overlapping order is already pending at the broker.
	ErrDuplicate = errors.New("overlapping order pending")
	// ErrInvalidInput is a caller bug: wrong side or symbol, bad bounds, bad quantity.
	ErrInvalidInput = errors.New("invalid trade input")
	// ErrStaleStateView is returned when the broker views have not converged.
	ErrStaleStateView = reconcile.ErrStaleStateView
)
