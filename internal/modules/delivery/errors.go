// README: Error taxonomy of the delivery engine.
package delivery

import "errors"

var (
	// ErrInvalidTransition: re-fetch current state and retry with a valid event.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrOutOfOrderScan: delivered scanned before loaded; please scan pickup first.
	ErrOutOfOrderScan = errors.New("out of order scan: please scan pickup first")
	ErrNotFound       = errors.New("not found")
	ErrValidation     = errors.New("validation error")
	// ErrConflict: lost a serialisation race; retry the whole operation.
	ErrConflict  = errors.New("concurrency conflict")
	ErrForbidden = errors.New("forbidden")
	// ErrPaymentTransferFailed is recorded on payouts reported failed by the transfer worker.
	ErrPaymentTransferFailed = errors.New("payment transfer failed")
)
