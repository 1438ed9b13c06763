// README: Error taxonomy of the dispute workflow.
package dispute

import "errors"

var (
	ErrNotFound          = errors.New("dispute not found")
	ErrValidation        = errors.New("validation error")
	ErrInvalidTransition = errors.New("invalid dispute transition")
	ErrForbidden         = errors.New("forbidden")
	ErrConflict          = errors.New("concurrency conflict")
	// ErrRefundFailed: the dispute is resolved but the refund instruction was not
	// accepted; retry with RetryRefund.
	ErrRefundFailed = errors.New("refund instruction failed")
)
