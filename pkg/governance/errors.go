// ABOUTME: Errors returned by the governance facade
// ABOUTME: Store errors pass through unchanged and are matched with errors.Is

package governance

import "github.com/cockroachdb/errors"

var (
	// ErrInvalidRecord is returned when record fields fail validation
	ErrInvalidRecord = errors.New("invalid script record")

	// ErrRejected is returned when the validator rejects the script body.
	// The verdict travels in the result.
	ErrRejected = errors.New("script rejected by policy")

	ErrConfirmationRequired = errors.New("confirmation token required")
	ErrConfirmationMismatch = errors.New("confirmation token does not match the current history")
)
