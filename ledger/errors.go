package ledger

import "errors"

// Reason strings are returned verbatim to JSON-RPC callers.
var (
	ErrUnauthorized          = errors.New("Only manager can perform this action")
	ErrNotWhitelisted        = errors.New("You are not whitelisted")
	ErrInsufficientAllowance = errors.New("Insufficient allowance")
	ErrInsufficientBalance   = errors.New("Insufficient contract balance")
	ErrBlacklisted           = errors.New("Account is blacklisted")
	ErrInvalidAmount         = errors.New("Invalid amount")
	ErrReentrantCall         = errors.New("Reentrant call")
	ErrNonceUsed             = errors.New("Request already executed")
	ErrRequestExpired        = errors.New("Request expired")
	ErrInvalidDeposit        = errors.New("Invalid deposit")
	ErrDepositCredited       = errors.New("Deposit already credited")
	ErrTransferFailed        = errors.New("Transfer failed")

	// ErrRestoreFailed means a transfer failed and the withdrawal could not be
	// rolled back; the record and balance still show it as paid.
	ErrRestoreFailed   = errors.New("Transfer failed, withdrawal not restored")
	ErrManagerMismatch = errors.New("state belongs to a different manager")
)

var rejections = []error{
	ErrUnauthorized,
	ErrNotWhitelisted,
	ErrInsufficientAllowance,
	ErrInsufficientBalance,
	ErrBlacklisted,
	ErrInvalidAmount,
	ErrReentrantCall,
	ErrNonceUsed,
	ErrRequestExpired,
	ErrInvalidDeposit,
	ErrDepositCredited,
}

// IsRejection reports whether err is a precondition failure of a ledger call,
// as opposed to an infrastructure error.
func IsRejection(err error) bool {
	return rejectionOf(err) != nil
}

// rejectionOf returns the rejection err wraps, or nil.
func rejectionOf(err error) error {
	for _, r := range rejections {
		if errors.Is(err, r) {
			return r
		}
	}
	return nil
}
