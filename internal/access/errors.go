package access

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("access: not found")
	ErrInvalidInput = errors.New("access: invalid input")
	// ErrUnauthorized covers every denial. Handlers translate it into a
	// generic "not authorized" response that reveals nothing about why.
	ErrUnauthorized = errors.New("access: unauthorized")
	// ErrAccountLocked wraps ErrUnauthorized so transport code needs no
	// special case; the distinction exists for bookkeeping and tests.
	ErrAccountLocked = fmt.Errorf("%w: account locked", ErrUnauthorized)
	// ErrMFARequired means the password was right but the account has a
	// confirmed second factor and no code was supplied.
	ErrMFARequired = fmt.Errorf("%w: second factor required", ErrUnauthorized)
)
