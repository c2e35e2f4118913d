package ledger

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidState marks every ledger invariant violation.
var ErrInvalidState = errors.New("invalid ledger state")

// AlreadyOpenError is returned when opening a ticker that already has an open position.
type AlreadyOpenError struct {
	Ticker string
	Since  time.Time
}

func (e *AlreadyOpenError) Error() string {
	return fmt.Sprintf("%s already has an open position since %s", e.Ticker, e.Since.Format("2006-01-02"))
}

func (e *AlreadyOpenError) Is(target error) bool { return target == ErrInvalidState }

// NotOpenError is returned when closing a ticker without an open position.
type NotOpenError struct {
	Ticker string
}

func (e *NotOpenError) Error() string {
	return fmt.Sprintf("%s has no open position", e.Ticker)
}

func (e *NotOpenError) Is(target error) bool { return target == ErrInvalidState }
