package internal

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrAmountTooLarge  = fmt.Errorf("amount exceeds %d per submission", MaxAmount)
	ErrNoCredit        = errors.New("no credit to subtract from")
	ErrUnauthenticated = errors.New("backing store credentials missing or invalid")
	ErrUnavailable     = errors.New("backing store unavailable")
)

// ConfirmationRequiredError is returned when a correction asks for more than
// the user has on record. Nothing has been written when it is returned.
type ConfirmationRequiredError struct {
	Name            string
	Requested       int64
	MaxSubtractable int64
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("%s has %d on record, cannot subtract %d without confirmation", e.Name, e.MaxSubtractable, e.Requested)
}
