package domain

import (
	"errors"
	"fmt"
)

// ErrOutOfRange indicates that a position does not address an existing task.
var ErrOutOfRange = errors.New("task position out of range")

// OutOfRangeError carries the rejected position and the list length observed
// while the store lock was held.
type OutOfRangeError struct {
	Position int
	Length   int
}

func (e *OutOfRangeError) Error() string {
	return fmt.Sprintf("task %d out of range (len %d)", e.Position, e.Length)
}

func (e *OutOfRangeError) Is(target error) bool {
	return target == ErrOutOfRange
}
