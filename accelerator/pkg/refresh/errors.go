package refresh

import (
	"errors"
	"fmt"
)

// ErrValidation matches every refresh configuration validation error.
var ErrValidation = errors.New("invalid refresh configuration")

type NoTimeColumnFoundError struct {
	Table  string
	Column string
}

func (e *NoTimeColumnFoundError) Error() string {
	return fmt.Sprintf("time_column '%s' was not found in dataset %s", e.Column, e.Table)
}

func (e *NoTimeColumnFoundError) Is(target error) bool {
	return target == ErrValidation
}

type TimeFormatMismatchError struct {
	Table    string
	Column   string
	Expected TimeFormat
	Actual   string
}

func (e *TimeFormatMismatchError) Error() string {
	return fmt.Sprintf("time_column '%s' in dataset %s has data type '%s', but time_format is configured as '%s'",
		e.Column, e.Table, e.Actual, e.Expected)
}

func (e *TimeFormatMismatchError) Is(target error) bool {
	return target == ErrValidation
}
