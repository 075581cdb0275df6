package jsonapi

import (
	"errors"
	"fmt"
)

var errMissingData = errors.New("response has neither data nor errors")

// DecodeError reports a response body that is not a usable JSON:API document.
type DecodeError struct {
	Status int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode response (status %d): %v", e.Status, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
