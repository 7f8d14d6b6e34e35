package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

// PermanentError marks a handler failure that retrying cannot fix
// (e.g. the referenced invoice no longer exists). The consumer routes
// these straight to the dead-letter queue instead of burning attempts.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
