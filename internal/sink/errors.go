package sink

import "errors"

// RetryableError marks a commit failure as transient: the pending subset of
// the batch may be redelivered within the same attempt. Anything else
// escalates straight to a job restart.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
