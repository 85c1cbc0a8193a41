package sqlbisect

import (
	"fmt"
	"time"
)

// RetryPolicy configures how often and how fast a fallible operation gets retried
type RetryPolicy struct {
	MaxAttempts int           // How many times the operation is attempted in total. Values below 1 are treated as 1
	Delay       time.Duration // How long to wait after a failed attempt
}

// A Retryable is an operation which is attempted until it returns a non-zero value without an error
type Retryable[T comparable] func(attempt int) (T, error)

// taskLogger is implemented by [Task]. Every attempt of a retried operation is written to it.
type taskLogger interface {
	Logf(format string, args ...any)
	Warnf(format string, args ...any)
}

// Retry runs op until it succeeds or policy.MaxAttempts attempts failed.
// An attempt fails if op returns an error or the zero value of T.
// The returned boolean is false if all attempts failed, in which case the zero value of T is returned.
// Retry never panics on a failing op and writes the outcome of every attempt to log.
func Retry[T comparable](log taskLogger, name string, policy RetryPolicy, op Retryable[T]) (T, bool) {
	var zero T

	attempts := max(policy.MaxAttempts, 1)
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := op(attempt)
		if err == nil && res == zero {
			err = fmt.Errorf("no usable result")
		}
		if err == nil {
			log.Logf("%s attempt %d/%d succeeded", name, attempt, attempts)
			return res, true
		}
		log.Warnf("%s attempt %d/%d failed - %v", name, attempt, attempts, err)

		if attempt != attempts {
			time.Sleep(policy.Delay)
		}
	}

	return zero, false
}
