package sqlbisect

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is wrapped by every error caused by a bad job or request, before anything was provisioned.
	ErrInvalidInput = errors.New("invalid input")

	ErrNoCheckConfigured = fmt.Errorf("%w: neither a sql batch nor a check script was configured", ErrInvalidInput)
	ErrMissingVersion    = fmt.Errorf("%w: end version must not be empty", ErrInvalidInput)
	ErrVersionOrder      = fmt.Errorf("%w: start version must be older than end version", ErrInvalidInput)
	ErrInvalidVersion    = fmt.Errorf("%w: invalid version", ErrInvalidInput)

	ErrProvisioning     = errors.New("failed to provision candidate")
	ErrBoot             = errors.New("cluster failed to become live")
	ErrBootTimeout      = errors.New("cluster did not answer the liveness probe in time")
	ErrProcessExited    = errors.New("cluster process exited before becoming live")
	ErrIdentityMismatch = errors.New("running server does not report the expected commit")

	ErrTaskNotFound         = errors.New("task not found")
	ErrResultAlreadyWritten = errors.New("result index was already written")
)
