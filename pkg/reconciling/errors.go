/*
Copyright 2025 The Trainforge Provisioner contributors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package reconciling

import (
	"errors"
	"fmt"
)

// ValidationError marks malformed input. It fails the reconciliation
// immediately, before any call to the external system, and is never retried.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string {
	return e.msg
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// NewValidationError returns an error that fails the request without
// touching the external system.
func NewValidationError(format string, args ...interface{}) error {
	return validationErrorf(format, args...)
}

// TransientError wraps a failure that is expected to resolve on its own
// (throttling, 5xx, connection resets). Retry treats it as retryable.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{err: err}
}

// PermanentError wraps an external failure that retrying will not fix, like
// an exceeded quota or an object in a conflicting terminal state.
type PermanentError struct {
	err error
}

func (e *PermanentError) Error() string {
	return e.err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.err
}

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{err: err}
}

// InProgressError signals that the time budget ran out while the external
// system was still converging. The entrypoint surfaces it as a retryable
// failure so the caller re-delivers the same event and the reconciler can
// resume from the external system's current state.
type InProgressError struct {
	msg string
}

func (e *InProgressError) Error() string {
	return e.msg
}

// InProgressErrorf builds an InProgressError, typically from a polling loop
// that could not reach a terminal state within the remaining budget.
func InProgressErrorf(format string, args ...interface{}) error {
	return &InProgressError{msg: fmt.Sprintf(format, args...)}
}

func IsValidationError(err error) bool {
	target := &ValidationError{}
	return errors.As(err, &target)
}

func IsTransientError(err error) bool {
	target := &TransientError{}
	return errors.As(err, &target)
}

func IsPermanentError(err error) bool {
	target := &PermanentError{}
	return errors.As(err, &target)
}

func IsInProgressError(err error) bool {
	target := &InProgressError{}
	return errors.As(err, &target)
}
