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

package aws

import (
	"errors"

	"github.com/aws/smithy-go"

	"github.com/trainforge/provisioner/pkg/reconciling"
)

// IsErrorCode reports whether err is an AWS API error with one of the given
// codes. Service-specific codes (e.g. "FileSystemNotFound") are matched by
// the callers that know them.
func IsErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}

	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}

	return false
}

// IsNotFound reports whether err is one of the common not-found codes of the
// services in the ClientSet.
func IsNotFound(err error) bool {
	return IsErrorCode(err,
		"NotFound",
		"NotFoundException",
		"NoSuchEntity",
		"ResourceNotFound",
		"ResourceNotFoundException",
	)
}

// IsAlreadyExists reports whether err signals a naming collision with an
// object that already exists.
func IsAlreadyExists(err error) bool {
	return IsErrorCode(err,
		"ConflictException",
		"EntityAlreadyExists",
		"ResourceInUse",
		"ResourceInUseException",
	)
}

// IsThrottled reports whether err is a rate-limit rejection.
func IsThrottled(err error) bool {
	return IsErrorCode(err,
		"RequestLimitExceeded",
		"Throttling",
		"ThrottlingException",
		"TooManyRequestsException",
	)
}

// TransientIfThrottled marks throttling errors as retryable so Retry backs
// off and tries again instead of failing the whole reconciliation.
func TransientIfThrottled(err error) error {
	if IsThrottled(err) {
		return reconciling.Transient(err)
	}

	return err
}
