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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	testCases := []struct {
		name         string
		err          error
		isValidation bool
		isTransient  bool
		isPermanent  bool
		isInProgress bool
	}{
		{
			name:         "validation error",
			err:          NewValidationError("missing field %q", "Name"),
			isValidation: true,
		},
		{
			name:        "transient error",
			err:         Transient(errors.New("throttled")),
			isTransient: true,
		},
		{
			name:        "wrapped transient error",
			err:         fmt.Errorf("calling external api: %w", Transient(errors.New("throttled"))),
			isTransient: true,
		},
		{
			name:        "permanent error",
			err:         Permanent(errors.New("quota exceeded")),
			isPermanent: true,
		},
		{
			name:         "in progress error",
			err:          InProgressErrorf("cluster still deleting"),
			isInProgress: true,
		},
		{
			name: "plain error matches nothing",
			err:  errors.New("plain"),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.isValidation, IsValidationError(tc.err))
			assert.Equal(t, tc.isTransient, IsTransientError(tc.err))
			assert.Equal(t, tc.isPermanent, IsPermanentError(tc.err))
			assert.Equal(t, tc.isInProgress, IsInProgressError(tc.err))
		})
	}
}

func TestMarkersKeepNilErrors(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.NoError(t, Permanent(nil))
}

func TestMarkersPreserveMessageAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Transient(cause)

	assert.Equal(t, "connection reset", err.Error())
	assert.True(t, errors.Is(err, cause))
}
