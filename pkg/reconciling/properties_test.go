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
	"testing"

	"github.com/stretchr/testify/assert"
)

type clusterSpec struct {
	Name string `json:"Name"`
	Size int    `json:"Size,string"`
}

func (s *clusterSpec) Validate() error {
	if s.Name == "" {
		return NewValidationError("Name is required")
	}

	return nil
}

func TestDecodeProperties(t *testing.T) {
	spec := &clusterSpec{}
	err := DecodeProperties(map[string]interface{}{
		"Name": "train-cluster",
		"Size": "4",
	}, spec)

	assert.NoError(t, err)
	assert.Equal(t, "train-cluster", spec.Name)
	assert.Equal(t, 4, spec.Size)
}

func TestDecodePropertiesMissingRequiredField(t *testing.T) {
	err := DecodeProperties(map[string]interface{}{"Size": "4"}, &clusterSpec{})

	assert.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestDecodePropertiesBadShape(t *testing.T) {
	err := DecodeProperties(map[string]interface{}{
		"Name": "train-cluster",
		"Size": "not-a-number",
	}, &clusterSpec{})

	assert.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestStringListAcceptsBothShapes(t *testing.T) {
	testCases := []struct {
		name     string
		value    interface{}
		expected StringList
	}{
		{
			name:     "json list",
			value:    []interface{}{"subnet-1", "subnet-2"},
			expected: StringList{"subnet-1", "subnet-2"},
		},
		{
			name:     "comma separated string",
			value:    "subnet-1, subnet-2",
			expected: StringList{"subnet-1", "subnet-2"},
		},
		{
			name:     "single string",
			value:    "subnet-1",
			expected: StringList{"subnet-1"},
		},
		{
			name:     "empty string",
			value:    "",
			expected: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			target := struct {
				Subnets StringList `json:"Subnets"`
			}{}

			err := DecodeProperties(map[string]interface{}{"Subnets": tc.value}, &target)

			assert.NoError(t, err)
			assert.Equal(t, tc.expected, target.Subnets)
		})
	}
}

func TestDecodeBoth(t *testing.T) {
	req := &Request{
		RequestType: RequestTypeUpdate,
		ResourceProperties: map[string]interface{}{
			"Name": "train-cluster",
			"Size": "8",
		},
		OldResourceProperties: map[string]interface{}{
			"Name": "train-cluster",
			"Size": "4",
		},
	}

	spec, oldSpec := &clusterSpec{}, &clusterSpec{}
	err := DecodeBoth(req, spec, oldSpec)

	assert.NoError(t, err)
	assert.Equal(t, 8, spec.Size)
	assert.Equal(t, 4, oldSpec.Size)
}
