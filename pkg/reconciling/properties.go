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
	"encoding/json"
	"fmt"
	"strings"
)

// StringList accepts either a JSON list of strings or a single
// comma-separated string, which is how list-valued properties arrive from
// different template dialects.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var items []string
	if err := json.Unmarshal(data, &items); err == nil {
		*l = items
		return nil
	}

	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return fmt.Errorf("expected a list of strings or a comma-separated string, got %s", string(data))
	}

	if joined == "" {
		*l = nil
		return nil
	}

	items = strings.Split(joined, ",")
	for i, item := range items {
		items[i] = strings.TrimSpace(item)
	}
	*l = items

	return nil
}

// Validator is implemented by property specs that check their own shape
// after decoding.
type Validator interface {
	Validate() error
}

// DecodeProperties decodes the untyped property bag into spec via a JSON
// round-trip and, if the spec implements Validator, validates it. All
// failures are ValidationErrors: they happen before any external call and
// must not be retried.
func DecodeProperties(properties map[string]interface{}, spec interface{}) error {
	encoded, err := json.Marshal(properties)
	if err != nil {
		return validationErrorf("failed to encode resource properties: %v", err)
	}

	if err := json.Unmarshal(encoded, spec); err != nil {
		return validationErrorf("failed to decode resource properties: %v", err)
	}

	if validator, ok := spec.(Validator); ok {
		if err := validator.Validate(); err != nil {
			if IsValidationError(err) {
				return err
			}

			return validationErrorf("invalid resource properties: %v", err)
		}
	}

	return nil
}

// DecodeBoth decodes the current and, when present, the previous properties
// of an Update request into fresh copies of the same spec type. Useful for
// replacement classification.
func DecodeBoth(req *Request, spec, oldSpec interface{}) error {
	if err := DecodeProperties(req.ResourceProperties, spec); err != nil {
		return err
	}

	if req.OldResourceProperties != nil {
		if err := DecodeProperties(req.OldResourceProperties, oldSpec); err != nil {
			return fmt.Errorf("failed to decode previous resource properties: %w", err)
		}
	}

	return nil
}
