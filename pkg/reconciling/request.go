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

// Package reconciling holds the lifecycle contract shared by all resource
// reconcilers: the request/result types, the error taxonomy, bounded retries
// for transient failures and the budget-aware polling helpers.
//
// Every reconciler converges exactly one kind of external resource against a
// Create/Update/Delete event and reports a stable physical resource id plus
// output attributes. All state is reconstructed per invocation from the
// request properties and queries against the external system.
package reconciling

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type RequestType string

const (
	RequestTypeCreate RequestType = "Create"
	RequestTypeUpdate RequestType = "Update"
	RequestTypeDelete RequestType = "Delete"
)

// Request describes one lifecycle event for one logical resource. It is
// immutable for the duration of the invocation.
type Request struct {
	RequestType       RequestType
	LogicalResourceID string

	// PhysicalResourceID is empty on Create and carries the id assigned by a
	// previous Create on Update/Delete.
	PhysicalResourceID string

	// ResourceProperties is the desired state as an untyped property bag;
	// reconcilers decode it into their typed spec via DecodeProperties.
	ResourceProperties map[string]interface{}

	// OldResourceProperties is only set on Update and holds the previous
	// desired state, used to classify changes as mutable-in-place or
	// requiring replacement.
	OldResourceProperties map[string]interface{}
}

// Result is the successful outcome of a reconciliation. Failures are
// expressed as returned errors and mapped onto the caller's protocol by the
// entrypoint wrapper.
type Result struct {
	// PhysicalResourceID must stay stable across in-place updates; returning
	// a different id signals the caller that the resource was replaced and
	// the old object must be torn down with a follow-up Delete.
	PhysicalResourceID string
	Data               map[string]interface{}
}

// Reconciler converges one kind of external resource. Implementations are
// stateless between invocations and must be safe to replay: Create must not
// duplicate an existing object, Delete of an absent object must succeed.
type Reconciler interface {
	Create(ctx context.Context, req *Request) (*Result, error)
	Update(ctx context.Context, req *Request) (*Result, error)
	Delete(ctx context.Context, req *Request) (*Result, error)
}

// Reconcile dispatches the request to the matching Reconciler method,
// recovers panics into errors and normalizes the result so a physical
// resource id is always present. It is the single place where the error
// taxonomy crosses the protocol boundary.
func Reconcile(ctx context.Context, reconciler Reconciler, req *Request, log *zap.SugaredLogger) (result *Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = fmt.Errorf("reconciler panicked: %v", rec)
			log.Errorw("Recovered panic during reconciliation", "panic", rec)
		}
	}()

	if req == nil {
		return nil, validationErrorf("no request given")
	}

	log = log.With("requestType", req.RequestType, "logicalResource", req.LogicalResourceID, "physicalResource", req.PhysicalResourceID)
	log.Infow("Reconciling")

	switch req.RequestType {
	case RequestTypeCreate:
		result, err = reconciler.Create(ctx, req)
	case RequestTypeUpdate:
		result, err = reconciler.Update(ctx, req)
	case RequestTypeDelete:
		result, err = reconciler.Delete(ctx, req)
	default:
		return nil, validationErrorf("unknown request type %q", req.RequestType)
	}

	if err != nil {
		log.Errorw("Reconciliation failed", zap.Error(err))
		return nil, err
	}

	if result == nil {
		result = &Result{}
	}
	if result.PhysicalResourceID == "" {
		result.PhysicalResourceID = req.PhysicalResourceID
	}

	log.Infow("Reconciliation succeeded", "physicalResource", result.PhysicalResourceID)

	return result, nil
}
