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
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trainforge/provisioner/pkg/log"
)

type fakeReconciler struct {
	createCalls int
	updateCalls int
	deleteCalls int

	result *Result
	err    error
	panics bool
}

func (f *fakeReconciler) Create(ctx context.Context, req *Request) (*Result, error) {
	f.createCalls++
	if f.panics {
		panic("boom")
	}

	return f.result, f.err
}

func (f *fakeReconciler) Update(ctx context.Context, req *Request) (*Result, error) {
	f.updateCalls++
	return f.result, f.err
}

func (f *fakeReconciler) Delete(ctx context.Context, req *Request) (*Result, error) {
	f.deleteCalls++
	return f.result, f.err
}

func TestReconcileDispatch(t *testing.T) {
	testCases := []struct {
		name        string
		requestType RequestType
		verify      func(t *testing.T, f *fakeReconciler)
	}{
		{
			name:        "create goes to Create",
			requestType: RequestTypeCreate,
			verify: func(t *testing.T, f *fakeReconciler) {
				assert.Equal(t, 1, f.createCalls)
				assert.Equal(t, 0, f.updateCalls)
				assert.Equal(t, 0, f.deleteCalls)
			},
		},
		{
			name:        "update goes to Update",
			requestType: RequestTypeUpdate,
			verify: func(t *testing.T, f *fakeReconciler) {
				assert.Equal(t, 1, f.updateCalls)
			},
		},
		{
			name:        "delete goes to Delete",
			requestType: RequestTypeDelete,
			verify: func(t *testing.T, f *fakeReconciler) {
				assert.Equal(t, 1, f.deleteCalls)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeReconciler{result: &Result{PhysicalResourceID: "id-1"}}
			result, err := Reconcile(context.Background(), fake, &Request{RequestType: tc.requestType}, log.Logger)

			assert.NoError(t, err)
			assert.Equal(t, "id-1", result.PhysicalResourceID)
			tc.verify(t, fake)
		})
	}
}

func TestReconcileNormalizesResult(t *testing.T) {
	fake := &fakeReconciler{result: nil}
	req := &Request{
		RequestType:        RequestTypeDelete,
		PhysicalResourceID: "keep-me",
	}

	result, err := Reconcile(context.Background(), fake, req, log.Logger)

	assert.NoError(t, err)
	assert.Equal(t, "keep-me", result.PhysicalResourceID)
}

func TestReconcileUnknownRequestType(t *testing.T) {
	fake := &fakeReconciler{}
	_, err := Reconcile(context.Background(), fake, &Request{RequestType: "Reboot"}, log.Logger)

	assert.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, 0, fake.createCalls+fake.updateCalls+fake.deleteCalls)
}

func TestReconcileRecoversPanics(t *testing.T) {
	fake := &fakeReconciler{panics: true}
	result, err := Reconcile(context.Background(), fake, &Request{RequestType: RequestTypeCreate}, log.Logger)

	assert.Nil(t, result)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestReconcilePropagatesErrors(t *testing.T) {
	fake := &fakeReconciler{err: Permanent(errors.New("quota exceeded"))}
	result, err := Reconcile(context.Background(), fake, &Request{RequestType: RequestTypeCreate}, log.Logger)

	assert.Nil(t, result)
	assert.True(t, IsPermanentError(err))
}
