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

package workspace

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/grafana"
	grafanatypes "github.com/aws/aws-sdk-go-v2/service/grafana/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trainforge/provisioner/pkg/reconciling"
)

type fakeWorkspace struct {
	name   string
	status grafanatypes.WorkspaceStatus
}

type fakeGrafana struct {
	workspaces map[string]*fakeWorkspace
	nextID     string

	createCalls int
	deleteCalls int

	// describesUntilGone keeps a deleted workspace visible as DELETING for
	// that many DescribeWorkspace calls before it disappears.
	describesUntilGone map[string]int

	// describeErrs is consumed one entry per DescribeWorkspace call; a nil
	// entry lets the call proceed normally.
	describeErrs []error
}

func newFakeGrafana() *fakeGrafana {
	return &fakeGrafana{
		workspaces:         map[string]*fakeWorkspace{},
		nextID:             "g-new00001",
		describesUntilGone: map[string]int{},
	}
}

func (f *fakeGrafana) CreateWorkspace(_ context.Context, params *grafana.CreateWorkspaceInput, _ ...func(*grafana.Options)) (*grafana.CreateWorkspaceOutput, error) {
	f.createCalls++

	f.workspaces[f.nextID] = &fakeWorkspace{
		name:   aws.ToString(params.WorkspaceName),
		status: grafanatypes.WorkspaceStatusActive,
	}

	return &grafana.CreateWorkspaceOutput{
		Workspace: &grafanatypes.WorkspaceDescription{
			Id:     aws.String(f.nextID),
			Name:   params.WorkspaceName,
			Status: grafanatypes.WorkspaceStatusCreating,
		},
	}, nil
}

func (f *fakeGrafana) DescribeWorkspace(_ context.Context, params *grafana.DescribeWorkspaceInput, _ ...func(*grafana.Options)) (*grafana.DescribeWorkspaceOutput, error) {
	if len(f.describeErrs) > 0 {
		err := f.describeErrs[0]
		f.describeErrs = f.describeErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	id := aws.ToString(params.WorkspaceId)

	if remaining, ok := f.describesUntilGone[id]; ok {
		if remaining <= 0 {
			delete(f.describesUntilGone, id)
			delete(f.workspaces, id)
		} else {
			f.describesUntilGone[id] = remaining - 1
		}
	}

	workspace, ok := f.workspaces[id]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "no such workspace"}
	}

	return &grafana.DescribeWorkspaceOutput{
		Workspace: &grafanatypes.WorkspaceDescription{
			Id:             params.WorkspaceId,
			Name:           aws.String(workspace.name),
			Status:         workspace.status,
			Endpoint:       aws.String(fmt.Sprintf("%s.grafana-workspace.us-west-2.amazonaws.com", id)),
			GrafanaVersion: aws.String("10.4"),
		},
	}, nil
}

func (f *fakeGrafana) ListWorkspaces(_ context.Context, _ *grafana.ListWorkspacesInput, _ ...func(*grafana.Options)) (*grafana.ListWorkspacesOutput, error) {
	out := &grafana.ListWorkspacesOutput{}
	for id, workspace := range f.workspaces {
		out.Workspaces = append(out.Workspaces, grafanatypes.WorkspaceSummary{
			Id:     aws.String(id),
			Name:   aws.String(workspace.name),
			Status: workspace.status,
		})
	}

	return out, nil
}

func (f *fakeGrafana) DeleteWorkspace(_ context.Context, params *grafana.DeleteWorkspaceInput, _ ...func(*grafana.Options)) (*grafana.DeleteWorkspaceOutput, error) {
	f.deleteCalls++

	id := aws.ToString(params.WorkspaceId)
	workspace, ok := f.workspaces[id]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "ResourceNotFoundException", Message: "no such workspace"}
	}

	workspace.status = grafanatypes.WorkspaceStatusDeleting
	if _, ok := f.describesUntilGone[id]; !ok {
		f.describesUntilGone[id] = 0
	}

	return &grafana.DeleteWorkspaceOutput{
		Workspace: &grafanatypes.WorkspaceDescription{Id: params.WorkspaceId, Status: workspace.status},
	}, nil
}

func properties() map[string]interface{} {
	return map[string]interface{}{
		"WorkspaceName":    "hyperpod-observability",
		"WorkspaceRoleArn": "arn:aws:iam::111122223333:role/grafana-workspace",
	}
}

func TestCreateWorkspace(t *testing.T) {
	fake := newFakeGrafana()
	reconciler := New(fake, zap.NewNop().Sugar())

	result, err := reconciler.Create(context.Background(), &reconciling.Request{
		RequestType:        reconciling.RequestTypeCreate,
		LogicalResourceID:  "GrafanaWorkspace",
		ResourceProperties: properties(),
	})
	require.NoError(t, err)

	assert.Equal(t, "g-new00001", result.PhysicalResourceID)
	assert.Equal(t, "g-new00001", result.Data["WorkspaceId"])
	assert.Equal(t, "g-new00001.grafana-workspace.us-west-2.amazonaws.com", result.Data["WorkspaceEndpoint"])
	assert.Equal(t, string(grafanatypes.WorkspaceStatusActive), result.Data["WorkspaceStatus"])
	assert.Equal(t, 1, fake.createCalls)
}

func TestCreateConvergesOnExistingWorkspace(t *testing.T) {
	fake := newFakeGrafana()
	fake.workspaces["g-existing1"] = &fakeWorkspace{
		name:   "hyperpod-observability",
		status: grafanatypes.WorkspaceStatusActive,
	}
	reconciler := New(fake, zap.NewNop().Sugar())

	result, err := reconciler.Create(context.Background(), &reconciling.Request{
		RequestType:        reconciling.RequestTypeCreate,
		LogicalResourceID:  "GrafanaWorkspace",
		ResourceProperties: properties(),
	})
	require.NoError(t, err)

	assert.Equal(t, "g-existing1", result.PhysicalResourceID)
	assert.Zero(t, fake.createCalls)
}

func TestCreateFailsWhenWorkspaceEntersFailedStatus(t *testing.T) {
	fake := newFakeGrafana()
	fake.workspaces["g-failing01"] = &fakeWorkspace{
		name:   "hyperpod-observability",
		status: grafanatypes.WorkspaceStatusFailed,
	}
	reconciler := New(fake, zap.NewNop().Sugar())

	_, err := reconciler.Create(context.Background(), &reconciling.Request{
		RequestType:        reconciling.RequestTypeCreate,
		LogicalResourceID:  "GrafanaWorkspace",
		ResourceProperties: properties(),
	})

	require.Error(t, err)
	assert.True(t, reconciling.IsPermanentError(err))
	assert.Contains(t, err.Error(), "FAILED")
}

func TestCreateReportsInProgressWhileProvisioning(t *testing.T) {
	fake := newFakeGrafana()
	fake.workspaces["g-creating1"] = &fakeWorkspace{
		name:   "hyperpod-observability",
		status: grafanatypes.WorkspaceStatusCreating,
	}
	reconciler := New(fake, zap.NewNop().Sugar())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := reconciler.Create(ctx, &reconciling.Request{
		RequestType:        reconciling.RequestTypeCreate,
		LogicalResourceID:  "GrafanaWorkspace",
		ResourceProperties: properties(),
	})

	require.Error(t, err)
	assert.True(t, reconciling.IsInProgressError(err))
}

func TestCreateValidationFailsBeforeAPICalls(t *testing.T) {
	fake := newFakeGrafana()
	reconciler := New(fake, zap.NewNop().Sugar())

	props := properties()
	delete(props, "WorkspaceRoleArn")

	_, err := reconciler.Create(context.Background(), &reconciling.Request{
		RequestType:        reconciling.RequestTypeCreate,
		LogicalResourceID:  "GrafanaWorkspace",
		ResourceProperties: props,
	})

	require.Error(t, err)
	assert.True(t, reconciling.IsValidationError(err))
	assert.Zero(t, fake.createCalls)
}

func TestValidateRejectsBadAuthenticationProvider(t *testing.T) {
	fake := newFakeGrafana()
	reconciler := New(fake, zap.NewNop().Sugar())

	props := properties()
	props["AuthenticationProviders"] = []interface{}{"GITHUB"}

	_, err := reconciler.Create(context.Background(), &reconciling.Request{
		RequestType:        reconciling.RequestTypeCreate,
		LogicalResourceID:  "GrafanaWorkspace",
		ResourceProperties: props,
	})

	require.Error(t, err)
	assert.True(t, reconciling.IsValidationError(err))
}

func TestUpdateKeepsPhysicalResourceID(t *testing.T) {
	fake := newFakeGrafana()
	fake.workspaces["g-existing1"] = &fakeWorkspace{
		name:   "hyperpod-observability",
		status: grafanatypes.WorkspaceStatusActive,
	}
	reconciler := New(fake, zap.NewNop().Sugar())

	props := properties()
	props["Tags"] = map[string]interface{}{"Team": "training"}

	result, err := reconciler.Update(context.Background(), &reconciling.Request{
		RequestType:           reconciling.RequestTypeUpdate,
		LogicalResourceID:     "GrafanaWorkspace",
		PhysicalResourceID:    "g-existing1",
		ResourceProperties:    props,
		OldResourceProperties: properties(),
	})
	require.NoError(t, err)

	assert.Equal(t, "g-existing1", result.PhysicalResourceID)
	assert.Zero(t, fake.createCalls)
	assert.Zero(t, fake.deleteCalls)
}

func TestUpdateRenameCreatesNewWorkspace(t *testing.T) {
	fake := newFakeGrafana()
	fake.workspaces["g-existing1"] = &fakeWorkspace{
		name:   "hyperpod-observability",
		status: grafanatypes.WorkspaceStatusActive,
	}
	reconciler := New(fake, zap.NewNop().Sugar())

	props := properties()
	props["WorkspaceName"] = "hyperpod-observability-v2"

	result, err := reconciler.Update(context.Background(), &reconciling.Request{
		RequestType:           reconciling.RequestTypeUpdate,
		LogicalResourceID:     "GrafanaWorkspace",
		PhysicalResourceID:    "g-existing1",
		ResourceProperties:    props,
		OldResourceProperties: properties(),
	})
	require.NoError(t, err)

	assert.Equal(t, "g-new00001", result.PhysicalResourceID)
	assert.Equal(t, 1, fake.createCalls)
	assert.Contains(t, fake.workspaces, "g-existing1")
}

func TestDeletePollsUntilGone(t *testing.T) {
	fake := newFakeGrafana()
	fake.workspaces["g-existing1"] = &fakeWorkspace{
		name:   "hyperpod-observability",
		status: grafanatypes.WorkspaceStatusActive,
	}
	reconciler := New(fake, zap.NewNop().Sugar())

	result, err := reconciler.Delete(context.Background(), &reconciling.Request{
		RequestType:        reconciling.RequestTypeDelete,
		LogicalResourceID:  "GrafanaWorkspace",
		PhysicalResourceID: "g-existing1",
		ResourceProperties: properties(),
	})
	require.NoError(t, err)

	assert.Equal(t, "g-existing1", result.PhysicalResourceID)
	assert.Equal(t, 1, fake.deleteCalls)
	assert.NotContains(t, fake.workspaces, "g-existing1")
}

func TestDeleteRetriesThrottledPollDescribe(t *testing.T) {
	fake := newFakeGrafana()
	fake.workspaces["g-existing1"] = &fakeWorkspace{
		name:   "hyperpod-observability",
		status: grafanatypes.WorkspaceStatusActive,
	}
	// The first describe checks existence; the poll describe right after
	// DeleteWorkspace is throttled once.
	fake.describeErrs = []error{
		nil,
		&smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded"},
	}
	reconciler := New(fake, zap.NewNop().Sugar())

	result, err := reconciler.Delete(context.Background(), &reconciling.Request{
		RequestType:        reconciling.RequestTypeDelete,
		LogicalResourceID:  "GrafanaWorkspace",
		PhysicalResourceID: "g-existing1",
		ResourceProperties: properties(),
	})
	require.NoError(t, err)

	assert.Equal(t, "g-existing1", result.PhysicalResourceID)
	assert.NotContains(t, fake.workspaces, "g-existing1")
}

func TestDeleteAbsentWorkspaceSucceeds(t *testing.T) {
	fake := newFakeGrafana()
	reconciler := New(fake, zap.NewNop().Sugar())

	result, err := reconciler.Delete(context.Background(), &reconciling.Request{
		RequestType:        reconciling.RequestTypeDelete,
		LogicalResourceID:  "GrafanaWorkspace",
		PhysicalResourceID: "g-gone00001",
		ResourceProperties: properties(),
	})
	require.NoError(t, err)

	assert.Equal(t, "g-gone00001", result.PhysicalResourceID)
	assert.Zero(t, fake.deleteCalls)
}
