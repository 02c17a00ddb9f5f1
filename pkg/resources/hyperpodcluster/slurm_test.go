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

package hyperpodcluster

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainforge/provisioner/pkg/reconciling"
)

func TestBuildProvisioningParameters(t *testing.T) {
	controller := InstanceGroup{InstanceGroupName: "controller", InstanceType: "ml.m5.xlarge", InstanceGroupType: groupTypeController}
	login := InstanceGroup{InstanceGroupName: "login", InstanceType: "ml.m5.large", InstanceGroupType: groupTypeLogin}
	workers := InstanceGroup{InstanceGroupName: "compute-gpu", InstanceType: "ml.p5.48xlarge", InstanceGroupType: groupTypeCompute}

	testcases := []struct {
		name     string
		spec     *Spec
		groups   []InstanceGroup
		expected *provisioningParameters
		wantErr  bool
	}{
		{
			name:   "full slurm layout",
			spec:   &Spec{FSxDNSName: "fs-0abc.fsx.us-west-2.amazonaws.com", FSxMountName: "mntxyz"},
			groups: []InstanceGroup{controller, login, workers},
			expected: &provisioningParameters{
				Version:         "1.0.0",
				WorkloadManager: "slurm",
				ControllerGroup: "controller",
				LoginGroup:      "login",
				WorkerGroups: []workerGroup{
					{InstanceGroupName: "compute-gpu", PartitionName: "ml.p5.48xlarge"},
				},
				FSxDNSName:   "fs-0abc.fsx.us-west-2.amazonaws.com",
				FSxMountName: "mntxyz",
			},
		},
		{
			name:   "controller only",
			spec:   &Spec{},
			groups: []InstanceGroup{controller},
			expected: &provisioningParameters{
				Version:         "1.0.0",
				WorkloadManager: "slurm",
				ControllerGroup: "controller",
				WorkerGroups:    []workerGroup{},
			},
		},
		{
			name:    "missing controller",
			spec:    &Spec{},
			groups:  []InstanceGroup{workers},
			wantErr: true,
		},
		{
			name:    "two controllers",
			spec:    &Spec{},
			groups:  []InstanceGroup{controller, controller},
			wantErr: true,
		},
		{
			name:    "two login groups",
			spec:    &Spec{},
			groups:  []InstanceGroup{controller, login, login},
			wantErr: true,
		},
		{
			name:    "unknown group type",
			spec:    &Spec{},
			groups:  []InstanceGroup{{InstanceGroupName: "x", InstanceType: "ml.m5.large", InstanceGroupType: "Worker"}},
			wantErr: true,
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			params, err := buildProvisioningParameters(tc.spec, tc.groups)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, reconciling.IsValidationError(err))
				return
			}

			require.NoError(t, err)
			if diff := cmp.Diff(tc.expected, params); diff != "" {
				t.Errorf("provisioning parameters differ (-want +got):\n%s", diff)
			}
		})
	}
}
