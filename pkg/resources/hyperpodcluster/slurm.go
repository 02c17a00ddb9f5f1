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
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	awsprovider "github.com/trainforge/provisioner/pkg/provider/aws"
	"github.com/trainforge/provisioner/pkg/reconciling"
)

// provisioningParameters is the document the Slurm lifecycle scripts read
// from S3 to lay out the controller, login and worker nodes.
type provisioningParameters struct {
	Version         string        `json:"version"`
	WorkloadManager string        `json:"workload_manager"`
	ControllerGroup string        `json:"controller_group"`
	LoginGroup      string        `json:"login_group,omitempty"`
	WorkerGroups    []workerGroup `json:"worker_groups"`
	FSxDNSName      string        `json:"fsx_dns_name,omitempty"`
	FSxMountName    string        `json:"fsx_mountname,omitempty"`
}

type workerGroup struct {
	InstanceGroupName string `json:"instance_group_name"`
	PartitionName     string `json:"partition_name"`
}

// buildProvisioningParameters classifies the instance groups into the Slurm
// roles. Exactly one controller group is required and at most one login
// group is allowed.
func buildProvisioningParameters(spec *Spec, groups []InstanceGroup) (*provisioningParameters, error) {
	params := &provisioningParameters{
		Version:         "1.0.0",
		WorkloadManager: "slurm",
		WorkerGroups:    []workerGroup{},
		FSxDNSName:      spec.FSxDNSName,
		FSxMountName:    spec.FSxMountName,
	}

	for _, group := range groups {
		switch group.InstanceGroupType {
		case groupTypeController:
			if params.ControllerGroup != "" {
				return nil, reconciling.NewValidationError("exactly one Controller instance group is required, found more than one")
			}
			params.ControllerGroup = group.InstanceGroupName
		case groupTypeLogin:
			if params.LoginGroup != "" {
				return nil, reconciling.NewValidationError("at most one Login instance group is allowed")
			}
			params.LoginGroup = group.InstanceGroupName
		case groupTypeCompute:
			params.WorkerGroups = append(params.WorkerGroups, workerGroup{
				InstanceGroupName: group.InstanceGroupName,
				PartitionName:     group.InstanceType,
			})
		default:
			return nil, reconciling.NewValidationError("instance group %s has invalid InstanceGroupType %q, expected Controller, Login or Compute", group.InstanceGroupName, group.InstanceGroupType)
		}
	}

	if params.ControllerGroup == "" {
		return nil, reconciling.NewValidationError("exactly one Controller instance group is required, found none")
	}

	return params, nil
}

// uploadProvisioningParameters writes the parameters document next to the
// lifecycle scripts so the on-create hook can find it.
func (r *Reconciler) uploadProvisioningParameters(ctx context.Context, spec *Spec, groups []InstanceGroup) error {
	if spec.S3BucketName == "" {
		return reconciling.NewValidationError("S3BucketName is required for Slurm clusters")
	}

	params, err := buildProvisioningParameters(spec, groups)
	if err != nil {
		return err
	}

	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode provisioning parameters: %w", err)
	}

	key := spec.provisioningParametersKey()
	err = reconciling.Retry(ctx, func(ctx context.Context) error {
		_, err := r.s3.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(spec.S3BucketName),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})

		return awsprovider.TransientIfThrottled(err)
	})
	if err != nil {
		return fmt.Errorf("failed to upload provisioning parameters to s3://%s/%s: %w", spec.S3BucketName, key, err)
	}

	r.log.Infow("Uploaded provisioning parameters", "bucket", spec.S3BucketName, "key", key)

	return nil
}
