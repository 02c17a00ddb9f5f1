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
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	sagemakertypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"

	awsprovider "github.com/trainforge/provisioner/pkg/provider/aws"
	"github.com/trainforge/provisioner/pkg/reconciling"
)

const (
	orchestratorEKS   = "EKS"
	orchestratorSlurm = "SLURM"

	groupTypeController = "Controller"
	groupTypeLogin      = "Login"
	groupTypeCompute    = "Compute"
)

type LifeCycleConfig struct {
	SourceS3URI string `json:"SourceS3Uri"`
	OnCreate    string `json:"OnCreate"`
}

type VpcConfig struct {
	SecurityGroupIDs []string `json:"SecurityGroupIds"`
	Subnets          []string `json:"Subnets"`
}

type InstanceGroup struct {
	InstanceGroupName string `json:"InstanceGroupName"`
	InstanceType      string `json:"InstanceType"`
	InstanceCount     int32  `json:"InstanceCount"`
	ExecutionRole     string `json:"ExecutionRole,omitempty"`
	ThreadsPerCore    int32  `json:"ThreadsPerCore,omitempty"`

	// InstanceGroupType classifies the group for Slurm provisioning and is
	// stripped before the SageMaker API call.
	InstanceGroupType string `json:"InstanceGroupType,omitempty"`

	// TargetAvailabilityZoneId pins the group to one AZ; it is resolved to an
	// OverrideVpcConfig during enrichment and never sent to the API.
	TargetAvailabilityZoneID string `json:"TargetAvailabilityZoneId,omitempty"`

	LifeCycleConfig   *LifeCycleConfig `json:"LifeCycleConfig,omitempty"`
	OverrideVpcConfig *VpcConfig       `json:"OverrideVpcConfig,omitempty"`
}

type Tag struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

type Spec struct {
	ClusterName      string                 `json:"ClusterName"`
	NodeRecovery     string                 `json:"NodeRecovery"`
	OrchestratorType string                 `json:"OrchestratorType"`
	EKSClusterARN    string                 `json:"EksClusterArn"`
	SecurityGroupIDs reconciling.StringList `json:"SecurityGroupIds"`
	PrivateSubnetIDs reconciling.StringList `json:"PrivateSubnetIds"`
	ExecutionRole    string                 `json:"ExecutionRole"`
	S3BucketName     string                 `json:"S3BucketName"`
	OnCreatePath     string                 `json:"OnCreatePath"`
	InstanceGroups   []InstanceGroup        `json:"InstanceGroups"`
	Tags             []Tag                  `json:"Tags"`
	FSxDNSName       string                 `json:"FsxDnsName"`
	FSxMountName     string                 `json:"FsxMountName"`
}

func (s *Spec) Validate() error {
	if s.ClusterName == "" {
		return reconciling.NewValidationError("ClusterName is required")
	}

	switch s.NodeRecovery {
	case "":
		s.NodeRecovery = string(sagemakertypes.ClusterNodeRecoveryAutomatic)
	case string(sagemakertypes.ClusterNodeRecoveryAutomatic), string(sagemakertypes.ClusterNodeRecoveryNone):
	default:
		return reconciling.NewValidationError("NodeRecovery must be either Automatic or None")
	}

	switch s.OrchestratorType {
	case "":
		s.OrchestratorType = orchestratorEKS
	case orchestratorEKS, orchestratorSlurm:
	default:
		return reconciling.NewValidationError("OrchestratorType must be either EKS or SLURM")
	}

	if s.OrchestratorType == orchestratorEKS {
		if s.EKSClusterARN == "" {
			return reconciling.NewValidationError("EksClusterArn is required for the EKS orchestrator")
		}
		if len(s.SecurityGroupIDs) == 0 {
			return reconciling.NewValidationError("at least one security group id is required")
		}
		if len(s.PrivateSubnetIDs) == 0 {
			return reconciling.NewValidationError("at least one subnet id is required")
		}
	}

	for _, group := range s.InstanceGroups {
		if group.InstanceGroupName == "" {
			return reconciling.NewValidationError("every instance group needs an InstanceGroupName")
		}
		if group.InstanceType == "" {
			return reconciling.NewValidationError("instance group %s needs an InstanceType", group.InstanceGroupName)
		}
	}

	return nil
}

func (s *Spec) requiresReplacement(old *Spec) bool {
	return s.ClusterName != old.ClusterName
}

func (s *Spec) isSlurm() bool {
	return s.OrchestratorType == orchestratorSlurm
}

// provisioningParametersKey places the Slurm provisioning parameters next to
// the on-create lifecycle script in the bucket.
func (s *Spec) provisioningParametersKey() string {
	if prefix, _, found := reverseSplitPath(s.OnCreatePath); found {
		return prefix + "/provisioning_parameters.json"
	}

	return "provisioning_parameters.json"
}

// reverseSplitPath splits at the last slash, mirroring a rsplit with one cut.
func reverseSplitPath(path string) (string, string, bool) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path, false
	}

	return path[:idx], path[idx+1:], true
}

// enrichInstanceGroups fills in the defaults every group needs: the execution
// role, the lifecycle script location and the AZ-pinning override.
func (r *Reconciler) enrichInstanceGroups(ctx context.Context, spec *Spec) ([]InstanceGroup, error) {
	groups := make([]InstanceGroup, len(spec.InstanceGroups))
	copy(groups, spec.InstanceGroups)

	subnetsByAZ, err := r.subnetsByAvailabilityZone(ctx, spec, groups)
	if err != nil {
		return nil, err
	}

	for i := range groups {
		group := &groups[i]

		if spec.ExecutionRole != "" && group.ExecutionRole == "" {
			group.ExecutionRole = spec.ExecutionRole
		}

		if spec.S3BucketName != "" && spec.OnCreatePath != "" && group.LifeCycleConfig == nil {
			if prefix, filename, found := reverseSplitPath(spec.OnCreatePath); found {
				group.LifeCycleConfig = &LifeCycleConfig{
					SourceS3URI: fmt.Sprintf("s3://%s/%s", spec.S3BucketName, prefix),
					OnCreate:    filename,
				}
			} else {
				group.LifeCycleConfig = &LifeCycleConfig{
					SourceS3URI: fmt.Sprintf("s3://%s", spec.S3BucketName),
					OnCreate:    filename,
				}
			}
		}

		if group.OverrideVpcConfig != nil && len(group.OverrideVpcConfig.SecurityGroupIDs) == 0 {
			group.OverrideVpcConfig.SecurityGroupIDs = spec.SecurityGroupIDs
		}

		if group.TargetAvailabilityZoneID != "" {
			if len(subnetsByAZ) == 0 || len(spec.SecurityGroupIDs) == 0 {
				return nil, reconciling.NewValidationError("TargetAvailabilityZoneId requires both subnet ids and security group ids")
			}

			if subnet, ok := subnetsByAZ[group.TargetAvailabilityZoneID]; ok {
				if group.OverrideVpcConfig == nil {
					group.OverrideVpcConfig = &VpcConfig{
						SecurityGroupIDs: spec.SecurityGroupIDs,
						Subnets:          []string{subnet},
					}
				} else {
					group.OverrideVpcConfig.Subnets = []string{subnet}
				}
			} else {
				r.log.Warnw("No subnet found in availability zone", "zone", group.TargetAvailabilityZoneID, "group", group.InstanceGroupName)
			}

			group.TargetAvailabilityZoneID = ""
		}
	}

	return groups, nil
}

// subnetsByAvailabilityZone maps AZ ids to the first configured subnet inside
// them. The EC2 lookup only happens when a group actually pins an AZ.
func (r *Reconciler) subnetsByAvailabilityZone(ctx context.Context, spec *Spec, groups []InstanceGroup) (map[string]string, error) {
	needed := false
	for _, group := range groups {
		if group.TargetAvailabilityZoneID != "" {
			needed = true
			break
		}
	}
	if !needed || len(spec.PrivateSubnetIDs) == 0 {
		return nil, nil
	}

	var out *ec2.DescribeSubnetsOutput
	err := reconciling.Retry(ctx, func(ctx context.Context) error {
		var err error
		out, err = r.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
			SubnetIds: spec.PrivateSubnetIDs,
		})

		return awsprovider.TransientIfThrottled(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe subnets: %w", err)
	}

	mapping := map[string]string{}
	for _, subnet := range out.Subnets {
		az := aws.ToString(subnet.AvailabilityZoneId)
		if _, ok := mapping[az]; !ok {
			mapping[az] = aws.ToString(subnet.SubnetId)
		}
	}

	return mapping, nil
}

// apiInstanceGroups converts the enriched groups into the SageMaker API
// representation, dropping the provisioning-only fields.
func apiInstanceGroups(groups []InstanceGroup) []sagemakertypes.ClusterInstanceGroupSpecification {
	specs := make([]sagemakertypes.ClusterInstanceGroupSpecification, 0, len(groups))
	for _, group := range groups {
		spec := sagemakertypes.ClusterInstanceGroupSpecification{
			InstanceGroupName: aws.String(group.InstanceGroupName),
			InstanceType:      sagemakertypes.ClusterInstanceType(group.InstanceType),
			InstanceCount:     aws.Int32(group.InstanceCount),
		}
		if group.ExecutionRole != "" {
			spec.ExecutionRole = aws.String(group.ExecutionRole)
		}
		if group.ThreadsPerCore != 0 {
			spec.ThreadsPerCore = aws.Int32(group.ThreadsPerCore)
		}
		if group.LifeCycleConfig != nil {
			spec.LifeCycleConfig = &sagemakertypes.ClusterLifeCycleConfig{
				SourceS3Uri: aws.String(group.LifeCycleConfig.SourceS3URI),
				OnCreate:    aws.String(group.LifeCycleConfig.OnCreate),
			}
		}
		if group.OverrideVpcConfig != nil {
			spec.OverrideVpcConfig = &sagemakertypes.VpcConfig{
				SecurityGroupIds: group.OverrideVpcConfig.SecurityGroupIDs,
				Subnets:          group.OverrideVpcConfig.Subnets,
			}
		}

		specs = append(specs, spec)
	}

	return specs
}
