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

// Package hyperpodcluster manages the lifecycle of a SageMaker HyperPod
// cluster: instance group enrichment, the Slurm provisioning-parameters
// artifact, cluster creation/update and a deletion poll that drains the
// remaining invocation budget.
package hyperpodcluster

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	sagemakertypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"go.uber.org/zap"

	awsprovider "github.com/trainforge/provisioner/pkg/provider/aws"
	"github.com/trainforge/provisioner/pkg/reconciling"
)

const deletePollInterval = 15 * time.Second

type sagemakerClient interface {
	CreateCluster(ctx context.Context, params *sagemaker.CreateClusterInput, optFns ...func(*sagemaker.Options)) (*sagemaker.CreateClusterOutput, error)
	DescribeCluster(ctx context.Context, params *sagemaker.DescribeClusterInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeClusterOutput, error)
	UpdateCluster(ctx context.Context, params *sagemaker.UpdateClusterInput, optFns ...func(*sagemaker.Options)) (*sagemaker.UpdateClusterOutput, error)
	DeleteCluster(ctx context.Context, params *sagemaker.DeleteClusterInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DeleteClusterOutput, error)
}

type ec2Client interface {
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
}

type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type Reconciler struct {
	sagemaker sagemakerClient
	ec2       ec2Client
	s3        s3Client
	log       *zap.SugaredLogger
}

func New(sagemakerService sagemakerClient, ec2Service ec2Client, s3Service s3Client, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		sagemaker: sagemakerService,
		ec2:       ec2Service,
		s3:        s3Service,
		log:       log.Named("hyperpodcluster"),
	}
}

var _ reconciling.Reconciler = &Reconciler{}

func (r *Reconciler) Create(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec := &Spec{}
	if err := reconciling.DecodeProperties(req.ResourceProperties, spec); err != nil {
		return nil, err
	}

	groups, err := r.enrichInstanceGroups(ctx, spec)
	if err != nil {
		return nil, err
	}

	if spec.isSlurm() {
		if err := r.uploadProvisioningParameters(ctx, spec, groups); err != nil {
			return nil, err
		}
	}

	input := &sagemaker.CreateClusterInput{
		ClusterName:  aws.String(spec.ClusterName),
		NodeRecovery: sagemakertypes.ClusterNodeRecovery(spec.NodeRecovery),
	}
	if len(spec.PrivateSubnetIDs) > 0 {
		input.VpcConfig = &sagemakertypes.VpcConfig{
			SecurityGroupIds: spec.SecurityGroupIDs,
			Subnets:          spec.PrivateSubnetIDs,
		}
	}
	if !spec.isSlurm() {
		input.Orchestrator = &sagemakertypes.ClusterOrchestrator{
			Eks: &sagemakertypes.ClusterOrchestratorEksConfig{
				ClusterArn: aws.String(spec.EKSClusterARN),
			},
		}
	}
	if len(groups) > 0 {
		input.InstanceGroups = apiInstanceGroups(groups)
	}
	for _, tag := range spec.Tags {
		input.Tags = append(input.Tags, sagemakertypes.Tag{
			Key:   aws.String(tag.Key),
			Value: aws.String(tag.Value),
		})
	}

	var clusterARN string
	err = reconciling.Retry(ctx, func(ctx context.Context) error {
		out, err := r.sagemaker.CreateCluster(ctx, input)
		if err != nil {
			// A replayed Create finds the cluster from the previous attempt.
			if awsprovider.IsAlreadyExists(err) {
				existing, err := r.describeCluster(ctx, spec.ClusterName)
				if err != nil {
					return err
				}
				clusterARN = aws.ToString(existing.ClusterArn)

				return nil
			}

			return awsprovider.TransientIfThrottled(err)
		}

		clusterARN = aws.ToString(out.ClusterArn)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster %s: %w", spec.ClusterName, err)
	}

	status, err := r.clusterStatus(ctx, spec.ClusterName)
	if err != nil {
		return nil, err
	}

	r.log.Infow("Triggered cluster creation", "cluster", spec.ClusterName, "arn", clusterARN, "status", status)

	return &reconciling.Result{
		PhysicalResourceID: spec.ClusterName,
		Data: map[string]interface{}{
			"ClusterArn":    clusterARN,
			"ClusterStatus": status,
		},
	}, nil
}

// Update changes the mutable cluster surface (instance groups, node
// recovery) in place. A renamed cluster is created from scratch; the caller
// tears the old one down with its follow-up Delete.
func (r *Reconciler) Update(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec, oldSpec := &Spec{}, &Spec{}
	if err := reconciling.DecodeBoth(req, spec, oldSpec); err != nil {
		return nil, err
	}

	if req.OldResourceProperties != nil && spec.requiresReplacement(oldSpec) {
		return r.Create(ctx, req)
	}

	groups, err := r.enrichInstanceGroups(ctx, spec)
	if err != nil {
		return nil, err
	}

	if spec.isSlurm() {
		if err := r.uploadProvisioningParameters(ctx, spec, groups); err != nil {
			return nil, err
		}
	}

	var clusterARN string
	err = reconciling.Retry(ctx, func(ctx context.Context) error {
		out, err := r.sagemaker.UpdateCluster(ctx, &sagemaker.UpdateClusterInput{
			ClusterName:    aws.String(spec.ClusterName),
			InstanceGroups: apiInstanceGroups(groups),
			NodeRecovery:   sagemakertypes.ClusterNodeRecovery(spec.NodeRecovery),
		})
		if err != nil {
			return awsprovider.TransientIfThrottled(err)
		}

		clusterARN = aws.ToString(out.ClusterArn)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update cluster %s: %w", spec.ClusterName, err)
	}

	status, err := r.clusterStatus(ctx, spec.ClusterName)
	if err != nil {
		return nil, err
	}

	return &reconciling.Result{
		PhysicalResourceID: req.PhysicalResourceID,
		Data: map[string]interface{}{
			"ClusterArn":    clusterARN,
			"ClusterStatus": status,
		},
	}, nil
}

func (r *Reconciler) Delete(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec := &Spec{}
	if err := reconciling.DecodeProperties(req.ResourceProperties, spec); err != nil {
		return nil, err
	}

	_, err := r.sagemaker.DescribeCluster(ctx, &sagemaker.DescribeClusterInput{
		ClusterName: aws.String(spec.ClusterName),
	})
	if err != nil {
		if awsprovider.IsNotFound(err) {
			r.log.Infow("Cluster already absent", "cluster", spec.ClusterName)
			r.cleanupArtifacts(ctx, spec)

			return &reconciling.Result{PhysicalResourceID: req.PhysicalResourceID}, nil
		}

		return nil, fmt.Errorf("failed to describe cluster %s: %w", spec.ClusterName, awsprovider.TransientIfThrottled(err))
	}

	_, err = r.sagemaker.DeleteCluster(ctx, &sagemaker.DeleteClusterInput{
		ClusterName: aws.String(spec.ClusterName),
	})
	if err != nil && !awsprovider.IsNotFound(err) {
		return nil, fmt.Errorf("failed to delete cluster %s: %w", spec.ClusterName, awsprovider.TransientIfThrottled(err))
	}

	err = reconciling.Poll(ctx, deletePollInterval, func(ctx context.Context) (bool, error) {
		var gone bool

		// Throttled describes are retried locally so a single throttle
		// during a long deletion does not fail the whole request.
		err := reconciling.Retry(ctx, func(ctx context.Context) error {
			out, err := r.sagemaker.DescribeCluster(ctx, &sagemaker.DescribeClusterInput{
				ClusterName: aws.String(spec.ClusterName),
			})
			if err != nil {
				if awsprovider.IsNotFound(err) {
					gone = true
					return nil
				}

				return awsprovider.TransientIfThrottled(err)
			}

			r.log.Debugw("Cluster still deleting", "cluster", spec.ClusterName, "status", out.ClusterStatus)

			return nil
		})

		return gone, err
	})
	if err != nil {
		return nil, err
	}

	r.cleanupArtifacts(ctx, spec)

	r.log.Infow("Deleted cluster", "cluster", spec.ClusterName)

	return &reconciling.Result{PhysicalResourceID: req.PhysicalResourceID}, nil
}

func (r *Reconciler) describeCluster(ctx context.Context, name string) (*sagemaker.DescribeClusterOutput, error) {
	out, err := r.sagemaker.DescribeCluster(ctx, &sagemaker.DescribeClusterInput{
		ClusterName: aws.String(name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe cluster %s: %w", name, awsprovider.TransientIfThrottled(err))
	}

	return out, nil
}

func (r *Reconciler) clusterStatus(ctx context.Context, name string) (string, error) {
	out, err := r.describeCluster(ctx, name)
	if err != nil {
		return "", err
	}

	return string(out.ClusterStatus), nil
}

// cleanupArtifacts removes the provisioning parameters uploaded for Slurm
// clusters. Cleanup failures never block the deletion of the stack.
func (r *Reconciler) cleanupArtifacts(ctx context.Context, spec *Spec) {
	if !spec.isSlurm() || spec.S3BucketName == "" {
		return
	}

	key := spec.provisioningParametersKey()
	_, err := r.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(spec.S3BucketName),
		Key:    aws.String(key),
	})
	if err != nil && !awsprovider.IsNotFound(err) {
		r.log.Warnw("Failed to delete provisioning parameters", "bucket", spec.S3BucketName, "key", key, zap.Error(err))
		return
	}

	r.log.Infow("Deleted provisioning parameters", "bucket", spec.S3BucketName, "key", key)
}
