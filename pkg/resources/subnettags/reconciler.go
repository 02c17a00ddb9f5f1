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

// Package subnettags tags the private subnets of the training VPC, e.g. so
// the load balancer controller can discover them.
package subnettags

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/zap"

	awsprovider "github.com/trainforge/provisioner/pkg/provider/aws"
	"github.com/trainforge/provisioner/pkg/reconciling"
)

type ec2Client interface {
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
}

type Tag struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

type Spec struct {
	PrivateSubnetIDs reconciling.StringList `json:"PrivateSubnetIds"`
	Tags             []Tag                  `json:"Tags"`
}

func (s *Spec) Validate() error {
	if len(s.PrivateSubnetIDs) == 0 {
		return reconciling.NewValidationError("PrivateSubnetIds must not be empty")
	}

	for _, tag := range s.Tags {
		if tag.Key == "" {
			return reconciling.NewValidationError("tags must have a non-empty Key")
		}
	}

	return nil
}

// requiresReplacement reports whether the set of tagged subnets changed.
// Tags themselves are mutable in place, they are simply re-applied.
func (s *Spec) requiresReplacement(old *Spec) bool {
	return physicalID(old.PrivateSubnetIDs) != physicalID(s.PrivateSubnetIDs)
}

// physicalID is derived from the sorted subnet list so replays of the same
// event produce the same id.
func physicalID(subnetIDs []string) string {
	sorted := make([]string, len(subnetIDs))
	copy(sorted, subnetIDs)
	sort.Strings(sorted)

	return "tags-" + strings.Join(sorted, ",")
}

type Reconciler struct {
	ec2 ec2Client
	log *zap.SugaredLogger
}

func New(ec2Service ec2Client, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		ec2: ec2Service,
		log: log.Named("subnettags"),
	}
}

var _ reconciling.Reconciler = &Reconciler{}

func (r *Reconciler) Create(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec := &Spec{}
	if err := reconciling.DecodeProperties(req.ResourceProperties, spec); err != nil {
		return nil, err
	}

	if err := r.applyTags(ctx, spec); err != nil {
		return nil, err
	}

	return &reconciling.Result{
		PhysicalResourceID: physicalID(spec.PrivateSubnetIDs),
		Data: map[string]interface{}{
			"Message": "Successfully tagged subnets",
		},
	}, nil
}

func (r *Reconciler) Update(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec, oldSpec := &Spec{}, &Spec{}
	if err := reconciling.DecodeBoth(req, spec, oldSpec); err != nil {
		return nil, err
	}

	// CreateTags is an upsert, so both the in-place path and the
	// replacement path just apply the desired tags; on replacement the new
	// physical id makes the caller tear down nothing but the logical
	// binding, the old subnets keep their tags until their stack deletes
	// them.
	result, err := r.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.OldResourceProperties != nil && !spec.requiresReplacement(oldSpec) {
		result.PhysicalResourceID = req.PhysicalResourceID
	}

	return result, nil
}

// Delete is a no-op: tags live and die with the subnets themselves.
func (r *Reconciler) Delete(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	r.log.Infow("Skipping tag cleanup, tags are removed with their subnets")
	return &reconciling.Result{PhysicalResourceID: req.PhysicalResourceID}, nil
}

func (r *Reconciler) applyTags(ctx context.Context, spec *Spec) error {
	tags := make([]ec2types.Tag, 0, len(spec.Tags))
	for _, tag := range spec.Tags {
		tags = append(tags, ec2types.Tag{
			Key:   aws.String(tag.Key),
			Value: aws.String(tag.Value),
		})
	}

	r.log.Infow("Tagging subnets", "subnets", spec.PrivateSubnetIDs, "tags", len(tags))

	err := reconciling.Retry(ctx, func(ctx context.Context) error {
		_, err := r.ec2.CreateTags(ctx, &ec2.CreateTagsInput{
			Resources: spec.PrivateSubnetIDs,
			Tags:      tags,
		})

		return awsprovider.TransientIfThrottled(err)
	})
	if err != nil {
		return fmt.Errorf("failed to tag subnets: %w", err)
	}

	return nil
}
