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

// Package aws bundles the AWS service clients the reconcilers depend on.
// Credentials and region are always injected by the caller; business logic
// never reads ambient configuration.
package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/fsx"
	"github.com/aws/aws-sdk-go-v2/service/grafana"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// ClientSet provides a uniform interface to the AWS services used by the
// resource reconcilers.
type ClientSet struct {
	EC2       *ec2.Client
	EKS       *eks.Client
	FSx       *fsx.Client
	IAM       *iam.Client
	S3        *s3.Client
	SageMaker *sagemaker.Client
	Grafana   *grafana.Client
	STS       *sts.Client
}

// GetClientSet returns a ClientSet using the given credentials. When no
// static credentials are given, the default credential chain of the runtime
// (e.g. the Lambda execution role) is used.
func GetClientSet(ctx context.Context, accessKeyID, secretAccessKey, assumeRoleARN, assumeRoleExternalID, region string) (*ClientSet, error) {
	return getClientSet(ctx, accessKeyID, secretAccessKey, assumeRoleARN, assumeRoleExternalID, region, "")
}

func getClientSet(ctx context.Context, accessKeyID, secretAccessKey, assumeRoleARN, assumeRoleExternalID, region, endpoint string) (*ClientSet, error) {
	cfg, err := getAWSConfig(ctx, accessKeyID, secretAccessKey, assumeRoleARN, assumeRoleExternalID, region, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &ClientSet{
		EC2:       ec2.NewFromConfig(cfg),
		EKS:       eks.NewFromConfig(cfg),
		FSx:       fsx.NewFromConfig(cfg),
		IAM:       iam.NewFromConfig(cfg),
		S3:        s3.NewFromConfig(cfg),
		SageMaker: sagemaker.NewFromConfig(cfg),
		Grafana:   grafana.NewFromConfig(cfg),
		STS:       sts.NewFromConfig(cfg),
	}, nil
}

// getAWSConfig returns an AWS SDK configuration with the given credentials,
// optionally assuming the given role. Overriding the API endpoint is mostly
// useful for integration tests, when running against a localstack container,
// for example.
func getAWSConfig(ctx context.Context, accessKeyID, secretAccessKey, assumeRoleARN, assumeRoleExternalID, region, endpoint string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
		config.WithRetryMaxAttempts(3),
	}

	if accessKeyID != "" && secretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")))
	}

	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}

	if assumeRoleARN != "" {
		stsClient := sts.NewFromConfig(cfg)
		provider := stscreds.NewAssumeRoleProvider(stsClient, assumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
			if assumeRoleExternalID != "" {
				o.ExternalID = aws.String(assumeRoleExternalID)
			}
		})

		cfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return cfg, nil
}
