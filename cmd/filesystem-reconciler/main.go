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

package main

import (
	"context"
	"os"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/trainforge/provisioner/pkg/log"
	awsprovider "github.com/trainforge/provisioner/pkg/provider/aws"
	"github.com/trainforge/provisioner/pkg/provider/eks"
	"github.com/trainforge/provisioner/pkg/reconciling"
	"github.com/trainforge/provisioner/pkg/resources/filesystem"

	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"
)

type options struct {
	region string
	log    log.Options
}

func newOptionsFromEnv() options {
	return options{
		region: os.Getenv("AWS_REGION"),
		log:    log.NewOptionsFromEnv(),
	}
}

func main() {
	opts := newOptionsFromEnv()
	logger := log.NewLambda(opts.log.Debug).Sugar()

	clients, err := awsprovider.GetClientSet(context.Background(), "", "", "", "", opts.region)
	if err != nil {
		logger.Fatalw("Failed to create AWS clients", zap.Error(err))
	}

	clientGetter := func(ctx context.Context, clusterName string) (ctrlruntimeclient.Client, error) {
		restConfig, err := eks.GetRESTConfig(ctx, "", "", clusterName, opts.region)
		if err != nil {
			return nil, err
		}

		return eks.NewClusterClient(restConfig)
	}

	reconciler := filesystem.New(clients.FSx, clientGetter, logger)

	lambda.Start(cfn.LambdaWrap(reconciling.LambdaHandler(reconciler, logger)))
}
