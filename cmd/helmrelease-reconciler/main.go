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
	"os"

	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/trainforge/provisioner/pkg/log"
	"github.com/trainforge/provisioner/pkg/reconciling"
	"github.com/trainforge/provisioner/pkg/resources/helmrelease"
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

	reconciler := helmrelease.New(helmrelease.NewEKSClientFactory(opts.region, logger), logger)

	lambda.Start(cfn.LambdaWrap(reconciling.LambdaHandler(reconciler, logger)))
}
