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
	"github.com/aws/aws-lambda-go/cfn"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/trainforge/provisioner/pkg/log"
	"github.com/trainforge/provisioner/pkg/reconciling"
	"github.com/trainforge/provisioner/pkg/resources/dashboards"
)

func main() {
	opts := log.NewOptionsFromEnv()
	logger := log.NewLambda(opts.Debug).Sugar()

	// The Grafana workspace endpoint and token arrive as resource
	// properties, so no AWS clients are needed here.
	reconciler := dashboards.New(logger)

	lambda.Start(cfn.LambdaWrap(reconciling.LambdaHandler(reconciler, logger)))
}
