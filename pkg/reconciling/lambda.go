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

package reconciling

import (
	"context"

	"github.com/aws/aws-lambda-go/cfn"
	"go.uber.org/zap"
)

// LambdaHandler adapts a Reconciler to the CloudFormation custom-resource
// callback contract of aws-lambda-go. Entrypoints wrap the returned function
// with cfn.LambdaWrap, which turns the error into a FAILED response with the
// error text as reason.
func LambdaHandler(reconciler Reconciler, log *zap.SugaredLogger) cfn.CustomResourceFunction {
	return func(ctx context.Context, event cfn.Event) (string, map[string]interface{}, error) {
		req := &Request{
			RequestType:           RequestType(event.RequestType),
			LogicalResourceID:     event.LogicalResourceID,
			PhysicalResourceID:    event.PhysicalResourceID,
			ResourceProperties:    event.ResourceProperties,
			OldResourceProperties: event.OldResourceProperties,
		}

		result, err := Reconcile(ctx, reconciler, req, log.With("stack", event.StackID))
		if err != nil {
			// CloudFormation needs a physical id even on failure, otherwise
			// it cannot correlate the follow-up Delete.
			physicalID := event.PhysicalResourceID
			if physicalID == "" {
				physicalID = event.LogicalResourceID
			}

			return physicalID, nil, err
		}

		return result.PhysicalResourceID, result.Data, nil
	}
}
