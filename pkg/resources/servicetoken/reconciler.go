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

// Package servicetoken manages a service account plus API token inside an
// Amazon Managed Grafana workspace. The token is what the dashboard
// reconciler later uses to talk to the Grafana HTTP API.
package servicetoken

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/grafana"
	grafanatypes "github.com/aws/aws-sdk-go-v2/service/grafana/types"
	"go.uber.org/zap"

	awsprovider "github.com/trainforge/provisioner/pkg/provider/aws"
	"github.com/trainforge/provisioner/pkg/reconciling"
)

const defaultTokenSecondsToLive = 1500

type grafanaClient interface {
	CreateWorkspaceServiceAccount(ctx context.Context, params *grafana.CreateWorkspaceServiceAccountInput, optFns ...func(*grafana.Options)) (*grafana.CreateWorkspaceServiceAccountOutput, error)
	CreateWorkspaceServiceAccountToken(ctx context.Context, params *grafana.CreateWorkspaceServiceAccountTokenInput, optFns ...func(*grafana.Options)) (*grafana.CreateWorkspaceServiceAccountTokenOutput, error)
	ListWorkspaceServiceAccounts(ctx context.Context, params *grafana.ListWorkspaceServiceAccountsInput, optFns ...func(*grafana.Options)) (*grafana.ListWorkspaceServiceAccountsOutput, error)
	DeleteWorkspaceServiceAccount(ctx context.Context, params *grafana.DeleteWorkspaceServiceAccountInput, optFns ...func(*grafana.Options)) (*grafana.DeleteWorkspaceServiceAccountOutput, error)
}

type Spec struct {
	WorkspaceID        string `json:"WorkspaceId"`
	ServiceAccountName string `json:"ServiceAccountName"`
	GrafanaRole        string `json:"GrafanaRole"`
	TokenSecondsToLive int32  `json:"TokenSecondsToLive,string"`
}

func (s *Spec) Validate() error {
	if s.WorkspaceID == "" {
		return reconciling.NewValidationError("WorkspaceId is required")
	}
	if s.ServiceAccountName == "" {
		return reconciling.NewValidationError("ServiceAccountName is required")
	}

	switch s.GrafanaRole {
	case "":
		s.GrafanaRole = string(grafanatypes.RoleAdmin)
	case string(grafanatypes.RoleAdmin), string(grafanatypes.RoleEditor), string(grafanatypes.RoleViewer):
	default:
		return reconciling.NewValidationError("GrafanaRole must be one of ADMIN, EDITOR, VIEWER")
	}

	if s.TokenSecondsToLive == 0 {
		s.TokenSecondsToLive = defaultTokenSecondsToLive
	}
	if s.TokenSecondsToLive < 0 {
		return reconciling.NewValidationError("TokenSecondsToLive must be positive")
	}

	return nil
}

func (s *Spec) requiresReplacement(old *Spec) bool {
	return s.WorkspaceID != old.WorkspaceID || s.ServiceAccountName != old.ServiceAccountName
}

func (s *Spec) physicalID() string {
	return fmt.Sprintf("%s/service-accounts/%s", s.WorkspaceID, s.ServiceAccountName)
}

type Reconciler struct {
	grafana grafanaClient
	log     *zap.SugaredLogger
}

func New(grafanaService grafanaClient, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		grafana: grafanaService,
		log:     log.Named("servicetoken"),
	}
}

var _ reconciling.Reconciler = &Reconciler{}

func (r *Reconciler) Create(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec := &Spec{}
	if err := reconciling.DecodeProperties(req.ResourceProperties, spec); err != nil {
		return nil, err
	}

	accountID, err := r.reconcileServiceAccount(ctx, spec)
	if err != nil {
		return nil, err
	}

	token, err := r.mintToken(ctx, spec, accountID)
	if err != nil {
		return nil, err
	}

	return &reconciling.Result{
		PhysicalResourceID: spec.physicalID(),
		Data: map[string]interface{}{
			"ServiceAccountId":       accountID,
			"ServiceAccountTokenId":  aws.ToString(token.Id),
			"ServiceAccountTokenKey": aws.ToString(token.Key),
		},
	}, nil
}

// Update mints a fresh token; the service account itself only changes by
// replacement (name or workspace change).
func (r *Reconciler) Update(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec, oldSpec := &Spec{}, &Spec{}
	if err := reconciling.DecodeBoth(req, spec, oldSpec); err != nil {
		return nil, err
	}

	result, err := r.Create(ctx, req)
	if err != nil {
		return nil, err
	}

	if req.OldResourceProperties != nil && !spec.requiresReplacement(oldSpec) {
		result.PhysicalResourceID = req.PhysicalResourceID
	}

	return result, nil
}

func (r *Reconciler) Delete(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec := &Spec{}
	if err := reconciling.DecodeProperties(req.ResourceProperties, spec); err != nil {
		return nil, err
	}

	accountID, err := r.findServiceAccount(ctx, spec)
	if err != nil {
		return nil, err
	}
	if accountID == "" {
		r.log.Infow("Service account already absent", "workspace", spec.WorkspaceID, "name", spec.ServiceAccountName)
		return &reconciling.Result{PhysicalResourceID: req.PhysicalResourceID}, nil
	}

	err = reconciling.Retry(ctx, func(ctx context.Context) error {
		_, err := r.grafana.DeleteWorkspaceServiceAccount(ctx, &grafana.DeleteWorkspaceServiceAccountInput{
			WorkspaceId:      aws.String(spec.WorkspaceID),
			ServiceAccountId: aws.String(accountID),
		})
		if awsprovider.IsNotFound(err) {
			return nil
		}

		return awsprovider.TransientIfThrottled(err)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to delete service account: %w", err)
	}

	return &reconciling.Result{PhysicalResourceID: req.PhysicalResourceID}, nil
}

// reconcileServiceAccount creates the account, converging on an existing
// account with the same name instead of failing the replay.
func (r *Reconciler) reconcileServiceAccount(ctx context.Context, spec *Spec) (string, error) {
	var accountID string

	err := reconciling.Retry(ctx, func(ctx context.Context) error {
		out, err := r.grafana.CreateWorkspaceServiceAccount(ctx, &grafana.CreateWorkspaceServiceAccountInput{
			WorkspaceId: aws.String(spec.WorkspaceID),
			Name:        aws.String(spec.ServiceAccountName),
			GrafanaRole: grafanatypes.Role(spec.GrafanaRole),
		})
		if err != nil {
			if awsprovider.IsAlreadyExists(err) {
				accountID, err = r.findServiceAccount(ctx, spec)
				if err != nil {
					return err
				}
				if accountID == "" {
					return fmt.Errorf("service account %q reported as existing but not found", spec.ServiceAccountName)
				}

				return nil
			}

			return awsprovider.TransientIfThrottled(err)
		}

		accountID = aws.ToString(out.Id)

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create service account: %w", err)
	}

	r.log.Infow("Reconciled service account", "workspace", spec.WorkspaceID, "name", spec.ServiceAccountName, "id", accountID)

	return accountID, nil
}

func (r *Reconciler) findServiceAccount(ctx context.Context, spec *Spec) (string, error) {
	input := &grafana.ListWorkspaceServiceAccountsInput{
		WorkspaceId: aws.String(spec.WorkspaceID),
	}

	for {
		out, err := r.grafana.ListWorkspaceServiceAccounts(ctx, input)
		if err != nil {
			if awsprovider.IsNotFound(err) {
				return "", nil
			}

			return "", fmt.Errorf("failed to list service accounts: %w", err)
		}

		for _, account := range out.ServiceAccounts {
			if aws.ToString(account.Name) == spec.ServiceAccountName {
				return aws.ToString(account.Id), nil
			}
		}

		if out.NextToken == nil {
			return "", nil
		}
		input.NextToken = out.NextToken
	}
}

func (r *Reconciler) mintToken(ctx context.Context, spec *Spec, accountID string) (*grafanatypes.ServiceAccountTokenSummaryWithKey, error) {
	var token *grafanatypes.ServiceAccountTokenSummaryWithKey

	err := reconciling.Retry(ctx, func(ctx context.Context) error {
		out, err := r.grafana.CreateWorkspaceServiceAccountToken(ctx, &grafana.CreateWorkspaceServiceAccountTokenInput{
			WorkspaceId:      aws.String(spec.WorkspaceID),
			ServiceAccountId: aws.String(accountID),
			Name:             aws.String(spec.ServiceAccountName + "-token"),
			SecondsToLive:    aws.Int32(spec.TokenSecondsToLive),
		})
		if err != nil {
			return awsprovider.TransientIfThrottled(err)
		}

		token = out.ServiceAccountToken

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create service account token: %w", err)
	}

	return token, nil
}
