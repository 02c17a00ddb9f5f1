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

// Package workspace manages the Amazon Managed Grafana workspace that the
// service token and dashboard reconcilers operate against.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/grafana"
	grafanatypes "github.com/aws/aws-sdk-go-v2/service/grafana/types"
	"go.uber.org/zap"

	awsprovider "github.com/trainforge/provisioner/pkg/provider/aws"
	"github.com/trainforge/provisioner/pkg/reconciling"
)

const (
	statusPollInterval = 15 * time.Second

	// defaultConfiguration enables unified alerting so provisioned alert
	// rules work out of the box.
	defaultConfiguration = `{"unifiedAlerting":{"enabled":true}}`
)

type grafanaClient interface {
	CreateWorkspace(ctx context.Context, params *grafana.CreateWorkspaceInput, optFns ...func(*grafana.Options)) (*grafana.CreateWorkspaceOutput, error)
	DescribeWorkspace(ctx context.Context, params *grafana.DescribeWorkspaceInput, optFns ...func(*grafana.Options)) (*grafana.DescribeWorkspaceOutput, error)
	ListWorkspaces(ctx context.Context, params *grafana.ListWorkspacesInput, optFns ...func(*grafana.Options)) (*grafana.ListWorkspacesOutput, error)
	DeleteWorkspace(ctx context.Context, params *grafana.DeleteWorkspaceInput, optFns ...func(*grafana.Options)) (*grafana.DeleteWorkspaceOutput, error)
}

type Spec struct {
	WorkspaceName           string                 `json:"WorkspaceName"`
	WorkspaceRoleARN        string                 `json:"WorkspaceRoleArn"`
	AccountAccessType       string                 `json:"AccountAccessType"`
	AuthenticationProviders reconciling.StringList `json:"AuthenticationProviders"`
	PermissionType          string                 `json:"PermissionType"`
	Configuration           string                 `json:"Configuration"`
	Tags                    map[string]string      `json:"Tags"`
}

func (s *Spec) Validate() error {
	if s.WorkspaceName == "" {
		return reconciling.NewValidationError("WorkspaceName is required")
	}
	if s.WorkspaceRoleARN == "" {
		return reconciling.NewValidationError("WorkspaceRoleArn is required")
	}

	switch s.AccountAccessType {
	case "":
		s.AccountAccessType = string(grafanatypes.AccountAccessTypeCurrentAccount)
	case string(grafanatypes.AccountAccessTypeCurrentAccount), string(grafanatypes.AccountAccessTypeOrganization):
	default:
		return reconciling.NewValidationError("AccountAccessType must be one of CURRENT_ACCOUNT, ORGANIZATION")
	}

	switch s.PermissionType {
	case "":
		s.PermissionType = string(grafanatypes.PermissionTypeCustomerManaged)
	case string(grafanatypes.PermissionTypeCustomerManaged), string(grafanatypes.PermissionTypeServiceManaged):
	default:
		return reconciling.NewValidationError("PermissionType must be one of CUSTOMER_MANAGED, SERVICE_MANAGED")
	}

	if len(s.AuthenticationProviders) == 0 {
		s.AuthenticationProviders = reconciling.StringList{string(grafanatypes.AuthenticationProviderTypesAwsSso)}
	}
	for _, provider := range s.AuthenticationProviders {
		switch provider {
		case string(grafanatypes.AuthenticationProviderTypesAwsSso), string(grafanatypes.AuthenticationProviderTypesSaml):
		default:
			return reconciling.NewValidationError("AuthenticationProviders must only contain AWS_SSO or SAML, got %q", provider)
		}
	}

	if s.Configuration == "" {
		s.Configuration = defaultConfiguration
	} else if !json.Valid([]byte(s.Configuration)) {
		return reconciling.NewValidationError("Configuration must be valid JSON")
	}

	return nil
}

func (s *Spec) requiresReplacement(old *Spec) bool {
	return s.WorkspaceName != old.WorkspaceName
}

func (s *Spec) authenticationProviders() []grafanatypes.AuthenticationProviderTypes {
	providers := make([]grafanatypes.AuthenticationProviderTypes, 0, len(s.AuthenticationProviders))
	for _, provider := range s.AuthenticationProviders {
		providers = append(providers, grafanatypes.AuthenticationProviderTypes(provider))
	}

	return providers
}

type Reconciler struct {
	grafana grafanaClient
	log     *zap.SugaredLogger
}

func New(grafanaService grafanaClient, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		grafana: grafanaService,
		log:     log.Named("workspace"),
	}
}

var _ reconciling.Reconciler = &Reconciler{}

func (r *Reconciler) Create(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec := &Spec{}
	if err := reconciling.DecodeProperties(req.ResourceProperties, spec); err != nil {
		return nil, err
	}

	// A replayed Create finds the workspace from the previous attempt.
	workspaceID, err := r.findWorkspace(ctx, spec.WorkspaceName)
	if err != nil {
		return nil, err
	}

	if workspaceID == "" {
		workspaceID, err = r.createWorkspace(ctx, spec)
		if err != nil {
			return nil, err
		}

		r.log.Infow("Created workspace", "name", spec.WorkspaceName, "workspace", workspaceID)
	} else {
		r.log.Infow("Adopted existing workspace", "name", spec.WorkspaceName, "workspace", workspaceID)
	}

	workspace, err := r.waitUntilActive(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	return &reconciling.Result{
		PhysicalResourceID: workspaceID,
		Data:               workspaceData(workspace),
	}, nil
}

// Update re-describes the workspace; besides a rename, which is a
// replacement, workspace settings are fixed at creation time.
func (r *Reconciler) Update(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec, oldSpec := &Spec{}, &Spec{}
	if err := reconciling.DecodeBoth(req, spec, oldSpec); err != nil {
		return nil, err
	}

	if req.OldResourceProperties != nil && spec.requiresReplacement(oldSpec) {
		return r.Create(ctx, req)
	}

	workspace, err := r.describeWorkspace(ctx, req.PhysicalResourceID)
	if err != nil {
		return nil, err
	}

	r.log.Infow("Workspace settings are immutable, keeping workspace as is", "workspace", req.PhysicalResourceID)

	return &reconciling.Result{
		PhysicalResourceID: req.PhysicalResourceID,
		Data:               workspaceData(workspace),
	}, nil
}

func (r *Reconciler) Delete(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	workspaceID := req.PhysicalResourceID

	_, err := r.grafana.DescribeWorkspace(ctx, &grafana.DescribeWorkspaceInput{
		WorkspaceId: aws.String(workspaceID),
	})
	if err != nil {
		if awsprovider.IsNotFound(err) {
			r.log.Infow("Workspace already absent", "workspace", workspaceID)
			return &reconciling.Result{PhysicalResourceID: workspaceID}, nil
		}

		return nil, fmt.Errorf("failed to describe workspace %s: %w", workspaceID, awsprovider.TransientIfThrottled(err))
	}

	_, err = r.grafana.DeleteWorkspace(ctx, &grafana.DeleteWorkspaceInput{
		WorkspaceId: aws.String(workspaceID),
	})
	if err != nil && !awsprovider.IsNotFound(err) {
		return nil, fmt.Errorf("failed to delete workspace %s: %w", workspaceID, awsprovider.TransientIfThrottled(err))
	}

	err = reconciling.Poll(ctx, statusPollInterval, func(ctx context.Context) (bool, error) {
		var gone bool

		err := reconciling.Retry(ctx, func(ctx context.Context) error {
			out, err := r.grafana.DescribeWorkspace(ctx, &grafana.DescribeWorkspaceInput{
				WorkspaceId: aws.String(workspaceID),
			})
			if err != nil {
				if awsprovider.IsNotFound(err) {
					gone = true
					return nil
				}

				return awsprovider.TransientIfThrottled(err)
			}

			r.log.Debugw("Workspace still deleting", "workspace", workspaceID, "status", out.Workspace.Status)

			return nil
		})

		return gone, err
	})
	if err != nil {
		return nil, err
	}

	r.log.Infow("Deleted workspace", "workspace", workspaceID)

	return &reconciling.Result{PhysicalResourceID: workspaceID}, nil
}

func (r *Reconciler) createWorkspace(ctx context.Context, spec *Spec) (string, error) {
	var workspaceID string

	err := reconciling.Retry(ctx, func(ctx context.Context) error {
		out, err := r.grafana.CreateWorkspace(ctx, &grafana.CreateWorkspaceInput{
			WorkspaceName:           aws.String(spec.WorkspaceName),
			WorkspaceRoleArn:        aws.String(spec.WorkspaceRoleARN),
			AccountAccessType:       grafanatypes.AccountAccessType(spec.AccountAccessType),
			AuthenticationProviders: spec.authenticationProviders(),
			PermissionType:          grafanatypes.PermissionType(spec.PermissionType),
			Configuration:           aws.String(spec.Configuration),
			Tags:                    spec.Tags,
		})
		if err != nil {
			return awsprovider.TransientIfThrottled(err)
		}

		workspaceID = aws.ToString(out.Workspace.Id)

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create workspace %s: %w", spec.WorkspaceName, err)
	}

	return workspaceID, nil
}

// waitUntilActive polls the workspace status until it becomes ACTIVE.
// FAILED and DELETING are terminal.
func (r *Reconciler) waitUntilActive(ctx context.Context, workspaceID string) (*grafanatypes.WorkspaceDescription, error) {
	var workspace *grafanatypes.WorkspaceDescription

	err := reconciling.Poll(ctx, statusPollInterval, func(ctx context.Context) (bool, error) {
		var active bool

		err := reconciling.Retry(ctx, func(ctx context.Context) error {
			out, err := r.grafana.DescribeWorkspace(ctx, &grafana.DescribeWorkspaceInput{
				WorkspaceId: aws.String(workspaceID),
			})
			if err != nil {
				return awsprovider.TransientIfThrottled(err)
			}

			switch out.Workspace.Status {
			case grafanatypes.WorkspaceStatusActive:
				workspace = out.Workspace
				active = true
			case grafanatypes.WorkspaceStatusFailed, grafanatypes.WorkspaceStatusDeleting:
				return reconciling.Permanent(fmt.Errorf("workspace %s reached status %s", workspaceID, out.Workspace.Status))
			default:
				r.log.Debugw("Workspace still provisioning", "workspace", workspaceID, "status", out.Workspace.Status)
			}

			return nil
		})

		return active, err
	})
	if err != nil {
		return nil, err
	}

	return workspace, nil
}

func (r *Reconciler) describeWorkspace(ctx context.Context, workspaceID string) (*grafanatypes.WorkspaceDescription, error) {
	out, err := r.grafana.DescribeWorkspace(ctx, &grafana.DescribeWorkspaceInput{
		WorkspaceId: aws.String(workspaceID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe workspace %s: %w", workspaceID, awsprovider.TransientIfThrottled(err))
	}

	return out.Workspace, nil
}

// findWorkspace returns the id of the workspace with the given name, or ""
// when no such workspace exists. Workspaces being deleted are ignored.
func (r *Reconciler) findWorkspace(ctx context.Context, name string) (string, error) {
	var workspaceID string

	err := reconciling.Retry(ctx, func(ctx context.Context) error {
		var nextToken *string
		for {
			out, err := r.grafana.ListWorkspaces(ctx, &grafana.ListWorkspacesInput{NextToken: nextToken})
			if err != nil {
				return awsprovider.TransientIfThrottled(err)
			}

			for _, summary := range out.Workspaces {
				if aws.ToString(summary.Name) == name && summary.Status != grafanatypes.WorkspaceStatusDeleting {
					workspaceID = aws.ToString(summary.Id)
					return nil
				}
			}

			nextToken = out.NextToken
			if nextToken == nil {
				return nil
			}
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to list workspaces: %w", err)
	}

	return workspaceID, nil
}

func workspaceData(workspace *grafanatypes.WorkspaceDescription) map[string]interface{} {
	return map[string]interface{}{
		"WorkspaceId":       aws.ToString(workspace.Id),
		"WorkspaceEndpoint": aws.ToString(workspace.Endpoint),
		"GrafanaVersion":    aws.ToString(workspace.GrafanaVersion),
		"WorkspaceStatus":   string(workspace.Status),
	}
}
