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

// Package dashboards provisions the HyperPod observability content inside an
// Amazon Managed Grafana workspace: the CloudWatch and Prometheus datasources,
// a folder for alerting, the dashboard set and the alert rules. Grafana
// persists dashboards with overwrite PUT semantics, so Create and Update are
// the same operation.
package dashboards

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sort"
	"time"

	grafanasdk "github.com/kubermatic/grafanasdk"
	"go.uber.org/zap"

	"github.com/trainforge/provisioner/pkg/reconciling"

	"k8s.io/utils/ptr"
)

//go:embed manifests/*.json
var manifests embed.FS

const (
	cloudwatchDatasourceUID = "cloudwatch"
	prometheusDatasourceUID = "prometheus"

	alertFolderUID   = "aws-sm-hp-observability-rules"
	alertFolderTitle = "Sagemaker Hyperpod Alerts"
)

type Spec struct {
	WorkspaceID           string `json:"WorkspaceId"`
	Region                string `json:"Region"`
	PrometheusWorkspaceID string `json:"PrometheusWorkspaceId"`
	GrafanaToken          string `json:"GrafanaToken"`
}

func (s *Spec) Validate() error {
	if s.WorkspaceID == "" {
		return reconciling.NewValidationError("WorkspaceId is required")
	}
	if s.Region == "" {
		return reconciling.NewValidationError("Region is required")
	}
	if s.PrometheusWorkspaceID == "" {
		return reconciling.NewValidationError("PrometheusWorkspaceId is required")
	}
	if s.GrafanaToken == "" {
		return reconciling.NewValidationError("GrafanaToken is required")
	}

	return nil
}

func (s *Spec) requiresReplacement(old *Spec) bool {
	return s.WorkspaceID != old.WorkspaceID
}

func (s *Spec) physicalID() string {
	return s.WorkspaceID + "/dashboards"
}

func (s *Spec) endpoint() string {
	return fmt.Sprintf("https://%s.grafana-workspace.%s.amazonaws.com", s.WorkspaceID, s.Region)
}

type Reconciler struct {
	httpClient *http.Client
	log        *zap.SugaredLogger

	// endpointOverride points the reconciler at a local test server instead of
	// the real workspace endpoint.
	endpointOverride string
}

func New(log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.Named("dashboards"),
	}
}

var _ reconciling.Reconciler = &Reconciler{}

func (r *Reconciler) Create(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec := &Spec{}
	if err := reconciling.DecodeProperties(req.ResourceProperties, spec); err != nil {
		return nil, err
	}

	grafanaClient, err := r.clientFor(spec)
	if err != nil {
		return nil, err
	}

	if err := r.ensureDatasources(ctx, grafanaClient, spec); err != nil {
		return nil, err
	}

	if err := r.ensureFolder(ctx, grafanaClient); err != nil {
		return nil, err
	}

	uids, err := r.ensureDashboards(ctx, grafanaClient)
	if err != nil {
		return nil, err
	}

	if err := r.ensureAlertRules(ctx, spec); err != nil {
		return nil, err
	}

	return &reconciling.Result{
		PhysicalResourceID: spec.physicalID(),
		Data: map[string]interface{}{
			"DashboardUids": uids,
		},
	}, nil
}

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

	grafanaClient, err := r.clientFor(spec)
	if err != nil {
		return nil, err
	}

	for _, rule := range defaultAlertRules() {
		if err := r.deleteAlertRule(ctx, spec, rule.UID); err != nil {
			return nil, err
		}
	}

	boards, err := loadDashboards()
	if err != nil {
		return nil, err
	}
	for _, board := range boards {
		if _, err := grafanaClient.DeleteDashboardByUID(ctx, board.UID); err != nil && !errors.As(err, &grafanasdk.ErrNotFound{}) {
			return nil, fmt.Errorf("failed to delete dashboard %s: %w", board.UID, err)
		}
	}

	for _, uid := range []string{cloudwatchDatasourceUID, prometheusDatasourceUID} {
		if _, err := grafanaClient.DeleteDatasourceByUID(ctx, uid); err != nil && !errors.As(err, &grafanasdk.ErrNotFound{}) {
			return nil, fmt.Errorf("failed to delete datasource %s: %w", uid, err)
		}
	}

	r.log.Infow("Deleted observability content", "workspace", spec.WorkspaceID)

	return &reconciling.Result{PhysicalResourceID: req.PhysicalResourceID}, nil
}

func (r *Reconciler) endpoint(spec *Spec) string {
	if r.endpointOverride != "" {
		return r.endpointOverride
	}

	return spec.endpoint()
}

func (r *Reconciler) clientFor(spec *Spec) (*grafanasdk.Client, error) {
	grafanaClient, err := grafanasdk.NewClient(r.endpoint(spec), spec.GrafanaToken, r.httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create Grafana client: %w", err)
	}

	return grafanaClient, nil
}

func (r *Reconciler) ensureDatasources(ctx context.Context, grafanaClient *grafanasdk.Client, spec *Spec) error {
	cloudwatchDS := grafanasdk.Datasource{
		UID:    cloudwatchDatasourceUID,
		Name:   "CloudWatch",
		Type:   "cloudwatch",
		Access: "proxy",
		JSONData: map[string]interface{}{
			"authType":      "ec2_iam_role",
			"defaultRegion": spec.Region,
		},
	}
	if err := r.ensureDatasource(ctx, grafanaClient, cloudwatchDS); err != nil {
		return fmt.Errorf("failed to ensure CloudWatch datasource: %w", err)
	}

	prometheusDS := grafanasdk.Datasource{
		UID:    prometheusDatasourceUID,
		Name:   "Prometheus",
		Type:   "prometheus",
		Access: "proxy",
		URL:    fmt.Sprintf("https://aps-workspaces.%s.amazonaws.com/workspaces/%s/api", spec.Region, spec.PrometheusWorkspaceID),
		JSONData: map[string]interface{}{
			"httpMethod":    "POST",
			"sigV4Auth":     true,
			"sigV4AuthType": "ec2_iam_role",
			"sigV4Region":   spec.Region,
		},
	}
	if err := r.ensureDatasource(ctx, grafanaClient, prometheusDS); err != nil {
		return fmt.Errorf("failed to ensure Prometheus datasource: %w", err)
	}

	return nil
}

func (r *Reconciler) ensureDatasource(ctx context.Context, grafanaClient *grafanasdk.Client, expected grafanasdk.Datasource) error {
	ds, err := grafanaClient.GetDatasourceByUID(ctx, expected.UID)
	if err != nil {
		if !errors.As(err, &grafanasdk.ErrNotFound{}) {
			return fmt.Errorf("unable to get datasource: %w", err)
		}

		status, err := grafanaClient.CreateDatasource(ctx, expected)
		if err != nil {
			return fmt.Errorf("unable to add datasource: %w (status: %s, message: %s)",
				err, ptr.Deref(status.Status, "no status"), ptr.Deref(status.Message, "no message"))
		}
		if status.ID != nil {
			return nil
		}
		// possibly already exists with such name
		ds, err = grafanaClient.GetDatasourceByName(ctx, expected.Name)
		if err != nil {
			return fmt.Errorf("unable to get datasource by name %s: %w", expected.Name, err)
		}
	}

	expected.ID = ds.ID
	if !reflect.DeepEqual(ds, expected) {
		if status, err := grafanaClient.UpdateDatasource(ctx, expected); err != nil {
			return fmt.Errorf("unable to update datasource: %w (status: %s, message: %s)",
				err, ptr.Deref(status.Status, "no status"), ptr.Deref(status.Message, "no message"))
		}
	}

	return nil
}

func (r *Reconciler) ensureFolder(ctx context.Context, grafanaClient *grafanasdk.Client) error {
	if _, err := grafanaClient.GetFolderByUID(ctx, alertFolderUID); err == nil {
		return nil
	}

	folder := grafanasdk.Folder{
		UID:   alertFolderUID,
		Title: alertFolderTitle,
	}
	if _, err := grafanaClient.CreateFolder(ctx, folder); err != nil {
		return fmt.Errorf("failed to create alert folder: %w", err)
	}

	return nil
}

func (r *Reconciler) ensureDashboards(ctx context.Context, grafanaClient *grafanasdk.Client) ([]string, error) {
	boards, err := loadDashboards()
	if err != nil {
		return nil, err
	}

	uids := make([]string, 0, len(boards))
	for _, board := range boards {
		if status, err := grafanaClient.SetDashboard(ctx, board, grafanasdk.SetDashboardParams{Overwrite: true}); err != nil {
			return nil, fmt.Errorf("unable to set dashboard %s: %w (status: %s, message: %s)",
				board.UID, err, ptr.Deref(status.Status, "no status"), ptr.Deref(status.Message, "no message"))
		}
		uids = append(uids, board.UID)
	}

	r.log.Infow("Reconciled dashboards", "count", len(uids))

	return uids, nil
}

func loadDashboards() ([]grafanasdk.Board, error) {
	entries, err := manifests.ReadDir("manifests")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded dashboards: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	boards := make([]grafanasdk.Board, 0, len(entries))
	for _, entry := range entries {
		data, err := manifests.ReadFile("manifests/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded dashboard %s: %w", entry.Name(), err)
		}

		var board grafanasdk.Board
		if err := json.Unmarshal(data, &board); err != nil {
			return nil, fmt.Errorf("unable to unmarshal dashboard %s: %w", entry.Name(), err)
		}
		boards = append(boards, board)
	}

	return boards, nil
}
