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

// Package helmrelease installs, upgrades and uninstalls a Helm chart release
// in the workload cluster. Install and upgrade converge on the same release
// record, so a replayed Create is harmless.
package helmrelease

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/storage/driver"

	"github.com/trainforge/provisioner/pkg/helm"
	"github.com/trainforge/provisioner/pkg/reconciling"
)

// Client is the slice of the Helm client the reconciler needs.
type Client interface {
	DownloadChart(url, chartName, version, dest string, auth helm.AuthSettings) (string, error)
	InstallOrUpgrade(chartLoc, releaseName string, values map[string]interface{}, auth helm.AuthSettings) (*release.Release, error)
	Uninstall(releaseName string) (*release.UninstallReleaseResponse, error)
}

// ClientFactory builds a Helm client bound to the given cluster and
// namespace. The cluster name is only known after decoding the resource
// properties, so the client cannot be injected directly.
type ClientFactory func(ctx context.Context, clusterName, namespace string) (Client, error)

type Spec struct {
	ClusterName        string                 `json:"ClusterName"`
	Namespace          string                 `json:"Namespace"`
	ReleaseName        string                 `json:"ReleaseName"`
	ChartName          string                 `json:"ChartName"`
	ChartVersion       string                 `json:"ChartVersion"`
	RepositoryURL      string                 `json:"RepositoryUrl"`
	RepositoryUsername string                 `json:"RepositoryUsername"`
	RepositoryPassword string                 `json:"RepositoryPassword"`
	Values             map[string]interface{} `json:"Values"`
}

func (s *Spec) Validate() error {
	if s.ClusterName == "" {
		return reconciling.NewValidationError("ClusterName is required")
	}
	if s.ReleaseName == "" {
		return reconciling.NewValidationError("ReleaseName is required")
	}
	if s.ChartName == "" {
		return reconciling.NewValidationError("ChartName is required")
	}
	if s.RepositoryURL == "" {
		return reconciling.NewValidationError("RepositoryUrl is required")
	}

	if s.Namespace == "" {
		s.Namespace = "default"
	}

	return nil
}

func (s *Spec) requiresReplacement(old *Spec) bool {
	return s.ReleaseName != old.ReleaseName || s.Namespace != old.Namespace
}

func (s *Spec) physicalID() string {
	return fmt.Sprintf("%s/%s", s.Namespace, s.ReleaseName)
}

func (s *Spec) auth() helm.AuthSettings {
	return helm.AuthSettings{
		Username: s.RepositoryUsername,
		Password: s.RepositoryPassword,
	}
}

type Reconciler struct {
	newClient ClientFactory
	log       *zap.SugaredLogger
}

func New(newClient ClientFactory, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		newClient: newClient,
		log:       log.Named("helmrelease"),
	}
}

var _ reconciling.Reconciler = &Reconciler{}

func (r *Reconciler) Create(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec := &Spec{}
	if err := reconciling.DecodeProperties(req.ResourceProperties, spec); err != nil {
		return nil, err
	}

	rel, err := r.deploy(ctx, spec)
	if err != nil {
		return nil, err
	}

	return &reconciling.Result{
		PhysicalResourceID: spec.physicalID(),
		Data:               releaseData(rel),
	}, nil
}

func (r *Reconciler) Update(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec, oldSpec := &Spec{}, &Spec{}
	if err := reconciling.DecodeBoth(req, spec, oldSpec); err != nil {
		return nil, err
	}

	rel, err := r.deploy(ctx, spec)
	if err != nil {
		return nil, err
	}

	physicalID := spec.physicalID()
	if req.OldResourceProperties != nil && !spec.requiresReplacement(oldSpec) {
		physicalID = req.PhysicalResourceID
	}

	return &reconciling.Result{
		PhysicalResourceID: physicalID,
		Data:               releaseData(rel),
	}, nil
}

func (r *Reconciler) Delete(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec := &Spec{}
	if err := reconciling.DecodeProperties(req.ResourceProperties, spec); err != nil {
		return nil, err
	}

	client, err := r.newClient(ctx, spec.ClusterName, spec.Namespace)
	if err != nil {
		return nil, err
	}

	if _, err := client.Uninstall(spec.ReleaseName); err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			r.log.Infow("Release already absent", "release", spec.ReleaseName, "namespace", spec.Namespace)

			return &reconciling.Result{PhysicalResourceID: req.PhysicalResourceID}, nil
		}

		return nil, fmt.Errorf("failed to uninstall release %s: %w", spec.ReleaseName, err)
	}

	r.log.Infow("Uninstalled release", "release", spec.ReleaseName, "namespace", spec.Namespace)

	return &reconciling.Result{PhysicalResourceID: req.PhysicalResourceID}, nil
}

// deploy downloads the chart into a scratch directory and installs or
// upgrades the release with it.
func (r *Reconciler) deploy(ctx context.Context, spec *Spec) (*release.Release, error) {
	client, err := r.newClient(ctx, spec.ClusterName, spec.Namespace)
	if err != nil {
		return nil, err
	}

	dest, err := os.MkdirTemp("", "charts-")
	if err != nil {
		return nil, fmt.Errorf("failed to create chart download directory: %w", err)
	}
	defer os.RemoveAll(dest)

	chartLoc, err := client.DownloadChart(spec.RepositoryURL, spec.ChartName, spec.ChartVersion, dest, spec.auth())
	if err != nil {
		return nil, fmt.Errorf("failed to download chart %s: %w", spec.ChartName, err)
	}

	rel, err := client.InstallOrUpgrade(chartLoc, spec.ReleaseName, spec.Values, spec.auth())
	if err != nil {
		return nil, fmt.Errorf("failed to deploy release %s: %w", spec.ReleaseName, err)
	}

	r.log.Infow("Deployed release", "release", rel.Name, "namespace", spec.Namespace, "revision", rel.Version)

	return rel, nil
}

func releaseData(rel *release.Release) map[string]interface{} {
	data := map[string]interface{}{
		"ReleaseName":     rel.Name,
		"ReleaseRevision": strconv.Itoa(rel.Version),
	}
	if rel.Chart != nil && rel.Chart.Metadata != nil {
		data["ChartVersion"] = rel.Chart.Metadata.Version
		data["AppVersion"] = rel.Chart.Metadata.AppVersion
	}

	return data
}
