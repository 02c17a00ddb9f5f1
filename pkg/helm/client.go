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

// Package helm wraps the Helm action API behind a small client that can
// download a chart from an HTTP or OCI repository, install or upgrade a
// release and uninstall it again. A client is bound to one target namespace
// and one settings directory; it is not safe for concurrent use because the
// repository file and index cache are plain files.
package helm

import (
	"context"
	"crypto"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/downloader"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/registry"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/repo"

	"k8s.io/cli-runtime/pkg/genericclioptions"
)

// Release information is stored in Secrets in the namespace of the release.
// More information at https://helm.sh/docs/topics/advanced/#storage-backends
const secretStorageDriver = "secret"

// Settings holds the file locations of the repository configuration and the
// index cache. In the Lambda runtime both live under /tmp.
type Settings struct {
	RepositoryConfig string
	RepositoryCache  string
}

// NewSettings places the repository file and cache below rootDir.
func NewSettings(rootDir string) Settings {
	return Settings{
		RepositoryConfig: filepath.Join(rootDir, "repositories.yaml"),
		RepositoryCache:  filepath.Join(rootDir, "repository"),
	}
}

// GetterProviders builds the getter.Providers from the Settings.
func (s Settings) GetterProviders() getter.Providers {
	return getter.All(&cli.EnvSettings{
		RepositoryConfig: s.RepositoryConfig,
		RepositoryCache:  s.RepositoryCache,
	})
}

// AuthSettings holds basic-auth credentials for the chart repository.
type AuthSettings struct {
	Username string
	Password string
}

func (a *AuthSettings) getterOptions(regClient *registry.Client) []getter.Option {
	options := []getter.Option{getter.WithRegistryClient(regClient)}
	if a.Username != "" && a.Password != "" {
		options = append(options, getter.WithBasicAuth(a.Username, a.Password))
	}

	return options
}

// Client talks to one cluster namespace through the Helm action API.
type Client struct {
	ctx context.Context

	settings        Settings
	getterProviders getter.Providers

	// actionConfig injects the dependencies all actions share.
	actionConfig *action.Configuration

	targetNamespace string

	logger *zap.SugaredLogger
}

// NewClient builds a client for targetNamespace. The namespace configured in
// the restClientGetter must match targetNamespace: the upgrade action takes
// its namespace from the getter while the release record is stored in the
// target namespace, and a mismatch produces a release Helm cannot uninstall.
func NewClient(ctx context.Context, restClientGetter genericclioptions.RESTClientGetter, settings Settings, targetNamespace string, logger *zap.SugaredLogger) (*Client, error) {
	kcNamespace, _, err := restClientGetter.ToRawKubeConfigLoader().Namespace()
	if err != nil {
		return nil, fmt.Errorf("can not get namespace from RESTClientGetter: %w", err)
	}
	if kcNamespace != targetNamespace {
		return nil, fmt.Errorf("namespace set in RESTClientGetter should be the same as targetNamespace. RESTClientGetter namespace=%s, targetNamespace=%s", kcNamespace, targetNamespace)
	}

	actionConfig := new(action.Configuration)
	if err := actionConfig.Init(restClientGetter, targetNamespace, secretStorageDriver, logger.Infof); err != nil {
		return nil, fmt.Errorf("can not initialize helm actionConfig: %w", err)
	}

	return &Client{
		ctx:             ctx,
		settings:        settings,
		getterProviders: settings.GetterProviders(),
		actionConfig:    actionConfig,
		targetNamespace: targetNamespace,
		logger:          logger,
	}, nil
}

// DownloadChart fetches chartName in version from url into the dest folder
// and returns the chart location (e.g. /tmp/foo/apache-1.0.0.tgz). The dest
// folder must exist.
func (c *Client) DownloadChart(url, chartName, version, dest string, auth AuthSettings) (string, error) {
	var repoName string
	var err error
	if registry.IsOCI(url) {
		repoName = url
	} else {
		repoName, err = c.ensureRepository(url, auth)
		if err != nil {
			return "", err
		}
	}

	regClient, err := registry.NewClient()
	if err != nil {
		return "", err
	}

	var out strings.Builder
	chartDownloader := downloader.ChartDownloader{
		Out:              &out,
		Verify:           downloader.VerifyNever,
		RepositoryConfig: c.settings.RepositoryConfig,
		RepositoryCache:  c.settings.RepositoryCache,
		Getters:          c.getterProviders,
		RegistryClient:   regClient,
		Options:          auth.getterOptions(regClient),
	}

	chartRef := repoName + "/" + chartName
	chartLoc, _, err := chartDownloader.DownloadTo(chartRef, version, dest)
	if err != nil {
		c.logger.Errorw("Failed to download chart", "chart", chartRef, "version", version, "log", out.String())
		return "", err
	}

	c.logger.Debugw("Successfully downloaded chart", "chart", chartRef, "version", version, "log", out.String())

	return chartLoc, nil
}

// InstallOrUpgrade installs the chart located at chartLoc into the target
// namespace if no release record exists yet, otherwise it upgrades the
// release in place.
func (c *Client) InstallOrUpgrade(chartLoc, releaseName string, values map[string]interface{}, auth AuthSettings) (*release.Release, error) {
	if _, err := c.actionConfig.Releases.Last(releaseName); err != nil {
		return c.Install(chartLoc, releaseName, values, auth)
	}

	return c.Upgrade(chartLoc, releaseName, values, auth)
}

// Install the chart located at chartLoc. If the release already exists, an
// error is returned. chartLoc is the path to the chart archive or to a
// folder containing the chart.
func (c *Client) Install(chartLoc, releaseName string, values map[string]interface{}, auth AuthSettings) (*release.Release, error) {
	chartToInstall, err := c.buildDependencies(chartLoc, auth)
	if err != nil {
		return nil, err
	}

	installClient := action.NewInstall(c.actionConfig)
	installClient.Namespace = c.targetNamespace
	installClient.ReleaseName = releaseName

	return installClient.RunWithContext(c.ctx, chartToInstall, values)
}

// Upgrade the release with the chart located at chartLoc. If the release
// does not exist yet, an error is returned.
func (c *Client) Upgrade(chartLoc, releaseName string, values map[string]interface{}, auth AuthSettings) (*release.Release, error) {
	chartToUpgrade, err := c.buildDependencies(chartLoc, auth)
	if err != nil {
		return nil, err
	}

	upgradeClient := action.NewUpgrade(c.actionConfig)
	upgradeClient.Namespace = c.targetNamespace

	return upgradeClient.RunWithContext(c.ctx, releaseName, chartToUpgrade, values)
}

// Uninstall the release in the target namespace.
func (c *Client) Uninstall(releaseName string) (*release.UninstallReleaseResponse, error) {
	uninstallClient := action.NewUninstall(c.actionConfig)

	return uninstallClient.Run(releaseName)
}

// buildDependencies adds missing repositories and downloads the chart
// dependencies into the "charts" folder, the equivalent of a helm dependency
// build. A chart archive already contains its dependencies, so only charts
// loaded from a directory need the build.
func (c *Client) buildDependencies(chartLoc string, auth AuthSettings) (*chart.Chart, error) {
	fi, err := os.Stat(chartLoc)
	if err != nil {
		return nil, fmt.Errorf("can not find chart at %q: %w", chartLoc, err)
	}

	loadedChart, err := loader.Load(chartLoc)
	if err != nil {
		return nil, fmt.Errorf("can not load chart: %w", err)
	}

	if !fi.IsDir() {
		return loadedChart, nil
	}

	regClient, err := registry.NewClient()
	if err != nil {
		return nil, fmt.Errorf("can not initialize registry client: %w", err)
	}

	var out strings.Builder
	man := &downloader.Manager{
		Out:              &out,
		ChartPath:        chartLoc,
		Getters:          c.getterProviders,
		RepositoryConfig: c.settings.RepositoryConfig,
		RepositoryCache:  c.settings.RepositoryCache,
		RegistryClient:   regClient,
		Verify:           downloader.VerifyNever,
		SkipUpdate:       true,
	}

	var dependencies []*chart.Dependency
	if loadedChart.Lock != nil {
		dependencies = loadedChart.Lock.Dependencies
	} else {
		dependencies = loadedChart.Metadata.Dependencies
	}

	// Helm does not download a dependency whose repository is not in the
	// repository file, so unknown repositories are added explicitly. OCI and
	// file dependencies can not be added as repositories.
	for _, dep := range dependencies {
		if strings.HasPrefix(dep.Repository, "http://") || strings.HasPrefix(dep.Repository, "https://") {
			if _, err := c.ensureRepository(dep.Repository, auth); err != nil {
				return nil, fmt.Errorf("can not download index for repository: %w", err)
			}
		}
	}

	if err := man.Build(); err != nil {
		c.logger.Errorw("Can not build dependencies", "chart", chartLoc, "log", out.String())
		return nil, fmt.Errorf("can not build dependencies: %w", err)
	}

	// Reload so the downloaded dependencies are part of the chart.
	loadedChart, err = loader.Load(chartLoc)
	if err != nil {
		return nil, fmt.Errorf("can not reload chart: %w", err)
	}

	c.logger.Debugw("Successfully built dependencies", "chart", chartLoc, "log", out.String())

	return loadedChart, nil
}

// ensureRepository adds the repository url if it is not in the repository
// file yet and downloads the latest index file. The repository name is
// derived from the url hash so repeated runs against the same url reuse the
// entry.
func (c *Client) ensureRepository(url string, auth AuthSettings) (string, error) {
	repoFile, err := repo.LoadFile(c.settings.RepositoryConfig)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	repoName, err := computeRepoName(url)
	if err != nil {
		return "", fmt.Errorf("can not compute repository name for %q: %w", url, err)
	}
	desiredEntry := &repo.Entry{
		Name:     repoName,
		URL:      url,
		Username: auth.Username,
		Password: auth.Password,
	}

	chartRepo, err := repo.NewChartRepository(desiredEntry, c.getterProviders)
	if err != nil {
		return "", err
	}
	// The constructor uses the default Helm cache, not the one from the
	// client settings.
	chartRepo.CachePath = c.settings.RepositoryCache

	if _, err := chartRepo.DownloadIndexFile(); err != nil {
		return "", fmt.Errorf("can not download index file: %w", err)
	}

	if !repoFile.Has(repoName) {
		repoFile.Add(desiredEntry)
		return repoName, repoFile.WriteFile(c.settings.RepositoryConfig, 0644)
	}

	return repoName, nil
}

// computeRepoName hashes the url the same way helm does for unmanaged
// repositories, so the entry looks familiar in a default Helm setup.
func computeRepoName(url string) (string, error) {
	in := strings.NewReader(url)
	hash := crypto.SHA256.New()
	if _, err := io.Copy(hash, in); err != nil {
		return "", err
	}

	return "chart-repo-" + hex.EncodeToString(hash.Sum(nil)), nil
}
