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

package helm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"helm.sh/helm/v3/pkg/repo"

	cmdtesting "k8s.io/kubectl/pkg/cmd/testing"
)

func TestNewClientRejectsMismatchedNamespace(t *testing.T) {
	settings := NewSettings(t.TempDir())

	tf := cmdtesting.NewTestFactory().WithNamespace("default")
	defer tf.Cleanup()

	_, err := NewClient(context.Background(), tf, settings, "another-ns", zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "namespace set in RESTClientGetter should be the same as targetNamespace")
}

func TestComputeRepoName(t *testing.T) {
	name, err := computeRepoName("https://charts.example.com/stable")
	require.NoError(t, err)
	assert.Equal(t, "chart-repo-61f60b02c049f929ec8f7d0180f353a3dc854e7a23d03f41fb97fb35fe95a776", name)

	again, err := computeRepoName("https://charts.example.com/stable")
	require.NoError(t, err)
	assert.Equal(t, name, again)

	other, err := computeRepoName("https://charts.example.com/incubator")
	require.NoError(t, err)
	assert.NotEqual(t, name, other)
}

// startChartRepository serves a minimal but valid repository index.
func startChartRepository(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/index.yaml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("apiVersion: v1\nentries: {}\n"))
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func TestEnsureRepositoryWritesRepositoryFile(t *testing.T) {
	server := startChartRepository(t)

	settings := NewSettings(t.TempDir())
	client := &Client{
		settings:        settings,
		getterProviders: settings.GetterProviders(),
		logger:          zap.NewNop().Sugar(),
	}

	repoName, err := client.ensureRepository(server.URL, AuthSettings{Username: "username", Password: "password"})
	require.NoError(t, err)

	expectedName, err := computeRepoName(server.URL)
	require.NoError(t, err)
	assert.Equal(t, expectedName, repoName)

	repoFile, err := repo.LoadFile(settings.RepositoryConfig)
	require.NoError(t, err)
	require.Len(t, repoFile.Repositories, 1)

	entry := repoFile.Repositories[0]
	assert.Equal(t, repoName, entry.Name)
	assert.Equal(t, server.URL, entry.URL)
	assert.Equal(t, "username", entry.Username)
	assert.Equal(t, "password", entry.Password)
}

func TestEnsureRepositoryReusesExistingEntry(t *testing.T) {
	server := startChartRepository(t)

	settings := NewSettings(t.TempDir())
	client := &Client{
		settings:        settings,
		getterProviders: settings.GetterProviders(),
		logger:          zap.NewNop().Sugar(),
	}

	first, err := client.ensureRepository(server.URL, AuthSettings{})
	require.NoError(t, err)
	second, err := client.ensureRepository(server.URL, AuthSettings{})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	repoFile, err := repo.LoadFile(settings.RepositoryConfig)
	require.NoError(t, err)
	assert.Len(t, repoFile.Repositories, 1)
}
