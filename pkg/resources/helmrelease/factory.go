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

package helmrelease

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/trainforge/provisioner/pkg/helm"
	"github.com/trainforge/provisioner/pkg/provider/eks"

	"k8s.io/cli-runtime/pkg/genericclioptions"
)

// NewEKSClientFactory returns a ClientFactory that authenticates against the
// named EKS cluster with a freshly minted IAM authenticator token. The Helm
// action API only consumes kubeconfig files, so the cluster config is
// written to a scratch directory that also holds the repository cache.
func NewEKSClientFactory(region string, log *zap.SugaredLogger) ClientFactory {
	return func(ctx context.Context, clusterName, namespace string) (Client, error) {
		clusterConfig, err := eks.GetClusterConfig(ctx, "", "", clusterName, region)
		if err != nil {
			return nil, fmt.Errorf("failed to get config for cluster %s: %w", clusterName, err)
		}

		workDir, err := os.MkdirTemp("", "helm-")
		if err != nil {
			return nil, fmt.Errorf("failed to create helm working directory: %w", err)
		}

		kubeconfigPath := filepath.Join(workDir, "kubeconfig")
		if err := eks.WriteKubeconfig(clusterConfig, kubeconfigPath); err != nil {
			return nil, fmt.Errorf("failed to write kubeconfig: %w", err)
		}

		restClientGetter := &genericclioptions.ConfigFlags{
			KubeConfig: &kubeconfigPath,
			Namespace:  &namespace,
		}

		return helm.NewClient(ctx, restClientGetter, helm.NewSettings(workDir), namespace, log)
	}
}
