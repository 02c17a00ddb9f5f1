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

// Package eks turns an EKS cluster name into Kubernetes client
// configurations, authenticated via the aws-iam-authenticator token
// protocol. The authenticator needs a legacy SDK session, which is why this
// package builds its own instead of sharing the v2 client set.
package eks

import (
	"context"
	"encoding/base64"
	"fmt"

	awsprovider "github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/eks"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"
	"sigs.k8s.io/aws-iam-authenticator/pkg/token"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"
)

func getAWSSession(accessKeyID, secretAccessKey, region, endpoint string) (*session.Session, error) {
	config := awsprovider.
		NewConfig().
		WithRegion(region).
		WithMaxRetries(3)

	if accessKeyID != "" && secretAccessKey != "" {
		config = config.WithCredentials(credentials.NewStaticCredentials(accessKeyID, secretAccessKey, ""))
	}

	// Overriding the API endpoint is mostly useful for integration tests,
	// when running against a localstack container, for example.
	if endpoint != "" {
		config = config.WithEndpoint(endpoint)
	}

	return session.NewSession(config)
}

// GetClusterConfig describes the EKS cluster and assembles a kubeconfig for
// it, with a freshly minted authenticator token.
func GetClusterConfig(ctx context.Context, accessKeyID, secretAccessKey, clusterName, region string) (*api.Config, error) {
	sess, err := getAWSSession(accessKeyID, secretAccessKey, region, "")
	if err != nil {
		return nil, fmt.Errorf("failed to create API session: %w", err)
	}
	eksSvc := eks.New(sess)

	clusterInput := &eks.DescribeClusterInput{
		Name: awsprovider.String(clusterName),
	}
	clusterOutput, err := eksSvc.DescribeClusterWithContext(ctx, clusterInput)
	if err != nil {
		return nil, fmt.Errorf("error calling DescribeCluster: %w", err)
	}

	cluster := clusterOutput.Cluster
	eksclusterName := cluster.Name

	config := api.Config{
		APIVersion: "v1",
		Kind:       "Config",
		Clusters:   map[string]*api.Cluster{},
		AuthInfos:  map[string]*api.AuthInfo{},
		Contexts:   map[string]*api.Context{},
	}

	gen, err := token.NewGenerator(true, false)
	if err != nil {
		return nil, err
	}

	opts := &token.GetTokenOptions{
		ClusterID: *eksclusterName,
		Session:   sess,
	}
	token, err := gen.GetWithOptions(opts)
	if err != nil {
		return nil, err
	}

	// example: eks_eu-central-1_cluster-1 => https://XX.XX.XX.XX
	name := fmt.Sprintf("eks_%s_%s", region, *eksclusterName)

	cert, err := base64.StdEncoding.DecodeString(awsprovider.StringValue(cluster.CertificateAuthority.Data))
	if err != nil {
		return nil, err
	}

	config.Clusters[name] = &api.Cluster{
		CertificateAuthorityData: cert,
		Server:                   *cluster.Endpoint,
	}
	config.CurrentContext = name

	// Just reuse the context name as an auth name.
	config.Contexts[name] = &api.Context{
		Cluster:  name,
		AuthInfo: name,
	}
	// AWS specific configation; use cloud platform scope.
	config.AuthInfos[name] = &api.AuthInfo{
		Token: token.Token,
	}

	return &config, nil
}

// GetRESTConfig is GetClusterConfig flattened into a rest.Config, ready for
// building Kubernetes clients.
func GetRESTConfig(ctx context.Context, accessKeyID, secretAccessKey, clusterName, region string) (*rest.Config, error) {
	config, err := GetClusterConfig(ctx, accessKeyID, secretAccessKey, clusterName, region)
	if err != nil {
		return nil, err
	}

	return clientcmd.NewNonInteractiveClientConfig(*config, "", &clientcmd.ConfigOverrides{}, nil).ClientConfig()
}

// NewClusterClient returns a controller-runtime client for the cluster,
// using the default client-go scheme.
func NewClusterClient(restConfig *rest.Config) (ctrlruntimeclient.Client, error) {
	client, err := ctrlruntimeclient.New(restConfig, ctrlruntimeclient.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster client: %w", err)
	}

	return client, nil
}

// WriteKubeconfig persists the config for tools that can only consume a
// kubeconfig file, like the Helm action configuration.
func WriteKubeconfig(config *api.Config, path string) error {
	return clientcmd.WriteToFile(*config, path)
}
