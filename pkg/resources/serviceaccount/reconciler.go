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

// Package serviceaccount implements IAM Roles for Service Accounts (IRSA):
// an IAM role whose trust policy is bound to the EKS cluster's OIDC provider,
// managed policies attached to it, and a Kubernetes ServiceAccount annotated
// with the role ARN.
package serviceaccount

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eks"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.uber.org/zap"

	awsprovider "github.com/trainforge/provisioner/pkg/provider/aws"
	"github.com/trainforge/provisioner/pkg/reconciling"
	k8creconciling "k8c.io/reconciler/pkg/reconciling"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"
)

const roleARNAnnotation = "eks.amazonaws.com/role-arn"

type iamClient interface {
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	ListAttachedRolePolicies(ctx context.Context, params *iam.ListAttachedRolePoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedRolePoliciesOutput, error)
	DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error)
	DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error)
}

type eksClient interface {
	DescribeCluster(ctx context.Context, params *eks.DescribeClusterInput, optFns ...func(*eks.Options)) (*eks.DescribeClusterOutput, error)
}

type stsClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// ClusterClientGetter returns a client for the named EKS cluster. The cluster
// is only known once the resource properties are decoded, so the reconciler
// resolves the client lazily.
type ClusterClientGetter func(ctx context.Context, clusterName string) (ctrlruntimeclient.Client, error)

type Spec struct {
	ClusterName string                 `json:"ClusterName"`
	Namespace   string                 `json:"Namespace"`
	Name        string                 `json:"Name"`
	RoleName    string                 `json:"RoleName"`
	PolicyARNs  reconciling.StringList `json:"PolicyArns"`
}

func (s *Spec) Validate() error {
	if s.ClusterName == "" {
		return reconciling.NewValidationError("ClusterName is required")
	}
	if s.Name == "" {
		return reconciling.NewValidationError("Name is required")
	}
	if s.Namespace == "" {
		s.Namespace = metav1.NamespaceDefault
	}
	if s.RoleName == "" {
		s.RoleName = fmt.Sprintf("%s-%s-%s-irsa", s.ClusterName, s.Namespace, s.Name)
	}

	return nil
}

func (s *Spec) requiresReplacement(old *Spec) bool {
	return s.ClusterName != old.ClusterName || s.Namespace != old.Namespace || s.Name != old.Name
}

func (s *Spec) physicalID() string {
	return fmt.Sprintf("%s/%s/%s", s.ClusterName, s.Namespace, s.Name)
}

type Reconciler struct {
	iam          iamClient
	eks          eksClient
	sts          stsClient
	clientGetter ClusterClientGetter
	log          *zap.SugaredLogger
}

func New(iamService iamClient, eksService eksClient, stsService stsClient, clientGetter ClusterClientGetter, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		iam:          iamService,
		eks:          eksService,
		sts:          stsService,
		clientGetter: clientGetter,
		log:          log.Named("serviceaccount"),
	}
}

var _ reconciling.Reconciler = &Reconciler{}

func (r *Reconciler) Create(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec := &Spec{}
	if err := reconciling.DecodeProperties(req.ResourceProperties, spec); err != nil {
		return nil, err
	}

	roleARN, err := r.reconcileRole(ctx, spec)
	if err != nil {
		return nil, err
	}

	if err := r.reconcileKubernetesServiceAccount(ctx, spec, roleARN); err != nil {
		return nil, err
	}

	r.log.Infow("Reconciled service account", "cluster", spec.ClusterName, "namespace", spec.Namespace, "name", spec.Name, "role", roleARN)

	return &reconciling.Result{
		PhysicalResourceID: spec.physicalID(),
		Data: map[string]interface{}{
			"RoleArn": roleARN,
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

	if err := r.deleteRole(ctx, spec); err != nil {
		return nil, err
	}

	if err := r.deleteKubernetesServiceAccount(ctx, spec); err != nil {
		return nil, err
	}

	return &reconciling.Result{PhysicalResourceID: req.PhysicalResourceID}, nil
}

// reconcileRole creates the IAM role with the OIDC trust policy and attaches
// the requested managed policies. An existing role with the same name is
// converged, not failed.
func (r *Reconciler) reconcileRole(ctx context.Context, spec *Spec) (string, error) {
	trustPolicy, err := r.assumeRolePolicy(ctx, spec)
	if err != nil {
		return "", err
	}

	var roleARN string
	err = reconciling.Retry(ctx, func(ctx context.Context) error {
		out, err := r.iam.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 aws.String(spec.RoleName),
			AssumeRolePolicyDocument: aws.String(trustPolicy),
			Description:              aws.String(fmt.Sprintf("IRSA role for %s/%s in cluster %s", spec.Namespace, spec.Name, spec.ClusterName)),
		})
		if err != nil {
			if awsprovider.IsAlreadyExists(err) {
				existing, err := r.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(spec.RoleName)})
				if err != nil {
					return fmt.Errorf("failed to get existing role: %w", err)
				}
				roleARN = aws.ToString(existing.Role.Arn)

				return nil
			}

			return awsprovider.TransientIfThrottled(err)
		}

		roleARN = aws.ToString(out.Role.Arn)

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to create role %s: %w", spec.RoleName, err)
	}

	for _, policyARN := range spec.PolicyARNs {
		err := reconciling.Retry(ctx, func(ctx context.Context) error {
			_, err := r.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
				RoleName:  aws.String(spec.RoleName),
				PolicyArn: aws.String(policyARN),
			})

			return awsprovider.TransientIfThrottled(err)
		})
		if err != nil {
			return "", fmt.Errorf("failed to attach policy %s: %w", policyARN, err)
		}
	}

	return roleARN, nil
}

func (r *Reconciler) deleteRole(ctx context.Context, spec *Spec) error {
	attached, err := r.iam.ListAttachedRolePolicies(ctx, &iam.ListAttachedRolePoliciesInput{
		RoleName: aws.String(spec.RoleName),
	})
	if err != nil {
		if awsprovider.IsNotFound(err) {
			return nil
		}

		return fmt.Errorf("failed to list attached policies: %w", err)
	}

	for _, policy := range attached.AttachedPolicies {
		_, err := r.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(spec.RoleName),
			PolicyArn: policy.PolicyArn,
		})
		if err != nil && !awsprovider.IsNotFound(err) {
			return fmt.Errorf("failed to detach policy %s: %w", aws.ToString(policy.PolicyArn), err)
		}
	}

	_, err = r.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(spec.RoleName)})
	if err != nil && !awsprovider.IsNotFound(err) {
		return fmt.Errorf("failed to delete role %s: %w", spec.RoleName, err)
	}

	return nil
}

// assumeRolePolicy renders the web-identity trust policy binding the role to
// the ServiceAccount subject on the cluster's OIDC provider.
func (r *Reconciler) assumeRolePolicy(ctx context.Context, spec *Spec) (string, error) {
	cluster, err := r.eks.DescribeCluster(ctx, &eks.DescribeClusterInput{Name: aws.String(spec.ClusterName)})
	if err != nil {
		return "", fmt.Errorf("failed to describe cluster %s: %w", spec.ClusterName, awsprovider.TransientIfThrottled(err))
	}
	if cluster.Cluster.Identity == nil || cluster.Cluster.Identity.Oidc == nil {
		return "", reconciling.Permanent(fmt.Errorf("cluster %s has no OIDC identity provider", spec.ClusterName))
	}

	issuer := strings.TrimPrefix(aws.ToString(cluster.Cluster.Identity.Oidc.Issuer), "https://")

	identity, err := r.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to get caller identity: %w", awsprovider.TransientIfThrottled(err))
	}

	policy := map[string]interface{}{
		"Version": "2012-10-17",
		"Statement": []map[string]interface{}{
			{
				"Effect": "Allow",
				"Principal": map[string]string{
					"Federated": fmt.Sprintf("arn:aws:iam::%s:oidc-provider/%s", aws.ToString(identity.Account), issuer),
				},
				"Action": "sts:AssumeRoleWithWebIdentity",
				"Condition": map[string]map[string]string{
					"StringEquals": {
						issuer + ":aud": "sts.amazonaws.com",
						issuer + ":sub": fmt.Sprintf("system:serviceaccount:%s:%s", spec.Namespace, spec.Name),
					},
				},
			},
		},
	}

	document, err := json.Marshal(policy)
	if err != nil {
		return "", fmt.Errorf("failed to marshal trust policy: %w", err)
	}

	return string(document), nil
}

func serviceAccountReconciler(name, roleARN string) k8creconciling.NamedServiceAccountReconcilerFactory {
	return func() (string, k8creconciling.ServiceAccountReconciler) {
		return name, func(sa *corev1.ServiceAccount) (*corev1.ServiceAccount, error) {
			if sa.Annotations == nil {
				sa.Annotations = map[string]string{}
			}
			sa.Annotations[roleARNAnnotation] = roleARN

			return sa, nil
		}
	}
}

func (r *Reconciler) reconcileKubernetesServiceAccount(ctx context.Context, spec *Spec, roleARN string) error {
	client, err := r.clientGetter(ctx, spec.ClusterName)
	if err != nil {
		return fmt.Errorf("failed to get cluster client: %w", err)
	}

	factories := []k8creconciling.NamedServiceAccountReconcilerFactory{
		serviceAccountReconciler(spec.Name, roleARN),
	}
	if err := k8creconciling.ReconcileServiceAccounts(ctx, factories, spec.Namespace, client); err != nil {
		return fmt.Errorf("failed to reconcile ServiceAccount: %w", err)
	}

	return nil
}

func (r *Reconciler) deleteKubernetesServiceAccount(ctx context.Context, spec *Spec) error {
	client, err := r.clientGetter(ctx, spec.ClusterName)
	if err != nil {
		return fmt.Errorf("failed to get cluster client: %w", err)
	}

	sa := &corev1.ServiceAccount{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: spec.Namespace,
		},
	}
	if err := ctrlruntimeclient.IgnoreNotFound(client.Delete(ctx, sa)); err != nil {
		return fmt.Errorf("failed to delete ServiceAccount: %w", err)
	}

	return nil
}
