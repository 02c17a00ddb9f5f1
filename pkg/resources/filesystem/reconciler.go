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

// Package filesystem wires an FSx for Lustre filesystem into the EKS cluster.
// Without a FileSystemId the CSI driver provisions a fresh filesystem
// dynamically through a StorageClass and a PersistentVolumeClaim; with a
// FileSystemId the existing filesystem is mounted statically through a
// StorageClass, PersistentVolume and PersistentVolumeClaim suffixed with the
// filesystem id.
package filesystem

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/fsx"
	fsxtypes "github.com/aws/aws-sdk-go-v2/service/fsx/types"
	"go.uber.org/zap"

	awsprovider "github.com/trainforge/provisioner/pkg/provider/aws"
	"github.com/trainforge/provisioner/pkg/reconciling"

	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	dynamicStorageClassName = "fsx-sc"
	dynamicClaimName        = "fsx-claim"

	// Static filesystem names carry the first 8 characters of the filesystem
	// id so multiple filesystems can coexist in one cluster.
	suffixLength = 8
)

type fsxClient interface {
	DescribeFileSystems(ctx context.Context, params *fsx.DescribeFileSystemsInput, optFns ...func(*fsx.Options)) (*fsx.DescribeFileSystemsOutput, error)
}

// ClusterClientGetter returns a client for the named EKS cluster.
type ClusterClientGetter func(ctx context.Context, clusterName string) (ctrlruntimeclient.Client, error)

type Spec struct {
	ClusterName  string `json:"ClusterName"`
	Namespace    string `json:"Namespace"`
	FileSystemID string `json:"FileSystemId"`

	// Dynamic provisioning parameters, ignored when FileSystemId is set.
	SubnetID                 string                 `json:"SubnetId"`
	SecurityGroupIDs         reconciling.StringList `json:"SecurityGroupIds"`
	DeploymentType           string                 `json:"DeploymentType"`
	StorageCapacity          int                    `json:"StorageCapacity,string"`
	PerUnitStorageThroughput int                    `json:"PerUnitStorageThroughput,string"`
	DataCompressionType      string                 `json:"DataCompressionType"`
	FileSystemTypeVersion    string                 `json:"FileSystemTypeVersion"`
}

func (s *Spec) Validate() error {
	if s.ClusterName == "" {
		return reconciling.NewValidationError("ClusterName is required")
	}
	if s.Namespace == "" {
		s.Namespace = metav1.NamespaceDefault
	}

	if s.FileSystemID != "" {
		if !strings.HasPrefix(s.FileSystemID, "fs-") {
			return reconciling.NewValidationError("FileSystemId must start with fs-")
		}
	} else {
		if s.SubnetID == "" {
			return reconciling.NewValidationError("SubnetId is required for dynamic provisioning")
		}
		if len(s.SecurityGroupIDs) == 0 {
			return reconciling.NewValidationError("SecurityGroupIds is required for dynamic provisioning")
		}
	}

	if s.DeploymentType == "" {
		s.DeploymentType = "PERSISTENT_2"
	}
	if s.StorageCapacity == 0 {
		s.StorageCapacity = 1200
	}
	if s.PerUnitStorageThroughput == 0 {
		s.PerUnitStorageThroughput = 250
	}
	if s.DataCompressionType == "" {
		s.DataCompressionType = "LZ4"
	}
	if s.FileSystemTypeVersion == "" {
		s.FileSystemTypeVersion = "2.15"
	}

	return nil
}

func (s *Spec) requiresReplacement(old *Spec) bool {
	return s.FileSystemID != old.FileSystemID || s.ClusterName != old.ClusterName
}

func (s *Spec) physicalID() string {
	if s.FileSystemID != "" {
		return s.FileSystemID
	}

	return s.ClusterName + "/" + dynamicClaimName
}

// suffix derives the object name suffix from the filesystem id.
func (s *Spec) suffix() string {
	trimmed := strings.TrimPrefix(s.FileSystemID, "fs-")
	if len(trimmed) > suffixLength {
		trimmed = trimmed[:suffixLength]
	}

	return trimmed
}

func (s *Spec) storageClassName() string {
	if s.FileSystemID == "" {
		return dynamicStorageClassName
	}

	return dynamicStorageClassName + "-" + s.suffix()
}

func (s *Spec) persistentVolumeName() string {
	return "fsx-pv-" + s.suffix()
}

func (s *Spec) claimName() string {
	if s.FileSystemID == "" {
		return dynamicClaimName
	}

	return dynamicClaimName + "-" + s.suffix()
}

func (s *Spec) capacity() string {
	return fmt.Sprintf("%dGi", s.StorageCapacity)
}

type Reconciler struct {
	fsx          fsxClient
	clientGetter ClusterClientGetter
	log          *zap.SugaredLogger
}

func New(fsxService fsxClient, clientGetter ClusterClientGetter, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		fsx:          fsxService,
		clientGetter: clientGetter,
		log:          log.Named("filesystem"),
	}
}

var _ reconciling.Reconciler = &Reconciler{}

func (r *Reconciler) Create(ctx context.Context, req *reconciling.Request) (*reconciling.Result, error) {
	spec := &Spec{}
	if err := reconciling.DecodeProperties(req.ResourceProperties, spec); err != nil {
		return nil, err
	}

	client, err := r.clientGetter(ctx, spec.ClusterName)
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster client: %w", err)
	}

	data := map[string]interface{}{
		"StorageClassName":          spec.storageClassName(),
		"PersistentVolumeClaimName": spec.claimName(),
	}

	if spec.FileSystemID == "" {
		if err := r.reconcileDynamic(ctx, client, spec); err != nil {
			return nil, err
		}
	} else {
		dnsName, mountName, err := r.describeFilesystem(ctx, spec)
		if err != nil {
			return nil, err
		}

		if err := r.reconcileStatic(ctx, client, spec, dnsName, mountName); err != nil {
			return nil, err
		}

		data["PersistentVolumeName"] = spec.persistentVolumeName()
		data["DNSName"] = dnsName
		data["MountName"] = mountName
	}

	r.log.Infow("Reconciled filesystem objects", "cluster", spec.ClusterName, "storageclass", spec.storageClassName(), "claim", spec.claimName())

	return &reconciling.Result{
		PhysicalResourceID: spec.physicalID(),
		Data:               data,
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

	client, err := r.clientGetter(ctx, spec.ClusterName)
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster client: %w", err)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: spec.claimName(), Namespace: spec.Namespace},
	}
	if err := ctrlruntimeclient.IgnoreNotFound(client.Delete(ctx, pvc)); err != nil {
		return nil, fmt.Errorf("failed to delete PersistentVolumeClaim: %w", err)
	}

	if spec.FileSystemID != "" {
		pv := &corev1.PersistentVolume{
			ObjectMeta: metav1.ObjectMeta{Name: spec.persistentVolumeName()},
		}
		if err := ctrlruntimeclient.IgnoreNotFound(client.Delete(ctx, pv)); err != nil {
			return nil, fmt.Errorf("failed to delete PersistentVolume: %w", err)
		}
	}

	sc := &storagev1.StorageClass{
		ObjectMeta: metav1.ObjectMeta{Name: spec.storageClassName()},
	}
	if err := ctrlruntimeclient.IgnoreNotFound(client.Delete(ctx, sc)); err != nil {
		return nil, fmt.Errorf("failed to delete StorageClass: %w", err)
	}

	return &reconciling.Result{PhysicalResourceID: req.PhysicalResourceID}, nil
}

func (r *Reconciler) reconcileDynamic(ctx context.Context, client ctrlruntimeclient.Client, spec *Spec) error {
	if err := ensureStorageClass(ctx, client, spec.storageClassName(), dynamicStorageClassReconciler(spec)); err != nil {
		return err
	}

	return ensurePersistentVolumeClaim(ctx, client, spec.claimName(), spec.Namespace, claimReconciler(spec, "", spec.capacity()))
}

func (r *Reconciler) reconcileStatic(ctx context.Context, client ctrlruntimeclient.Client, spec *Spec, dnsName, mountName string) error {
	if err := ensureStorageClass(ctx, client, spec.storageClassName(), existingStorageClassReconciler()); err != nil {
		return err
	}

	if err := ensurePersistentVolume(ctx, client, spec.persistentVolumeName(), persistentVolumeForFilesystem(spec, dnsName, mountName, spec.capacity())); err != nil {
		return err
	}

	return ensurePersistentVolumeClaim(ctx, client, spec.claimName(), spec.Namespace, claimReconciler(spec, spec.persistentVolumeName(), spec.capacity()))
}

// describeFilesystem verifies the filesystem is a Lustre filesystem in
// AVAILABLE state and returns its DNS and mount names.
func (r *Reconciler) describeFilesystem(ctx context.Context, spec *Spec) (string, string, error) {
	var fs fsxtypes.FileSystem

	err := reconciling.Retry(ctx, func(ctx context.Context) error {
		out, err := r.fsx.DescribeFileSystems(ctx, &fsx.DescribeFileSystemsInput{
			FileSystemIds: []string{spec.FileSystemID},
		})
		if err != nil {
			if awsprovider.IsErrorCode(err, "FileSystemNotFound") {
				return reconciling.Permanent(fmt.Errorf("filesystem %s does not exist", spec.FileSystemID))
			}

			return awsprovider.TransientIfThrottled(err)
		}
		if len(out.FileSystems) == 0 {
			return reconciling.Permanent(fmt.Errorf("filesystem %s does not exist", spec.FileSystemID))
		}

		fs = out.FileSystems[0]

		return nil
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to describe filesystem: %w", err)
	}

	if fs.FileSystemType != fsxtypes.FileSystemTypeLustre {
		return "", "", reconciling.Permanent(fmt.Errorf("filesystem %s is of type %s, expected LUSTRE", spec.FileSystemID, fs.FileSystemType))
	}
	if fs.Lifecycle != fsxtypes.FileSystemLifecycleAvailable {
		return "", "", reconciling.Permanent(fmt.Errorf("filesystem %s is in state %s, expected AVAILABLE", spec.FileSystemID, fs.Lifecycle))
	}
	if fs.LustreConfiguration == nil {
		return "", "", reconciling.Permanent(fmt.Errorf("filesystem %s has no Lustre configuration", spec.FileSystemID))
	}

	return aws.ToString(fs.DNSName), aws.ToString(fs.LustreConfiguration.MountName), nil
}
