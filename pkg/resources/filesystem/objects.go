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

package filesystem

import (
	"context"
	"fmt"
	"strings"

	k8creconciling "k8c.io/reconciler/pkg/reconciling"

	corev1 "k8s.io/api/core/v1"
	storagev1 "k8s.io/api/storage/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/types"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"
)

const csiDriverName = "fsx.csi.aws.com"

// k8c.io/reconciler has no generated factories for storage objects, so the
// wrappers live here, following the same shape as the generated ones.

type storageClassReconciler func(existing *storagev1.StorageClass) (*storagev1.StorageClass, error)

type persistentVolumeReconciler func(existing *corev1.PersistentVolume) (*corev1.PersistentVolume, error)

type persistentVolumeClaimReconciler func(existing *corev1.PersistentVolumeClaim) (*corev1.PersistentVolumeClaim, error)

func ensureStorageClass(ctx context.Context, client ctrlruntimeclient.Client, name string, reconciler storageClassReconciler) error {
	wrapped := func(existing ctrlruntimeclient.Object) (ctrlruntimeclient.Object, error) {
		if existing != nil {
			return reconciler(existing.(*storagev1.StorageClass))
		}

		return reconciler(&storagev1.StorageClass{})
	}

	if err := k8creconciling.EnsureNamedObject(ctx, types.NamespacedName{Name: name}, wrapped, client, &storagev1.StorageClass{}, false); err != nil {
		return fmt.Errorf("failed to ensure StorageClass %s: %w", name, err)
	}

	return nil
}

func ensurePersistentVolume(ctx context.Context, client ctrlruntimeclient.Client, name string, reconciler persistentVolumeReconciler) error {
	wrapped := func(existing ctrlruntimeclient.Object) (ctrlruntimeclient.Object, error) {
		if existing != nil {
			return reconciler(existing.(*corev1.PersistentVolume))
		}

		return reconciler(&corev1.PersistentVolume{})
	}

	if err := k8creconciling.EnsureNamedObject(ctx, types.NamespacedName{Name: name}, wrapped, client, &corev1.PersistentVolume{}, false); err != nil {
		return fmt.Errorf("failed to ensure PersistentVolume %s: %w", name, err)
	}

	return nil
}

func ensurePersistentVolumeClaim(ctx context.Context, client ctrlruntimeclient.Client, name, namespace string, reconciler persistentVolumeClaimReconciler) error {
	wrapped := func(existing ctrlruntimeclient.Object) (ctrlruntimeclient.Object, error) {
		if existing != nil {
			return reconciler(existing.(*corev1.PersistentVolumeClaim))
		}

		return reconciler(&corev1.PersistentVolumeClaim{})
	}

	if err := k8creconciling.EnsureNamedObject(ctx, types.NamespacedName{Name: name, Namespace: namespace}, wrapped, client, &corev1.PersistentVolumeClaim{}, false); err != nil {
		return fmt.Errorf("failed to ensure PersistentVolumeClaim %s: %w", name, err)
	}

	return nil
}

func dynamicStorageClassReconciler(spec *Spec) storageClassReconciler {
	return func(sc *storagev1.StorageClass) (*storagev1.StorageClass, error) {
		sc.Provisioner = csiDriverName
		sc.Parameters = map[string]string{
			"subnetId":                     spec.SubnetID,
			"securityGroupIds":             strings.Join(spec.SecurityGroupIDs, ","),
			"deploymentType":               spec.DeploymentType,
			"automaticBackupRetentionDays": "0",
			"copyTagsToBackups":            "true",
			"perUnitStorageThroughput":     fmt.Sprintf("%d", spec.PerUnitStorageThroughput),
			"dataCompressionType":          spec.DataCompressionType,
			"fileSystemTypeVersion":        spec.FileSystemTypeVersion,
		}
		sc.MountOptions = []string{"flock"}

		return sc, nil
	}
}

func existingStorageClassReconciler() storageClassReconciler {
	return func(sc *storagev1.StorageClass) (*storagev1.StorageClass, error) {
		sc.Provisioner = csiDriverName
		sc.MountOptions = []string{"flock"}

		return sc, nil
	}
}

func persistentVolumeForFilesystem(spec *Spec, dnsName, mountName, capacity string) persistentVolumeReconciler {
	return func(pv *corev1.PersistentVolume) (*corev1.PersistentVolume, error) {
		pv.Spec.Capacity = corev1.ResourceList{
			corev1.ResourceStorage: resource.MustParse(capacity),
		}
		pv.Spec.AccessModes = []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany}
		pv.Spec.PersistentVolumeReclaimPolicy = corev1.PersistentVolumeReclaimRetain
		pv.Spec.StorageClassName = spec.storageClassName()
		pv.Spec.MountOptions = []string{"flock"}
		pv.Spec.PersistentVolumeSource = corev1.PersistentVolumeSource{
			CSI: &corev1.CSIPersistentVolumeSource{
				Driver:       csiDriverName,
				VolumeHandle: spec.FileSystemID,
				VolumeAttributes: map[string]string{
					"dnsname":   dnsName,
					"mountname": mountName,
				},
			},
		}

		return pv, nil
	}
}

func claimReconciler(spec *Spec, volumeName, capacity string) persistentVolumeClaimReconciler {
	return func(pvc *corev1.PersistentVolumeClaim) (*corev1.PersistentVolumeClaim, error) {
		storageClassName := spec.storageClassName()
		pvc.Spec.AccessModes = []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany}
		pvc.Spec.StorageClassName = &storageClassName
		pvc.Spec.Resources = corev1.VolumeResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceStorage: resource.MustParse(capacity),
			},
		}
		if volumeName != "" {
			pvc.Spec.VolumeName = volumeName
		}

		return pvc, nil
	}
}
