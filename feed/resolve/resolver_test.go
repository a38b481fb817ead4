package resolve_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/byte4ever/logfeed/feed/resolve"
)

type fakeCluster struct {
	descriptors    []resolve.DescriptorRef
	descriptorsErr error
	resources      map[resolve.DescriptorRef][]resolve.Resource
	resourcesErr   map[resolve.DescriptorRef]error
	replicaSets    map[string][]appsv1.ReplicaSet
	jobs           map[string]*batchv1.Job
}

func (f *fakeCluster) DescriptorsForRelease(
	_ context.Context, _ string,
) ([]resolve.DescriptorRef, error) {
	return f.descriptors, f.descriptorsErr
}

func (f *fakeCluster) ManagedResources(
	_ context.Context, ref resolve.DescriptorRef,
) ([]resolve.Resource, error) {
	if err := f.resourcesErr[ref]; err != nil {
		return nil, err
	}

	return f.resources[ref], nil
}

func (f *fakeCluster) ReplicaSetsForWorkload(
	_ context.Context, namespace, name string,
) ([]appsv1.ReplicaSet, error) {
	return f.replicaSets[namespace+"/"+name], nil
}

func (f *fakeCluster) JobByName(
	_ context.Context, namespace, name string,
) (*batchv1.Job, error) {
	job, ok := f.jobs[namespace+"/"+name]
	if !ok {
		return nil, errors.New("job not found")
	}

	return job, nil
}

type fakeMeta struct {
	revision string
	err      error
}

func (f *fakeMeta) WantedRevision(
	_ context.Context, _ string,
) (string, error) {
	return f.revision, f.err
}

func makeReplicaSet(
	name, hash, revision, image string,
) appsv1.ReplicaSet {
	return appsv1.ReplicaSet{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "prod",
			Labels: map[string]string{
				"app":               "web",
				"pod-template-hash": hash,
			},
			Annotations: map[string]string{
				"deployment.kubernetes.io/revision": revision,
			},
		},
		Spec: appsv1.ReplicaSetSpec{
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{
					"app":               "web",
					"pod-template-hash": hash,
				},
			},
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{Name: "app", Image: image},
					},
				},
			},
		},
	}
}

func singleDescriptor(
	resources ...resolve.Resource,
) *fakeCluster {
	ref := resolve.DescriptorRef{
		Namespace: "prod", Name: "web",
	}

	return &fakeCluster{
		descriptors: []resolve.DescriptorRef{ref},
		resources: map[resolve.DescriptorRef][]resolve.Resource{
			ref: resources,
		},
	}
}

func TestResolve_workloadNarrowsToMatchingGeneration(
	t *testing.T,
) {
	t.Parallel()

	cluster := singleDescriptor(resolve.Resource{
		Group:     "apps",
		Kind:      "Deployment",
		Namespace: "prod",
		Name:      "web",
	})
	cluster.replicaSets = map[string][]appsv1.ReplicaSet{
		"prod/web": {
			makeReplicaSet(
				"web-old", "aaa111", "1",
				"registry/web:sha-1f2e3d",
			),
			makeReplicaSet(
				"web-new", "bbb222", "2",
				"registry/web:sha-9c8b7a",
			),
		},
	}

	resolver := &resolve.Resolver{
		Cluster: cluster,
		Meta:    &fakeMeta{revision: "sha-9c8b7a"},
	}

	targets, err := resolver.Resolve(
		context.Background(), "demo",
	)
	require.NoError(t, err)
	require.Len(t, targets, 1)

	target := targets[0]
	assert.Equal(t, "prod/web-new", target.ID)
	assert.Equal(t, "prod", target.Namespace)
	assert.Equal(t, resolve.KindWorkload, target.Kind)

	// The selector is scoped to the chosen generation, excluding
	// pods of the superseded one.
	assert.Equal(
		t,
		"app=web,pod-template-hash=bbb222",
		target.Selector.String(),
	)
}

func TestResolve_revisionMatchLocations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*appsv1.ReplicaSet)
	}{
		{
			name: "label value",
			mutate: func(rs *appsv1.ReplicaSet) {
				rs.Labels["revision"] = "build-42xyz"
			},
		},
		{
			name: "annotation value",
			mutate: func(rs *appsv1.ReplicaSet) {
				rs.Annotations["deployed"] = "rev build-42xyz"
			},
		},
		{
			name: "container image",
			mutate: func(rs *appsv1.ReplicaSet) {
				rs.Spec.Template.Spec.Containers[0].Image =
					"registry/web:build-42xyz"
			},
		},
		{
			name: "init container image",
			mutate: func(rs *appsv1.ReplicaSet) {
				rs.Spec.Template.Spec.InitContainers =
					[]corev1.Container{{
						Name:  "init",
						Image: "registry/init:build-42xyz",
					}}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			matching := makeReplicaSet(
				"web-new", "bbb222", "2", "registry/web:plain",
			)
			tc.mutate(&matching)

			cluster := singleDescriptor(resolve.Resource{
				Group:     "apps",
				Kind:      "Deployment",
				Namespace: "prod",
				Name:      "web",
			})
			cluster.replicaSets = map[string][]appsv1.ReplicaSet{
				"prod/web": {
					makeReplicaSet(
						"web-old", "aaa111", "1",
						"registry/web:other",
					),
					matching,
				},
			}

			resolver := &resolve.Resolver{
				Cluster: cluster,
				Meta:    &fakeMeta{revision: "build-42xyz"},
			}

			targets, err := resolver.Resolve(
				context.Background(), "demo",
			)
			require.NoError(t, err)
			require.Len(t, targets, 1)
			assert.Equal(t, "prod/web-new", targets[0].ID)
		})
	}
}

func TestResolve_emptyRevisionFallsBackToNewest(
	t *testing.T,
) {
	t.Parallel()

	cluster := singleDescriptor(resolve.Resource{
		Group:     "apps",
		Kind:      "Deployment",
		Namespace: "prod",
		Name:      "web",
	})
	cluster.replicaSets = map[string][]appsv1.ReplicaSet{
		"prod/web": {
			makeReplicaSet(
				"web-old", "aaa111", "3", "registry/web:x",
			),
			makeReplicaSet(
				"web-new", "bbb222", "7", "registry/web:y",
			),
		},
	}

	resolver := &resolve.Resolver{
		Cluster: cluster,
		Meta:    &fakeMeta{err: errors.New("not recorded")},
	}

	targets, err := resolver.Resolve(
		context.Background(), "demo",
	)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "prod/web-new", targets[0].ID)
}

func TestResolve_unmatchedRevisionYieldsNoTarget(
	t *testing.T,
) {
	t.Parallel()

	cluster := singleDescriptor(resolve.Resource{
		Group:     "apps",
		Kind:      "Deployment",
		Namespace: "prod",
		Name:      "web",
	})
	cluster.replicaSets = map[string][]appsv1.ReplicaSet{
		"prod/web": {
			makeReplicaSet(
				"web-old", "aaa111", "1", "registry/web:x",
			),
		},
	}

	resolver := &resolve.Resolver{
		Cluster: cluster,
		Meta:    &fakeMeta{revision: "never-deployed"},
	}

	targets, err := resolver.Resolve(
		context.Background(), "demo",
	)
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestResolve_jobSelectorFromGeneratedName(t *testing.T) {
	t.Parallel()

	cluster := singleDescriptor(resolve.Resource{
		Group:     "batch",
		Kind:      "Job",
		Namespace: "prod",
		Name:      "backfill-29013",
	})
	cluster.jobs = map[string]*batchv1.Job{
		"prod/backfill-29013": {
			ObjectMeta: metav1.ObjectMeta{
				Name:      "backfill-29013",
				Namespace: "prod",
			},
		},
	}

	resolver := &resolve.Resolver{
		Cluster: cluster,
		Meta:    &fakeMeta{revision: "whatever"},
	}

	targets, err := resolver.Resolve(
		context.Background(), "demo",
	)
	require.NoError(t, err)
	require.Len(t, targets, 1)

	target := targets[0]
	assert.Equal(t, "prod/backfill-29013", target.ID)
	assert.Equal(t, resolve.KindJob, target.Kind)
	assert.Equal(
		t,
		"job-name=backfill-29013",
		target.Selector.String(),
	)
}

func TestResolve_descriptorFailureIsPartial(t *testing.T) {
	t.Parallel()

	broken := resolve.DescriptorRef{
		Namespace: "prod", Name: "broken",
	}
	healthy := resolve.DescriptorRef{
		Namespace: "prod", Name: "healthy",
	}

	cluster := &fakeCluster{
		descriptors: []resolve.DescriptorRef{
			broken, healthy,
		},
		resources: map[resolve.DescriptorRef][]resolve.Resource{
			healthy: {{
				Group:     "batch",
				Kind:      "Job",
				Namespace: "prod",
				Name:      "backfill",
			}},
		},
		resourcesErr: map[resolve.DescriptorRef]error{
			broken: errors.New("inventory unavailable"),
		},
		jobs: map[string]*batchv1.Job{
			"prod/backfill": {
				ObjectMeta: metav1.ObjectMeta{
					Name:      "backfill",
					Namespace: "prod",
				},
			},
		},
	}

	resolver := &resolve.Resolver{
		Cluster: cluster,
		Meta:    &fakeMeta{revision: "r1"},
	}

	// One descriptor failing must not hide the other's targets.
	targets, err := resolver.Resolve(
		context.Background(), "demo",
	)
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "prod/backfill", targets[0].ID)
}

func TestResolve_descriptorListingFailureAborts(
	t *testing.T,
) {
	t.Parallel()

	cluster := &fakeCluster{
		descriptorsErr: errors.New("api unavailable"),
	}

	resolver := &resolve.Resolver{
		Cluster: cluster,
		Meta:    &fakeMeta{revision: "r1"},
	}

	_, err := resolver.Resolve(context.Background(), "demo")
	require.Error(t, err)
}

func TestResolve_irrelevantKindsAreSkipped(t *testing.T) {
	t.Parallel()

	cluster := singleDescriptor(
		resolve.Resource{
			Group: "", Kind: "ConfigMap",
			Namespace: "prod", Name: "settings",
		},
		resolve.Resource{
			Group: "", Kind: "Service",
			Namespace: "prod", Name: "web",
		},
	)

	resolver := &resolve.Resolver{
		Cluster: cluster,
		Meta:    &fakeMeta{revision: "r1"},
	}

	targets, err := resolver.Resolve(
		context.Background(), "demo",
	)
	require.NoError(t, err)
	assert.Empty(t, targets)
}
