package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
)

// Kind classifies a Target by the workload flavor of its pods.
type Kind string

const (
	// KindWorkload marks targets backed by a long-running workload
	// (a Deployment generation).
	KindWorkload Kind = "workload"
	// KindJob marks targets backed by a run-to-completion Job.
	KindJob Kind = "job"
)

// revisionAnnotation orders Deployment child generations.
const revisionAnnotation = "deployment.kubernetes.io/revision"

// jobNameLabel is the label the job controller stamps on the pods it
// creates.
const jobNameLabel = "job-name"

// Target identifies one version-scoped group of pods to tail. The ID
// is derived from the underlying resource generation (a ReplicaSet or
// a Job), not the logical release, so it stays stable across
// resolution cycles until that generation is superseded.
type Target struct {
	ID        string
	Namespace string
	Selector  labels.Selector
	Kind      Kind

	// Container, when non-empty, restricts tailing to the named
	// container instead of every container in the pod.
	Container string
}

// DescriptorRef names one deployment descriptor associated with a
// release.
type DescriptorRef struct {
	Namespace string
	Name      string
}

// Resource is one entry of a descriptor's managed-resource inventory.
type Resource struct {
	Group     string
	Kind      string
	Namespace string
	Name      string
}

// ClusterState is the read-only cluster access the resolver needs.
type ClusterState interface {
	DescriptorsForRelease(
		ctx context.Context, releaseID string,
	) ([]DescriptorRef, error)
	ManagedResources(
		ctx context.Context, ref DescriptorRef,
	) ([]Resource, error)
	ReplicaSetsForWorkload(
		ctx context.Context, namespace, name string,
	) ([]appsv1.ReplicaSet, error)
	JobByName(
		ctx context.Context, namespace, name string,
	) (*batchv1.Job, error)
}

// ReleaseMetadata resolves a release's currently wanted revision
// token. The token encoding is caller-defined; the resolver only ever
// uses it for containment matching.
type ReleaseMetadata interface {
	WantedRevision(
		ctx context.Context, releaseID string,
	) (string, error)
}

// Resolver walks release metadata and cluster state to produce
// Targets.
type Resolver struct {
	Cluster ClusterState
	Meta    ReleaseMetadata
	Log     *slog.Logger
}

func (r *Resolver) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}

	return slog.Default()
}

// Resolve returns the Targets currently belonging to releaseID.
// Resolution is independent per descriptor: a descriptor that fails to
// resolve is logged and skipped, and the remaining descriptors still
// contribute their targets. Only a failure to list the descriptors
// themselves aborts the whole resolution.
func (r *Resolver) Resolve(
	ctx context.Context, releaseID string,
) ([]Target, error) {
	const errCtx = "resolving targets"

	descriptors, err := r.Cluster.DescriptorsForRelease(
		ctx, releaseID,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: listing descriptors for %q: %w",
			errCtx, releaseID, err,
		)
	}

	revision, err := r.Meta.WantedRevision(ctx, releaseID)
	if err != nil {
		// Without a token the generation filter falls back to
		// the newest generation per workload.
		r.logger().Warn(
			"wanted revision unavailable",
			"release", releaseID,
			"error", err,
		)

		revision = ""
	}

	var targets []Target

	for _, ref := range descriptors {
		resolved, err := r.resolveDescriptor(ctx, ref, revision)
		if err != nil {
			r.logger().Warn(
				"skipping descriptor",
				"descriptor", ref.Namespace+"/"+ref.Name,
				"error", err,
			)

			continue
		}

		targets = append(targets, resolved...)
	}

	return targets, nil
}

// resolveDescriptor maps one descriptor's managed-resource inventory
// to targets. Individual resources that fail to resolve are skipped.
func (r *Resolver) resolveDescriptor(
	ctx context.Context,
	ref DescriptorRef,
	revision string,
) ([]Target, error) {
	resources, err := r.Cluster.ManagedResources(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf(
			"listing managed resources: %w", err,
		)
	}

	var targets []Target

	for _, res := range resources {
		var (
			target *Target
			err    error
		)

		switch {
		case isWorkload(res):
			target, err = r.workloadTarget(ctx, res, revision)
		case isJob(res):
			target, err = r.jobTarget(ctx, res)
		default:
			continue
		}

		if err != nil {
			r.logger().Warn(
				"skipping resource",
				"kind", res.Kind,
				"resource", res.Namespace+"/"+res.Name,
				"error", err,
			)

			continue
		}

		if target != nil {
			targets = append(targets, *target)
		}
	}

	return targets, nil
}

func isWorkload(res Resource) bool {
	return res.Kind == "Deployment" && res.Group == "apps"
}

func isJob(res Resource) bool {
	return res.Kind == "Job" && res.Group == "batch"
}

// workloadTarget narrows a workload to the single child generation
// matching the wanted revision and returns a target scoped to that
// generation's own pod selector. Returns nil with no error when
// nothing is deployed yet or no generation matches the token.
func (r *Resolver) workloadTarget(
	ctx context.Context,
	res Resource,
	revision string,
) (*Target, error) {
	sets, err := r.Cluster.ReplicaSetsForWorkload(
		ctx, res.Namespace, res.Name,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"listing generations of %s: %w", res.Name, err,
		)
	}

	chosen := pickGeneration(sets, revision)
	if chosen == nil {
		return nil, nil
	}

	selector, err := metav1.LabelSelectorAsSelector(
		chosen.Spec.Selector,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"selector of %s: %w", chosen.Name, err,
		)
	}

	return &Target{
		ID:        res.Namespace + "/" + chosen.Name,
		Namespace: res.Namespace,
		Selector:  selector,
		Kind:      KindWorkload,
	}, nil
}

// jobTarget resolves a job's pods from the label the job controller
// stamps with the job's generated name.
func (r *Resolver) jobTarget(
	ctx context.Context, res Resource,
) (*Target, error) {
	job, err := r.Cluster.JobByName(
		ctx, res.Namespace, res.Name,
	)
	if err != nil {
		return nil, fmt.Errorf(
			"fetching job %s: %w", res.Name, err,
		)
	}

	selector := labels.SelectorFromSet(
		labels.Set{jobNameLabel: job.Name},
	)

	return &Target{
		ID:        res.Namespace + "/" + job.Name,
		Namespace: res.Namespace,
		Selector:  selector,
		Kind:      KindJob,
	}, nil
}

// pickGeneration chooses the generation matching the wanted revision
// token. The match is a permissive substring check across labels,
// annotations, and container image references, since revision encoding
// is caller-defined. An empty token falls back to the newest
// generation; a token that matches nothing yields no generation.
func pickGeneration(
	sets []appsv1.ReplicaSet, revision string,
) *appsv1.ReplicaSet {
	if revision == "" {
		return newestGeneration(sets)
	}

	for i := range sets {
		if generationMatches(&sets[i], revision) {
			return &sets[i]
		}
	}

	return nil
}

func generationMatches(
	rs *appsv1.ReplicaSet, revision string,
) bool {
	for _, v := range rs.Labels {
		if strings.Contains(v, revision) {
			return true
		}
	}

	for _, v := range rs.Annotations {
		if strings.Contains(v, revision) {
			return true
		}
	}

	spec := rs.Spec.Template.Spec

	containers := make(
		[]string, 0,
		len(spec.Containers)+len(spec.InitContainers),
	)
	for _, c := range spec.Containers {
		containers = append(containers, c.Image)
	}

	for _, c := range spec.InitContainers {
		containers = append(containers, c.Image)
	}

	for _, image := range containers {
		if strings.Contains(image, revision) {
			return true
		}
	}

	return false
}

// newestGeneration orders by the deployment controller's revision
// annotation, falling back to creation time when the annotation is
// absent or malformed.
func newestGeneration(
	sets []appsv1.ReplicaSet,
) *appsv1.ReplicaSet {
	if len(sets) == 0 {
		return nil
	}

	ordered := make([]*appsv1.ReplicaSet, 0, len(sets))
	for i := range sets {
		ordered = append(ordered, &sets[i])
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		ri, iOK := generationRevision(ordered[i])
		rj, jOK := generationRevision(ordered[j])

		if iOK && jOK && ri != rj {
			return ri > rj
		}

		return ordered[j].CreationTimestamp.Before(
			&ordered[i].CreationTimestamp,
		)
	})

	return ordered[0]
}

func generationRevision(
	rs *appsv1.ReplicaSet,
) (int64, bool) {
	raw, ok := rs.Annotations[revisionAnnotation]
	if !ok {
		return 0, false
	}

	rev, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}

	return rev, true
}
