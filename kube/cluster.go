package kube

import (
	"context"
	"fmt"
	"io"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"

	"github.com/byte4ever/logfeed/feed/resolve"
	"github.com/byte4ever/logfeed/feed/tail"
)

// Options configure how the adapter locates descriptor resources.
type Options struct {
	// Descriptor is the custom resource backing deployment
	// descriptors.
	Descriptor schema.GroupVersionResource

	// ReleaseLabel is the label on descriptors carrying the release
	// identifier.
	ReleaseLabel string

	// RevisionField is the dotted status field holding the wanted
	// revision token.
	RevisionField []string
}

// DefaultOptions target Flux-style Kustomization descriptors.
func DefaultOptions() Options {
	return Options{
		Descriptor: schema.GroupVersionResource{
			Group:    "kustomize.toolkit.fluxcd.io",
			Version:  "v1",
			Resource: "kustomizations",
		},
		ReleaseLabel:  "app.kubernetes.io/instance",
		RevisionField: []string{"status", "lastAppliedRevision"},
	}
}

// Cluster implements the resolver, enumerator, and streamer
// collaborators against a live API server.
type Cluster struct {
	client  kubernetes.Interface
	dynamic dynamic.Interface
	opts    Options
}

// New wires the adapter. Zero-value fields of opts fall back to
// DefaultOptions.
func New(
	client kubernetes.Interface,
	dyn dynamic.Interface,
	opts Options,
) *Cluster {
	def := DefaultOptions()

	if opts.Descriptor.Resource == "" {
		opts.Descriptor = def.Descriptor
	}

	if opts.ReleaseLabel == "" {
		opts.ReleaseLabel = def.ReleaseLabel
	}

	if len(opts.RevisionField) == 0 {
		opts.RevisionField = def.RevisionField
	}

	return &Cluster{
		client:  client,
		dynamic: dyn,
		opts:    opts,
	}
}

// DescriptorsForRelease lists descriptor resources labeled with the
// release identifier.
func (c *Cluster) DescriptorsForRelease(
	ctx context.Context, releaseID string,
) ([]resolve.DescriptorRef, error) {
	const errCtx = "listing descriptors"

	list, err := c.dynamic.
		Resource(c.opts.Descriptor).
		List(ctx, metav1.ListOptions{
			LabelSelector: c.opts.ReleaseLabel +
				"=" + releaseID,
		})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	refs := make([]resolve.DescriptorRef, 0, len(list.Items))
	for _, item := range list.Items {
		refs = append(refs, resolve.DescriptorRef{
			Namespace: item.GetNamespace(),
			Name:      item.GetName(),
		})
	}

	return refs, nil
}

// ManagedResources reads a descriptor's recorded inventory. Entries
// use the "namespace_name_group_kind" identifier format; malformed
// entries are skipped.
func (c *Cluster) ManagedResources(
	ctx context.Context, ref resolve.DescriptorRef,
) ([]resolve.Resource, error) {
	const errCtx = "reading descriptor inventory"

	obj, err := c.dynamic.
		Resource(c.opts.Descriptor).
		Namespace(ref.Namespace).
		Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf(
			"%s: fetching %s/%s: %w",
			errCtx, ref.Namespace, ref.Name, err,
		)
	}

	entries, found, err := unstructured.NestedSlice(
		obj.Object, "status", "inventory", "entries",
	)
	if err != nil {
		return nil, fmt.Errorf(
			"%s: inventory of %s/%s: %w",
			errCtx, ref.Namespace, ref.Name, err,
		)
	}

	if !found {
		return nil, nil
	}

	resources := make([]resolve.Resource, 0, len(entries))

	for _, entry := range entries {
		fields, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}

		id, ok := fields["id"].(string)
		if !ok {
			continue
		}

		res, ok := parseInventoryID(id)
		if !ok {
			continue
		}

		resources = append(resources, res)
	}

	return resources, nil
}

// WantedRevision returns the revision token of the first descriptor
// of the release exposing one.
func (c *Cluster) WantedRevision(
	ctx context.Context, releaseID string,
) (string, error) {
	const errCtx = "reading wanted revision"

	list, err := c.dynamic.
		Resource(c.opts.Descriptor).
		List(ctx, metav1.ListOptions{
			LabelSelector: c.opts.ReleaseLabel +
				"=" + releaseID,
		})
	if err != nil {
		return "", fmt.Errorf("%s: %w", errCtx, err)
	}

	for _, item := range list.Items {
		revision, found, err := unstructured.NestedString(
			item.Object, c.opts.RevisionField...,
		)
		if err == nil && found && revision != "" {
			return revision, nil
		}
	}

	return "", fmt.Errorf(
		"%s: no descriptor of %q exposes one",
		errCtx, releaseID,
	)
}

// ReplicaSetsForWorkload lists the child generations of a Deployment.
func (c *Cluster) ReplicaSetsForWorkload(
	ctx context.Context, namespace, name string,
) ([]appsv1.ReplicaSet, error) {
	const errCtx = "listing workload generations"

	list, err := c.client.AppsV1().
		ReplicaSets(namespace).
		List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	var sets []appsv1.ReplicaSet

	for _, rs := range list.Items {
		for _, owner := range rs.OwnerReferences {
			if owner.Kind == "Deployment" &&
				owner.Name == name {
				sets = append(sets, rs)

				break
			}
		}
	}

	return sets, nil
}

// JobByName fetches one Job.
func (c *Cluster) JobByName(
	ctx context.Context, namespace, name string,
) (*batchv1.Job, error) {
	const errCtx = "fetching job"

	job, err := c.client.BatchV1().
		Jobs(namespace).
		Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	return job, nil
}

// GetPods lists the pods matching selector in namespace.
func (c *Cluster) GetPods(
	ctx context.Context,
	namespace string,
	selector labels.Selector,
) ([]corev1.Pod, error) {
	const errCtx = "listing pods"

	list, err := c.client.CoreV1().
		Pods(namespace).
		List(ctx, metav1.ListOptions{
			LabelSelector: selector.String(),
		})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	return list.Items, nil
}

// StreamContainerLogs opens a follow-mode log read for one container.
func (c *Cluster) StreamContainerLogs(
	ctx context.Context,
	namespace, pod, container string,
	opts tail.Options,
) (io.ReadCloser, error) {
	const errCtx = "opening log stream"

	logOpts := &corev1.PodLogOptions{
		Container:  container,
		Follow:     opts.Follow,
		Timestamps: opts.Timestamps,
	}

	if opts.SinceTime != nil {
		since := metav1.NewTime(*opts.SinceTime)
		logOpts.SinceTime = &since
	}

	if opts.TailLines != nil {
		lines := *opts.TailLines
		logOpts.TailLines = &lines
	}

	stream, err := c.client.CoreV1().
		Pods(namespace).
		GetLogs(pod, logOpts).
		Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf(
			"%s for %s/%s: %w",
			errCtx, pod, container, err,
		)
	}

	return stream, nil
}

// parseInventoryID splits a "namespace_name_group_kind" inventory
// identifier. Kubernetes names and groups cannot contain underscores,
// so a plain split is unambiguous; cluster-scoped entries carry an
// empty namespace segment.
func parseInventoryID(id string) (resolve.Resource, bool) {
	const segments = 4

	parts := strings.Split(id, "_")
	if len(parts) != segments {
		return resolve.Resource{}, false
	}

	return resolve.Resource{
		Namespace: parts[0],
		Name:      parts[1],
		Group:     parts[2],
		Kind:      parts[3],
	}, true
}
