// Package kube adapts a Kubernetes API server to the collaborator
// interfaces the feed engine consumes: descriptor lookup and
// inventory walking over the dynamic client, pod enumeration,
// generation listing, and follow-mode container log streaming over
// the typed clientset.
package kube
