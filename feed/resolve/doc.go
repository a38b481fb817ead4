// Package resolve maps a logical release to the set of version-scoped
// pod groups (Targets) whose logs are worth tailing. It walks from the
// release to its deployment descriptors, then to each descriptor's
// recorded inventory of managed resources, keeping workload and job
// kinds. Workloads are narrowed to the child generation matching the
// release's wanted revision token so pods from superseded generations
// are excluded.
package resolve
