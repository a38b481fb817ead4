package feed

import (
	"sort"
	"sync"
)

// Roster is the release-wide aggregate view of the pods currently
// known to the feed. Entries are tracked per target so a removed
// target's pods drop out of subsequent snapshots.
type Roster struct {
	mu      sync.Mutex
	targets map[string]map[string]PodInfo
}

// NewRoster returns an empty roster.
func NewRoster() *Roster {
	return &Roster{
		targets: make(map[string]map[string]PodInfo),
	}
}

// SetTargetPods replaces the pods attributed to targetID.
func (r *Roster) SetTargetPods(
	targetID string, pods []PodInfo,
) {
	entries := make(map[string]PodInfo, len(pods))
	for _, pod := range pods {
		entries[pod.Namespace+"/"+pod.Name] = pod
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.targets[targetID] = entries
}

// DropTarget removes every pod attributed to targetID.
func (r *Roster) DropTarget(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.targets, targetID)
}

// Snapshot returns the current roster deduplicated across targets and
// sorted by namespace then name.
func (r *Roster) Snapshot() []PodInfo {
	r.mu.Lock()

	merged := make(map[string]PodInfo)
	for _, entries := range r.targets {
		for key, pod := range entries {
			merged[key] = pod
		}
	}

	r.mu.Unlock()

	pods := make([]PodInfo, 0, len(merged))
	for _, pod := range merged {
		pods = append(pods, pod)
	}

	sort.Slice(pods, func(i, j int) bool {
		if pods[i].Namespace != pods[j].Namespace {
			return pods[i].Namespace < pods[j].Namespace
		}

		return pods[i].Name < pods[j].Name
	})

	return pods
}
