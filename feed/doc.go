// Package feed aggregates the log output of every workload belonging
// to one release into a single bounded event channel.
//
// A Feed periodically re-resolves the release into version-scoped
// Targets and keeps one Supervisor per Target. Each Supervisor
// reconciles its set of container tailers against live pod
// enumeration on its own timer. All tailers share one bounded sink;
// pushing into a full sink drops the event rather than stalling a
// tailer, trading completeness of any one stream for liveness of the
// whole pipeline.
package feed
