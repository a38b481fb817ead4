package feed

// EventType names the kinds of events carried on the feed channel.
type EventType string

const (
	// EventLog carries one parsed log line.
	EventLog EventType = "log"
	// EventPods carries a snapshot of the aggregate pod roster.
	EventPods EventType = "pods"
	// EventPing is a keepalive with no payload semantics.
	EventPing EventType = "ping"
)

// PodInfo is one entry of the aggregate pod roster.
type PodInfo struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Type      string `json:"type"`
}

// LogEvent is one parsed log line from one container. Immutable once
// constructed. Ordering is guaranteed only among events sharing the
// same pod and container.
type LogEvent struct {
	Pod             string `json:"pod"`
	Container       string `json:"container"`
	SourceType      string `json:"sourceType"`
	Text            string `json:"text"`
	TimestampMillis int64  `json:"timestampMillis"`
}

// Event is the tagged union delivered to the consumer. Exactly the
// field matching Type is populated.
type Event struct {
	Type EventType
	Log  *LogEvent
	Pods []PodInfo
}
