// Package server adapts the feed engine to a long-lived server-push
// subscription over HTTP. Each request starts its own feed and
// receives named events: "pods" (JSON roster snapshot), "log" (JSON
// log event), and "ping" (keepalive). A plain-text mode renders lines
// through a configurable template instead.
package server
