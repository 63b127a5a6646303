// Package monitoring provides Prometheus metrics for the broker: fleet
// size, in-flight calls, per-method call durations, websocket message
// counters, and the HTTP middleware that instruments the caller-facing
// API.
package monitoring
