// Package gateway serves the monitor endpoints: health, Prometheus metrics,
// provider status, the tool catalog and a WebSocket feed of conversation
// events.
package gateway
