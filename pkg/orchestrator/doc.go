// Package orchestrator drives one realtime conversation against a tool
// bridge. It answers every tool call the model makes, handles barge-in when
// the user starts speaking over playback, and keeps conversation stats.
package orchestrator
