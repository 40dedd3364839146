// Package realtime is a client for OpenAI-Realtime-style duplex conversation
// endpoints.
//
// A Session owns one WebSocket connection. Inbound frames are decoded into a
// closed set of Event values delivered on Events; outbound operations are
// fire-and-forget sends serialized on a single writer. There is no automatic
// reconnect: a dropped connection ends the event stream and a new Connect
// starts a fresh one.
package realtime
