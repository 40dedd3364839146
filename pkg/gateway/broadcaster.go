package gateway

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/harun/parla/pkg/orchestrator"
	"github.com/rs/zerolog"
)

// EventBroadcaster fans events out to every /events subscriber
type EventBroadcaster struct {
	clients *ClientRegistry
	logger  zerolog.Logger
	seq     uint64
}

// NewEventBroadcaster creates a new event broadcaster
func NewEventBroadcaster(clients *ClientRegistry, logger zerolog.Logger) *EventBroadcaster {
	return &EventBroadcaster{
		clients: clients,
		logger:  logger,
	}
}

func streamOf(event string) StreamType {
	switch event {
	case orchestrator.EventToolCall, orchestrator.EventToolResult:
		return StreamTypeTool
	case orchestrator.EventConnected, orchestrator.EventDisconnected, eventTick, eventShutdown:
		return StreamTypeLifecycle
	default:
		return StreamTypeConversation
	}
}

// Publish broadcasts a conversation event
func (b *EventBroadcaster) Publish(event string, data any) {
	b.Broadcast(event, data)
}

// Broadcast queues an event for all subscribers. Subscribers whose queue is
// full miss the event.
func (b *EventBroadcaster) Broadcast(event string, data interface{}) {
	msg := EventMessage{
		Event:     event,
		Stream:    streamOf(event),
		Data:      data,
		Seq:       b.nextSeq(),
		Timestamp: time.Now().UnixMilli(),
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("event", event).Int64("seq", msg.Seq).Msg("Failed to marshal event")
		return
	}

	clients := b.clients.GetAll()
	if len(clients) == 0 {
		return
	}

	dropped := 0
	for _, client := range clients {
		if !client.Enqueue(jsonData) {
			b.logger.Warn().
				Str("clientId", client.ID).
				Str("event", event).
				Int64("seq", msg.Seq).
				Msg("Subscriber queue full, dropping event")
			dropped++
		}
	}

	b.logger.Debug().
		Str("event", event).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)).
		Int("dropped", dropped).
		Msg("Event broadcast complete")
}

func (b *EventBroadcaster) nextSeq() int64 {
	return int64(atomic.AddUint64(&b.seq, 1))
}
