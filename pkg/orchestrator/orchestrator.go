package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/harun/parla/internal/observability"
	"github.com/harun/parla/internal/tracing"
	"github.com/harun/parla/pkg/realtime"
	"github.com/harun/parla/pkg/toolbridge"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultToolWait = 15 * time.Second
	defaultMinTools = 1
)

// Orchestrator connects a realtime session to a tool executor
type Orchestrator struct {
	session  Session
	tools    ToolExecutor
	sink     AudioSink
	observer Observer

	voice         string
	instructions  string
	turnDetection string
	toolWait      time.Duration
	minTools      int

	mu       sync.Mutex
	speaking bool
	stats    Stats

	calls sync.WaitGroup
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithAudioSink sets where model audio is played
func WithAudioSink(sink AudioSink) Option {
	return func(o *Orchestrator) {
		if sink != nil {
			o.sink = sink
		}
	}
}

// WithObserver receives conversation events
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithVoice sets the model voice
func WithVoice(voice string) Option {
	return func(o *Orchestrator) { o.voice = voice }
}

// WithInstructions sets the system instructions
func WithInstructions(instructions string) Option {
	return func(o *Orchestrator) { o.instructions = instructions }
}

// WithTurnDetection sets semantic_vad, server_vad or none
func WithTurnDetection(mode string) Option {
	return func(o *Orchestrator) { o.turnDetection = mode }
}

// WithToolWait bounds how long Run waits for minTools valid tools before
// connecting. A zero timeout skips the wait.
func WithToolWait(timeout time.Duration, minTools int) Option {
	return func(o *Orchestrator) {
		o.toolWait = timeout
		o.minTools = minTools
	}
}

// New creates an orchestrator
func New(session Session, tools ToolExecutor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		session:  session,
		tools:    tools,
		sink:     nopSink{},
		toolWait: defaultToolWait,
		minTools: defaultMinTools,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run waits for tools, connects the session, pushes the session config and
// handles events until the stream ends or ctx is done. In-flight tool calls
// are awaited before returning.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.calls.Wait()

	if o.toolWait > 0 && o.minTools > 0 {
		waitCtx, cancel := context.WithTimeout(ctx, o.toolWait)
		err := o.tools.WaitForTools(waitCtx, o.minTools)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().
				Int("min_tools", o.minTools).
				Int("tools", len(o.tools.GetAllTools())).
				Msg("Starting session before tools were ready")
		}
	}

	if err := o.session.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect session: %w", err)
	}
	events := o.session.Events()

	if err := o.RefreshTools(); err != nil {
		o.session.Disconnect()
		return fmt.Errorf("failed to configure session: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			if err := o.session.Disconnect(); err != nil {
				log.Warn().Err(err).Msg("Session disconnect failed")
			}
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o.handle(ctx, ev)
		}
	}
}

// RefreshTools pushes the current tool catalog and session settings
func (o *Orchestrator) RefreshTools() error {
	catalog := o.tools.GetAllTools()
	tools := make([]realtime.Tool, 0, len(catalog))
	for _, t := range catalog {
		tools = append(tools, realtime.Tool{
			Type:        t.Type,
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	err := o.session.UpdateSession(realtime.SessionConfig{
		Voice:         o.voice,
		Instructions:  o.instructions,
		TurnDetection: o.turnDetection,
		Tools:         tools,
	})
	if err != nil {
		return err
	}
	log.Info().Int("tools", len(tools)).Msg("Session tools updated")
	return nil
}

func (o *Orchestrator) handle(ctx context.Context, ev realtime.Event) {
	switch e := ev.(type) {
	case realtime.Connected:
		o.publish(EventConnected, nil)
	case realtime.Disconnected:
		o.setSpeaking(false)
		o.publish(EventDisconnected, map[string]string{"reason": e.Reason})
	case realtime.AudioDelta:
		o.mu.Lock()
		o.speaking = true
		o.stats.AudioChunksReceived++
		o.mu.Unlock()
		if err := o.sink.Play(e.Audio); err != nil {
			log.Warn().Err(err).Msg("Audio playback failed")
		}
	case realtime.AudioDone, realtime.ResponseDone:
		o.setSpeaking(false)
	case realtime.SpeechStarted:
		if o.Speaking() {
			o.bargeIn()
		}
	case realtime.TextDone:
		o.publish(EventTranscript, map[string]string{"text": e.Text})
	case realtime.ToolCall:
		o.publish(EventToolCall, map[string]any{"call_id": e.CallID, "name": e.Name})
		o.calls.Add(1)
		go func() {
			defer o.calls.Done()
			o.answer(ctx, e)
		}()
	case realtime.Error:
		o.handleError(e)
	}
}

// bargeIn silences playback and drops the interrupted response. Order
// matters: local audio stops before the server is asked to cancel.
func (o *Orchestrator) bargeIn() {
	if err := o.sink.Stop(); err != nil {
		log.Warn().Err(err).Msg("Audio stop failed")
	}
	if err := o.session.CancelResponse(); err != nil {
		log.Warn().Err(err).Msg("Response cancel failed")
	}
	if err := o.session.ClearInputBuffer(); err != nil {
		log.Warn().Err(err).Msg("Input buffer clear failed")
	}

	o.mu.Lock()
	o.speaking = false
	o.stats.BargeIns++
	o.mu.Unlock()

	observability.RecordBargeIn()
	o.publish(EventBargeIn, nil)
	log.Debug().Msg("Barge-in")
}

func (o *Orchestrator) answer(ctx context.Context, call realtime.ToolCall) {
	ctx = tracing.NewCallContext(ctx, call.CallID, "", call.Name)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerRealtime, "orchestrator.tool_call",
		attribute.String("tool", call.Name),
		attribute.String("call_id", call.CallID),
	)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	res, ok := <-o.tools.Execute(ctx, call.Name, call.Arguments, call.CallID)
	if !ok {
		res = toolbridge.Result{CallID: call.CallID, Tool: call.Name, Err: errors.New("tool execution ended without a result")}
	}

	output := res.Output
	if res.Err != nil {
		output = errorPayload(res.Err)
		logger.Warn().Err(res.Err).Msg("Tool call failed")
	}

	err := o.session.SendToolResult(call.CallID, output)
	tracing.EndSpan(span, firstErr(res.Err, err))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to deliver tool result")
	}

	o.mu.Lock()
	o.stats.ToolCalls++
	if res.Err != nil {
		o.stats.ToolFailures++
	}
	o.mu.Unlock()

	data := map[string]any{"call_id": call.CallID, "name": call.Name, "provider": res.Provider, "duration_ms": res.Duration.Milliseconds()}
	if res.Err != nil {
		data["error"] = res.Err.Error()
	}
	o.publish(EventToolResult, data)
}

func errorPayload(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) handleError(e realtime.Error) {
	if realtime.IsBenignCancellation(e.Message) {
		log.Debug().Str("message", e.Message).Msg("Ignoring cancel with no active response")
		return
	}

	limited := realtime.IsUsageLimit(e.Message)

	o.mu.Lock()
	o.stats.Errors++
	o.stats.LastError = e.Message
	if limited {
		o.stats.UsageLimited = true
	}
	o.mu.Unlock()

	log.Error().Str("code", e.Code).Bool("usage_limited", limited).Msg(e.Message)
	o.publish(EventError, map[string]any{"message": e.Message, "code": e.Code, "usage_limited": limited})
}

// StreamAudio forwards source chunks to the session and commits the turn
// when the source reports io.EOF
func (o *Orchestrator) StreamAudio(ctx context.Context, src AudioSource) error {
	for {
		chunk, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			return o.session.CommitAudio()
		}
		if err != nil {
			return err
		}
		if len(chunk) == 0 {
			continue
		}
		if err := o.session.SendAudio(chunk); err != nil {
			return err
		}

		o.mu.Lock()
		o.stats.AudioChunksSent++
		o.mu.Unlock()
	}
}

// SendText adds a user message and asks for a response
func (o *Orchestrator) SendText(text string) error {
	if err := o.session.SendText(text); err != nil {
		return err
	}
	return o.session.CreateResponse()
}

// SendImage adds a user image to the conversation
func (o *Orchestrator) SendImage(image []byte, mimeType string) error {
	if err := o.session.SendImage(image, mimeType); err != nil {
		return err
	}
	o.mu.Lock()
	o.stats.ImagesSent++
	o.mu.Unlock()
	return nil
}

// Speaking reports whether model audio is playing
func (o *Orchestrator) Speaking() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.speaking
}

func (o *Orchestrator) setSpeaking(v bool) {
	o.mu.Lock()
	o.speaking = v
	o.mu.Unlock()
}

// Stats returns a snapshot of the counters
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

func (o *Orchestrator) publish(event string, data any) {
	if o.observer != nil {
		o.observer.Publish(event, data)
	}
}
