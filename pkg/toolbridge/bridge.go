package toolbridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/harun/parla/internal/observability"
	"github.com/harun/parla/internal/tracing"
	"github.com/harun/parla/pkg/callqueue"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSettleDelay    = 500 * time.Millisecond
	DefaultCallTimeout    = 60 * time.Second
	DefaultConnectTimeout = 60 * time.Second
	DefaultMaxConcurrency = 8
	DefaultErrorBuffer    = 64

	teardownTimeout = 5 * time.Second
)

type options struct {
	httpClient     *http.Client
	dialer         *websocket.Dialer
	settle         time.Duration
	callTimeout    time.Duration
	connectTimeout time.Duration
	maxConc        int
	validateArgs   bool
	creds          map[string]CredentialProvider
	info           clientInfo
	errBuffer      int
}

// Option configures a Bridge
type Option func(*options)

// WithHTTPClient shares one client across HTTP providers instead of a
// dedicated client per provider
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithDialer sets the WebSocket dialer for ws and wss providers
func WithDialer(d *websocket.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithSettleDelay sets the pause between the initialized notification and tools/list
func WithSettleDelay(d time.Duration) Option {
	return func(o *options) { o.settle = d }
}

// WithCallTimeout bounds each Execute, queue wait included
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) { o.callTimeout = d }
}

// WithConnectTimeout bounds the discovery handshake of each provider
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) { o.connectTimeout = d }
}

// WithMaxConcurrency caps concurrently running tool calls
func WithMaxConcurrency(n int) Option {
	return func(o *options) { o.maxConc = n }
}

// WithArgumentValidation validates call arguments against the tool schema
func WithArgumentValidation(enabled bool) Option {
	return func(o *options) { o.validateArgs = enabled }
}

// WithCredentialProvider overrides the credentials of one provider
func WithCredentialProvider(provider string, cp CredentialProvider) Option {
	return func(o *options) { o.creds[provider] = cp }
}

// WithClientInfo sets the client identity sent on initialize
func WithClientInfo(name, version string) Option {
	return func(o *options) { o.info = clientInfo{Name: name, Version: version} }
}

// WithErrorBuffer sizes the Errors channel
func WithErrorBuffer(n int) Option {
	return func(o *options) { o.errBuffer = n }
}

// Bridge owns every configured tool provider
type Bridge struct {
	providers []ProviderConfig
	opts      options
	reg       *registry
	queue     *callqueue.Queue

	errs    chan error
	dropped atomic.Int64

	mu       sync.Mutex
	inflight map[string]struct{}
	changed  chan struct{}
}

// New creates a bridge for providers. Nothing is dialed until ConnectToServers.
func New(providers []ProviderConfig, opts ...Option) *Bridge {
	o := options{
		settle:         DefaultSettleDelay,
		callTimeout:    DefaultCallTimeout,
		connectTimeout: DefaultConnectTimeout,
		maxConc:        DefaultMaxConcurrency,
		creds:          make(map[string]CredentialProvider),
		info:           clientInfo{Name: "parla", Version: "0.1.0"},
		errBuffer:      DefaultErrorBuffer,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: dialTimeout,
		}
	}
	if o.errBuffer <= 0 {
		o.errBuffer = DefaultErrorBuffer
	}
	if o.connectTimeout <= 0 {
		o.connectTimeout = DefaultConnectTimeout
	}

	observability.EnsureRegistered()

	return &Bridge{
		providers: append([]ProviderConfig(nil), providers...),
		opts:      o,
		reg:       newRegistry(),
		queue:     callqueue.New(callqueue.Config{MaxConcurrency: o.maxConc}),
		errs:      make(chan error, o.errBuffer),
		inflight:  make(map[string]struct{}),
		changed:   make(chan struct{}),
	}
}

// Errors is the single channel on which every bridge failure is reported.
// Errors are dropped when nobody drains it.
func (b *Bridge) Errors() <-chan error {
	return b.errs
}

// DroppedErrors counts errors discarded because Errors was full
func (b *Bridge) DroppedErrors() int64 {
	return b.dropped.Load()
}

func (b *Bridge) report(provider, op string, err error) {
	perr := &ProviderError{Provider: provider, Op: op, Err: err}
	log.Error().Err(err).Str("provider", provider).Str("op", op).Msg("Tool bridge error")
	observability.RecordBridgeError(provider, op)

	select {
	case b.errs <- perr:
	default:
		b.dropped.Add(1)
		observability.RecordBridgeErrorDropped()
	}
}

func (b *Bridge) notifyChanged() {
	b.mu.Lock()
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}

func (b *Bridge) changedCh() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.changed
}

func transportFor(raw string) (Transport, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return TransportWebSocket, nil
	case "http", "https":
		return TransportHTTP, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// ConnectToServers connects every enabled provider concurrently. Provider
// failures are reported on Errors and never affect other providers; the
// returned error is non-nil only when ctx ends first.
func (b *Bridge) ConnectToServers(ctx context.Context) error {
	var g errgroup.Group
	for _, cfg := range b.providers {
		if !cfg.Enabled {
			log.Debug().Str("provider", cfg.Name).Msg("Provider disabled, skipping")
			continue
		}
		if st := b.reg.state(cfg.Name); st == StateConnected || st == StateConnecting {
			continue
		}
		g.Go(func() error {
			b.connectProvider(ctx, cfg)
			return nil
		})
	}
	g.Wait()
	b.notifyChanged()
	return ctx.Err()
}

func (b *Bridge) connectProvider(ctx context.Context, cfg ProviderConfig) {
	transport, err := transportFor(cfg.URL)
	b.reg.ensure(cfg, transport)
	if err != nil {
		b.fail(ctx, cfg.Name, "connect", err)
		return
	}

	b.reg.setState(cfg.Name, StateConnecting, nil)
	observability.SetProviderState(cfg.Name, string(StateConnecting))

	creds, ok := b.opts.creds[cfg.Name]
	if !ok {
		if creds, err = credentialsFor(cfg); err != nil {
			b.fail(ctx, cfg.Name, "auth", err)
			return
		}
	}

	var conn providerConn
	switch transport {
	case TransportHTTP:
		client := b.opts.httpClient
		if client == nil {
			client = newHTTPClient()
		}
		conn = newHTTPConn(cfg, client, creds, b.opts.info, b.opts.settle)
	case TransportWebSocket:
		ws := newWSConn(cfg, b.opts.dialer, creds)
		ws.onTools = func(listed []wireTool) { b.updateTools(cfg.Name, listed) }
		ws.onError = func(err error) {
			b.reg.recordError(cfg.Name, err)
			b.report(cfg.Name, "message", err)
		}
		ws.onClosed = func(err error) {
			if b.reg.markLost(cfg.Name, ws, err) {
				observability.SetProviderState(cfg.Name, string(StateError))
				b.report(cfg.Name, "connection", err)
				b.notifyChanged()
			}
		}
		conn = ws
	}

	connectCtx, cancel := context.WithTimeout(ctx, b.opts.connectTimeout)
	defer cancel()

	spanCtx, span := tracing.StartSpan(connectCtx, tracing.TracerToolBridge, "toolbridge.connect",
		attribute.String("provider", cfg.Name),
		attribute.String("transport", string(transport)),
	)
	start := time.Now()
	listed, err := conn.connect(spanCtx)
	tracing.EndSpan(span, err)
	if err != nil {
		if errors.Is(connectCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, b.opts.connectTimeout, err)
		}
		b.abandon(ctx, cfg.Name, conn)
		b.fail(ctx, cfg.Name, "connect", err)
		return
	}

	tools, schemas, rejected := describe(cfg.Name, listed, b.opts.validateArgs)
	if !b.reg.setConnected(cfg.Name, conn, tools, schemas) {
		log.Warn().Str("provider", cfg.Name).Msg("Provider removed during handshake, closing connection")
		b.abandon(ctx, cfg.Name, conn)
		return
	}
	observability.SetProviderState(cfg.Name, string(StateConnected))
	observability.SetProviderTools(cfg.Name, len(tools)-rejected, rejected)
	observability.RecordProviderAudit(ctx, cfg.Name, "connect", "success", map[string]interface{}{
		"transport": string(transport),
		"tools":     len(tools),
		"rejected":  rejected,
	})

	log.Info().
		Str("provider", cfg.Name).
		Str("transport", string(transport)).
		Int("tools", len(tools)).
		Int("rejected", rejected).
		Bool("session", conn.hasSession()).
		Dur("duration", time.Since(start)).
		Msg("Provider connected")
}

// abandon closes a connection that never reached the registry, ending any
// session it opened
func (b *Bridge) abandon(ctx context.Context, provider string, conn providerConn) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	if err := conn.close(closeCtx); err != nil {
		log.Warn().Err(err).Str("provider", provider).Msg("Provider teardown failed")
	}
}

func (b *Bridge) fail(ctx context.Context, provider, op string, err error) {
	b.reg.setState(provider, StateError, err)
	observability.SetProviderState(provider, string(StateError))
	observability.RecordProviderAudit(ctx, provider, op, "error", map[string]interface{}{"error": err.Error()})
	b.report(provider, op, err)
}

func (b *Bridge) updateTools(provider string, listed []wireTool) {
	tools, schemas, rejected := describe(provider, listed, b.opts.validateArgs)
	b.reg.setTools(provider, tools, schemas)
	observability.SetProviderTools(provider, len(tools)-rejected, rejected)
	log.Info().Str("provider", provider).Int("tools", len(tools)).Msg("Provider tool list updated")
	b.notifyChanged()
}

// Execute routes a tool call to the provider exposing name. The returned
// channel receives exactly one Result. An empty callID is replaced with a
// generated one.
func (b *Bridge) Execute(ctx context.Context, name string, args map[string]any, callID string) <-chan Result {
	out := make(chan Result, 1)
	if callID == "" {
		callID = uuid.NewString()
	}

	rt, err := b.reg.route(name)
	if err == nil && b.opts.validateArgs {
		err = validateArguments(rt.schema, args)
	}
	if err == nil {
		err = b.claim(callID)
	}
	if err != nil {
		res := Result{CallID: callID, Tool: name, Provider: rt.provider, Err: err}
		b.finish(ctx, res)
		out <- res
		return out
	}

	go func() {
		defer b.release(callID)
		out <- b.run(ctx, rt, name, args, callID)
	}()
	return out
}

func (b *Bridge) claim(callID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.inflight[callID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCall, callID)
	}
	b.inflight[callID] = struct{}{}
	return nil
}

func (b *Bridge) release(callID string) {
	b.mu.Lock()
	delete(b.inflight, callID)
	b.mu.Unlock()
}

func (b *Bridge) run(ctx context.Context, rt route, name string, args map[string]any, callID string) Result {
	ctx = tracing.NewCallContext(ctx, callID, rt.provider, name)
	ctx, span := tracing.StartSpan(ctx, tracing.TracerToolBridge, "toolbridge.execute",
		attribute.String("provider", rt.provider),
		attribute.String("tool", name),
		attribute.String("call_id", callID),
	)

	callCtx, cancel := context.WithTimeout(ctx, b.opts.callTimeout)
	defer cancel()

	start := time.Now()
	value, err := b.queue.Submit(callCtx, rt.provider, func(ctx context.Context) (any, error) {
		return rt.conn.call(ctx, callID, name, args)
	})
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s", ErrCallTimeout, b.opts.callTimeout)
	}
	tracing.EndSpan(span, err)

	res := Result{
		CallID:   callID,
		Tool:     name,
		Provider: rt.provider,
		Err:      err,
		Duration: time.Since(start),
	}
	if err == nil {
		res.Output, _ = value.(string)
	}
	b.finish(ctx, res)
	return res
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrToolNotFound):
		return "not_found"
	case errors.Is(err, ErrCallTimeout):
		return "timeout"
	case errors.Is(err, ErrInvalidArguments):
		return "invalid"
	default:
		return "error"
	}
}

// finish records metrics, audit and provider-side failures for a result
func (b *Bridge) finish(ctx context.Context, res Result) {
	status := statusOf(res.Err)
	provider := res.Provider
	if provider == "" {
		provider = "unknown"
	}

	observability.RecordToolExecution(provider, res.Tool, res.Duration, status)
	observability.RecordToolAudit(ctx, provider, res.Tool, res.CallID, status, res.Duration)

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	if res.Err == nil {
		logger.Info().
			Str("tool", res.Tool).
			Str("provider", provider).
			Str("call_id", res.CallID).
			Dur("duration", res.Duration).
			Msg("Tool call completed")
		return
	}

	logger.Warn().
		Err(res.Err).
		Str("tool", res.Tool).
		Str("provider", provider).
		Str("call_id", res.CallID).
		Msg("Tool call failed")

	switch {
	case errors.Is(res.Err, ErrToolNotFound),
		errors.Is(res.Err, ErrInvalidArguments),
		errors.Is(res.Err, ErrDuplicateCall),
		errors.Is(res.Err, context.Canceled):
	default:
		b.report(provider, "call", res.Err)
	}
}

// GetAllTools returns the catalog handed to the realtime endpoint
func (b *Bridge) GetAllTools() []FunctionTool {
	return b.reg.catalog()
}

// Status returns a snapshot of every provider in configuration order
func (b *Bridge) Status() []ProviderStatus {
	return b.reg.statuses()
}

// Tools returns every tool discovered on provider, rejected ones included
func (b *Bridge) Tools(provider string) []ToolDescriptor {
	return b.reg.tools(provider)
}

// SetToolOverrides replaces all tool overrides
func (b *Bridge) SetToolOverrides(overrides map[string][]ToolOverride) {
	b.reg.setOverrides(overrides)
	b.notifyChanged()
}

// WaitForTools blocks until at least minTools tools are exposed or ctx ends
func (b *Bridge) WaitForTools(ctx context.Context, minTools int) error {
	for {
		ch := b.changedCh()
		if b.reg.validToolCount() >= minTools {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// QueueStats exposes per-provider call queue depth
func (b *Bridge) QueueStats() map[string]callqueue.Stats {
	return b.queue.Stats()
}

// Disconnect tears down every provider and empties the registry. WebSockets
// get a normal closure; HTTP sessions get a DELETE. Teardown failures are
// logged, not returned.
func (b *Bridge) Disconnect(ctx context.Context) {
	conns := b.reg.drain()

	var wg sync.WaitGroup
	for name, conn := range conns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.close(ctx); err != nil {
				log.Warn().Err(err).Str("provider", name).Msg("Provider teardown failed")
			}
			observability.SetProviderState(name, string(StateDisconnected))
			observability.RecordProviderAudit(ctx, name, "disconnect", "success", nil)
		}()
	}
	wg.Wait()

	b.notifyChanged()
	log.Info().Int("providers", len(conns)).Msg("Tool bridge disconnected")
}

// Close disconnects and stops the call queue
func (b *Bridge) Close(ctx context.Context) error {
	b.Disconnect(ctx)
	return b.queue.Close()
}
