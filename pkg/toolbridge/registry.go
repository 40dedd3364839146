package toolbridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// providerConn is one live provider connection
type providerConn interface {
	connect(ctx context.Context) ([]wireTool, error)
	call(ctx context.Context, callID, name string, args map[string]any) (string, error)
	close(ctx context.Context) error
	transport() Transport
	hasSession() bool
}

type providerEntry struct {
	cfg       ProviderConfig
	transport Transport
	conn      providerConn
	state     ConnectionState
	tools     []ToolDescriptor
	schemas   map[string]*gojsonschema.Schema
	lastErr   string
	updated   time.Time
}

// route is the resolved owner of a tool name
type route struct {
	provider string
	conn     providerConn
	tool     ToolDescriptor
	schema   *gojsonschema.Schema
}

// registry owns every provider entry and the tool overrides. Entries keep
// configuration order so routing and catalogs are deterministic.
type registry struct {
	mu        sync.RWMutex
	order     []string
	entries   map[string]*providerEntry
	overrides map[string][]ToolOverride
}

func newRegistry() *registry {
	return &registry{
		entries:   make(map[string]*providerEntry),
		overrides: make(map[string][]ToolOverride),
	}
}

// ensure returns the entry for cfg, creating it in disconnected state
func (r *registry) ensure(cfg ProviderConfig, transport Transport) *providerEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[cfg.Name]; ok {
		return e
	}
	e := &providerEntry{
		cfg:       cfg,
		transport: transport,
		state:     StateDisconnected,
		updated:   time.Now(),
	}
	r.entries[cfg.Name] = e
	r.order = append(r.order, cfg.Name)
	return e
}

func (r *registry) state(name string) ConnectionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.state
	}
	return StateDisconnected
}

func (r *registry) setState(name string, state ConnectionState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return
	}
	e.state = state
	if err != nil {
		e.lastErr = err.Error()
	}
	e.updated = time.Now()
}

// markLost moves a connected provider to the error state if conn is still
// the active connection
func (r *registry) markLost(name string, conn providerConn, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok || e.conn != conn || e.state != StateConnected {
		return false
	}
	e.state = StateError
	e.lastErr = err.Error()
	e.updated = time.Now()
	return true
}

// recordError keeps err as the provider's last error without changing state
func (r *registry) recordError(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		e.lastErr = err.Error()
		e.updated = time.Now()
	}
}

// setConnected installs conn as the active connection. It reports false
// when the entry was drained while the handshake ran.
func (r *registry) setConnected(name string, conn providerConn, tools []ToolDescriptor, schemas map[string]*gojsonschema.Schema) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return false
	}
	e.conn = conn
	e.state = StateConnected
	e.tools = tools
	e.schemas = schemas
	e.lastErr = ""
	e.updated = time.Now()
	return true
}

func (r *registry) setTools(name string, tools []ToolDescriptor, schemas map[string]*gojsonschema.Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		e.tools = tools
		e.schemas = schemas
		e.updated = time.Now()
	}
}

func (r *registry) setOverrides(overrides map[string][]ToolOverride) {
	copied := make(map[string][]ToolOverride, len(overrides))
	for provider, list := range overrides {
		copied[provider] = append([]ToolOverride(nil), list...)
	}

	r.mu.Lock()
	r.overrides = copied
	r.mu.Unlock()
}

// overrideLocked returns the override for a tool, if any. Caller holds mu.
func (r *registry) overrideLocked(provider, tool string) (ToolOverride, bool) {
	for _, o := range r.overrides[provider] {
		if o.ToolName == tool {
			return o, true
		}
	}
	return ToolOverride{}, false
}

// exposedLocked reports whether a tool may be shown and called, and the
// description to use. Caller holds mu.
func (r *registry) exposedLocked(provider string, t ToolDescriptor) (string, bool) {
	if !t.Valid {
		return "", false
	}
	desc := t.Description
	if o, ok := r.overrideLocked(provider, t.Name); ok {
		if !o.Enabled {
			return "", false
		}
		if o.CustomDescription != "" {
			desc = o.CustomDescription
		}
	}
	return desc, true
}

// route finds the first provider, in configuration order, exposing name
func (r *registry) route(name string) (route, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, pname := range r.order {
		e := r.entries[pname]
		for _, t := range e.tools {
			if t.Name != name {
				continue
			}
			if _, ok := r.exposedLocked(pname, t); !ok {
				continue
			}
			if e.state != StateConnected || e.conn == nil {
				return route{provider: pname}, fmt.Errorf("%w: %s", ErrProviderNotConnected, pname)
			}
			return route{provider: pname, conn: e.conn, tool: t, schema: e.schemas[name]}, nil
		}
	}
	return route{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// catalog lists every exposed tool of every connected provider
func (r *registry) catalog() []FunctionTool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]string)
	var out []FunctionTool
	for _, pname := range r.order {
		e := r.entries[pname]
		if e.state != StateConnected {
			continue
		}
		for _, t := range e.tools {
			desc, ok := r.exposedLocked(pname, t)
			if !ok {
				continue
			}
			if owner, dup := seen[t.Name]; dup {
				log.Warn().
					Str("tool", t.Name).
					Str("provider", pname).
					Str("owner", owner).
					Msg("Tool name already provided, skipping")
				continue
			}
			seen[t.Name] = pname

			params := t.Parameters
			if len(params) == 0 {
				params = emptyObjectSchema
			}
			out = append(out, FunctionTool{
				Type:        "function",
				Name:        t.Name,
				Description: desc,
				Parameters:  params,
			})
		}
	}
	return out
}

func (r *registry) validToolCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, pname := range r.order {
		e := r.entries[pname]
		if e.state != StateConnected {
			continue
		}
		for _, t := range e.tools {
			if _, ok := r.exposedLocked(pname, t); ok {
				n++
			}
		}
	}
	return n
}

func (r *registry) statuses() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(r.order))
	for _, pname := range r.order {
		e := r.entries[pname]
		st := ProviderStatus{
			Name:       pname,
			URL:        e.cfg.URL,
			Transport:  e.transport,
			State:      e.state,
			Tools:      append([]ToolDescriptor(nil), e.tools...),
			Error:      e.lastErr,
			LastUpdate: e.updated,
		}
		if e.conn != nil {
			st.HasSession = e.conn.hasSession()
		}
		out = append(out, st)
	}
	return out
}

func (r *registry) tools(name string) []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[name]; ok {
		return append([]ToolDescriptor(nil), e.tools...)
	}
	return nil
}

// drain empties the registry and returns the live connections by provider
func (r *registry) drain() map[string]providerConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make(map[string]providerConn)
	for name, e := range r.entries {
		if e.conn != nil {
			conns[name] = e.conn
		}
	}
	r.entries = make(map[string]*providerEntry)
	r.order = nil
	return conns
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// describe validates advertised tools into descriptors. Rejected tools stay
// in the list, marked invalid.
func describe(provider string, listed []wireTool, compile bool) ([]ToolDescriptor, map[string]*gojsonschema.Schema, int) {
	tools := make([]ToolDescriptor, 0, len(listed))
	schemas := make(map[string]*gojsonschema.Schema)
	seen := make(map[string]bool)
	rejected := 0

	for _, w := range listed {
		if w.Name == "" {
			continue
		}
		if seen[w.Name] {
			log.Warn().Str("provider", provider).Str("tool", w.Name).Msg("Duplicate tool name within provider, keeping first")
			continue
		}
		seen[w.Name] = true

		raw := w.schema()
		d := ToolDescriptor{
			Name:        w.Name,
			Description: w.Description,
			Parameters:  raw,
			Provider:    provider,
		}
		d.Problems = ValidateToolSchema(raw)
		d.Valid = len(d.Problems) == 0
		if !d.Valid {
			rejected++
			log.Warn().
				Str("provider", provider).
				Str("tool", w.Name).
				Strs("problems", d.Problems).
				Msg("Tool schema rejected")
		} else if compile {
			schema, err := compileArgumentSchema(raw)
			if err != nil {
				log.Warn().Err(err).Str("provider", provider).Str("tool", w.Name).Msg("Tool schema not usable for argument validation")
			} else if schema != nil {
				schemas[w.Name] = schema
			}
		}
		tools = append(tools, d)
	}
	return tools, schemas, rejected
}
