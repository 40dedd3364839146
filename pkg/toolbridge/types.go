package toolbridge

import (
	"encoding/json"
	"time"
)

// AuthKind selects how a provider authenticates
type AuthKind string

const (
	AuthNone   AuthKind = "none"
	AuthBearer AuthKind = "bearer"
	AuthAPIKey AuthKind = "api_key"
	AuthBasic  AuthKind = "basic"
	AuthCustom AuthKind = "custom"
	AuthOAuth  AuthKind = "oauth"
)

// Transport is the wire protocol used to reach a provider
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportHTTP      Transport = "http"
)

// ConnectionState is the lifecycle state of one provider
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
)

// AuthConfig holds the credential material for one provider
type AuthConfig struct {
	Kind       AuthKind
	Token      string
	APIKey     string
	Username   string
	Password   string
	HeaderName string
}

// ProviderConfig identifies and locates one tool provider
type ProviderConfig struct {
	Name    string
	URL     string
	Enabled bool
	Auth    AuthConfig

	// Credentials replaces the static headers derived from Auth, e.g. for
	// OAuth-issued tokens.
	Credentials CredentialProvider
}

// ToolDescriptor is one tool as advertised by a provider
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Provider    string          `json:"provider"`
	Valid       bool            `json:"valid"`
	// Problems lists the schema violations of an invalid tool
	Problems []string `json:"problems,omitempty"`
}

// FunctionTool is the catalog entry handed to the realtime endpoint
type FunctionTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolOverride adjusts exposure of one tool
type ToolOverride struct {
	ToolName          string
	Enabled           bool
	CustomDescription string
}

// ProviderStatus is a read-only snapshot of a provider connection
type ProviderStatus struct {
	Name       string           `json:"name"`
	URL        string           `json:"url"`
	Transport  Transport        `json:"transport"`
	State      ConnectionState  `json:"state"`
	Tools      []ToolDescriptor `json:"tools"`
	Error      string           `json:"error,omitempty"`
	HasSession bool             `json:"has_session"`
	LastUpdate time.Time        `json:"last_update"`
}

// ValidTools returns the tools that passed schema validation
func (s ProviderStatus) ValidTools() []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(s.Tools))
	for _, t := range s.Tools {
		if t.Valid {
			out = append(out, t)
		}
	}
	return out
}

// PendingCall correlates an in-flight asynchronous tool call
type PendingCall struct {
	CallID      string
	Provider    string
	Tool        string
	SubmittedAt time.Time

	result chan callOutcome
}

type callOutcome struct {
	output string
	err    error
}

// Result is the single value delivered for each Execute call
type Result struct {
	CallID   string
	Tool     string
	Provider string
	Output   string
	Err      error
	Duration time.Duration
}
