package toolbridge

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound means no connected provider exposes the tool
	ErrToolNotFound = errors.New("tool not found")
	// ErrProviderNotConnected means the owning provider has no live connection
	ErrProviderNotConnected = errors.New("provider not connected")
	// ErrUnsupportedScheme is a configuration error for URLs other than ws, wss, http, https
	ErrUnsupportedScheme = errors.New("unsupported provider url scheme")
	// ErrCallTimeout resolves a call that exceeded the per-call timeout
	ErrCallTimeout = errors.New("tool call timed out")
	// ErrConnectTimeout means a provider did not finish discovery in time
	ErrConnectTimeout = errors.New("provider connect timed out")
	// ErrProviderClosed resolves calls still pending when a provider goes away
	ErrProviderClosed = errors.New("provider connection closed")
	// ErrDuplicateCall rejects a call ID that is already outstanding
	ErrDuplicateCall = errors.New("duplicate call id")
	// ErrInvalidArguments means arguments failed validation against the tool schema
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrEmptyResponse means a provider answered without a JSON-RPC payload
	ErrEmptyResponse = errors.New("empty provider response")
)

// RPCError is a JSON-RPC error object returned by a provider
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("MCP error (%d): %s", e.Code, e.Message)
}

// ProviderError attributes a failure to a provider and operation
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}
