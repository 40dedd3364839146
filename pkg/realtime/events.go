package realtime

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound event types
const (
	TypeSessionCreated        = "session.created"
	TypeSessionUpdated        = "session.updated"
	TypeItemCreated           = "conversation.item.created"
	TypeAudioCommitted        = "input_audio_buffer.committed"
	TypeSpeechStarted         = "input_audio_buffer.speech_started"
	TypeSpeechStopped         = "input_audio_buffer.speech_stopped"
	TypeAudioDelta            = "response.audio.delta"
	TypeAudioDone             = "response.audio.done"
	TypeTextDelta             = "response.text.delta"
	TypeTextDone              = "response.text.done"
	TypeTranscriptDelta       = "response.audio_transcript.delta"
	TypeTranscriptDone        = "response.audio_transcript.done"
	TypeResponseDone          = "response.done"
	TypeFunctionArgumentsDone = "response.function_call_arguments.done"
	TypeError                 = "error"
)

// Outbound event types
const (
	TypeSessionUpdate     = "session.update"
	TypeAudioAppend       = "input_audio_buffer.append"
	TypeAudioCommit       = "input_audio_buffer.commit"
	TypeAudioClear        = "input_audio_buffer.clear"
	TypeItemCreate        = "conversation.item.create"
	TypeResponseCreate    = "response.create"
	TypeResponseCancel    = "response.cancel"
	TypeConversationClear = "conversation.clear"
)

// Event is one inbound conversation event. The set of implementations is
// closed; switch on the concrete type.
type Event interface {
	event()
}

// Connected is emitted once per successful Connect
type Connected struct{}

// Disconnected is the last event of a connection
type Disconnected struct{ Reason string }

type SessionCreated struct{}

type SessionUpdated struct{}

type ItemCreated struct{ ItemID string }

type SpeechStarted struct{}

type SpeechStopped struct{}

type AudioCommitted struct{}

// AudioDelta carries decoded PCM16 audio
type AudioDelta struct{ Audio []byte }

type AudioDone struct{}

type TextDelta struct{ Delta string }

type TextDone struct{ Text string }

type ResponseDone struct{ ResponseID string }

// ToolCall asks the client to run a function. Numbers in Arguments are
// json.Number.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments map[string]any
}

// Error is a server-reported or local protocol error
type Error struct {
	Message string
	Code    string
}

// Unrecognized is a frame with a type outside the known set
type Unrecognized struct {
	Type string
	Raw  json.RawMessage
}

func (Connected) event()      {}
func (Disconnected) event()   {}
func (SessionCreated) event() {}
func (SessionUpdated) event() {}
func (ItemCreated) event()    {}
func (SpeechStarted) event()  {}
func (SpeechStopped) event()  {}
func (AudioCommitted) event() {}
func (AudioDelta) event()     {}
func (AudioDone) event()      {}
func (TextDelta) event()      {}
func (TextDone) event()       {}
func (ResponseDone) event()   {}
func (ToolCall) event()       {}
func (Error) event()          {}
func (Unrecognized) event()   {}

type inboundFrame struct {
	Type       string `json:"type"`
	Delta      string `json:"delta"`
	Text       string `json:"text"`
	Transcript string `json:"transcript"`
	CallID     string `json:"call_id"`
	Name       string `json:"name"`
	Arguments  string `json:"arguments"`
	Item       *struct {
		ID string `json:"id"`
	} `json:"item"`
	Response *struct {
		ID string `json:"id"`
	} `json:"response"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error"`
}

// DecodeFrame maps one inbound frame to its Event
func DecodeFrame(data []byte) (Event, error) {
	var f inboundFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	switch f.Type {
	case TypeSessionCreated:
		return SessionCreated{}, nil
	case TypeSessionUpdated:
		return SessionUpdated{}, nil
	case TypeItemCreated:
		ev := ItemCreated{}
		if f.Item != nil {
			ev.ItemID = f.Item.ID
		}
		return ev, nil
	case TypeAudioCommitted:
		return AudioCommitted{}, nil
	case TypeSpeechStarted:
		return SpeechStarted{}, nil
	case TypeSpeechStopped:
		return SpeechStopped{}, nil
	case TypeAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(f.Delta)
		if err != nil {
			return nil, fmt.Errorf("malformed audio delta: %w", err)
		}
		return AudioDelta{Audio: audio}, nil
	case TypeAudioDone:
		return AudioDone{}, nil
	case TypeTextDelta, TypeTranscriptDelta:
		return TextDelta{Delta: f.Delta}, nil
	case TypeTextDone:
		return TextDone{Text: f.Text}, nil
	case TypeTranscriptDone:
		return TextDone{Text: f.Transcript}, nil
	case TypeResponseDone:
		ev := ResponseDone{}
		if f.Response != nil {
			ev.ResponseID = f.Response.ID
		}
		return ev, nil
	case TypeFunctionArgumentsDone:
		args, err := decodeArguments(f.Arguments)
		if err != nil {
			return nil, fmt.Errorf("malformed arguments for %s: %w", f.Name, err)
		}
		return ToolCall{CallID: f.CallID, Name: f.Name, Arguments: args}, nil
	case TypeError:
		ev := Error{Message: "Unknown error"}
		if f.Error != nil {
			if f.Error.Message != "" {
				ev.Message = f.Error.Message
			}
			ev.Code = f.Error.Code
		}
		return ev, nil
	default:
		return Unrecognized{Type: f.Type, Raw: json.RawMessage(append([]byte(nil), data...))}, nil
	}
}

// decodeArguments keeps numbers as json.Number so integers stay integers
func decodeArguments(raw string) (map[string]any, error) {
	args := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// IsBenignCancellation reports whether msg is the reply to a cancel sent
// after the response already finished
func IsBenignCancellation(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "cancellation failed") && strings.Contains(lower, "no active response")
}

// IsUsageLimit reports whether msg signals rate limiting or an exhausted quota
func IsUsageLimit(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "limit")
}

// TypeOf returns the wire type name of ev, for logs and metrics
func TypeOf(ev Event) string {
	switch e := ev.(type) {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case SessionCreated:
		return TypeSessionCreated
	case SessionUpdated:
		return TypeSessionUpdated
	case ItemCreated:
		return TypeItemCreated
	case SpeechStarted:
		return TypeSpeechStarted
	case SpeechStopped:
		return TypeSpeechStopped
	case AudioCommitted:
		return TypeAudioCommitted
	case AudioDelta:
		return TypeAudioDelta
	case AudioDone:
		return TypeAudioDone
	case TextDelta:
		return TypeTextDelta
	case TextDone:
		return TypeTextDone
	case ResponseDone:
		return TypeResponseDone
	case ToolCall:
		return TypeFunctionArgumentsDone
	case Error:
		return TypeError
	case Unrecognized:
		return e.Type
	default:
		return "unknown"
	}
}
