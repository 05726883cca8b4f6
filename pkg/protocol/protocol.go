// Package protocol defines the JSON envelopes exchanged with voice chat
// clients over the WebSocket.
//
// Clients send text messages of the form {"directive": ..., "payload": ...}
// and raw PCM as binary messages. The server answers with text events of the
// form {"event": ..., "payload": ...} and raw PCM as binary messages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Directive names a client request.
type Directive string

const (
	DirectiveSessionStart Directive = "SessionStart"
	DirectiveSessionStop  Directive = "SessionStop"
)

// EventName names a server event.
type EventName string

const (
	EventSessionStarted       EventName = "SessionStarted"
	EventSessionStopped       EventName = "SessionStopped"
	EventResponseAudioStarted EventName = "ResponseAudioStarted"
	EventResponseAudioEnded   EventName = "ResponseAudioEnded"
	EventAudioTranscript      EventName = "AudioTranscript"
	EventResponseText         EventName = "ResponseText"
)

// ErrInvalidPayload is returned when a message cannot be decoded or fails
// validation.
var ErrInvalidPayload = errors.New("protocol: invalid payload")

// Request is an inbound text message.
type Request struct {
	Directive Directive       `json:"directive"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Decode parses an inbound text message. It does not interpret the payload.
func Decode(data []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(data, &r); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if r.Directive == "" {
		return Request{}, fmt.Errorf("%w: missing directive", ErrInvalidPayload)
	}
	return r, nil
}

// Event is an outbound text message.
type Event struct {
	Event   EventName `json:"event"`
	Payload any       `json:"payload"`
}

// Encode marshals an outbound event.
func Encode(name EventName, payload any) ([]byte, error) {
	b, err := json.Marshal(Event{Event: name, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", name, err)
	}
	return b, nil
}

// ── event payloads ──

// SessionPayload is the payload of SessionStarted and SessionStopped.
type SessionPayload struct {
	SessionID string `json:"session_id"`
}

// AudioPayload is the payload of ResponseAudioStarted and ResponseAudioEnded.
type AudioPayload struct {
	SessionID string `json:"session_id"`
	ChatID    string `json:"chat_id"`
}

// TranscriptPayload is the payload of AudioTranscript. Partial is set for
// live transcripts of a sentence that has not ended yet.
type TranscriptPayload struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Finished  bool   `json:"finished"`
	Partial   bool   `json:"partial,omitempty"`
}

// ToolCall is a function call requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// TextPayload is the payload of ResponseText.
type TextPayload struct {
	SessionID string     `json:"session_id"`
	ChatID    string     `json:"chat_id"`
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Finished  bool       `json:"finished"`
}
