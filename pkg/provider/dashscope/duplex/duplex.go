// Package duplex implements the DashScope duplex WebSocket task protocol
// shared by the realtime recognition and synthesis services.
//
// A task runs as:
//
//	client → run-task       server → task-started
//	client → continue-task  server → result-generated / binary audio
//	client → finish-task    server → task-finished (or task-failed)
//
// Recognition streams audio as binary messages between run-task and
// finish-task; synthesis sends text in continue-task and receives audio as
// binary messages.
package duplex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// DefaultEndpoint is the public inference WebSocket endpoint.
const DefaultEndpoint = "wss://dashscope.aliyuncs.com/api-ws/v1/inference/"

// readLimit bounds a single inbound message; synthesis audio chunks are well
// below it.
const readLimit = 4 << 20

// Action is a client command.
type Action string

const (
	ActionRunTask      Action = "run-task"
	ActionContinueTask Action = "continue-task"
	ActionFinishTask   Action = "finish-task"
)

// Event is a server notification.
type Event string

const (
	EventTaskStarted     Event = "task-started"
	EventTaskFinished    Event = "task-finished"
	EventTaskFailed      Event = "task-failed"
	EventResultGenerated Event = "result-generated"
)

// Header is the envelope header of every text message in both directions.
type Header struct {
	Action       Action `json:"action,omitempty"`
	Event        Event  `json:"event,omitempty"`
	TaskID       string `json:"task_id"`
	Streaming    string `json:"streaming,omitempty"`
	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// Payload is the body of a client command.
type Payload struct {
	TaskGroup  string         `json:"task_group,omitempty"`
	Task       string         `json:"task,omitempty"`
	Function   string         `json:"function,omitempty"`
	Model      string         `json:"model,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Input      map[string]any `json:"input"`
}

type command struct {
	Header  Header  `json:"header"`
	Payload Payload `json:"payload"`
}

// Message is one inbound frame: either a decoded event or binary audio.
type Message struct {
	Header  Header
	Payload json.RawMessage

	// Audio is set for binary frames; Header is zero then.
	Audio []byte
}

// TaskError reports a task-failed event.
type TaskError struct {
	TaskID  string
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("dashscope: task %s failed: %s: %s", e.TaskID, e.Code, e.Message)
}

// ErrUnexpectedEvent is returned when a task ends before it started.
var ErrUnexpectedEvent = errors.New("dashscope: unexpected event")

// Conn is a duplex WebSocket connection. Writes may be issued from any
// goroutine; Read must be called from one goroutine at a time.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens an authenticated connection.
func Dial(ctx context.Context, endpoint, apiKey string) (*Conn, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	h := http.Header{}
	h.Set("Authorization", "bearer "+apiKey)
	h.Set("X-DashScope-DataInspection", "enable")

	ws, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: h})
	if err != nil {
		return nil, fmt.Errorf("dashscope: dial: %w", err)
	}
	ws.SetReadLimit(readLimit)
	return &Conn{ws: ws}, nil
}

// RunTask starts a task.
func (c *Conn) RunTask(ctx context.Context, taskID string, p Payload) error {
	if p.Input == nil {
		p.Input = map[string]any{}
	}
	return c.send(ctx, ActionRunTask, taskID, p)
}

// ContinueTask sends more input to a running task.
func (c *Conn) ContinueTask(ctx context.Context, taskID string, input map[string]any) error {
	return c.send(ctx, ActionContinueTask, taskID, Payload{Input: input})
}

// FinishTask signals end of input. The server answers with task-finished
// once all results have been delivered.
func (c *Conn) FinishTask(ctx context.Context, taskID string) error {
	return c.send(ctx, ActionFinishTask, taskID, Payload{Input: map[string]any{}})
}

// SendAudio streams a binary audio frame to a running recognition task.
func (c *Conn) SendAudio(ctx context.Context, data []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, data); err != nil {
		return fmt.Errorf("dashscope: send audio: %w", err)
	}
	return nil
}

func (c *Conn) send(ctx context.Context, action Action, taskID string, p Payload) error {
	b, err := json.Marshal(command{
		Header:  Header{Action: action, TaskID: taskID, Streaming: "duplex"},
		Payload: p,
	})
	if err != nil {
		return fmt.Errorf("dashscope: encode %s: %w", action, err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("dashscope: send %s: %w", action, err)
	}
	return nil
}

// Read returns the next inbound message. A task-failed event is returned as
// a message and also as a *TaskError.
func (c *Conn) Read(ctx context.Context) (Message, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("dashscope: read: %w", err)
	}
	if typ == websocket.MessageBinary {
		return Message{Audio: data}, nil
	}

	var raw struct {
		Header  Header          `json:"header"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Message{}, fmt.Errorf("dashscope: decode event: %w", err)
	}
	msg := Message{Header: raw.Header, Payload: raw.Payload}
	if raw.Header.Event == EventTaskFailed {
		return msg, &TaskError{TaskID: raw.Header.TaskID, Code: raw.Header.ErrorCode, Message: raw.Header.ErrorMessage}
	}
	return msg, nil
}

// Close closes the connection normally.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// CloseNow closes the connection without the closing handshake.
func (c *Conn) CloseNow() error {
	return c.ws.CloseNow()
}
