package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrInvalidTask    = errors.New("invalid task")
)

// Message is the envelope exchanged over the portfolio agent stream.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MessageType constants
const (
	// Client to server.
	MessageTypeTask = "task"
	MessageTypePing = "ping"

	// Server to client.
	MessageTypeState      = "state"
	MessageTypeTaskResult = "task_result"
	MessageTypeError      = "error"
	MessageTypePong       = "pong"
)

// TaskMessage asks the agent to answer a user message.
type TaskMessage struct {
	UserMessage   string `json:"user_message"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

// ErrorMessage represents an error message
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewMessage builds a message of the given type with data encoded as JSON.
func NewMessage(msgType, taskID string, data any) (*Message, error) {
	m := &Message{
		Type:      msgType,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s data: %w", msgType, err)
		}
		m.Data = raw
	}
	return m, nil
}

// DecodeData decodes the message payload into v.
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s message has no data", ErrInvalidMessage, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// Task extracts the task payload of a task message.
func (m *Message) Task() (*TaskMessage, error) {
	if m.Type != MessageTypeTask {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrInvalidMessage, MessageTypeTask, m.Type)
	}
	var t TaskMessage
	if err := m.DecodeData(&t); err != nil {
		return nil, err
	}
	if t.UserMessage == "" {
		return nil, fmt.Errorf("%w: user_message is required", ErrInvalidTask)
	}
	return &t, nil
}
