package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/anvilworks/anvil/pkg/types"
)

// MessageType discriminates worker protocol messages.
type MessageType string

const (
	// Worker -> coordinator
	MessageRegister MessageType = "register"
	MessageSuccess  MessageType = "success"
	MessageError    MessageType = "error"
	MessagePong     MessageType = "pong"

	// Coordinator -> worker
	MessageExecute  MessageType = "execute"
	MessagePing     MessageType = "ping"
	MessageShutdown MessageType = "shutdown"
)

// Resources is the resource envelope a worker reports at registration.
type Resources struct {
	MemoryLimitMB int `json:"memory_limit_mb,omitempty"`
	CPUCores      int `json:"cpu_cores,omitempty"`
}

// Message is the single wire frame for both directions: exactly one JSON
// object per \n-terminated line. Fields are populated per Type; unused
// fields are omitted from the encoding.
type Message struct {
	Type MessageType `json:"type"`
	ID   string      `json:"id,omitempty"`

	// register
	Capabilities *types.WorkerCapabilities `json:"capabilities,omitempty"`
	Resources    *Resources                `json:"resources,omitempty"`

	// execute
	Tool      string          `json:"tool,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
	Priority  types.Priority  `json:"priority,omitempty"`

	// success
	Result json.RawMessage `json:"result,omitempty"`

	// error
	Error *types.TaskError `json:"error,omitempty"`

	// ping / pong
	Timestamp int64 `json:"timestamp,omitempty"`

	// shutdown
	Graceful bool `json:"graceful,omitempty"`
}

// Validate checks that the fields required for the message type are set.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageRegister:
		if m.Capabilities == nil || len(m.Capabilities.Tools) == 0 {
			return fmt.Errorf("register message missing capabilities")
		}
	case MessageExecute:
		if m.ID == "" || m.Tool == "" {
			return fmt.Errorf("execute message missing id or tool")
		}
	case MessageSuccess:
		if m.ID == "" {
			return fmt.Errorf("success message missing id")
		}
	case MessageError:
		if m.ID == "" || m.Error == nil {
			return fmt.Errorf("error message missing id or error")
		}
	case MessagePing, MessagePong:
		if m.ID == "" {
			return fmt.Errorf("%s message missing id", m.Type)
		}
	case MessageShutdown:
		// no required fields
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
