// Package proto defines the message protocol spoken between agents and the
// coordination core: agent identities, typed messages, and priorities.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AgentType identifies a kind of agent endpoint.
type AgentType string

// Known agent kinds. The core treats these uniformly; the list exists so
// identities can be validated at the boundary.
const (
	AgentTypeInputProcessor AgentType = "input_processor"
	AgentTypeWorldBuilder   AgentType = "world_builder"
	AgentTypeNarrative      AgentType = "narrative"
	AgentTypeOrchestrator   AgentType = "orchestrator"
	AgentTypeWorker         AgentType = "worker"
)

// ValidateAgentType validates if a string is a known agent type.
func ValidateAgentType(agentType string) (AgentType, bool) {
	switch AgentType(agentType) {
	case AgentTypeInputProcessor, AgentTypeWorldBuilder, AgentTypeNarrative,
		AgentTypeOrchestrator, AgentTypeWorker:
		return AgentType(agentType), true
	default:
		return "", false
	}
}

// String returns the string representation of AgentType.
func (t AgentType) String() string {
	return string(t)
}

// AgentID identifies a logical endpoint. Instance is optional; type plus
// instance forms the stable queue and circuit key.
type AgentID struct {
	Type     AgentType `json:"type"`
	Instance string    `json:"instance,omitempty"`
}

// NewAgentID creates an AgentID for the given type and optional instance.
func NewAgentID(agentType AgentType, instance string) AgentID {
	return AgentID{Type: agentType, Instance: instance}
}

// Key returns the stable routing key for this identity ("type" or
// "type:instance").
func (id AgentID) Key() string {
	if id.Instance == "" {
		return string(id.Type)
	}
	return fmt.Sprintf("%s:%s", id.Type, id.Instance)
}

// String returns the routing key.
func (id AgentID) String() string {
	return id.Key()
}

// ParseAgentID parses a routing key back into an AgentID.
func ParseAgentID(key string) (AgentID, error) {
	if key == "" {
		return AgentID{}, fmt.Errorf("empty agent id")
	}
	parts := strings.SplitN(key, ":", 2)
	agentType, ok := ValidateAgentType(parts[0])
	if !ok {
		return AgentID{}, fmt.Errorf("unknown agent type: %s", parts[0])
	}
	id := AgentID{Type: agentType}
	if len(parts) == 2 {
		id.Instance = parts[1]
	}
	return id, nil
}

// MsgType classifies a message.
type MsgType string

// Message types carried by the coordinator.
const (
	MsgTypeREQUEST  MsgType = "REQUEST"
	MsgTypeRESPONSE MsgType = "RESPONSE"
	MsgTypeEVENT    MsgType = "EVENT"
)

// ValidateMsgType validates if a string is a valid message type.
func ValidateMsgType(msgType string) (MsgType, bool) {
	switch MsgType(msgType) {
	case MsgTypeREQUEST, MsgTypeRESPONSE, MsgTypeEVENT:
		return MsgType(msgType), true
	default:
		return "", false
	}
}

// ParseMsgType parses a string into a MsgType with validation.
func ParseMsgType(s string) (MsgType, error) {
	if msgType, ok := ValidateMsgType(strings.ToUpper(s)); ok {
		return msgType, nil
	}
	return "", fmt.Errorf("unknown message type: %s", s)
}

// String returns the string representation of MsgType.
func (mt MsgType) String() string {
	return string(mt)
}

// Priority orders delivery. Higher priorities are always delivered before
// lower ones; FIFO applies within a priority.
type Priority int

// Delivery priorities, lowest to highest.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Priorities lists all priorities from highest to lowest, the order in
// which the coordinator drains lanes.
//
//nolint:gochecknoglobals // Fixed lane iteration order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// String returns the string representation of Priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority parses a string into a Priority with validation.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(s) {
	case "LOW":
		return PriorityLow, nil
	case "NORMAL":
		return PriorityNormal, nil
	case "HIGH":
		return PriorityHigh, nil
	default:
		return 0, fmt.Errorf("unknown priority: %s", s)
	}
}

// AgentMsg is a message between two named endpoints. Messages are
// immutable once created; mutate a Clone, never a delivered message.
type AgentMsg struct {
	ID        string         `json:"id"`
	Type      MsgType        `json:"type"`
	Sender    AgentID        `json:"sender"`
	Recipient AgentID        `json:"recipient"`
	Priority  Priority       `json:"priority"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// NewAgentMsg creates a message with a fresh ID and UTC creation time.
func NewAgentMsg(msgType MsgType, sender, recipient AgentID) *AgentMsg {
	return &AgentMsg{
		ID:        uuid.NewString(),
		Type:      msgType,
		Sender:    sender,
		Recipient: recipient,
		Priority:  PriorityNormal,
		Payload:   make(map[string]any),
		CreatedAt: time.Now().UTC(),
	}
}

// SetPayload sets a payload value.
func (msg *AgentMsg) SetPayload(key string, value any) {
	if msg.Payload == nil {
		msg.Payload = make(map[string]any)
	}
	msg.Payload[key] = value
}

// GetPayload returns a payload value and whether it was present.
func (msg *AgentMsg) GetPayload(key string) (any, bool) {
	if msg.Payload == nil {
		return nil, false
	}
	val, exists := msg.Payload[key]
	return val, exists
}

// Clone returns a deep copy of the message.
func (msg *AgentMsg) Clone() *AgentMsg {
	clone := &AgentMsg{
		ID:        msg.ID,
		Type:      msg.Type,
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Priority:  msg.Priority,
		CreatedAt: msg.CreatedAt,
	}
	if msg.Payload != nil {
		clone.Payload = make(map[string]any, len(msg.Payload))
		for k, v := range msg.Payload {
			clone.Payload[k] = v
		}
	}
	return clone
}

// Validate checks the message for required fields.
func (msg *AgentMsg) Validate() error {
	if msg.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	if _, valid := ValidateMsgType(string(msg.Type)); !valid {
		return fmt.Errorf("invalid message type: %s", msg.Type)
	}
	if msg.Sender.Type == "" {
		return fmt.Errorf("sender is required")
	}
	if msg.Recipient.Type == "" {
		return fmt.Errorf("recipient is required")
	}
	if msg.Priority < PriorityLow || msg.Priority > PriorityHigh {
		return fmt.Errorf("invalid priority: %d", msg.Priority)
	}
	if msg.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// ToJSON serializes the message.
func (msg *AgentMsg) ToJSON() ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal AgentMsg: %w", err)
	}
	return data, nil
}

// FromJSON deserializes a message.
func FromJSON(data []byte) (*AgentMsg, error) {
	var msg AgentMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal AgentMsg: %w", err)
	}
	return &msg, nil
}
