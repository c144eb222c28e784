package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentIDKey(t *testing.T) {
	id := NewAgentID(AgentTypeWorldBuilder, "")
	assert.Equal(t, "world_builder", id.Key())

	id = NewAgentID(AgentTypeWorldBuilder, "wb-2")
	assert.Equal(t, "world_builder:wb-2", id.Key())
}

func TestParseAgentIDRoundTrip(t *testing.T) {
	original := NewAgentID(AgentTypeNarrative, "n1")
	parsed, err := ParseAgentID(original.Key())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)

	_, err = ParseAgentID("")
	assert.Error(t, err)

	_, err = ParseAgentID("toaster:x")
	assert.Error(t, err)
}

func TestPriorityOrderConstants(t *testing.T) {
	// The lane drain order is load-bearing for the coordinator.
	assert.Equal(t, []Priority{PriorityHigh, PriorityNormal, PriorityLow}, Priorities)
	assert.True(t, PriorityHigh > PriorityNormal)
	assert.True(t, PriorityNormal > PriorityLow)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"HIGH", PriorityHigh, false},
		{"normal", PriorityNormal, false},
		{"Low", PriorityLow, false},
		{"urgent", 0, true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.in)
			continue
		}
		require.NoError(t, err, "input %q", tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestNewAgentMsgDefaults(t *testing.T) {
	sender := NewAgentID(AgentTypeOrchestrator, "")
	recipient := NewAgentID(AgentTypeWorldBuilder, "")

	msg := NewAgentMsg(MsgTypeREQUEST, sender, recipient)
	require.NoError(t, msg.Validate())
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, PriorityNormal, msg.Priority)
	assert.False(t, msg.CreatedAt.IsZero())
}

func TestValidateRejectsBadMessages(t *testing.T) {
	sender := NewAgentID(AgentTypeOrchestrator, "")
	recipient := NewAgentID(AgentTypeWorker, "w1")

	msg := NewAgentMsg(MsgTypeEVENT, sender, recipient)
	msg.ID = ""
	assert.Error(t, msg.Validate())

	msg = NewAgentMsg(MsgTypeEVENT, sender, recipient)
	msg.Type = "GOSSIP"
	assert.Error(t, msg.Validate())

	msg = NewAgentMsg(MsgTypeEVENT, sender, recipient)
	msg.Priority = Priority(42)
	assert.Error(t, msg.Validate())
}

func TestCloneIsDeep(t *testing.T) {
	msg := NewAgentMsg(MsgTypeREQUEST, NewAgentID(AgentTypeOrchestrator, ""), NewAgentID(AgentTypeWorker, ""))
	msg.SetPayload("step", "build_world")

	clone := msg.Clone()
	clone.SetPayload("step", "mutated")

	val, ok := msg.GetPayload("step")
	require.True(t, ok)
	assert.Equal(t, "build_world", val)
}

func TestJSONRoundTrip(t *testing.T) {
	msg := NewAgentMsg(MsgTypeRESPONSE, NewAgentID(AgentTypeWorldBuilder, "wb-1"), NewAgentID(AgentTypeOrchestrator, ""))
	msg.Priority = PriorityHigh
	msg.SetPayload("result", "ok")

	data, err := msg.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, PriorityHigh, decoded.Priority)
	assert.Equal(t, "world_builder:wb-1", decoded.Sender.Key())
}
