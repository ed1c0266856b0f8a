package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeneratesIdentity(t *testing.T) {
	m := NewUser("hello")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, RoleUser, m.Role)
	assert.Equal(t, "hello", m.Content)
	assert.False(t, m.Timestamp.IsZero())
	assert.Equal(t, time.UTC, m.Timestamp.Location())
}

func TestConstructionCopiesInputs(t *testing.T) {
	md := map[string]any{"importance": 0.9}
	calls := []ToolCall{{ID: "c1", Name: "calc", Arguments: map[string]any{"expr": "2+2"}}}
	m := NewAssistant("", WithMetadata(md), WithToolCalls(calls...))

	md["importance"] = 0.1
	calls[0].Name = "mutated"
	calls[0].Arguments["expr"] = "mutated"

	assert.Equal(t, 0.9, m.Metadata["importance"])
	assert.Equal(t, "calc", m.ToolCalls[0].Name)
	assert.Equal(t, "2+2", m.ToolCalls[0].Arguments["expr"])
}

func TestReplyLinksParentAndHistory(t *testing.T) {
	user := NewUser("hello")
	reply := user.Reply(RoleAssistant, "hi")

	assert.Equal(t, user.ID, reply.ParentID)
	require.Len(t, reply.History, 1)
	assert.Same(t, user, reply.History[0])
	assert.Equal(t, "hello", user.Content, "original must be untouched")
	assert.Empty(t, user.History)
}

func TestReplyExtendsHistoryAsPrefix(t *testing.T) {
	first := NewUser("one")
	second := first.Reply(RoleAssistant, "two")
	third := second.Reply(RoleUser, "three")

	require.Len(t, third.History, 2)
	assert.Same(t, first, third.History[0])
	assert.Same(t, second, third.History[1])
	require.Len(t, second.History, 1, "intermediate history must not grow")
}

func TestWithContentPreservesIdentity(t *testing.T) {
	m := NewAssistant("draft", WithName("answer"))
	updated := m.WithContent("final")

	assert.Equal(t, m.ID, updated.ID)
	assert.Equal(t, "final", updated.Content)
	assert.Equal(t, "draft", m.Content)
	assert.Equal(t, "answer", updated.Name)
}

func TestTextJoinsParts(t *testing.T) {
	m := NewUser("", WithParts(
		Part{Type: "text", Text: "first"},
		Part{Type: "data", Data: map[string]any{"k": "v"}},
		Part{Type: "text", Text: "second"},
	))
	assert.Equal(t, "first\nsecond", m.Text())

	plain := NewUser("plain")
	assert.Equal(t, "plain", plain.Text())
}

func TestValidateInvariants(t *testing.T) {
	cases := []struct {
		name    string
		msg     *Message
		wantErr string
	}{
		{"tool result is valid", NewToolResult("c1", "calc", "4"), ""},
		{"tool without call id", New(RoleTool, "4"), "tool message requires tool_call_id"},
		{
			"tool with tool calls",
			New(RoleTool, "", WithToolCallID("c1"), WithToolCalls(ToolCall{ID: "c2", Name: "x"})),
			"tool message must not carry tool_calls",
		},
		{
			"user with tool calls",
			NewUser("", WithToolCalls(ToolCall{ID: "c1", Name: "x"})),
			"only assistant messages may carry tool_calls",
		},
		{"assistant with tool calls", NewAssistant("", WithToolCalls(ToolCall{ID: "c1", Name: "x"})), ""},
		{"unknown role", New(Role("weird"), "x"), "unknown role weird"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, tc.wantErr)
			}
		})
	}
}

func TestEncodeHistoryToggle(t *testing.T) {
	user := NewUser("hello")
	final := user.Reply(RoleAssistant, "hi")

	withHistory, err := final.Encode(true)
	require.NoError(t, err)
	decoded, err := Decode(withHistory)
	require.NoError(t, err)
	require.Len(t, decoded.History, 1)
	assert.Equal(t, user.ID, decoded.History[0].ID)

	withoutHistory, err := final.Encode(false)
	require.NoError(t, err)
	bare, err := Decode(withoutHistory)
	require.NoError(t, err)
	assert.Empty(t, bare.History)
	assert.Equal(t, final.ID, bare.ID)
	require.Len(t, final.History, 1, "encode must not strip the original")
}

func TestDecodeRejectsInvalid(t *testing.T) {
	_, err := Decode([]byte(`{"id":"x","role":"tool","content":"4"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool_call_id")

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestThreadIncludesSelf(t *testing.T) {
	user := NewUser("q")
	final := user.Reply(RoleAssistant, "a")
	thread := final.Thread()
	require.Len(t, thread, 2)
	assert.Same(t, user, thread[0])
	assert.Same(t, final, thread[1])
}
