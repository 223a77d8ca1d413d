package phase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/screen"
)

func TestDefaultTableIsTotal(t *testing.T) {
	tbl := DefaultTable()
	assert.Empty(t, tbl.Missing())
	assert.Len(t, tbl, len(Phases())*len(screen.Kinds()))

	for _, p := range Phases() {
		for _, k := range screen.Kinds() {
			next, _, err := Transition(p, k)
			require.NoError(t, err, "%s + %s", p, k)
			assert.Contains(t, Phases(), next)
		}
	}
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from    Phase
		kind    screen.Kind
		next    Phase
		actions []Action
	}{
		{Dormant, screen.Thinking, Thinking, nil},
		{Dormant, screen.ToolRunning, Thinking, nil},
		{Dormant, screen.LiveOutput, Streaming, []Action{StreamUpdate}},
		{Dormant, screen.IdlePrompt, Dormant, nil},
		{Dormant, screen.Unrecognized, Dormant, nil},
		{Dormant, screen.Error, Dormant, []Action{ReportError}},
		{Dormant, screen.ToolApproval, ToolPending, []Action{SendApprovalPrompt}},
		{Thinking, screen.LiveOutput, Streaming, []Action{StreamUpdate}},
		{Thinking, screen.Thinking, Thinking, []Action{StreamUpdate}},
		{Thinking, screen.ToolRunning, Thinking, []Action{StreamUpdate}},
		{Thinking, screen.ToolResult, Streaming, []Action{StreamUpdate}},
		{Streaming, screen.Thinking, Streaming, []Action{StreamUpdate}},
		{Thinking, screen.UserInput, Thinking, nil},
		{Thinking, screen.IdlePrompt, Dormant, []Action{Finalize}},
		{Streaming, screen.ToolResult, Streaming, []Action{StreamUpdate}},
		{Streaming, screen.IdlePrompt, Dormant, []Action{Finalize}},
		{Streaming, screen.Startup, Streaming, nil},
		{Streaming, screen.Error, Dormant, []Action{Finalize, ReportError}},
		{Streaming, screen.ToolApproval, ToolPending, []Action{Finalize, SendApprovalPrompt}},
		{ToolPending, screen.LiveOutput, ToolPending, nil},
		{ToolPending, screen.IdlePrompt, ToolPending, nil},
		{ToolPending, screen.ToolApproval, ToolPending, nil},
		{ToolPending, screen.ProcessExited, Dormant, []Action{FinalizeEnded, RemoveSession}},
		{Thinking, screen.ProcessExited, Dormant, []Action{FinalizeEnded, RemoveSession}},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"+"+tt.kind.String(), func(t *testing.T) {
			next, actions, err := Transition(tt.from, tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.next, next)
			assert.Equal(t, tt.actions, actions)
		})
	}
}

func TestApprovalSuspendsContent(t *testing.T) {
	p, actions, err := Transition(Streaming, screen.ToolApproval)
	require.NoError(t, err)
	require.Equal(t, ToolPending, p)
	assert.Contains(t, actions, SendApprovalPrompt)

	for _, k := range screen.Kinds() {
		if k == screen.ProcessExited {
			continue
		}
		next, actions, err := Transition(p, k)
		require.NoError(t, err)
		assert.Equal(t, ToolPending, next, k.String())
		assert.Empty(t, actions, k.String())
	}
	assert.False(t, DeliveryActive(Streaming, ToolPending))
	assert.False(t, DeliveryActive(ToolPending, ToolPending))
	assert.True(t, DeliveryActive(Thinking, Streaming))
}

func TestUnmappedPair(t *testing.T) {
	tbl := DefaultTable()
	delete(tbl, Key{Streaming, screen.LiveOutput})

	next, actions, err := tbl.Transition(Streaming, screen.LiveOutput)
	assert.ErrorIs(t, err, ErrUnmapped)
	assert.Equal(t, Streaming, next)
	assert.Nil(t, actions)
	assert.Equal(t, []Key{{Streaming, screen.LiveOutput}}, tbl.Missing())
}

func TestTransitionReturnsFreshActions(t *testing.T) {
	_, a, err := Transition(Streaming, screen.IdlePrompt)
	require.NoError(t, err)
	a[0] = RemoveSession

	_, b, err := Transition(Streaming, screen.IdlePrompt)
	require.NoError(t, err)
	assert.Equal(t, []Action{Finalize}, b)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		from Phase
		d    Decision
		next Phase
		err  error
	}{
		{ToolPending, Allow, Thinking, nil},
		{ToolPending, AllowAlways, Thinking, nil},
		{ToolPending, Deny, Dormant, nil},
		{Streaming, Allow, Streaming, ErrNoPendingApproval},
		{Dormant, Deny, Dormant, ErrNoPendingApproval},
	}
	for _, tt := range tests {
		next, actions, err := Resolve(tt.from, tt.d)
		assert.Equal(t, tt.next, next)
		if tt.err != nil {
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, actions)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, []Action{SendDecision}, actions)
	}
}

func TestParseDecision(t *testing.T) {
	for _, d := range []Decision{Allow, AllowAlways, Deny} {
		got, err := ParseDecision(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	_, err := ParseDecision("maybe")
	assert.Error(t, err)
}

func TestStrings(t *testing.T) {
	assert.Equal(t, "tool_pending", ToolPending.String())
	assert.Equal(t, "Phase(9)", Phase(9).String())
	assert.Equal(t, "finalize_ended", FinalizeEnded.String())
	assert.Equal(t, "Action(0)", Action(0).String())
}
