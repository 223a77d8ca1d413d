package screen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/vterm"
)

const rule = "────────────────────────────────────────"

// snapshotOf renders lines through a real terminal so tests see exactly
// what the classifier sees in production.
func snapshotOf(t *testing.T, lines ...string) vterm.Snapshot {
	t.Helper()
	term := vterm.New(24, 80)
	_, err := term.Write([]byte(strings.Join(lines, "\r\n")))
	require.NoError(t, err)
	return term.Snapshot()
}

func inputBox(prompt string) []string {
	return []string{rule, prompt, rule, "  ? for shortcuts"}
}

func screenWith(body []string, prompt string) []string {
	return append(append([]string{}, body...), inputBox(prompt)...)
}

var approvalScreen = []string{
	"╭──────────────────────────────────────────────────────╮",
	"│ Bash command                                         │",
	"│                                                      │",
	"│   rm -rf build                                       │",
	"│   Remove build output                                │",
	"│                                                      │",
	"│ Do you want to proceed?                              │",
	"│ ❯ 1. Yes                                             │",
	"│   2. Yes, and don't ask again for rm commands        │",
	"│   3. No, and tell Claude what to do differently      │",
	"╰──────────────────────────────────────────────────────╯",
}

func TestClassifyScenarios(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		prior Kind
		want  Kind
		line  string
	}{
		{
			name: "idle prompt after a finished turn",
			lines: screenWith([]string{
				"⏺ Done. The tests pass.",
				"",
				"✻ Worked for 2m 3s",
			}, "❯ "),
			want: IdlePrompt,
			line: "❯",
		},
		{
			name:  "idle prompt with NBSP after the glyph",
			lines: screenWith([]string{"⏺ Done."}, "❯\u00a0"),
			want:  IdlePrompt,
		},
		{
			name:  "prompt suggestion counts as idle",
			lines: screenWith([]string{"⏺ Done."}, `❯ Try "refactor parser.go"`),
			want:  IdlePrompt,
		},
		{
			name:  "typed input",
			lines: screenWith([]string{"⏺ Hi there"}, "❯ fix the bug"),
			want:  UserInput,
			line:  "❯ fix the bug",
		},
		{
			name: "spinner with whimsical word",
			lines: screenWith([]string{
				"⏺ I'll look at the code.",
				"",
				"✳ Cogitating… (3s · esc to interrupt)",
				"",
			}, "❯ "),
			want: Thinking,
			line: "✳ Cogitating… (3s · esc to interrupt)",
		},
		{
			name: "interrupt hint without spinner",
			lines: screenWith([]string{
				"⏺ Reading files",
				"  Working (esc to interrupt)",
			}, "❯ "),
			want: Thinking,
		},
		{
			name: "running tool",
			lines: screenWith([]string{
				"⏺ Bash(npm test)",
				"  ⎿  Running…",
			}, "❯ "),
			want: ToolRunning,
		},
		{
			name: "tool result in the last block",
			lines: []string{
				"⏺ Read(main.go)",
				"  ⎿  Read 120 lines",
				"",
			},
			want: ToolResult,
			line: "⎿  Read 120 lines",
		},
		{
			name: "tool result above an idle prompt is history",
			lines: screenWith([]string{
				"⏺ Bash(npm run dev)",
				"  ⎿  Done",
				"",
			}, "❯ "),
			want: IdlePrompt,
		},
		{
			name: "background task",
			lines: []string{
				"⏺ Bash(npm run dev)",
				"  ⎿  Running in the background (down arrow to manage)",
			},
			want: BackgroundTask,
		},
		{
			name: "background task under a spinner",
			lines: screenWith([]string{
				"⏺ Bash(npm run dev)",
				"  ⎿  Running in the background (down arrow to manage)",
				"",
				"✳ Cogitating… (3s · esc to interrupt)",
			}, "❯ "),
			want: Thinking,
		},
		{
			name: "finished reply mentioning background work",
			lines: screenWith([]string{
				"⏺ I started the dev server in the background on port 3000.",
				"",
			}, "❯ "),
			want: IdlePrompt,
		},
		{
			name:  "reply mentioning background work while it prints",
			lines: []string{"⏺ I started the dev server in the background on port 3000."},
			want:  LiveOutput,
		},
		{
			name:  "output bullet without prompt",
			lines: []string{"⏺ Here is the summary of the change"},
			want:  LiveOutput,
		},
		{
			name:  "plain text continues live output after activity",
			lines: []string{"and then the parser reads the header"},
			prior: Thinking,
			want:  LiveOutput,
		},
		{
			name:  "plain text without context is unrecognized",
			lines: []string{"and then the parser reads the header"},
			want:  Unrecognized,
			line:  "and then the parser reads the header",
		},
		{
			name: "startup banner",
			lines: []string{
				"╭──────────────────────────────╮",
				"│ ✻ Welcome to Claude Code!    │",
				"╰──────────────────────────────╯",
			},
			want: Startup,
		},
		{
			name:  "error line in the bottom window",
			lines: []string{"API Error: 500 Internal server error"},
			want:  Error,
		},
		{
			name:  "empty screen",
			lines: []string{""},
			want:  Unrecognized,
			line:  "",
		},
	}

	c := NewClassifier(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obs := c.Classify(snapshotOf(t, tt.lines...), Context{Prior: tt.prior})
			assert.Equal(t, tt.want, obs.Kind, "line %q", obs.Line)
			if tt.line != "" || tt.want == Unrecognized {
				assert.Equal(t, tt.line, obs.Line)
			}
		})
	}
}

func TestClassifyApprovalPayload(t *testing.T) {
	obs := NewClassifier(nil).Classify(snapshotOf(t, approvalScreen...), Context{})

	require.Equal(t, ToolApproval, obs.Kind)
	require.NotNil(t, obs.Approval)
	assert.Equal(t, "Do you want to proceed?", obs.Approval.Question)
	assert.Equal(t, "Bash command", obs.Approval.Tool)
	require.Len(t, obs.Approval.Options, 3)
	assert.Equal(t, Option{Number: 1, Label: "Yes", Selected: true}, obs.Approval.Options[0])
	assert.Equal(t, 2, obs.Approval.Options[1].Number)
	assert.False(t, obs.Approval.Options[1].Selected)
	assert.Equal(t, "No, and tell Claude what to do differently", obs.Approval.Options[2].Label)
}

func TestClassifyApprovalNeedsNumberedMenu(t *testing.T) {
	lines := screenWith([]string{"⏺ Do you want me to continue with the refactor?"}, "❯ ")
	obs := NewClassifier(nil).Classify(snapshotOf(t, lines...), Context{})
	assert.NotEqual(t, ToolApproval, obs.Kind)
}

func TestClassifyApprovalWinsOverActivity(t *testing.T) {
	lines := append(append([]string{}, approvalScreen...), "", "✳ Cogitating… (esc to interrupt)")
	obs := NewClassifier(nil).Classify(snapshotOf(t, lines...), Context{Prior: Thinking})
	assert.Equal(t, ToolApproval, obs.Kind)
}

func TestClassifyTaskList(t *testing.T) {
	lines := screenWith([]string{
		"⏺ Update Todos",
		"  ⎿  ☒ Read the config",
		"     ◼ Write the parser",
		"     ☐ Add tests",
		"",
		"✳ Frolicking… (esc to interrupt)",
	}, "❯ ")
	obs := NewClassifier(nil).Classify(snapshotOf(t, lines...), Context{})

	require.Equal(t, TaskList, obs.Kind)
	assert.Equal(t, []Task{
		{Text: "Read the config", Status: TaskDone},
		{Text: "Write the parser", Status: TaskActive},
		{Text: "Add tests", Status: TaskPending},
	}, obs.Tasks)
}

func TestClassifyFinishedTaskListIsNotStructural(t *testing.T) {
	lines := screenWith([]string{
		"  ⎿  ☒ Read the config",
		"     ☒ Write the parser",
		"",
		"⏺ All done.",
	}, "❯ ")
	obs := NewClassifier(nil).Classify(snapshotOf(t, lines...), Context{})
	assert.Equal(t, IdlePrompt, obs.Kind)
}

func TestClassifyParallelAgents(t *testing.T) {
	t.Run("concurrent task calls", func(t *testing.T) {
		lines := screenWith([]string{
			"⏺ Task(Explore the repo)",
			"  ⎿  Read 3 files",
			"⏺ Task(Review tests)",
			"  ⎿  Searching…",
		}, "❯ ")
		obs := NewClassifier(nil).Classify(snapshotOf(t, lines...), Context{})
		require.Equal(t, ParallelAgents, obs.Kind)
		assert.Equal(t, 2, obs.Agents)
	})

	t.Run("running count line", func(t *testing.T) {
		lines := screenWith([]string{"✳ Running 3 Task agents… (esc to interrupt)"}, "❯ ")
		obs := NewClassifier(nil).Classify(snapshotOf(t, lines...), Context{})
		require.Equal(t, ParallelAgents, obs.Kind)
		assert.Equal(t, 3, obs.Agents)
	})

	t.Run("finished agents do not count", func(t *testing.T) {
		lines := screenWith([]string{
			"⏺ Task(Explore the repo)",
			"  ⎿  Done (4 tool uses)",
			"⏺ Task(Review tests)",
			"  ⎿  Done (2 tool uses)",
		}, "❯ ")
		obs := NewClassifier(nil).Classify(snapshotOf(t, lines...), Context{})
		assert.NotEqual(t, ParallelAgents, obs.Kind)
	})
}

func TestClassifyToolPayload(t *testing.T) {
	lines := screenWith([]string{
		"⏺ Bash(go test ./...)",
		"  ⎿  Running…",
	}, "❯ ")
	obs := NewClassifier(nil).Classify(snapshotOf(t, lines...), Context{})

	require.Equal(t, ToolRunning, obs.Kind)
	require.NotNil(t, obs.Tool)
	assert.Equal(t, ToolCall{Name: "Bash", Args: "go test ./..."}, *obs.Tool)
}

func TestClassifyIsDeterministic(t *testing.T) {
	snap := snapshotOf(t, screenWith([]string{
		"⏺ Bash(npm test)",
		"  ⎿  Running…",
	}, "❯ ")...)

	first := NewClassifier(nil).Classify(snap, Context{Prior: Thinking})
	for range 5 {
		assert.Equal(t, first, NewClassifier(nil).Classify(snap, Context{Prior: Thinking}))
	}
}

func TestClassifySkipsSeparatorWithStrayGlyphs(t *testing.T) {
	lines := []string{
		"⏺ Done.",
		rule,
		"❯ ",
		rule + "?;a",
		"  ? for shortcuts",
	}
	obs := NewClassifier(nil).Classify(snapshotOf(t, lines...), Context{})
	assert.Equal(t, IdlePrompt, obs.Kind)
}

func TestIsSeparator(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{rule, true},
		{"  " + rule + "  ", true},
		{"━━━━━━━━━━━━", true},
		{rule + "�", true},
		{rule + "?;[", true},
		{rule + "abcd", false},
		{"───── hello", false},
		{"───────", false},
		{"", false},
		{rule + " Title", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsSeparator(tt.in), "%q", tt.in)
	}
}

func TestKinds(t *testing.T) {
	kinds := Kinds()
	require.Len(t, kinds, 14)
	seen := map[string]bool{}
	for _, k := range kinds {
		name := k.String()
		assert.NotEqual(t, "Kind(?)", name)
		assert.False(t, seen[name], "duplicate %s", name)
		seen[name] = true
	}
	assert.Equal(t, TierLifecycle, ProcessExited.Tier())
	assert.Equal(t, TierStructural, ToolApproval.Tier())
	assert.True(t, ParallelAgents.IsActivity())
	assert.True(t, ToolResult.IsContent())
	assert.False(t, IdlePrompt.IsActivity())
}
