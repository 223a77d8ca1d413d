package screen

// Kind is the classifier's verdict on what the screen currently shows.
// It is a closed set; Kinds lists every value.
type Kind uint8

const (
	Unrecognized Kind = iota

	// Structural tier, matched anywhere on the grid.
	ToolApproval
	TaskList
	ParallelAgents

	// Activity tier, matched in the bottom window.
	Thinking
	ToolRunning
	ToolResult
	BackgroundTask

	// Line-status tier, matched on the last meaningful line.
	IdlePrompt
	LiveOutput
	UserInput

	// Fallbacks.
	Startup
	Error

	// ProcessExited is never produced by a Classifier; the orchestrator
	// synthesizes it when the child process is gone.
	ProcessExited
)

var kindNames = [...]string{
	Unrecognized:   "Unrecognized",
	ToolApproval:   "ToolApproval",
	TaskList:       "TaskList",
	ParallelAgents: "ParallelAgents",
	Thinking:       "Thinking",
	ToolRunning:    "ToolRunning",
	ToolResult:     "ToolResult",
	BackgroundTask: "BackgroundTask",
	IdlePrompt:     "IdlePrompt",
	LiveOutput:     "LiveOutput",
	UserInput:      "UserInput",
	Startup:        "Startup",
	Error:          "Error",
	ProcessExited:  "ProcessExited",
}

// Kinds returns every Kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kindNames))
	for k := range kindNames {
		out = append(out, Kind(k))
	}
	return out
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(?)"
}

// Tier groups kinds by how the classifier finds them.
type Tier uint8

const (
	TierFallback Tier = iota
	TierStructural
	TierActivity
	TierLineStatus
	TierLifecycle
)

// Tier returns the tier k belongs to.
func (k Kind) Tier() Tier {
	switch k {
	case ToolApproval, TaskList, ParallelAgents:
		return TierStructural
	case Thinking, ToolRunning, ToolResult, BackgroundTask:
		return TierActivity
	case IdlePrompt, LiveOutput, UserInput:
		return TierLineStatus
	case ProcessExited:
		return TierLifecycle
	default:
		return TierFallback
	}
}

// IsActivity reports kinds that mean the program is busy without new
// content of its own: spinners, running tools, background work, agents.
func (k Kind) IsActivity() bool {
	switch k {
	case Thinking, ToolRunning, BackgroundTask, ParallelAgents:
		return true
	}
	return false
}

// IsContent reports kinds that carry new output worth streaming.
func (k Kind) IsContent() bool {
	switch k {
	case ToolResult, LiveOutput, TaskList:
		return true
	}
	return false
}

// Option is one numbered choice in an approval menu.
type Option struct {
	Number   int
	Label    string
	Selected bool
}

// Approval is the payload of a ToolApproval observation.
type Approval struct {
	Question string
	Options  []Option
	Tool     string
}

// TaskStatus is the state of one task list entry.
type TaskStatus uint8

const (
	TaskPending TaskStatus = iota
	TaskActive
	TaskDone
)

func (s TaskStatus) String() string {
	switch s {
	case TaskActive:
		return "active"
	case TaskDone:
		return "done"
	default:
		return "pending"
	}
}

// Task is one entry of a TaskList observation.
type Task struct {
	Text   string
	Status TaskStatus
}

// ToolCall names the tool a tool-tier observation refers to.
type ToolCall struct {
	Name string
	Args string
}

// Observation is the single-label result of classifying a snapshot.
// Only the payload field matching Kind is set.
type Observation struct {
	Kind     Kind
	Line     string // the line that decided the match
	Approval *Approval
	Tasks    []Task
	Tool     *ToolCall
	Agents   int
}
