package screen

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/asheshgoplani/agent-relay/internal/vterm"
)

// BottomWindow is how many lines, ending at the last meaningful line, the
// activity pass looks at.
const BottomWindow = 8

// Context carries what the classifier may know beyond the snapshot.
type Context struct {
	// Prior is the previous observation for the same session.
	Prior Kind
}

// Classifier turns a snapshot into exactly one Observation. Implementations
// must be pure: the same snapshot and context always give the same result.
type Classifier interface {
	Classify(snap vterm.Snapshot, ctx Context) Observation
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(vterm.Snapshot, Context) Observation

// Classify calls f.
func (f ClassifierFunc) Classify(snap vterm.Snapshot, ctx Context) Observation {
	return f(snap, ctx)
}

var (
	optionRe        = regexp.MustCompile(`^(?:[❯›>]\s*)?(\d{1,2})[.)]\s+(\S.*)$`)
	toolCallRe      = regexp.MustCompile(`^(?:⏺|●)\s*([A-Za-z][\w:.-]*)\((.*?)\)?\s*$`)
	runningAgentsRe = regexp.MustCompile(`(?i)\brunning\s+(\d+)\s+(?:\w+\s+)?agents?\b`)
)

// PatternClassifier is the three-pass classifier over a Patterns set.
//
//  1. Structural patterns anywhere on the grid: approval menus, task
//     lists, parallel agents.
//  2. Activity patterns in the bottom window: running tools, spinners,
//     then background work and tool results unless an idle prompt
//     closes the window.
//  3. The last meaningful line: idle prompt, typed input, live output;
//     then the startup, error and unrecognized fallbacks.
//
// The first match ends classification.
type PatternClassifier struct {
	p *Patterns
}

// NewClassifier returns a classifier using p, or the defaults when p is nil.
func NewClassifier(p *Patterns) *PatternClassifier {
	if p == nil {
		p = MustDefaultPatterns()
	}
	return &PatternClassifier{p: p}
}

// Classify implements Classifier.
func (c *PatternClassifier) Classify(snap vterm.Snapshot, ctx Context) Observation {
	lines := snap.Lines()
	for i, l := range lines {
		lines[i] = strings.ReplaceAll(l, "\u00a0", " ")
	}

	if obs, ok := c.structural(lines); ok {
		return obs
	}

	last := c.lastMeaningful(lines)
	if last < 0 {
		return c.fallback(lines, nil, "")
	}
	window := lines[max(0, last-BottomWindow+1) : last+1]

	if obs, ok := c.activity(lines, last); ok {
		return obs
	}
	if obs, ok := c.lineStatus(stripBorder(lines[last]), ctx); ok {
		return obs
	}
	return c.fallback(lines, window, stripBorder(lines[last]))
}

// ---- pass 1 ----

func (c *PatternClassifier) structural(lines []string) (Observation, bool) {
	if a, line, ok := c.approval(lines); ok {
		return Observation{Kind: ToolApproval, Line: line, Approval: a}, true
	}
	if tasks, line, ok := taskList(lines); ok {
		return Observation{Kind: TaskList, Line: line, Tasks: tasks}, true
	}
	if n, line, ok := parallelAgents(lines); ok {
		return Observation{Kind: ParallelAgents, Line: line, Agents: n}, true
	}
	return Observation{}, false
}

// approval finds the lowest question line that is followed by a numbered
// menu starting at 1 with at least two options.
func (c *PatternClassifier) approval(lines []string) (*Approval, string, bool) {
	for q := len(lines) - 1; q >= 0; q-- {
		text := stripBorder(lines[q])
		if text == "" || optionRe.MatchString(text) || !c.p.Approval.Match(text) {
			continue
		}
		opts := menuOptions(lines, q+1)
		if len(opts) < 2 || opts[0].Number != 1 || opts[1].Number != 2 {
			continue
		}
		return &Approval{
			Question: text,
			Options:  opts,
			Tool:     approvalTool(lines, q),
		}, text, true
	}
	return nil, "", false
}

func menuOptions(lines []string, from int) []Option {
	var opts []Option
	optIndent := 0
	for i := from; i < len(lines) && i < from+16; i++ {
		raw := lines[i]
		if isBoxEdge(raw) || IsSeparator(raw) {
			break
		}
		text := stripBorder(raw)
		if text == "" {
			continue
		}
		if m := optionRe.FindStringSubmatch(text); m != nil {
			n, _ := strconv.Atoi(m[1])
			opts = append(opts, Option{
				Number:   n,
				Label:    strings.TrimSpace(m[2]),
				Selected: text != strings.TrimLeft(text, "❯›>"),
			})
			optIndent = innerIndent(raw)
			continue
		}
		if len(opts) == 0 {
			// The menu must follow its question directly.
			return nil
		}
		if innerIndent(raw) > optIndent+1 {
			last := &opts[len(opts)-1]
			last.Label += " " + text
			continue
		}
		break
	}
	return opts
}

// innerIndent counts the spaces before the text, after any box border.
func innerIndent(s string) int {
	s = strings.TrimLeft(s, " ")
	if r, size := firstRune(s); isVerticalBorder(r) {
		s = s[size:]
	}
	return len(s) - len(strings.TrimLeft(s, " "))
}

// approvalTool names the tool an approval menu is about: the title line of
// the enclosing box or rule, or the nearest tool call above it.
func approvalTool(lines []string, q int) string {
	for i := q - 1; i >= 0 && i >= q-16; i-- {
		raw := lines[i]
		if isBoxEdge(raw) || IsSeparator(raw) {
			for j := i + 1; j < q; j++ {
				if t := stripBorder(lines[j]); t != "" {
					return t
				}
			}
			return ""
		}
		if call, ok := parseToolCall(stripBorder(raw)); ok {
			return call.Name
		}
	}
	return ""
}

func parseToolCall(text string) (*ToolCall, bool) {
	m := toolCallRe.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	return &ToolCall{Name: m[1], Args: m[2]}, true
}

// nearestToolCall searches upward from row for a "⏺ Name(args)" line.
func nearestToolCall(lines []string, row int) *ToolCall {
	for i := row; i >= 0; i-- {
		if call, ok := parseToolCall(stripBorder(lines[i])); ok {
			return call
		}
	}
	return nil
}

func parseTask(text string) (Task, bool) {
	if r, ok := resultText(text); ok {
		text = r
	}
	r, size := firstRune(text)
	var st TaskStatus
	switch r {
	case '☐', '◻', '□':
		st = TaskPending
	case '◼', '■':
		st = TaskActive
	case '☒', '✔', '✓', '☑':
		st = TaskDone
	default:
		return Task{}, false
	}
	label := strings.TrimSpace(text[size:])
	if label == "" {
		return Task{}, false
	}
	return Task{Text: label, Status: st}, true
}

// taskList matches the last block of checkbox lines when it has at least
// two entries, some still open, and nothing after it shows the list is
// history (a newer output bullet or an interruption).
func taskList(lines []string) ([]Task, string, bool) {
	end := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if _, ok := parseTask(stripBorder(lines[i])); ok {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, "", false
	}
	var tasks []Task
	for i := end; i >= 0; i-- {
		text := stripBorder(lines[i])
		if text == "" {
			continue
		}
		t, ok := parseTask(text)
		if !ok {
			break
		}
		tasks = append([]Task{t}, tasks...)
	}
	if len(tasks) < 2 {
		return nil, "", false
	}
	open := false
	for _, t := range tasks {
		if t.Status != TaskDone {
			open = true
		}
	}
	if !open {
		return nil, "", false
	}
	for _, l := range lines[end+1:] {
		text := stripBorder(l)
		if _, ok := bulletText(text); ok || strings.Contains(text, "Interrupted") {
			return nil, "", false
		}
	}
	return tasks, stripBorder(lines[end]), true
}

func parallelAgents(lines []string) (int, string, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		text := stripBorder(lines[i])
		if m := runningAgentsRe.FindStringSubmatch(text); m != nil {
			if n, _ := strconv.Atoi(m[1]); n >= 2 {
				return n, text, true
			}
		}
	}

	active := 0
	line := ""
	for i, l := range lines {
		call, ok := parseToolCall(stripBorder(l))
		if !ok || (call.Name != "Task" && call.Name != "Agent") {
			continue
		}
		if agentFinished(lines, i+1) {
			continue
		}
		active++
		line = stripBorder(l)
	}
	if active >= 2 {
		return active, line, true
	}
	return 0, "", false
}

func agentFinished(lines []string, from int) bool {
	for i := from; i < len(lines) && i < from+4; i++ {
		text := stripBorder(lines[i])
		if text == "" {
			continue
		}
		r, ok := resultText(text)
		return ok && (strings.HasPrefix(r, "Done") || strings.HasPrefix(r, "Error"))
	}
	return false
}

// ---- pass 2 ----

func (c *PatternClassifier) activity(lines []string, last int) (Observation, bool) {
	start := max(0, last-BottomWindow+1)

	for i := last; i >= start; i-- {
		text := stripBorder(lines[i])
		if r, ok := resultText(text); ok && isRunning(r) {
			return Observation{Kind: ToolRunning, Line: text, Tool: nearestToolCall(lines, i)}, true
		}
	}

	for i := last; i >= start; i-- {
		if hasBoxFrame(lines[i]) {
			continue
		}
		text := normalizeLine(lines[i])
		if c.isThinking(text) {
			return Observation{Kind: Thinking, Line: text}, true
		}
	}

	// Nothing above is busy: below an idle prompt the last block is
	// history, whatever it says.
	if c.idlePrompt(stripBorder(lines[last])) {
		return Observation{}, false
	}

	head, end, ok := c.lastBlock(lines, last)
	if !ok || end < start {
		return Observation{}, false
	}
	for i := head; i <= end; i++ {
		text := stripBorder(lines[i])
		if _, prose := bulletText(text); prose {
			continue
		}
		if c.p.Background.Match(strings.ToLower(text)) || c.p.Background.Match(text) {
			return Observation{Kind: BackgroundTask, Line: text}, true
		}
	}
	headText := stripBorder(lines[head])
	if r, ok := resultText(headText); ok && !strings.Contains(r, "Interrupted") {
		return Observation{Kind: ToolResult, Line: headText, Tool: nearestToolCall(lines, head)}, true
	}
	return Observation{}, false
}

func isRunning(s string) bool {
	return strings.HasPrefix(s, "Running…") || strings.HasPrefix(s, "Running...")
}

func (c *PatternClassifier) isThinking(text string) bool {
	if text == "" {
		return false
	}
	if c.p.SpinnerActivePattern != nil && c.p.SpinnerActivePattern.MatchString(text) {
		return true
	}
	if c.p.ThinkingPattern != nil && c.p.ThinkingPattern.MatchString(text) {
		return true
	}
	return c.p.Busy.Match(text) || c.p.Busy.Match(strings.ToLower(text))
}

// lastBlock finds the output block closest to the bottom: the content
// lines above the input area, back to the nearest ⏺/● or ⎿ marker.
func (c *PatternClassifier) lastBlock(lines []string, last int) (head, end int, ok bool) {
	end = last
	if c.isPromptLine(stripBorder(lines[end])) {
		end--
	}
	for end >= 0 {
		raw := lines[end]
		text := stripBorder(raw)
		if text == "" || hasBoxFrame(raw) || isBoxEdge(raw) || IsSeparator(raw) || c.p.Chrome.Match(text) || c.isThinking(normalizeLine(raw)) {
			end--
			continue
		}
		break
	}
	if end < 0 {
		return 0, 0, false
	}
	for i := end; i >= 0 && i > end-40; i-- {
		text := stripBorder(lines[i])
		if _, ok := bulletText(text); ok {
			return i, end, true
		}
		if _, ok := resultText(text); ok {
			return i, end, true
		}
	}
	return 0, 0, false
}

// lastMeaningful returns the index of the last line that is not blank and
// not footer chrome, or -1.
func (c *PatternClassifier) lastMeaningful(lines []string) int {
	for i := len(lines) - 1; i >= 0; i-- {
		raw := lines[i]
		text := stripBorder(raw)
		if text == "" || isBoxEdge(raw) || IsSeparator(raw) || c.p.Chrome.Match(text) {
			continue
		}
		return i
	}
	return -1
}

// ---- pass 3 ----

func (c *PatternClassifier) isPromptLine(text string) bool {
	for _, g := range c.p.PromptGlyphs {
		if text == g || strings.HasPrefix(text, g+" ") {
			return true
		}
	}
	return false
}

func (c *PatternClassifier) idlePrompt(text string) bool {
	obs, ok := c.lineStatus(text, Context{})
	return ok && obs.Kind == IdlePrompt
}

func (c *PatternClassifier) lineStatus(text string, ctx Context) (Observation, bool) {
	for _, g := range c.p.PromptGlyphs {
		if text == g {
			return Observation{Kind: IdlePrompt, Line: text}, true
		}
		rest, ok := strings.CutPrefix(text, g+" ")
		if !ok {
			continue
		}
		rest = strings.TrimSpace(rest)
		if rest == "" || strings.HasPrefix(rest, "Try ") {
			return Observation{Kind: IdlePrompt, Line: text}, true
		}
		return Observation{Kind: UserInput, Line: text}, true
	}

	if _, ok := bulletText(text); ok {
		return Observation{Kind: LiveOutput, Line: text}, true
	}
	if (ctx.Prior.IsActivity() || ctx.Prior == LiveOutput) && hasLetters(text) {
		return Observation{Kind: LiveOutput, Line: text}, true
	}
	return Observation{}, false
}

func (c *PatternClassifier) fallback(lines, window []string, last string) Observation {
	for _, l := range lines {
		if text := stripBorder(l); text != "" && c.p.Banner.Match(text) {
			return Observation{Kind: Startup, Line: text}
		}
	}
	for i := len(window) - 1; i >= 0; i-- {
		if text := stripBorder(window[i]); text != "" && c.p.Error.Match(text) {
			return Observation{Kind: Error, Line: text}
		}
	}
	return Observation{Kind: Unrecognized, Line: last}
}
