package screen

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/asheshgoplani/agent-relay/internal/vterm"
)

func TestChainOrder(t *testing.T) {
	var calls []string
	tag := func(name string) Middleware {
		return func(next Classifier) Classifier {
			return ClassifierFunc(func(s vterm.Snapshot, c Context) Observation {
				calls = append(calls, name)
				return next.Classify(s, c)
			})
		}
	}
	base := ClassifierFunc(func(vterm.Snapshot, Context) Observation {
		calls = append(calls, "base")
		return Observation{Kind: IdlePrompt}
	})

	obs := Chain(base, tag("outer"), tag("inner")).Classify(vterm.Snapshot{}, Context{})
	assert.Equal(t, IdlePrompt, obs.Kind)
	assert.Equal(t, []string{"outer", "inner", "base"}, calls)
}

func TestWithLogging(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := Chain(NewClassifier(nil), WithLogging(log))

	obs := c.Classify(snapshotOf(t, inputBox("❯ ")...), Context{Prior: Thinking})
	assert.Equal(t, IdlePrompt, obs.Kind)
	assert.Contains(t, buf.String(), "msg=classified")
	assert.Contains(t, buf.String(), "kind=IdlePrompt")
	assert.Contains(t, buf.String(), "prior=Thinking")
}

func TestWithUnrecognizedHook(t *testing.T) {
	hits := 0
	c := Chain(NewClassifier(nil), WithStats(), WithUnrecognizedHook(func(vterm.Snapshot) { hits++ }))

	c.Classify(snapshotOf(t, "random noise"), Context{})
	c.Classify(snapshotOf(t, inputBox("❯ ")...), Context{})
	assert.Equal(t, 1, hits)
}
