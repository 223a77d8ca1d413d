package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) records() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		var r map[string]any
		if json.Unmarshal(sc.Bytes(), &r) == nil {
			out = append(out, r)
		}
	}
	return out
}

func TestAggregatorSummarizesCounts(t *testing.T) {
	var out lockedBuffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&out, nil)), 1)
	agg.Start()

	agg.Record(CompScreen, "classified", slog.String("kind", "Thinking"))
	agg.Record(CompScreen, "classified", slog.String("kind", "LiveOutput"))
	agg.Record(CompScreen, "classified", slog.String("kind", "IdlePrompt"))
	agg.Record(CompStream, "edit_sent")

	time.Sleep(1500 * time.Millisecond)
	agg.Stop()

	records := out.records()
	require.GreaterOrEqual(t, len(records), 2)

	var found bool
	for _, r := range records {
		if r["event"] == "classified" && r["msg"] == "event_summary" {
			found = true
			assert.EqualValues(t, 3, r["count"])
			assert.Equal(t, "IdlePrompt", r["kind"], "last writer wins for fields")
		}
	}
	assert.True(t, found, "classified summary not emitted")
}

func TestAggregatorNilLogger(t *testing.T) {
	agg := NewAggregator(nil, 1)
	agg.Start()
	agg.Record(CompRelay, "tick")
	agg.Stop()
}

func TestAggregatorStopFlushes(t *testing.T) {
	var out lockedBuffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&out, nil)), 60)
	agg.Start()

	agg.Record(CompRelay, "cycle_skipped")
	agg.Stop()

	records := out.records()
	require.Len(t, records, 1)
	assert.Equal(t, "cycle_skipped", records[0]["event"])
}

func TestAggregatorTalliesSessions(t *testing.T) {
	var out lockedBuffer
	agg := NewAggregator(slog.New(slog.NewJSONHandler(&out, nil)), 60)
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	agg.now = func() time.Time {
		tick++
		return start.Add(time.Duration(tick) * time.Second)
	}
	agg.Start()

	agg.Record(CompRelay, "cycle_skipped", slog.String("session_id", "b"), slog.String("reason", "busy"))
	agg.Record(CompRelay, "cycle_skipped", slog.String("session_id", "a"))
	agg.Record(CompRelay, "cycle_skipped", slog.String("session_id", "b"))
	agg.Record(CompRelay, "cycle_skipped", slog.String("session_id", "a"))
	agg.Record(CompBot, "edit_not_modified")
	agg.Stop()

	records := out.records()
	require.Len(t, records, 2)
	assert.Equal(t, "edit_not_modified", records[0]["event"], "summaries are sorted by component")
	assert.NotContains(t, records[0], "sessions")

	r := records[1]
	assert.Equal(t, "cycle_skipped", r["event"])
	assert.EqualValues(t, 4, r["count"])
	assert.EqualValues(t, 2, r["sessions"])
	assert.Equal(t, "a", r["busiest_session"], "ties go to the smaller id")
	assert.EqualValues(t, 2, r["busiest_count"])
	assert.InDelta(t, float64(3*time.Second), r["span"], 1)
	assert.Equal(t, "busy", r["reason"], "fields without a session id are kept")
	assert.NotContains(t, r, "session_id")
}
