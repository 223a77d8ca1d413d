package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeWriterParsesCategory(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir})
	defer Shutdown()

	bw := NewBridgeWriter("stdlib")

	tests := []struct {
		input    string
		wantComp string
		wantMsg  string
	}{
		{"[TELEGRAM] getUpdates failed\n", CompBot, "getUpdates failed"},
		{"[PTY] child exited\n", CompProcess, "child exited"},
		{"[STATEDB] checkpoint done\n", CompStorage, "checkpoint done"},
		{"[PERF] slow tick 400ms\n", CompPerf, "slow tick 400ms"},
		{"plain message without category\n", "stdlib", "plain message without category"},
		{"15:04:05.000000 [CLASSIFIER] pattern miss\n", CompScreen, "pattern miss"},
	}
	for _, tt := range tests {
		_, err := bw.Write([]byte(tt.input))
		require.NoError(t, err)
	}

	records := readRecords(t, dir)
	require.Len(t, records, len(tests))
	for i, tt := range tests {
		assert.Equal(t, tt.wantComp, records[i]["component"], tt.input)
		assert.Equal(t, tt.wantMsg, records[i]["msg"], tt.input)
	}
}

func TestBridgeWriterSkipsBlank(t *testing.T) {
	Shutdown()
	dir := t.TempDir()
	Init(Config{Debug: true, LogDir: dir})
	defer Shutdown()

	bw := NewBridgeWriter("stdlib")
	n, err := bw.Write([]byte("   \n"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	Logger().Info("marker")
	records := readRecords(t, dir)
	require.Len(t, records, 1)
	assert.Equal(t, "marker", records[0]["msg"])
}

func TestStripLogTimestamp(t *testing.T) {
	assert.Equal(t, "hello", stripLogTimestamp("15:04:05.000000 hello"))
	assert.Equal(t, "hello", stripLogTimestamp("15:04:05 hello"))
	assert.Equal(t, "no timestamp here", stripLogTimestamp("no timestamp here"))
	assert.Equal(t, "[PTY] msg", stripLogTimestamp("12:34:56.789012 [PTY] msg"))
}

func TestCanonicalComponent(t *testing.T) {
	tests := map[string]string{
		"telegram":     CompBot,
		"tg":           CompBot,
		"pty":          CompProcess,
		"orchestrator": CompRelay,
		"statedb":      CompStorage,
		"delivery":     CompStream,
		"classifier":   CompScreen,
		"term":         CompVTerm,
		"config":       CompConfig,
		"pty-read":     CompProcess,
		"session-gc":   CompSession,
		"unknown-cat":  "unknown-cat",
	}
	for in, want := range tests {
		assert.Equal(t, want, canonicalComponent(in), in)
	}
}
