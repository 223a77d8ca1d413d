package logging

import (
	"bytes"
	"log/slog"
	"strings"
)

// BridgeWriter wraps slog as an io.Writer so that stdlib log.Printf calls
// (ours and third-party libraries') flow through the structured logging
// system. It parses the common "[CATEGORY] message" prefix pattern and
// extracts the category into a structured "component" field.
type BridgeWriter struct {
	component string
}

// NewBridgeWriter creates a writer that forwards writes to slog.
// The defaultComponent is used when no [CATEGORY] prefix is found.
func NewBridgeWriter(defaultComponent string) *BridgeWriter {
	return &BridgeWriter{component: defaultComponent}
}

// Write implements io.Writer. Each write is treated as one log line.
// It strips the standard log timestamp prefix (if present from log.SetFlags)
// and parses [CATEGORY] prefixes into structured fields.
func (bw *BridgeWriter) Write(p []byte) (int, error) {
	n := len(p)
	msg := string(bytes.TrimSpace(p))
	if msg == "" {
		return n, nil
	}

	// slog adds its own timestamp
	msg = stripLogTimestamp(msg)

	// Parse [CATEGORY] prefix
	component := bw.component
	if strings.HasPrefix(msg, "[") {
		if idx := strings.Index(msg, "] "); idx > 0 {
			component = strings.ToLower(msg[1:idx])
			msg = msg[idx+2:]
		}
	}

	// Map known category prefixes to canonical component names
	component = canonicalComponent(component)

	Logger().Info(msg, slog.String("component", component))
	return n, nil
}

// stripLogTimestamp removes the time prefix added by log.SetFlags(log.Ltime|log.Lmicroseconds).
// Format: "HH:MM:SS.ffffff " (16 chars).
func stripLogTimestamp(s string) string {
	// log.Ltime|log.Lmicroseconds produces "15:04:05.000000 "
	if len(s) > 16 && s[2] == ':' && s[5] == ':' && s[8] == '.' && s[15] == ' ' {
		return s[16:]
	}
	// log.Ltime produces "15:04:05 "
	if len(s) > 9 && s[2] == ':' && s[5] == ':' && s[8] == ' ' {
		return s[9:]
	}
	return s
}

// canonicalComponent maps known log prefixes to canonical component names.
// A "-suffix" (e.g. "pty-read") is ignored when the prefix is known.
func canonicalComponent(cat string) string {
	if i := strings.IndexByte(cat, '-'); i > 0 {
		if c := canonicalComponent(cat[:i]); c != cat[:i] || isComponent(c) {
			return c
		}
	}
	switch cat {
	case "relay", "orchestrator", "tick":
		return CompRelay
	case "vterm", "term":
		return CompVTerm
	case "screen", "classifier", "extract":
		return CompScreen
	case "stream", "delivery":
		return CompStream
	case "process", "pty":
		return CompProcess
	case "session", "sessions":
		return CompSession
	case "storage", "statedb":
		return CompStorage
	case "bot", "telegram", "tg":
		return CompBot
	case "config":
		return CompConfig
	case "perf":
		return CompPerf
	default:
		return cat
	}
}

func isComponent(name string) bool {
	switch name {
	case CompRelay, CompVTerm, CompScreen, CompStream, CompProcess,
		CompSession, CompStorage, CompBot, CompConfig, CompPerf:
		return true
	}
	return false
}
