package stream

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/asheshgoplani/agent-relay/internal/screen"
)

var (
	// Live counters inside status parentheses: "(12s · ↑ 1.2k tokens)".
	dynamicStatusPattern = regexp.MustCompile(`\([^)]*\d+s\s*·[^)]*(?:tokens|↑|↓)[^)]*\)`)
	progressBarPattern   = regexp.MustCompile(`\[=*>?\s*\]\s*\d+%`)
	downloadPattern      = regexp.MustCompile(`\d+\.?\d*[KMGT]?B/\d+\.?\d*[KMGT]?B`)
	percentagePattern    = regexp.MustCompile(`\b\d{1,3}%`)
	timePattern          = regexp.MustCompile(`\b\d{1,2}:\d{2}(?::\d{2})?\b`)
	blankLinesPattern    = regexp.MustCompile(`\n{3,}`)
)

// normalizeContent removes what animates without meaning: spinner glyphs,
// timers, progress counters, trailing whitespace and blank runs. Two
// renders that differ only there are the same update.
func normalizeContent(s string) string {
	// The status pattern needs the "·" separator, which is also a spinner rune.
	s = dynamicStatusPattern.ReplaceAllString(s, "(STATUS)")
	s = screen.StripSpinnerRunes(s)
	s = progressBarPattern.ReplaceAllString(s, "[PROGRESS]")
	s = downloadPattern.ReplaceAllString(s, "X.XMB/Y.YMB")
	s = percentagePattern.ReplaceAllString(s, "N%")
	s = timePattern.ReplaceAllString(s, "HH:MM:SS")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	return blankLinesPattern.ReplaceAllString(s, "\n\n")
}

// Fingerprint is the SHA-256 of the normalized content, hex encoded.
func Fingerprint(content string) string {
	h := sha256.Sum256([]byte(normalizeContent(content)))
	return hex.EncodeToString(h[:])
}
