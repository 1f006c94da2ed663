package ralph

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const markerAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Marker is the per-run completion tag the agent must emit to prove the task
// is done. The random suffix keeps an agent that merely paraphrases its
// instructions from completing the run.
type Marker string

// NewMarker generates DONE_ plus eight random [a-z0-9] characters.
func NewMarker() Marker {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		// Fallback to a timestamp-based suffix if random fails
		return Marker(fmt.Sprintf("DONE_%08x", uint32(time.Now().UnixNano())))
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = markerAlphabet[int(b)%len(markerAlphabet)]
	}
	return Marker("DONE_" + string(out))
}

func (m Marker) String() string { return string(m) }

// Tag returns the wrapped form the iteration prompt instructs the agent to
// emit on its own line.
func (m Marker) Tag() string { return "<promise>" + string(m) + "</promise>" }

// DetectedIn reports whether text declares completion: the wrapped marker
// alone on a line (surrounding whitespace allowed), case-insensitive, and
// outside fenced code blocks and inline code spans.
func (m Marker) DetectedIn(text string) bool {
	if m == "" || text == "" {
		return false
	}
	line := regexp.MustCompile(`(?i)^\s*<promise>\s*` + regexp.QuoteMeta(string(m)) + `\s*</promise>\s*$`)
	for _, candidate := range strings.Split(stripCode(text), "\n") {
		if line.MatchString(candidate) {
			return true
		}
	}
	return false
}

// inlineCode matches single-backtick spans within one line.
var inlineCode = regexp.MustCompile("`[^`\n]*`")

// stripCode drops fenced code blocks (``` or ~~~) wholesale and removes
// inline code spans from the remaining lines. An unterminated fence swallows
// the rest of the text, which errs on the safe side for marker detection.
func stripCode(text string) string {
	var out []string
	inFence := false
	fence := ""

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if inFence {
			if strings.HasPrefix(trimmed, fence) {
				inFence = false
			}
			continue
		}
		switch {
		case strings.HasPrefix(trimmed, "```"):
			inFence, fence = true, "```"
		case strings.HasPrefix(trimmed, "~~~"):
			inFence, fence = true, "~~~"
		default:
			out = append(out, inlineCode.ReplaceAllString(line, ""))
		}
	}
	return strings.Join(out, "\n")
}
