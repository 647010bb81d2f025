package worker

import (
	"encoding/json"
	"strings"

	"github.com/coreclaw/coreclaw/internal/log"
	"github.com/coreclaw/coreclaw/internal/store"
)

// Stdout framing markers. The child wraps each result frame in these literal
// lines; everything outside is diagnostic noise.
const (
	OutputStartMarker = "---CORECLAW_OUTPUT_START---"
	OutputEndMarker   = "---CORECLAW_OUTPUT_END---"
)

// MaxCapturedOutput caps how much content one frame may buffer. Overflow is
// discarded while marker parsing continues.
const MaxCapturedOutput = 10 * 1024 * 1024

// frameParser is an incremental scanner over child stdout lines. It tracks
// sentinel-delimited frames and keeps the last valid Agent-Output seen.
// Malformed JSON or an invalid shape between markers is skipped silently.
type frameParser struct {
	inFrame  bool
	frame    strings.Builder
	captured int
	last     *store.AgentOutput
	frames   int
}

// feedLine consumes one stdout line. Returns true when the line completed a
// new valid frame, which callers use to reset the inactivity timeout.
// Only frame content counts against the capture cap; marker scanning never
// stops, so a late frame still parses after arbitrary diagnostic noise.
func (p *frameParser) feedLine(line string) bool {
	switch {
	case line == OutputStartMarker:
		// A nested start marker restarts the frame. The capture budget
		// follows the buffer: it caps one frame, not the whole stream.
		p.inFrame = true
		p.frame.Reset()
		p.captured = 0
		return false
	case line == OutputEndMarker:
		if !p.inFrame {
			return false
		}
		p.inFrame = false
		raw := p.frame.String()
		p.frame.Reset()

		var output store.AgentOutput
		if err := json.Unmarshal([]byte(raw), &output); err != nil {
			log.Debug(log.CatWorker, "skipping malformed output frame", "error", err.Error())
			return false
		}
		if !output.Valid() {
			log.Debug(log.CatWorker, "skipping invalid output frame", "status", string(output.Status))
			return false
		}
		p.last = &output
		p.frames++
		return true
	case p.inFrame:
		// A frame truncated here decodes as malformed and is skipped; the
		// previous valid frame stays canonical.
		if p.captured+len(line)+1 > MaxCapturedOutput {
			return false
		}
		p.captured += len(line) + 1
		p.frame.WriteString(line)
		p.frame.WriteString("\n")
		return false
	default:
		return false
	}
}

// result returns the last valid frame, or nil if none was seen.
func (p *frameParser) result() *store.AgentOutput {
	return p.last
}

// frameCount returns how many valid frames were parsed.
func (p *frameParser) frameCount() int {
	return p.frames
}
