// Package replyparse extracts reply-target directives, inline tool calls
// and visible text from a raw model completion. Parsing is fail-open:
// anything unrecognized stays in the visible text verbatim.
package replyparse

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	replyRe      = regexp.MustCompile(`<REPLY:(\d+)>`)
	inlineToolRe = regexp.MustCompile(`<TOOL:([a-zA-Z0-9_\-]+)>\s*(\{[^<]*\})`)
)

// Segment is one span of visible text with an optional reply target. The
// target scopes to the segment's line: text after a newline reverts to
// untargeted unless a new directive appears.
type Segment struct {
	Text     string
	TargetID string // empty for untargeted text
}

// InlineToolCall is one tool request expressed in the textual convention
// used on connections without a native tool channel.
type InlineToolCall struct {
	Name      string
	Arguments json.RawMessage
	ArgErr    error // malformed JSON payload; surfaced as a tool result
}

// ToolArgumentError marks an inline payload that failed to parse. It rides
// on the call, not the turn: the dispatcher reports it back to the model.
type ToolArgumentError struct {
	Tool string
	Raw  string
	Err  error
}

func (e *ToolArgumentError) Error() string {
	return fmt.Sprintf("tool %s: malformed arguments %q: %v", e.Tool, truncate(e.Raw, 80), e.Err)
}

func (e *ToolArgumentError) Unwrap() error { return e.Err }

// ParsedReply is the structured form of one completion.
type ParsedReply struct {
	Segments  []Segment
	ToolCalls []InlineToolCall
}

// VisibleText joins all segment text. Empty output (after directives are
// stripped) is how a declined turn looks.
func (p *ParsedReply) VisibleText() string {
	var parts []string
	for _, s := range p.Segments {
		if s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// FirstTarget returns the first reply target, if any segment carries one.
func (p *ParsedReply) FirstTarget() string {
	for _, s := range p.Segments {
		if s.TargetID != "" {
			return s.TargetID
		}
	}
	return ""
}

// Options control which conventions are recognized.
type Options struct {
	ParseReplyTargets bool
	ParseInlineTools  bool
}

// Parse splits raw completion text into targeted segments and inline tool
// calls. Directives scope to their line; orphan text before any directive
// becomes an untargeted segment.
func Parse(raw string, opts Options) *ParsedReply {
	parsed := &ParsedReply{}
	text := raw

	if opts.ParseInlineTools {
		text = extractInlineTools(text, parsed)
	}

	if !opts.ParseReplyTargets || !replyRe.MatchString(text) {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			parsed.Segments = append(parsed.Segments, Segment{Text: trimmed})
		}
		return parsed
	}

	for _, line := range strings.Split(text, "\n") {
		locs := replyRe.FindAllStringSubmatchIndex(line, -1)
		if locs == nil {
			if trimmed := strings.TrimSpace(line); trimmed != "" {
				parsed.Segments = append(parsed.Segments, Segment{Text: trimmed})
			}
			continue
		}
		// Text before the first directive on the line is untargeted.
		if lead := strings.TrimSpace(line[:locs[0][0]]); lead != "" {
			parsed.Segments = append(parsed.Segments, Segment{Text: lead})
		}
		for i, loc := range locs {
			end := len(line)
			if i+1 < len(locs) {
				end = locs[i+1][0]
			}
			target := line[loc[2]:loc[3]]
			body := strings.TrimSpace(line[loc[1]:end])
			if body != "" {
				parsed.Segments = append(parsed.Segments, Segment{Text: body, TargetID: target})
			}
		}
	}
	return parsed
}

func extractInlineTools(text string, parsed *ParsedReply) string {
	matches := inlineToolRe.FindAllStringSubmatch(text, -1)
	for _, m := range matches {
		call := InlineToolCall{Name: m[1]}
		raw := m[2]
		if json.Valid([]byte(raw)) {
			call.Arguments = json.RawMessage(raw)
		} else {
			call.ArgErr = &ToolArgumentError{
				Tool: m[1],
				Raw:  raw,
				Err:  fmt.Errorf("invalid JSON"),
			}
		}
		parsed.ToolCalls = append(parsed.ToolCalls, call)
	}
	return strings.TrimSpace(inlineToolRe.ReplaceAllString(text, ""))
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
