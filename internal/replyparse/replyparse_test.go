package replyparse

import (
	"errors"
	"testing"
)

var both = Options{ParseReplyTargets: true, ParseInlineTools: true}

func TestPlainTextPassesThrough(t *testing.T) {
	p := Parse("just a normal reply", both)
	if len(p.Segments) != 1 || p.Segments[0].Text != "just a normal reply" || p.Segments[0].TargetID != "" {
		t.Fatalf("got %+v", p.Segments)
	}
}

func TestReplyTargetScopedToLine(t *testing.T) {
	raw := "<REPLY:1234> sure, I can help\nand this line is untargeted"
	p := Parse(raw, both)
	if len(p.Segments) != 2 {
		t.Fatalf("want 2 segments, got %+v", p.Segments)
	}
	if p.Segments[0].TargetID != "1234" || p.Segments[0].Text != "sure, I can help" {
		t.Errorf("bad targeted segment: %+v", p.Segments[0])
	}
	if p.Segments[1].TargetID != "" {
		t.Errorf("newline must end the target scope: %+v", p.Segments[1])
	}
}

func TestMultipleTargetsOnOneLine(t *testing.T) {
	raw := "<REPLY:1> yes <REPLY:2> no"
	p := Parse(raw, both)
	if len(p.Segments) != 2 {
		t.Fatalf("got %+v", p.Segments)
	}
	if p.Segments[0].TargetID != "1" || p.Segments[0].Text != "yes" {
		t.Errorf("segment 0: %+v", p.Segments[0])
	}
	if p.Segments[1].TargetID != "2" || p.Segments[1].Text != "no" {
		t.Errorf("segment 1: %+v", p.Segments[1])
	}
}

func TestOrphanTextBeforeDirective(t *testing.T) {
	p := Parse("thinking out loud <REPLY:9> the actual answer", both)
	if len(p.Segments) != 2 {
		t.Fatalf("got %+v", p.Segments)
	}
	if p.Segments[0].TargetID != "" || p.Segments[0].Text != "thinking out loud" {
		t.Errorf("orphan text must stay untargeted: %+v", p.Segments[0])
	}
}

func TestDirectiveStrippedFromVisibleText(t *testing.T) {
	p := Parse("<REPLY:7> hello", both)
	if got := p.VisibleText(); got != "hello" {
		t.Errorf("directive leaked: %q", got)
	}
	if p.FirstTarget() != "7" {
		t.Errorf("target lost: %q", p.FirstTarget())
	}
}

func TestTargetsDisabledByOptions(t *testing.T) {
	p := Parse("<REPLY:7> hello", Options{})
	if p.FirstTarget() != "" {
		t.Errorf("targets parsed while disabled")
	}
	// fail-open: the directive stays visible verbatim
	if got := p.VisibleText(); got != "<REPLY:7> hello" {
		t.Errorf("got %q", got)
	}
}

func TestInlineToolCall(t *testing.T) {
	p := Parse(`let me check <TOOL:get_server_stats>{"detail":true}`, both)
	if len(p.ToolCalls) != 1 {
		t.Fatalf("got %+v", p.ToolCalls)
	}
	tc := p.ToolCalls[0]
	if tc.Name != "get_server_stats" || string(tc.Arguments) != `{"detail":true}` || tc.ArgErr != nil {
		t.Errorf("bad call: %+v", tc)
	}
	if got := p.VisibleText(); got != "let me check" {
		t.Errorf("tool markup leaked: %q", got)
	}
}

func TestMalformedInlineArgsProduceToolArgumentError(t *testing.T) {
	p := Parse(`<TOOL:get_member_info>{"user_id": }`, both)
	if len(p.ToolCalls) != 1 {
		t.Fatalf("got %+v", p.ToolCalls)
	}
	if p.ToolCalls[0].ArgErr == nil {
		t.Fatal("malformed JSON must carry an argument error")
	}
	var argErr *ToolArgumentError
	if !errors.As(p.ToolCalls[0].ArgErr, &argErr) || argErr.Tool != "get_member_info" {
		t.Errorf("bad error: %v", p.ToolCalls[0].ArgErr)
	}
}

func TestUnknownMarkupStaysVerbatim(t *testing.T) {
	raw := "some <b>bold</b> and <WEIRD:thing> markup"
	p := Parse(raw, both)
	if got := p.VisibleText(); got != raw {
		t.Errorf("content dropped silently: %q", got)
	}
}

// Round-trip: a stored turn id survives directive formatting and parsing.
func TestReplyTargetRoundTrip(t *testing.T) {
	id := "987654321"
	raw := "<REPLY:" + id + "> pinned answer"
	p := Parse(raw, both)
	if p.FirstTarget() != id {
		t.Fatalf("round-trip lost target: %q", p.FirstTarget())
	}
}

func TestEmptyVisibleTextIsDecline(t *testing.T) {
	p := Parse("   \n  ", both)
	if p.VisibleText() != "" {
		t.Errorf("whitespace-only reply should be empty: %q", p.VisibleText())
	}
}
