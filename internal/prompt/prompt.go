// Package prompt assembles the provider-facing prompt for one turn: the
// card's system block, activated lorebook text, a budget-trimmed history
// window and the incoming message, in a fixed order.
package prompt

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"personad/internal/lorebook"
	"personad/internal/macro"
	"personad/internal/models"
	"personad/internal/tokens"
)

// Message is one chat-shaped prompt entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PromptContext is the assembled prompt handed to the provider adapter.
type PromptContext struct {
	System       string    `json:"system"`
	Messages     []Message `json:"messages"` // history plus the incoming message, oldest first
	TokensUsed   int       `json:"tokens_used"`
	TokensBudget int       `json:"tokens_budget"`
	DroppedTurns int       `json:"dropped_turns"` // history turns trimmed under budget pressure
}

// ContextOverflowError reports a system block that exceeds the usable window
// on its own. History pressure never raises this; only the irreducible
// system block can.
type ContextOverflowError struct {
	SystemTokens int
	Budget       int
}

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("system block of %d tokens exceeds usable context of %d", e.SystemTokens, e.Budget)
}

// HistoryTurn is one rendered prior turn, oldest first in Input.History.
type HistoryTurn struct {
	Role    string
	Content string
}

// Input carries everything one assembly needs. Card and history are treated
// as read-only.
type Input struct {
	Card     *models.Card
	Scope    *macro.Scope // macro scope shared with lorebook rendering
	History  []HistoryTurn
	Incoming string // rendered incoming user message

	Lore lorebook.Partition

	ContextSize int // total model window in tokens
	MaxTokens   int // generation reserve
}

// Assembler builds PromptContexts. It is stateless apart from its logger.
type Assembler struct {
	log *slog.Logger
}

func NewAssembler(log *slog.Logger) *Assembler {
	return &Assembler{log: log.With("component", "prompt")}
}

// Assemble produces the prompt in fixed order: system block (card fields,
// before-context lore), history window with at-depth insertions, then
// after-context lore and the incoming message. One shared token counter
// covers every block; under pressure, history is trimmed and after/at-depth
// lore is shed lowest priority first. Only the system block can overflow.
func (a *Assembler) Assemble(in Input) (*PromptContext, error) {
	incomingTokens := tokens.Estimate(in.Incoming)
	budget := in.ContextSize - in.MaxTokens - incomingTokens
	if budget < 0 {
		budget = 0
	}

	system := a.systemBlock(in)
	systemTokens := tokens.Estimate(system)
	if systemTokens > budget {
		return nil, &ContextOverflowError{SystemTokens: systemTokens, Budget: budget}
	}
	remaining := budget - systemTokens

	// Fixed insertions charge the counter before history gets a share.
	// Whatever does not fit is dropped rather than overflowing the window.
	after := a.renderEntries(in.Lore.After, in.Scope)
	atDepth := a.depthInsertions(in)
	var droppedLore int
	after, atDepth, remaining, droppedLore = fitInsertions(after, atDepth, remaining)
	if droppedLore > 0 {
		a.log.Debug("dropped lore insertions over context budget", "dropped", droppedLore)
	}

	// History fills whatever is left, newest first, whole turns only.
	kept, dropped := trimHistory(in.History, remaining)

	msgs := interleave(kept, atDepth)
	for _, entry := range after {
		msgs = append(msgs, Message{Role: models.RoleSystem, Content: entry.content})
	}
	msgs = append(msgs, Message{Role: models.RoleUser, Content: in.Incoming})

	used := systemTokens + incomingTokens
	for _, m := range msgs[:len(msgs)-1] {
		used += tokens.Estimate(m.Content)
	}

	if dropped > 0 {
		a.log.Debug("trimmed history to fit context", "dropped_turns", dropped, "kept", len(kept))
	}

	return &PromptContext{
		System:       system,
		Messages:     msgs,
		TokensUsed:   used,
		TokensBudget: in.ContextSize - in.MaxTokens,
		DroppedTurns: dropped,
	}, nil
}

// systemBlock renders the ordered card components plus before-context lore.
func (a *Assembler) systemBlock(in Input) string {
	var parts []string
	add := func(raw string) {
		if raw == "" {
			return
		}
		expanded, err := macro.Expand(raw, in.Scope)
		if err != nil {
			a.log.Warn("macro expansion kept literal text", "error", err)
		}
		if expanded != "" {
			parts = append(parts, expanded)
		}
	}

	if in.Card != nil {
		add(in.Card.Description)
		add(in.Card.Personality)
		add(in.Card.Scenario)
		add(in.Card.SystemPrompt)
		add(in.Card.MesExample)
	}
	for _, entry := range a.renderEntries(in.Lore.Before, in.Scope) {
		parts = append(parts, entry.content)
	}
	if in.Card != nil {
		add(in.Card.PostHistoryInstr)
	}
	return strings.Join(parts, "\n\n")
}

// renderedEntry is one macro-expanded lore block with the priority that
// decides its fate under budget pressure.
type renderedEntry struct {
	content  string
	priority int
}

func (a *Assembler) renderEntries(acts []lorebook.Activation, scope *macro.Scope) []renderedEntry {
	var out []renderedEntry
	for _, act := range acts {
		expanded, err := macro.Expand(act.Entry.Content, scope)
		if err != nil {
			a.log.Warn("macro expansion kept literal text", "entry", act.Entry.ID, "error", err)
		}
		if expanded != "" {
			out = append(out, renderedEntry{content: expanded, priority: act.Entry.Priority})
		}
	}
	return out
}

// depthInsertion is a system-role block bound to a position counted back
// from the newest history turn (depth 0 lands right before the incoming
// message).
type depthInsertion struct {
	depth    int
	role     string
	content  string
	priority int
}

func (a *Assembler) depthInsertions(in Input) []depthInsertion {
	var out []depthInsertion
	for _, act := range in.Lore.AtDepth {
		expanded, err := macro.Expand(act.Entry.Content, in.Scope)
		if err != nil {
			a.log.Warn("macro expansion kept literal text", "entry", act.Entry.ID, "error", err)
		}
		if expanded == "" {
			continue
		}
		out = append(out, depthInsertion{
			depth:    act.Entry.EffectiveDepth(),
			role:     models.RoleSystem,
			content:  expanded,
			priority: act.Entry.Priority,
		})
	}
	if in.Card != nil && in.Card.DepthPrompt != nil && in.Card.DepthPrompt.Prompt != "" {
		expanded, err := macro.Expand(in.Card.DepthPrompt.Prompt, in.Scope)
		if err != nil {
			a.log.Warn("macro expansion kept literal text", "error", err)
		}
		role := in.Card.DepthPrompt.Role
		if role == "" {
			role = models.RoleSystem
		}
		if expanded != "" {
			// The card's own depth prompt outranks any lorebook entry.
			out = append(out, depthInsertion{
				depth:    in.Card.DepthPrompt.Depth,
				role:     role,
				content:  expanded,
				priority: math.MaxInt,
			})
		}
	}
	return out
}

// fitInsertions charges after-context and at-depth blocks against the
// budget, highest priority first, and drops whatever would push the counter
// negative. Survivors keep their original relative order.
func fitInsertions(after []renderedEntry, atDepth []depthInsertion, budget int) ([]renderedEntry, []depthInsertion, int, int) {
	type candidate struct {
		cost     int
		priority int
		afterIdx int // -1 for at-depth candidates
		depthIdx int // -1 for after-context candidates
	}
	cands := make([]candidate, 0, len(after)+len(atDepth))
	for i, entry := range after {
		cands = append(cands, candidate{
			cost:     tokens.Estimate(entry.content),
			priority: entry.priority,
			afterIdx: i,
			depthIdx: -1,
		})
	}
	for i, ins := range atDepth {
		cands = append(cands, candidate{
			cost:     tokens.Estimate(ins.content),
			priority: ins.priority,
			afterIdx: -1,
			depthIdx: i,
		})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].priority > cands[j].priority
	})

	keepAfter := make([]bool, len(after))
	keepDepth := make([]bool, len(atDepth))
	used, dropped := 0, 0
	for _, c := range cands {
		if used+c.cost > budget {
			dropped++
			continue
		}
		used += c.cost
		if c.afterIdx >= 0 {
			keepAfter[c.afterIdx] = true
		} else {
			keepDepth[c.depthIdx] = true
		}
	}

	keptAfter := after[:0]
	for i, entry := range after {
		if keepAfter[i] {
			keptAfter = append(keptAfter, entry)
		}
	}
	keptDepth := atDepth[:0]
	for i, ins := range atDepth {
		if keepDepth[i] {
			keptDepth = append(keptDepth, ins)
		}
	}
	return keptAfter, keptDepth, budget - used, dropped
}

// trimHistory keeps the newest turns that fit, never splitting a turn.
func trimHistory(history []HistoryTurn, budget int) (kept []HistoryTurn, dropped int) {
	if budget <= 0 {
		return nil, len(history)
	}
	used := 0
	cut := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := tokens.Estimate(history[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		cut = i
	}
	return history[cut:], cut
}

// interleave places depth insertions among history turns. Depth is counted
// from the end: depth 0 goes after the last kept turn, depth len(kept) or
// more goes before the first.
func interleave(kept []HistoryTurn, insertions []depthInsertion) []Message {
	msgs := make([]Message, 0, len(kept)+len(insertions))
	for _, h := range kept {
		msgs = append(msgs, Message{Role: h.Role, Content: h.Content})
	}
	for _, ins := range insertions {
		pos := len(msgs) - ins.depth
		if pos < 0 {
			pos = 0
		}
		if pos > len(msgs) {
			pos = len(msgs)
		}
		m := Message{Role: ins.role, Content: ins.content}
		msgs = append(msgs, Message{})
		copy(msgs[pos+1:], msgs[pos:])
		msgs[pos] = m
	}
	return msgs
}
