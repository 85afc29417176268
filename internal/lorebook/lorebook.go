// Package lorebook selects world-info entries for a prompt by scanning
// recent conversation text for each entry's trigger keys, then fitting the
// matches into a token budget by priority.
package lorebook

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"personad/internal/models"
	"personad/internal/tokens"
)

// DefaultScanDepth is how many recent messages are scanned when neither the
// book nor the persona settings say otherwise.
const DefaultScanDepth = 4

// DefaultTokenBudget caps activated entry content when the book does not
// carry its own budget.
const DefaultTokenBudget = 800

// Activation is one selected entry plus where it wants to be injected.
type Activation struct {
	Entry  *models.LorebookEntry
	Tokens int // estimated cost of Entry.Content
}

// Engine evaluates lorebooks. Compiled regexes are cached across calls; a
// pattern that fails to compile is treated as a plain substring key.
type Engine struct {
	mu      sync.Mutex
	regexes map[string]*regexp.Regexp
	log     *slog.Logger
}

func NewEngine(log *slog.Logger) *Engine {
	return &Engine{
		regexes: make(map[string]*regexp.Regexp),
		log:     log.With("component", "lorebook"),
	}
}

// ScanInput is everything one activation pass looks at.
type ScanInput struct {
	Book       *models.Lorebook
	Messages   []string            // newest last; only the scan-depth tail is used
	HiddenKeys []string            // extracted macro payloads, always scanned
	ScanDepth  int                 // 0 means book/default depth
	Budget     int                 // 0 means book/default budget
	RandFloat  func() float64      // probability rolls; nil disables the gate
	Render     func(string) string // macro rendering for the recursion pass; nil scans raw content
}

// Activate runs key matching, recursion, and budgeting. The returned slice
// is ordered by insertion_order ascending, which is the injection order.
func (e *Engine) Activate(in ScanInput) []Activation {
	if in.Book == nil || len(in.Book.Entries) == 0 {
		return nil
	}

	depth := in.ScanDepth
	if depth <= 0 {
		depth = in.Book.ScanDepth
	}
	if depth <= 0 {
		depth = DefaultScanDepth
	}
	if depth > len(in.Messages) {
		depth = len(in.Messages)
	}

	scanText := strings.Join(in.Messages[len(in.Messages)-depth:], "\n")
	if len(in.HiddenKeys) > 0 {
		scanText += "\n" + strings.Join(in.HiddenKeys, "\n")
	}

	activated := e.matchPass(in.Book, scanText, in.RandFloat, nil, false)

	// Recursive scanning: the rendered content of first-pass activations is
	// scanned exactly once more. Entries reached that way cannot trigger
	// further entries, so a chain can only grow by one link.
	if recursionEnabled(in.Book) && len(activated) > 0 {
		extra := make([]string, 0, len(activated))
		for _, a := range activated {
			content := a.Entry.Content
			if in.Render != nil {
				content = in.Render(content)
			}
			extra = append(extra, content)
		}
		more := e.matchPass(in.Book, strings.Join(extra, "\n"), in.RandFloat, activated, true)
		activated = append(activated, more...)
	}

	budget := in.Budget
	if budget <= 0 {
		budget = in.Book.TokenBudget
	}
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	return fitBudget(activated, budget)
}

// recursionEnabled reports whether the recursion pass runs at all: either
// the book opts in wholesale or individual entries carry the recursive mode.
func recursionEnabled(book *models.Lorebook) bool {
	if book.RecursiveScanning {
		return true
	}
	for i := range book.Entries {
		if book.Entries[i].Mode == models.ModeKeyedRecursive {
			return true
		}
	}
	return false
}

// matchPass evaluates every not-yet-activated entry against text. During the
// recursion pass only entries that participate in recursion are eligible:
// all keyed entries when the book scans recursively, otherwise just the ones
// in keyed_recursive mode.
func (e *Engine) matchPass(book *models.Lorebook, text string, randFloat func() float64, already []Activation, recursion bool) []Activation {
	seen := make(map[string]struct{}, len(already))
	for _, a := range already {
		seen[a.Entry.ID] = struct{}{}
	}

	var out []Activation
	for i := range book.Entries {
		entry := &book.Entries[i]
		if !entry.Enabled {
			continue
		}
		if _, dup := seen[entry.ID]; dup {
			continue
		}
		if recursion && !book.RecursiveScanning && entry.Mode != models.ModeKeyedRecursive {
			continue
		}
		if !e.triggers(entry, text) {
			continue
		}
		if entry.Probability > 0 && entry.Probability < 100 && randFloat != nil {
			if randFloat()*100 >= entry.Probability {
				continue
			}
		}
		out = append(out, Activation{
			Entry:  entry,
			Tokens: tokens.Estimate(entry.Content),
		})
	}
	return out
}

func (e *Engine) triggers(entry *models.LorebookEntry, text string) bool {
	if entry.Mode == models.ModeAlways {
		return true
	}
	if len(entry.Keys) == 0 {
		return false
	}
	if !e.anyKeyMatches(entry.Keys, text, entry.CaseSensitive, entry.UseRegex) {
		return false
	}
	// Selective entries additionally require every secondary key.
	if entry.Selective && len(entry.SecondaryKeys) > 0 {
		for _, key := range entry.SecondaryKeys {
			if !e.keyMatches(key, text, entry.CaseSensitive, entry.UseRegex) {
				return false
			}
		}
	}
	return true
}

func (e *Engine) anyKeyMatches(keys []string, text string, caseSensitive, useRegex bool) bool {
	for _, key := range keys {
		if e.keyMatches(key, text, caseSensitive, useRegex) {
			return true
		}
	}
	return false
}

func (e *Engine) keyMatches(key, text string, caseSensitive, useRegex bool) bool {
	if key == "" {
		return false
	}
	if useRegex {
		if re := e.compile(key, caseSensitive); re != nil {
			return re.MatchString(text)
		}
		// fall through to substring on a bad pattern
	}
	if caseSensitive {
		return strings.Contains(text, key)
	}
	return strings.Contains(strings.ToLower(text), strings.ToLower(key))
}

func (e *Engine) compile(pattern string, caseSensitive bool) *regexp.Regexp {
	cacheKey := pattern
	if !caseSensitive {
		cacheKey = "(?i)" + pattern
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.regexes[cacheKey]; ok {
		return re
	}
	re, err := regexp.Compile(cacheKey)
	if err != nil {
		e.log.Warn("invalid lorebook regex, matching as substring", "pattern", pattern, "error", err)
		re = nil
	}
	e.regexes[cacheKey] = re
	return re
}

// fitBudget keeps entries by descending priority until the token budget is
// spent, then restores insertion_order ascending for injection. Ties on
// priority fall back to insertion_order so selection stays deterministic.
func fitBudget(activations []Activation, budget int) []Activation {
	if len(activations) == 0 {
		return nil
	}
	byPriority := make([]Activation, len(activations))
	copy(byPriority, activations)
	sort.SliceStable(byPriority, func(i, j int) bool {
		if byPriority[i].Entry.Priority != byPriority[j].Entry.Priority {
			return byPriority[i].Entry.Priority > byPriority[j].Entry.Priority
		}
		return byPriority[i].Entry.InsertionOrder < byPriority[j].Entry.InsertionOrder
	})

	var kept []Activation
	used := 0
	for _, a := range byPriority {
		if used+a.Tokens > budget {
			continue
		}
		used += a.Tokens
		kept = append(kept, a)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Entry.InsertionOrder < kept[j].Entry.InsertionOrder
	})
	return kept
}

// Partition splits activations by injection position after decorator
// overrides are applied.
type Partition struct {
	Before  []Activation // before_context
	After   []Activation // after_context
	AtDepth []Activation // at_depth, each entry carries its own depth
}

func Split(activations []Activation) Partition {
	var p Partition
	for _, a := range activations {
		switch a.Entry.EffectivePosition() {
		case models.PositionAfter:
			p.After = append(p.After, a)
		case models.PositionAtDepth:
			p.AtDepth = append(p.AtDepth, a)
		default:
			p.Before = append(p.Before, a)
		}
	}
	return p
}
