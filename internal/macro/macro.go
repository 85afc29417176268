// Package macro implements the curly-braced macro syntax used inside
// character card text: {{char}}, {{user}}, {{random:a,b,c}} and friends.
// Expansion is pure text substitution; macro output is never rescanned, so
// user-authored braces cannot trigger re-expansion.
package macro

import (
	"errors"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// MaxDepth bounds nested macro expansion. Arguments are expanded
// recursively; past this depth the literal text is kept instead.
const MaxDepth = 10

// ErrRecursion is returned when nested macros exceed MaxDepth. The caller
// receives the unexpanded literal alongside the error and should keep the
// literal rather than abort the turn.
var ErrRecursion = errors.New("macro recursion limit exceeded")

// Scope carries the substitution context for one prompt build. The pick
// cache keeps {{pick:}} stable across every template rendered for the same
// prompt; HiddenKeys collects {{hidden_key:}} payloads for lorebook scanning.
type Scope struct {
	CharName   string
	UserName   string
	HiddenKeys []string

	rng       *rand.Rand
	pickCache map[string]string
}

// NewScope creates a scope seeded from the wall clock.
func NewScope(charName, userName string) *Scope {
	return NewSeededScope(charName, userName, time.Now().UnixNano())
}

// NewSeededScope creates a scope with a pinned seed. Fixed seeds make
// {{random:}} and {{roll:}} reproducible, which the tests rely on.
func NewSeededScope(charName, userName string, seed int64) *Scope {
	return &Scope{
		CharName:  charName,
		UserName:  userName,
		rng:       rand.New(rand.NewSource(seed)),
		pickCache: make(map[string]string),
	}
}

// Expand substitutes every recognized macro in template. Unknown macros pass
// through verbatim. On recursion overflow the offending region stays literal
// and ErrRecursion is returned together with the partial result.
func Expand(template string, scope *Scope) (string, error) {
	if template == "" {
		return template, nil
	}
	out, err := expand(template, scope, 0)
	if err != nil {
		return out, err
	}
	// <char> and <bot> are legacy aliases, replaced flat (no nesting).
	out = replaceFold(out, "<char>", scope.CharName)
	out = replaceFold(out, "<bot>", scope.CharName)
	return out, nil
}

func expand(text string, scope *Scope, depth int) (string, error) {
	if depth > MaxDepth {
		return text, ErrRecursion
	}

	var sb strings.Builder
	var firstErr error
	i := 0
	for i < len(text) {
		open := strings.Index(text[i:], "{{")
		if open < 0 {
			sb.WriteString(text[i:])
			break
		}
		open += i
		sb.WriteString(text[i:open])

		body, end, ok := matchBraces(text, open)
		if !ok {
			// Unbalanced braces: keep the rest verbatim.
			sb.WriteString(text[open:])
			break
		}

		replaced, recognized, err := eval(body, text[open:end], scope, depth)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if recognized {
			sb.WriteString(replaced)
		} else {
			// Forward compatibility: unknown macros survive untouched.
			sb.WriteString(text[open:end])
		}
		i = end
	}
	return sb.String(), firstErr
}

// matchBraces finds the closing "}}" for the "{{" at start, honoring nested
// pairs. Returns the inner body and the index one past the closer.
func matchBraces(text string, start int) (body string, end int, ok bool) {
	depth := 0
	i := start
	for i < len(text)-1 {
		switch {
		case text[i] == '{' && text[i+1] == '{':
			depth++
			i += 2
		case text[i] == '}' && text[i+1] == '}':
			depth--
			i += 2
			if depth == 0 {
				return text[start+2 : i-2], i, true
			}
		default:
			i++
		}
	}
	return "", 0, false
}

// eval interprets one macro body. raw is the full original "{{...}}" slice,
// used for the pick cache key and for verbatim fallback.
func eval(body, raw string, scope *Scope, depth int) (out string, recognized bool, err error) {
	name := body
	arg := ""
	if idx := strings.IndexByte(body, ':'); idx >= 0 {
		name = body[:idx]
		arg = body[idx+1:]
	}
	name = strings.ToLower(strings.TrimSpace(name))

	// Comments carry no argument expansion at all.
	if strings.HasPrefix(body, "//") {
		return "", true, nil
	}

	switch name {
	case "char":
		return scope.CharName, true, nil
	case "user":
		return scope.UserName, true, nil
	}

	// Remaining macros take an argument that may itself contain macros.
	expandedArg, argErr := expand(arg, scope, depth+1)
	if argErr != nil {
		// Keep the whole region literal on overflow.
		return raw, true, argErr
	}

	switch name {
	case "random":
		opts := splitEscaped(expandedArg, ',')
		if len(opts) == 0 {
			return "", true, nil
		}
		return strings.TrimSpace(opts[scope.rng.Intn(len(opts))]), true, nil

	case "pick":
		if cached, ok := scope.pickCache[raw]; ok {
			return cached, true, nil
		}
		opts := splitEscaped(expandedArg, ',')
		if len(opts) == 0 {
			return "", true, nil
		}
		choice := strings.TrimSpace(opts[scope.rng.Intn(len(opts))])
		scope.pickCache[raw] = choice
		return choice, true, nil

	case "roll":
		sides, convErr := strconv.Atoi(strings.TrimLeft(expandedArg, "dD"))
		if convErr != nil || sides < 1 {
			return raw, true, nil // invalid dice spec stays literal
		}
		return strconv.Itoa(scope.rng.Intn(sides) + 1), true, nil

	case "reverse":
		runes := []rune(expandedArg)
		for l, r := 0, len(runes)-1; l < r; l, r = l+1, r-1 {
			runes[l], runes[r] = runes[r], runes[l]
		}
		return string(runes), true, nil

	case "hidden_key":
		scope.HiddenKeys = append(scope.HiddenKeys, expandedArg)
		return "", true, nil
	}

	return "", false, nil
}

// splitEscaped splits on sep while honoring "\sep" escapes.
func splitEscaped(s string, sep byte) []string {
	const placeholder = "\x00"
	escaped := strings.ReplaceAll(s, "\\"+string(sep), placeholder)
	if escaped == "" {
		return nil
	}
	parts := strings.Split(escaped, string(sep))
	for i := range parts {
		parts[i] = strings.ReplaceAll(parts[i], placeholder, string(sep))
	}
	return parts
}

// replaceFold is a case-insensitive strings.ReplaceAll.
func replaceFold(s, old, new string) string {
	lower := strings.ToLower(s)
	target := strings.ToLower(old)
	var sb strings.Builder
	i := 0
	for {
		idx := strings.Index(lower[i:], target)
		if idx < 0 {
			sb.WriteString(s[i:])
			return sb.String()
		}
		idx += i
		sb.WriteString(s[i:idx])
		sb.WriteString(new)
		i = idx + len(old)
	}
}
