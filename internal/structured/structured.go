// Package structured recovers JSON payloads from model output. Providers
// frequently wrap JSON in prose or code fences, or emit almost-JSON with
// trailing commas and unquoted keys; this package extracts and repairs the
// payload instead of failing the whole turn.
package structured

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Result is the outcome of a recovery attempt. Raw always carries the
// original untouched input for diagnostics; it is never broadcast to
// clients.
type Result struct {
	OK   bool
	Data map[string]any
	Err  error
	Raw  string
}

// RepairFunc is a best-effort transformation applied when the strict parse
// fails. The repaired text is re-parsed once; heuristics are swappable so
// they can be tested in isolation.
type RepairFunc func(text string) string

// Option adjusts a Parse call.
type Option func(*options)

type options struct {
	fallback map[string]any
	repair   RepairFunc
}

// WithFallback supplies a value returned (with OK=false) when every parse
// attempt fails.
func WithFallback(fallback map[string]any) Option {
	return func(o *options) { o.fallback = fallback }
}

// WithRepair replaces the default repair heuristic.
func WithRepair(repair RepairFunc) Option {
	return func(o *options) { o.repair = repair }
}

// Parse extracts a JSON object from raw model output.
//
// Attempts, each only on failure of the previous: trim whitespace, strip a
// surrounding code fence, narrow to the first {...} span, strict parse,
// repair pass and re-parse. Parse never panics; all failure paths return a
// Result carrying the original raw text.
func Parse(raw string, opts ...Option) Result {
	o := options{repair: Repair}
	for _, opt := range opts {
		opt(&o)
	}

	text := strings.TrimSpace(raw)
	text = stripCodeFence(text)
	if span := objectSpan(text); span != "" {
		text = span
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(text), &data); err == nil {
		return Result{OK: true, Data: data, Raw: raw}
	}

	repaired := text
	if o.repair != nil {
		repaired = o.repair(text)
	}
	if err := json.Unmarshal([]byte(repaired), &data); err == nil {
		return Result{OK: true, Data: data, Raw: raw}
	} else {
		return Result{OK: false, Data: o.fallback, Err: err, Raw: raw}
	}
}

var fenceRe = regexp.MustCompile("(?s)^```(?:json|JSON)?\\s*\\n?(.*?)\\n?```$")

// stripCodeFence extracts the body of a fenced code block, if the whole
// text is fenced.
func stripCodeFence(text string) string {
	if m := fenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

// objectSpan narrows to the first greedy {...} span, or "" when the text
// contains no braces.
func objectSpan(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return ""
	}
	return text[start : end+1]
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	unquotedKeyRe   = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_]*)\s*:`)
)

// Repair is the default repair heuristic: trailing commas removed, bare
// keys quoted, single-quoted strings converted, unbalanced brackets closed.
func Repair(text string) string {
	text = trailingCommaRe.ReplaceAllString(text, "$1")
	text = unquotedKeyRe.ReplaceAllString(text, `$1"$2":`)
	text = convertSingleQuotes(text)
	text = closeBrackets(text)
	return text
}

// convertSingleQuotes rewrites 'str' string literals to "str" outside of
// existing double-quoted strings.
func convertSingleQuotes(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	inDouble := false
	inSingle := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			b.WriteByte(c)
			escaped = false
			continue
		}
		switch {
		case c == '\\' && (inDouble || inSingle):
			b.WriteByte(c)
			escaped = true
		case c == '"' && !inSingle:
			inDouble = !inDouble
			b.WriteByte(c)
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			b.WriteByte('"')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// closeBrackets appends the closers for any brackets left open outside of
// string literals.
func closeBrackets(text string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{', '[':
			if !inString {
				stack = append(stack, c)
			}
		case '}', ']':
			if !inString && len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			text += "}"
		} else {
			text += "]"
		}
	}
	return text
}
