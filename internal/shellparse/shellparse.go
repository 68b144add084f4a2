// Package shellparse splits and classifies shell command strings for the
// policy engine. It is not an interpreter: unknown constructs get a
// best-effort parse rather than an error.
package shellparse

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Command is a parsed (executable, args) tuple.
type Command struct {
	Executable string
	Args       []string
}

// splitTopLevel walks the raw string tracking quote state and splits on any
// of the given multi-character separators when they appear outside quotes
// and outside an escaping backslash. Single-quoted contents are strictly
// literal; double-quoted contents still honor backslash-escaping of the
// quote character itself.
func splitTopLevel(cmd string, seps []string) []string {
	var segments []string
	var cur strings.Builder

	inSingle := false
	inDouble := false
	escaped := false

	runes := []rune(cmd)
	i := 0
	for i < len(runes) {
		r := runes[i]

		if escaped {
			cur.WriteRune(r)
			escaped = false
			i++
			continue
		}

		if inSingle {
			cur.WriteRune(r)
			if r == '\'' {
				inSingle = false
			}
			i++
			continue
		}

		if r == '\\' && !inSingle {
			cur.WriteRune(r)
			escaped = true
			i++
			continue
		}

		if inDouble {
			cur.WriteRune(r)
			if r == '"' {
				inDouble = false
			}
			i++
			continue
		}

		if r == '\'' {
			inSingle = true
			cur.WriteRune(r)
			i++
			continue
		}
		if r == '"' {
			inDouble = true
			cur.WriteRune(r)
			i++
			continue
		}

		matched := false
		for _, sep := range seps {
			sepRunes := []rune(sep)
			if i+len(sepRunes) > len(runes) {
				continue
			}
			if string(runes[i:i+len(sepRunes)]) != sep {
				continue
			}
			// For "|" ensure we don't split on "||" when looking for a
			// single-pipe separator and vice versa: callers pass the
			// exact separator set they want, so just match longest first.
			segments = append(segments, strings.TrimSpace(cur.String()))
			cur.Reset()
			i += len(sepRunes)
			matched = true
			break
		}
		if matched {
			continue
		}

		cur.WriteRune(r)
		i++
	}

	last := strings.TrimSpace(cur.String())
	if last != "" || len(segments) > 0 {
		segments = append(segments, last)
	}

	var out []string
	for _, s := range segments {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SplitChain splits cmd on top-level ;, &&, || separators, left to right,
// preserving quoting. Longer separators (&&, ||) are matched before the
// shorter ; so that e.g. "a && b" is not cut mid-separator.
func SplitChain(cmd string) []string {
	return splitTopLevel(cmd, []string{"&&", "||", ";"})
}

// SplitPipeline splits a chain segment on top-level | (but not ||).
func SplitPipeline(segment string) []string {
	return splitOnSinglePipe(segment)
}

// splitOnSinglePipe is SplitPipeline's implementation, kept separate so
// SplitChain's generic splitter (which treats separators as atomic tokens)
// doesn't need a special case for "one pipe but not two".
func splitOnSinglePipe(segment string) []string {
	var segments []string
	var cur strings.Builder

	inSingle := false
	inDouble := false
	escaped := false

	runes := []rune(segment)
	i := 0
	for i < len(runes) {
		r := runes[i]

		if escaped {
			cur.WriteRune(r)
			escaped = false
			i++
			continue
		}
		if inSingle {
			cur.WriteRune(r)
			if r == '\'' {
				inSingle = false
			}
			i++
			continue
		}
		if r == '\\' {
			cur.WriteRune(r)
			escaped = true
			i++
			continue
		}
		if inDouble {
			cur.WriteRune(r)
			if r == '"' {
				inDouble = false
			}
			i++
			continue
		}
		if r == '\'' {
			inSingle = true
			cur.WriteRune(r)
			i++
			continue
		}
		if r == '"' {
			inDouble = true
			cur.WriteRune(r)
			i++
			continue
		}

		if r == '|' {
			// "||" is a chain separator, not a pipe; skip both chars
			// and do not start a new pipeline stage.
			if i+1 < len(runes) && runes[i+1] == '|' {
				cur.WriteRune(r)
				cur.WriteRune(runes[i+1])
				i += 2
				continue
			}
			segments = append(segments, strings.TrimSpace(cur.String()))
			cur.Reset()
			i++
			continue
		}

		cur.WriteRune(r)
		i++
	}

	last := strings.TrimSpace(cur.String())
	segments = append(segments, last)

	var out []string
	for _, s := range segments {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Parse extracts (executable, args) from a single pipeline stage using a
// real bash-dialect tokenizer, stripping a leading "env VAR=..." prefix and
// leading redirections. Unknown constructs (process substitution, heredocs)
// produce a best-effort result instead of an error.
func Parse(stage string) Command {
	parser := syntax.NewParser(
		syntax.Variant(syntax.LangBash),
		syntax.KeepComments(false),
	)

	file, err := parser.Parse(strings.NewReader(stage), "")
	if err != nil {
		return fallbackParse(stage)
	}

	var call *syntax.CallExpr
	syntax.Walk(file, func(node syntax.Node) bool {
		if call != nil {
			return false
		}
		if c, ok := node.(*syntax.CallExpr); ok {
			call = c
			return false
		}
		return true
	})

	if call == nil {
		return fallbackParse(stage)
	}

	tokens := make([]string, 0, len(call.Args))
	for _, w := range call.Args {
		tokens = append(tokens, wordToString(w))
	}

	return tokensToCommand(tokens)
}

// tokensToCommand strips a leading run of NAME=VALUE assignments (the "env
// VAR=..." prefix form, with or without the literal "env") to find the
// actual executable.
func tokensToCommand(tokens []string) Command {
	i := 0
	if i < len(tokens) && tokens[i] == "env" {
		i++
	}
	for i < len(tokens) && isAssignment(tokens[i]) {
		i++
	}
	if i >= len(tokens) {
		return Command{}
	}
	return Command{Executable: tokens[i], Args: append([]string{}, tokens[i+1:]...)}
}

func isAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return false
	}
	name := tok[:eq]
	for i, r := range name {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			continue
		}
		if i > 0 && r >= '0' && r <= '9' {
			continue
		}
		return false
	}
	return true
}

// wordToString renders a syntax.Word's literal content, stripping outer
// quotes but preserving their boundaries as token separators (handled by
// the caller already having split on whitespace via the tokenizer).
func wordToString(word *syntax.Word) string {
	var sb strings.Builder
	for _, part := range word.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			sb.WriteString(p.Value)
		case *syntax.SglQuoted:
			sb.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, qp := range p.Parts {
				if lit, ok := qp.(*syntax.Lit); ok {
					sb.WriteString(lit.Value)
				}
			}
		case *syntax.ParamExp:
			sb.WriteString("$" + p.Param.Value)
		case *syntax.CmdSubst:
			sb.WriteString("$()")
		}
	}
	return sb.String()
}

// fallbackParse handles stages the tokenizer rejects (heredocs, process
// substitution, truncated input) via plain whitespace splitting.
func fallbackParse(stage string) Command {
	fields := strings.Fields(stage)
	if len(fields) == 0 {
		return Command{}
	}
	return tokensToCommand(fields)
}
