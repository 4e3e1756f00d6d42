package iface

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokPunct
	tokLiteral
	tokLifetime
)

type token struct {
	kind tokenKind
	text string
	line int
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

// lex splits Rust source into identifiers, single-character punctuation,
// literals and lifetimes. Comments and whitespace are dropped. Multi-char
// operators are left as runs of punctuation; the scanner only ever needs
// "::", "->" and "=>" which it matches pairwise.
func lex(src string) ([]token, error) {
	var toks []token
	line := 1
	i := 0
	n := len(src)

	for i < n {
		c := src[i]
		switch {
		case c == '\n':
			line++
			i++
		case c == ' ' || c == '\t' || c == '\r':
			i++
		case c == '/' && i+1 < n && src[i+1] == '/':
			for i < n && src[i] != '\n' {
				i++
			}
		case c == '/' && i+1 < n && src[i+1] == '*':
			end, lines, err := skipBlockComment(src, i)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			line += lines
			i = end
		case c == '"':
			end, lines, err := skipQuoted(src, i+1, '"')
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			toks = append(toks, token{kind: tokLiteral, text: src[i:end], line: line})
			line += lines
			i = end
		case (c == 'r' || c == 'b') && isRawOrByteString(src, i):
			end, lines, err := skipPrefixedString(src, i)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			toks = append(toks, token{kind: tokLiteral, text: src[i:end], line: line})
			line += lines
			i = end
		case c == '\'':
			end, kind := scanQuote(src, i)
			if end < 0 {
				return nil, fmt.Errorf("line %d: unterminated character literal", line)
			}
			toks = append(toks, token{kind: kind, text: src[i:end], line: line})
			i = end
		case isIdentStart(src, i):
			start := i
			for i < n && isIdentContinue(src, i) {
				_, size := utf8.DecodeRuneInString(src[i:])
				i += size
			}
			toks = append(toks, token{kind: tokIdent, text: src[start:i], line: line})
		case c >= '0' && c <= '9':
			start := i
			for i < n && (isIdentContinue(src, i) || src[i] == '.' && i+1 < n && src[i+1] >= '0' && src[i+1] <= '9') {
				i++
			}
			toks = append(toks, token{kind: tokLiteral, text: src[start:i], line: line})
		default:
			_, size := utf8.DecodeRuneInString(src[i:])
			toks = append(toks, token{kind: tokPunct, text: src[i : i+size], line: line})
			i += size
		}
	}
	return toks, nil
}

// skipBlockComment handles nested /* */ comments.
func skipBlockComment(src string, i int) (end, lines int, err error) {
	depth := 0
	for i < len(src) {
		switch {
		case src[i] == '/' && i+1 < len(src) && src[i+1] == '*':
			depth++
			i += 2
		case src[i] == '*' && i+1 < len(src) && src[i+1] == '/':
			depth--
			i += 2
			if depth == 0 {
				return i, lines, nil
			}
		default:
			if src[i] == '\n' {
				lines++
			}
			i++
		}
	}
	return 0, 0, fmt.Errorf("unterminated block comment")
}

// skipQuoted scans to the closing quote, honouring backslash escapes.
func skipQuoted(src string, i int, quote byte) (end, lines int, err error) {
	for i < len(src) {
		switch src[i] {
		case '\\':
			if i+1 < len(src) && src[i+1] == '\n' {
				lines++
			}
			i += 2
		case quote:
			return i + 1, lines, nil
		case '\n':
			lines++
			i++
		default:
			i++
		}
	}
	return 0, 0, fmt.Errorf("unterminated string literal")
}

// isRawOrByteString matches r"..", r#".."#, b"..", br"..", b'..'.
func isRawOrByteString(src string, i int) bool {
	j := i
	if src[j] == 'b' {
		j++
		if j < len(src) && (src[j] == '"' || src[j] == '\'') {
			return true
		}
		if j >= len(src) || src[j] != 'r' {
			return false
		}
	}
	if src[j] != 'r' {
		return false
	}
	j++
	for j < len(src) && src[j] == '#' {
		j++
	}
	return j < len(src) && src[j] == '"'
}

func skipPrefixedString(src string, i int) (end, lines int, err error) {
	if src[i] == 'b' {
		i++
		if src[i] == '"' {
			return skipQuoted(src, i+1, '"')
		}
		if src[i] == '\'' {
			e, _ := scanQuote(src, i)
			if e < 0 {
				return 0, 0, fmt.Errorf("unterminated byte literal")
			}
			return e, 0, nil
		}
	}
	// raw string: r#*"..."#*
	i++
	hashes := 0
	for src[i] == '#' {
		hashes++
		i++
	}
	i++ // opening quote
	for i < len(src) {
		if src[i] == '\n' {
			lines++
		}
		if src[i] == '"' {
			j := i + 1
			k := 0
			for k < hashes && j < len(src) && src[j] == '#' {
				j++
				k++
			}
			if k == hashes {
				return j, lines, nil
			}
		}
		i++
	}
	return 0, 0, fmt.Errorf("unterminated raw string")
}

// scanQuote distinguishes 'a' / '\n' character literals from 'a lifetimes.
func scanQuote(src string, i int) (int, tokenKind) {
	j := i + 1
	if j >= len(src) {
		return -1, tokLiteral
	}
	if src[j] == '\\' {
		j += 2
		for j < len(src) && src[j] != '\'' && src[j] != '\n' {
			j++
		}
		if j < len(src) && src[j] == '\'' {
			return j + 1, tokLiteral
		}
		return -1, tokLiteral
	}
	_, size := utf8.DecodeRuneInString(src[j:])
	if j+size < len(src) && src[j+size] == '\'' {
		return j + size + 1, tokLiteral
	}
	// lifetime or label
	k := j
	for k < len(src) && isIdentContinue(src, k) {
		_, s := utf8.DecodeRuneInString(src[k:])
		k += s
	}
	if k == j {
		return -1, tokLiteral
	}
	return k, tokLifetime
}

func isIdentStart(src string, i int) bool {
	r, _ := utf8.DecodeRuneInString(src[i:])
	return r == '_' || unicode.IsLetter(r)
}

func isIdentContinue(src string, i int) bool {
	r, _ := utf8.DecodeRuneInString(src[i:])
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
