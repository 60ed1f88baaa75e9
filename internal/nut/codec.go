package nut

import (
	"strings"
	"unicode"
)

// EncodeCommand joins args into one protocol line (without terminator).
// Arguments that are empty or contain whitespace, a double quote or a
// backslash are quoted the way upsd's own tokenizer expects, so that
// Tokenize(EncodeCommand(args...)) returns args unchanged.
func EncodeCommand(args ...string) string {
	var b strings.Builder
	for i, a := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(quoteArg(a))
	}
	return b.String()
}

func quoteArg(s string) string {
	if !needsQuoting(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	for _, r := range s {
		if unicode.IsSpace(r) || r == '"' || r == '\\' {
			return true
		}
	}
	return false
}

// Tokenize splits a response line on unquoted whitespace. Double-quoted
// segments may contain whitespace; a backslash escapes the next character
// inside or outside quotes.
func Tokenize(line string) ([]string, error) {
	var (
		tokens  []string
		cur     strings.Builder
		inToken bool
		quoted  bool
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
			inToken = true
		case r == '"':
			quoted = !quoted
			inToken = true
		case unicode.IsSpace(r) && !quoted:
			if inToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quoted {
		return nil, &ProtocolError{Msg: "unterminated quoted string", Line: line}
	}
	if escaped {
		return nil, &ProtocolError{Msg: "dangling escape", Line: line}
	}
	if inToken {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

// ParseResponse tokenizes a single-line reply. An "ERR <code> [detail]"
// reply is returned as a *ServerError.
func ParseResponse(line string) ([]string, error) {
	tokens, err := Tokenize(line)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, &ProtocolError{Msg: "empty response", Line: line}
	}
	if tokens[0] == "ERR" {
		se := &ServerError{Code: "UNKNOWN"}
		if len(tokens) > 1 {
			se.Code = tokens[1]
		}
		if len(tokens) > 2 {
			se.Detail = strings.Join(tokens[2:], " ")
		}
		return nil, se
	}
	return tokens, nil
}

// ListReader assembles a BEGIN LIST / END LIST block fed to it one line at
// a time. Rows are only available once the matching END has been seen.
type ListReader struct {
	subject []string
	begun   bool
	done    bool
	rows    [][]string
}

// NewListReader expects a block for "LIST <subject...>", e.g.
// NewListReader("VAR", "myups").
func NewListReader(subject ...string) *ListReader {
	return &ListReader{subject: subject}
}

// Feed consumes one line. It returns true once the block is complete.
func (r *ListReader) Feed(line string) (bool, error) {
	if r.done {
		return true, &ProtocolError{Msg: "line after END LIST", Line: line}
	}
	if !r.begun {
		tokens, err := ParseResponse(line)
		if err != nil {
			return false, err
		}
		if !r.isMarker(tokens, "BEGIN") {
			return false, &ProtocolError{Msg: "expected BEGIN LIST " + strings.Join(r.subject, " "), Line: line}
		}
		r.begun = true
		return false, nil
	}

	tokens, err := Tokenize(line)
	if err != nil {
		return false, err
	}
	if len(tokens) > 0 && tokens[0] == "END" {
		if !r.isMarker(tokens, "END") {
			return false, &ProtocolError{Msg: "mismatched END LIST", Line: line}
		}
		r.done = true
		return true, nil
	}
	if !hasPrefix(tokens, r.subject) {
		return false, &ProtocolError{Msg: "unexpected row in LIST " + strings.Join(r.subject, " "), Line: line}
	}
	r.rows = append(r.rows, tokens[len(r.subject):])
	return false, nil
}

// Rows returns the collected rows with the subject prefix stripped, or nil
// if the block has not been terminated.
func (r *ListReader) Rows() [][]string {
	if !r.done {
		return nil
	}
	return r.rows
}

func (r *ListReader) isMarker(tokens []string, marker string) bool {
	if len(tokens) != len(r.subject)+2 || tokens[0] != marker || tokens[1] != "LIST" {
		return false
	}
	return hasPrefix(tokens[2:], r.subject)
}

func hasPrefix(tokens, prefix []string) bool {
	if len(tokens) < len(prefix) {
		return false
	}
	for i, p := range prefix {
		if tokens[i] != p {
			return false
		}
	}
	return true
}
