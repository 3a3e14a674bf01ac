package process

import (
	"errors"
	"strings"
)

var ErrEmptyCommand = errors.New("empty command")

// Token is one word of a command line.
// Quote is the quote character that grouped it, or 0 when unquoted.
type Token struct {
	Text  string
	Quote rune
}

// Tokenize splits a command line into words.
//
// Single and double quotes group characters (including spaces) into one word
// and are removed. A quote of the other kind inside a quoted span is literal.
// There is no escape character: a backslash is an ordinary character, and
// nested quotes of the same kind cannot be expressed. An unterminated quote
// runs to the end of the input. Shell operators (|, >, &&) are ordinary
// words here; the shell that runs the joined line interprets them.
func Tokenize(line string) []Token {
	var (
		out    []Token
		cur    strings.Builder
		quote  rune
		quoted rune // first quote seen in the current word
		inWord bool
	)
	flush := func() {
		if inWord {
			out = append(out, Token{Text: cur.String(), Quote: quoted})
		}
		cur.Reset()
		quoted = 0
		inWord = false
	}

	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
				continue
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			if quoted == 0 {
				quoted = r
			}
			inWord = true
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	flush()
	return out
}

// Argv returns the plain words of a command line.
func Argv(line string) []string {
	toks := Tokenize(line)
	out := make([]string, 0, len(toks))
	for _, t := range toks {
		out = append(out, t.Text)
	}
	return out
}

// ShellLine rejoins tokens for `sh -c`, re-wrapping words that were quoted
// with their original quote character so grouping survives the round trip.
func ShellLine(toks []Token) string {
	var b strings.Builder
	for i, t := range toks {
		if i > 0 {
			b.WriteByte(' ')
		}
		if t.Quote != 0 {
			b.WriteRune(t.Quote)
			b.WriteString(t.Text)
			b.WriteRune(t.Quote)
			continue
		}
		b.WriteString(t.Text)
	}
	return b.String()
}
