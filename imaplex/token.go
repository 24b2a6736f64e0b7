// Package imaplex is a streaming lexer for IMAP server responses.
//
// The lexer turns bytes, in chunks of any size, into tokens. Literals, announced
// with "{n}" at the end of a line, are read as exactly n bytes regardless of their
// contents, possibly spanning many chunks.
package imaplex

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the kind of a token.
type Kind int

const (
	Atom         Kind = iota // Run of non-special characters.
	Number                   // Atom consisting only of digits.
	QuotedString             // Double-quoted string, Value without quotes and escapes.
	Literal                  // Announced-length data, Value is the payload.
	Operator                 // One of ()[]\*+~
	Space                    // Single SP.
	NIL                      // Atom "NIL", any case. Absent value, Value is empty.
	CRLF                     // End of response line.
)

var kindStrings = []string{"atom", "number", "quoted", "literal", "op", "sp", "nil", "crlf"}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindStrings) {
		return kindStrings[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Token is a lexical unit of a response line. Tokens are not modified after
// being lexed.
type Token struct {
	Kind  Kind
	Raw   string // Source text, including quotes, escapes and literal announcement.
	Value string // True value: unquoted string, literal payload, empty for NIL.
}

// Is returns whether the token is of kind k.
func (t Token) Is(k Kind) bool {
	return t.Kind == k
}

// IsOp returns whether the token is operator c.
func (t Token) IsOp(c byte) bool {
	return t.Kind == Operator && len(t.Raw) == 1 && t.Raw[0] == c
}

// IsString returns whether the token is an IMAP "string", i.e. quoted or literal.
func (t Token) IsString() bool {
	return t.Kind == QuotedString || t.Kind == Literal
}

// Uint32 parses a Number token.
func (t Token) Uint32() (uint32, error) {
	if t.Kind != Number {
		return 0, fmt.Errorf("expected number, got %s", t)
	}
	v, err := strconv.ParseUint(t.Value, 10, 32)
	return uint32(v), err
}

// Int64 parses a Number token as a 63-bit number, as used for mod-sequences and sizes.
func (t Token) Int64() (int64, error) {
	if t.Kind != Number {
		return 0, fmt.Errorf("expected number, got %s", t)
	}
	return strconv.ParseInt(t.Value, 10, 64)
}

func (t Token) String() string {
	switch t.Kind {
	case Space, CRLF, NIL:
		return t.Kind.String()
	case Literal:
		return fmt.Sprintf("literal{%d}%q", len(t.Value), t.Value)
	}
	return fmt.Sprintf("%s%q", t.Kind, t.Value)
}

// MakeAtom returns an atom or number token for s.
func MakeAtom(s string) Token {
	return atomToken(s)
}

// MakeQuoted returns a quoted string token with value s.
func MakeQuoted(s string) Token {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return Token{QuotedString, `"` + r.Replace(s) + `"`, s}
}

// MakeLiteral returns a literal token with payload s.
func MakeLiteral(s string) Token {
	raw := fmt.Sprintf("{%d}\r\n%s", len(s), s)
	return Token{Literal, raw, raw[len(raw)-len(s):]}
}

// MakeOp returns an operator token.
func MakeOp(c byte) Token {
	return Token{Operator, string(c), string(c)}
}

// Premade tokens.
var (
	SP      = Token{Space, " ", " "}
	EOL     = Token{CRLF, "\r\n", "\r\n"}
	TokNIL  = Token{NIL, "NIL", ""}
	TokStar = MakeOp('*')
	TokPlus = MakeOp('+')
)

func atomToken(s string) Token {
	if strings.EqualFold(s, "NIL") {
		return Token{NIL, s, ""}
	}
	digits := len(s) > 0
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			digits = false
			break
		}
	}
	if digits {
		return Token{Number, s, s}
	}
	return Token{Atom, s, s}
}

// Text returns the raw text of tokens joined together.
func Text(tokens []Token) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteString(t.Raw)
	}
	return b.String()
}
