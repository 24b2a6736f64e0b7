// Package imapmatch recognizes shapes in lexed IMAP response lines.
//
// A Matcher tests whether a token slice begins with a shape, and returns the
// number of tokens the shape covers. Matchers are built from small combinators
// and do not modify their input.
package imapmatch

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/mjl-/imapwire/imaplex"
)

// Matcher returns the number of leading tokens that form its shape, or -1 if the
// tokens do not start with the shape. A match can be empty, e.g. for Opt.
type Matcher func(tokens []imaplex.Token) int

// Match returns whether tokens start with m.
func (m Matcher) Match(tokens []imaplex.Token) bool {
	return m(tokens) >= 0
}

// Kind matches a single token of kind k.
func Kind(k imaplex.Kind) Matcher {
	return func(tokens []imaplex.Token) int {
		if len(tokens) > 0 && tokens[0].Kind == k {
			return 1
		}
		return -1
	}
}

// Op matches operator c.
func Op(c byte) Matcher {
	return func(tokens []imaplex.Token) int {
		if len(tokens) > 0 && tokens[0].IsOp(c) {
			return 1
		}
		return -1
	}
}

// Atom matches an atom or number whose complete value matches re.
func Atom(re *regexp.Regexp) Matcher {
	return func(tokens []imaplex.Token) int {
		if len(tokens) == 0 || tokens[0].Kind != imaplex.Atom && tokens[0].Kind != imaplex.Number {
			return -1
		}
		loc := re.FindStringIndex(tokens[0].Value)
		if loc == nil || loc[0] != 0 || loc[1] != len(tokens[0].Value) {
			return -1
		}
		return 1
	}
}

// Word matches an atom equal to one of words, case-insensitively.
func Word(words ...string) Matcher {
	return func(tokens []imaplex.Token) int {
		if len(tokens) == 0 || tokens[0].Kind != imaplex.Atom {
			return -1
		}
		for _, w := range words {
			if strings.EqualFold(tokens[0].Value, w) {
				return 1
			}
		}
		return -1
	}
}

// Seq matches each of ms in turn.
func Seq(ms ...Matcher) Matcher {
	return func(tokens []imaplex.Token) int {
		n := 0
		for _, m := range ms {
			k := m(tokens[n:])
			if k < 0 {
				return -1
			}
			n += k
		}
		return n
	}
}

// Alt matches the first of ms that matches.
func Alt(ms ...Matcher) Matcher {
	return func(tokens []imaplex.Token) int {
		for _, m := range ms {
			if k := m(tokens); k >= 0 {
				return k
			}
		}
		return -1
	}
}

// Opt matches m, or nothing.
func Opt(m Matcher) Matcher {
	return func(tokens []imaplex.Token) int {
		return max(m(tokens), 0)
	}
}

// Common single-token matchers.
var (
	SP     = Kind(imaplex.Space)
	EOL    = Kind(imaplex.CRLF)
	Number = Kind(imaplex.Number)
	String = Alt(Kind(imaplex.QuotedString), Kind(imaplex.Literal))
)

// End matches the end of a line: a CRLF token, or no tokens at all.
func End(tokens []imaplex.Token) int {
	if len(tokens) == 0 {
		return 0
	}
	return EOL(tokens)
}

// TagRegexp matches command tags as generated by clients: letters followed by
// digits.
var TagRegexp = regexp.MustCompile(`^[A-Za-z]+[0-9]+$`)

// Marker is the kind of a response line, as determined by its first tokens.
type Marker int

const (
	NoMarker     Marker = iota
	Untagged            // "*" SP
	Tagged              // tag SP
	Continuation        // "+", optionally followed by SP
)

var (
	untaggedShape     = Seq(Op('*'), SP)
	taggedShape       = Seq(Atom(TagRegexp), SP)
	continuationShape = Seq(Op('+'), Opt(SP))
)

// Preceding recognizes the start of a response line. For a tagged line, the tag
// is returned. The number of tokens covered by the marker is returned in n.
func Preceding(tokens []imaplex.Token) (marker Marker, tag string, n int) {
	if n := untaggedShape(tokens); n >= 0 {
		return Untagged, "", n
	}
	if n := taggedShape(tokens); n >= 0 {
		return Tagged, tokens[0].Value, n
	}
	if n := continuationShape(tokens); n >= 0 {
		return Continuation, "", n
	}
	return NoMarker, "", -1
}

// List matches a parenthesized list, including nested lists. The tokens
// between the outer parentheses are returned, along with the number of tokens
// including both parentheses.
func List(tokens []imaplex.Token) (inner []imaplex.Token, n int, ok bool) {
	if len(tokens) == 0 || !tokens[0].IsOp('(') {
		return nil, -1, false
	}
	depth := 0
	for i, t := range tokens {
		switch {
		case t.IsOp('('):
			depth++
		case t.IsOp(')'):
			depth--
			if depth == 0 {
				return tokens[1:i], i + 1, true
			}
		case t.Kind == imaplex.CRLF:
			return nil, -1, false
		}
	}
	return nil, -1, false
}

// ListShape matches a parenthesized list as a Matcher.
func ListShape(tokens []imaplex.Token) int {
	_, n, _ := List(tokens)
	return n
}

var literalRegexp = regexp.MustCompile(`^\{([0-9]+)\+?\}\r\n`)

// LiteralLength returns the length announced for a literal token, or false if
// t is not a literal.
func LiteralLength(t imaplex.Token) (int64, bool) {
	if t.Kind != imaplex.Literal {
		return 0, false
	}
	m := literalRegexp.FindStringSubmatch(t.Raw)
	if m == nil {
		return 0, false
	}
	size, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}

var seqNoShape = Seq(Op('*'), SP, Number)

// SeqNo recognizes the message sequence number that leads an untagged message
// data response, e.g. "* 12 FETCH".
func SeqNo(tokens []imaplex.Token) (seq uint32, n int, ok bool) {
	n = seqNoShape(tokens)
	if n < 0 {
		return 0, -1, false
	}
	v, err := tokens[2].Uint32()
	if err != nil {
		return 0, -1, false
	}
	return v, n, true
}

// BodyKey is a fetch attribute with a section, like "BODY[HEADER]<0>".
type BodyKey struct {
	Name    string // Upper case, e.g. BODY, BODY.PEEK, BINARY, BINARY.SIZE.
	Section string // Text between the brackets, e.g. "HEADER.FIELDS (SUBJECT)".
	Origin  int64  // Partial origin from "<n>", -1 if absent.

	// Announced length of the literal following the key and a space, -1 if the
	// value is not a literal.
	LiteralSize int64
}

// Key returns the attribute as it appears in a response.
func (k BodyKey) Key() string {
	s := k.Name + "[" + k.Section + "]"
	if k.Origin >= 0 {
		s += "<" + strconv.FormatInt(k.Origin, 10) + ">"
	}
	return s
}

var (
	bodyNameShape = Seq(Word("BODY", "BODY.PEEK", "BINARY", "BINARY.PEEK", "BINARY.SIZE"), Op('['))
	originRegexp  = regexp.MustCompile(`^<([0-9]+)>$`)
)

// BodySection recognizes a fetch attribute with section. The returned n covers
// the name, the section and the origin, but not the value that follows.
func BodySection(tokens []imaplex.Token) (key BodyKey, n int, ok bool) {
	if bodyNameShape(tokens) < 0 {
		return BodyKey{}, -1, false
	}
	end := -1
	for i := 2; i < len(tokens); i++ {
		if tokens[i].IsOp(']') {
			end = i
			break
		}
		if tokens[i].Kind == imaplex.CRLF {
			return BodyKey{}, -1, false
		}
	}
	if end < 0 {
		return BodyKey{}, -1, false
	}
	key = BodyKey{
		Name:        strings.ToUpper(tokens[0].Value),
		Section:     imaplex.Text(tokens[2:end]),
		Origin:      -1,
		LiteralSize: -1,
	}
	n = end + 1
	if n < len(tokens) && tokens[n].Kind == imaplex.Atom {
		if m := originRegexp.FindStringSubmatch(tokens[n].Value); m != nil {
			origin, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return BodyKey{}, -1, false
			}
			key.Origin = origin
			n++
		}
	}
	if n+1 < len(tokens) && tokens[n].Kind == imaplex.Space {
		v := n + 1
		if tokens[v].IsOp('~') && v+1 < len(tokens) {
			v++
		}
		if size, ok := LiteralLength(tokens[v]); ok {
			key.LiteralSize = size
		}
	}
	return key, n, true
}
