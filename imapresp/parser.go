package imapresp

import (
	"fmt"
	"strings"

	"github.com/mjl-/imapwire/imaplex"
	"github.com/mjl-/imapwire/imapmatch"
)

// parseErr is the panic value of xerrorf, recovered into a ParseError.
type parseErr struct {
	err error
}

// parser walks the tokens of a single line. Methods starting with "x" panic
// with a parseErr on malformed input.
type parser struct {
	tokens []imaplex.Token
	o      int
}

func (p *parser) xerrorf(format string, args ...any) {
	panic(parseErr{fmt.Errorf(format, args...)})
}

// run calls fn, turning a parse panic into a ParseError.
func (p *parser) run(fn func()) (rerr error) {
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		if err, ok := x.(parseErr); ok {
			rerr = &ParseError{err.err.Error(), p.tokens}
			return
		}
		panic(x)
	}()
	fn()
	return nil
}

func (p *parser) rest() []imaplex.Token {
	return p.tokens[p.o:]
}

// peek returns the next token, or a CRLF at the end of the tokens.
func (p *parser) peek() imaplex.Token {
	if p.o < len(p.tokens) {
		return p.tokens[p.o]
	}
	return imaplex.EOL
}

func (p *parser) xnext() imaplex.Token {
	t := p.peek()
	if t.Kind == imaplex.CRLF {
		p.xerrorf("unexpected end of line")
	}
	p.o++
	return t
}

func (p *parser) match(m imapmatch.Matcher) bool {
	n := m(p.rest())
	if n < 0 {
		return false
	}
	p.o += n
	return true
}

func (p *parser) take(c byte) bool {
	return p.match(imapmatch.Op(c))
}

func (p *parser) xtake(c byte) {
	if !p.take(c) {
		p.xerrorf("expected %q, got %s", c, p.peek())
	}
}

func (p *parser) space() bool {
	return p.match(imapmatch.SP)
}

func (p *parser) xspace() {
	if !p.space() {
		p.xerrorf("expected space, got %s", p.peek())
	}
}

func (p *parser) atEnd() bool {
	return p.peek().Kind == imaplex.CRLF
}

func (p *parser) xend() {
	if !p.atEnd() {
		p.xerrorf("leftover data %q", imaplex.Text(p.rest()))
	}
}

func (p *parser) xkeyword(w string) {
	if !p.match(imapmatch.Word(w)) {
		p.xerrorf("expected %s, got %s", w, p.peek())
	}
}

func (p *parser) xuint32() uint32 {
	t := p.xnext()
	v, err := t.Uint32()
	if err != nil {
		p.xerrorf("parsing number: %v", err)
	}
	return v
}

func (p *parser) xnzuint32() uint32 {
	v := p.xuint32()
	if v == 0 {
		p.xerrorf("got 0, expected nonzero number")
	}
	return v
}

func (p *parser) xint64() int64 {
	t := p.xnext()
	v, err := t.Int64()
	if err != nil {
		p.xerrorf("parsing number: %v", err)
	}
	return v
}

// word returns the raw text of adjacent atoms and operators, e.g. "LITERAL+" or
// "\Seen", stopping at a space, parenthesis, bracket, string or line end.
func (p *parser) word() string {
	var b strings.Builder
	for {
		t := p.peek()
		switch t.Kind {
		case imaplex.Atom, imaplex.Number, imaplex.NIL:
		case imaplex.Operator:
			if t.IsOp('(') || t.IsOp(')') || t.IsOp('[') || t.IsOp(']') {
				return b.String()
			}
		default:
			return b.String()
		}
		b.WriteString(t.Raw)
		p.o++
	}
}

func (p *parser) xword() string {
	s := p.word()
	if s == "" {
		p.xerrorf("expected word, got %s", p.peek())
	}
	return s
}

func (p *parser) xstring() string {
	t := p.peek()
	if !t.IsString() {
		p.xerrorf("expected string, got %s", t)
	}
	p.o++
	return t.Value
}

func (p *parser) xnilString() string {
	if p.match(nilShape) {
		return ""
	}
	return p.xstring()
}

// xnilStringPtr is like xnilString, but returns nil for NIL.
func (p *parser) xnilStringPtr() *string {
	if p.match(nilShape) {
		return nil
	}
	s := p.xstring()
	return &s
}

func (p *parser) xastring() string {
	if p.peek().IsString() {
		return p.xstring()
	}
	return p.xword()
}

// Separator as in LIST and NAMESPACE responses: a single-character string or
// NIL.
func (p *parser) xseparator() byte {
	if p.match(nilShape) {
		return 0
	}
	s := p.xstring()
	if len(s) != 1 {
		p.xerrorf("separator: expected single char, got %q", s)
	}
	return s[0]
}

// xlistOf parses a parenthesized, space-separated list, calling fn for each
// element.
func (p *parser) xlistOf(fn func()) {
	p.xtake('(')
	for i := 0; !p.take(')'); i++ {
		if i > 0 {
			p.xspace()
		}
		fn()
	}
}

func (p *parser) xflag() string {
	return p.xword()
}

func (p *parser) xflagList() []string {
	l := []string{}
	p.xlistOf(func() {
		l = append(l, p.xflag())
	})
	return l
}

// Value is a generic IMAP data item, for structures that are kept unparsed. An
// atom, number or string is a string, NIL is nil, and a parenthesized list is a
// []Value.
type Value any

func (p *parser) xvalue() Value {
	t := p.peek()
	switch {
	case t.Kind == imaplex.NIL:
		p.o++
		return nil
	case t.IsString():
		p.o++
		return t.Value
	case t.IsOp('('):
		p.o++
		l := []Value{}
		for !p.take(')') {
			// Lists can be adjacent without space, as in multipart body structures.
			if len(l) > 0 && !p.peek().IsOp('(') {
				p.xspace()
			}
			l = append(l, p.xvalue())
		}
		return l
	case t.IsOp('~'):
		p.o++
		return p.xstring()
	}
	return p.xword()
}

// xtext returns the raw text until the end of the line.
func (p *parser) xtext() string {
	start := p.o
	for !p.atEnd() {
		p.o++
	}
	return imaplex.Text(p.tokens[start:p.o])
}

// xrespText parses optional response code and text. The space before it has been
// consumed.
func (p *parser) xrespText() (*Code, string) {
	var code *Code
	if p.take('[') {
		code = p.xcode()
		p.xtake(']')
		if p.atEnd() {
			return code, ""
		}
		p.xspace()
	}
	return code, p.xtext()
}

// xcode parses a response code after "[". Arguments are kept as raw text, with
// parenthesized lists as single argument.
func (p *parser) xcode() *Code {
	code := &Code{Name: strings.ToUpper(p.xword())}
	for p.space() {
		start := p.o
		depth := 0
	Arg:
		for {
			t := p.peek()
			switch {
			case t.Kind == imaplex.CRLF:
				p.xerrorf("unterminated response code")
			case t.IsOp('('):
				depth++
			case t.IsOp(')'):
				depth--
			case depth == 0 && (t.IsOp(']') || t.Kind == imaplex.Space):
				break Arg
			}
			p.o++
		}
		if p.o == start {
			p.xerrorf("empty response code argument")
		}
		code.Args = append(code.Args, imaplex.Text(p.tokens[start:p.o]))
	}
	return code
}

func (p *parser) xstatus(allowed ...Status) Status {
	w := strings.ToUpper(p.xword())
	for _, s := range allowed {
		if w == string(s) {
			return s
		}
	}
	p.xerrorf("expected status, got %q", w)
	panic("not reached")
}

func (p *parser) xnumbers() []uint32 {
	var nums []uint32
	for p.space() {
		if p.peek().IsOp('(') {
			p.o--
			return nums
		}
		if p.atEnd() {
			// Trailing space, sent by some servers.
			break
		}
		nums = append(nums, p.xnzuint32())
	}
	return nums
}

// xmodseqSuffix parses an optional " (MODSEQ n)" following search results.
func (p *parser) xmodseqSuffix() int64 {
	if !p.space() {
		return 0
	}
	p.xtake('(')
	p.xkeyword("MODSEQ")
	p.xspace()
	v := p.xint64()
	p.xtake(')')
	return v
}
