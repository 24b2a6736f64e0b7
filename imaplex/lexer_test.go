package imaplex

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func tcompare(t *testing.T, a, b any) {
	t.Helper()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", a, b)
	}
}

func atom(s string) Token { return MakeAtom(s) }
func qstr(s string) Token { return MakeQuoted(s) }
func op(c byte) Token { return MakeOp(c) }
func lit(s string) Token { return MakeLiteral(s) }
func num(n int) Token { return MakeAtom(fmt.Sprintf("%d", n)) }

var (
	sp     = SP
	crlf   = EOL
	nilTok = TokNIL
	star   = TokStar
	plus   = TokPlus
	oparen = op('(')
	cparen = op(')')
	obrack = op('[')
	cbrack = op(']')
)

var lexTests = []struct {
	name   string
	input  string
	tokens []Token
}{
	{
		"tagged ok",
		"A1 OK LOGIN completed\r\n",
		[]Token{atom("A1"), sp, atom("OK"), sp, atom("LOGIN"), sp, atom("completed"), crlf},
	},
	{
		"continuation",
		"+ idling\r\n",
		[]Token{plus, sp, atom("idling"), crlf},
	},
	{
		"continuation with code",
		"+ [ALERT] idling\r\n",
		[]Token{plus, sp, obrack, atom("ALERT"), cbrack, sp, atom("idling"), crlf},
	},
	{
		"namespace",
		"* NAMESPACE ((\"\" \"/\")) NIL NIL\r\n",
		[]Token{star, sp, atom("NAMESPACE"), sp, oparen, oparen, qstr(""), sp, qstr("/"), cparen, cparen, sp, nilTok, sp, nilTok, crlf},
	},
	{
		"exists",
		"* 23 EXISTS\r\n",
		[]Token{star, sp, num(23), sp, atom("EXISTS"), crlf},
	},
	{
		"flags",
		"* FLAGS (\\Answered \\Seen $Forwarded)\r\n",
		[]Token{star, sp, atom("FLAGS"), sp, oparen, op('\\'), atom("Answered"), sp, op('\\'), atom("Seen"), sp, atom("$Forwarded"), cparen, crlf},
	},
	{
		"literal with crlf",
		"* 1 FETCH (BODY[] {5}\r\nab\r\nc)\r\n",
		[]Token{star, sp, num(1), sp, atom("FETCH"), sp, oparen, atom("BODY"), obrack, cbrack, sp, lit("ab\r\nc"), cparen, crlf},
	},
	{
		"empty literal",
		"* 1 FETCH (BODY[] {0}\r\n)\r\n",
		[]Token{star, sp, num(1), sp, atom("FETCH"), sp, oparen, atom("BODY"), obrack, cbrack, sp, lit(""), cparen, crlf},
	},
	{
		"literal8 and non-synchronizing",
		"* 2 FETCH (BINARY[1] ~{3+}\r\n{x})\r\n",
		[]Token{
			star, sp, num(2), sp, atom("FETCH"), sp, oparen, atom("BINARY"), obrack, num(1), cbrack, sp, op('~'),
			{Literal, "{3+}\r\n{x}", "{x}"}, cparen, crlf,
		},
	},
	{
		"quoted escapes",
		"* LIST () \"/\" \"a\\\"b\\\\c\"\r\n",
		[]Token{star, sp, atom("LIST"), sp, oparen, cparen, sp, qstr("/"), sp, qstr("a\"b\\c"), crlf},
	},
	{
		"nil any case",
		"* ID nil\r\n",
		[]Token{star, sp, atom("ID"), sp, {NIL, "nil", ""}, crlf},
	},
	{
		"brace in text",
		"A2 OK {foo} done {5} x\r\n",
		[]Token{atom("A2"), sp, atom("OK"), sp, atom("{foo}"), sp, atom("done"), sp, atom("{5}"), sp, atom("x"), crlf},
	},
	{
		"utf-8 atom",
		"* LIST () \"/\" Büro\r\n",
		[]Token{star, sp, atom("LIST"), sp, oparen, cparen, sp, qstr("/"), sp, atom("Büro"), crlf},
	},
	{
		"sequence set",
		"* SEARCH 1:* 4\r\n",
		[]Token{star, sp, atom("SEARCH"), sp, atom("1:"), star, sp, num(4), crlf},
	},
}

func TestLex(t *testing.T) {
	for _, tc := range lexTests {
		tokens, err := Lex(tc.input)
		tcheckf(t, err, "lex %s", tc.name)
		tcompare(t, tokens, tc.tokens)
		if s := Text(tokens); s != tc.input {
			t.Fatalf("%s: raw text of tokens %q, expected %q", tc.name, s, tc.input)
		}
	}
}

// Feeding any split of the input must result in the same tokens.
func TestLexChunks(t *testing.T) {
	for _, tc := range lexTests {
		buf := []byte(tc.input)
		for i := 0; i <= len(buf); i++ {
			var l Lexer
			t0, n0, err := l.Feed(buf[:i])
			tcheckf(t, err, "%s: first chunk at %d", tc.name, i)
			t1, n1, err := l.Feed(buf[i:])
			tcheckf(t, err, "%s: second chunk at %d", tc.name, i)
			tcompare(t, n0+n1, len(buf))
			tcompare(t, append(t0, t1...), tc.tokens)
		}

		// Byte by byte.
		var l Lexer
		var tokens []Token
		for i := range buf {
			l1, _, err := l.Feed(buf[i : i+1])
			tcheckf(t, err, "%s: byte %d", tc.name, i)
			tokens = append(tokens, l1...)
		}
		tcompare(t, tokens, tc.tokens)
		tcompare(t, l.Pending(), false)
	}
}

func TestLexLiteralExact(t *testing.T) {
	var l Lexer
	tokens, _, err := l.Feed([]byte("* 1 FETCH (BODY[] {5}\r\nab\r"))
	tcheckf(t, err, "feed")
	// Literal is not complete yet.
	for _, tok := range tokens {
		if tok.Kind == Literal {
			t.Fatalf("got literal token before all data was read")
		}
	}
	tcompare(t, l.Pending(), true)

	tokens, _, err = l.Feed([]byte("\nc) x\r\n"))
	tcheckf(t, err, "feed")
	tcompare(t, tokens, []Token{lit("ab\r\nc"), cparen, sp, atom("x"), crlf})
	tcompare(t, tokens[0].Raw, "{5}\r\nab\r\nc")
}

func TestLexNeedMore(t *testing.T) {
	var l Lexer
	tokens, n, err := l.Feed([]byte(`* OK "abc`))
	tcheckf(t, err, "feed")
	tcompare(t, n, 9)
	tcompare(t, tokens, []Token{star, sp, atom("OK"), sp})
	tcompare(t, l.Pending(), true)

	tokens, _, err = l.Feed([]byte("def\"\r\n"))
	tcheckf(t, err, "feed")
	tcompare(t, tokens, []Token{qstr("abcdef"), crlf})

	_, err = Lex("* OK abc")
	if err != ErrIncomplete {
		t.Fatalf("got %v, expected ErrIncomplete", err)
	}
}

func TestLexErrors(t *testing.T) {
	test := func(input string) {
		t.Helper()
		_, err := Lex(input)
		var lerr *LexError
		if !errors.As(err, &lerr) {
			t.Fatalf("lex %q: got %v, expected LexError", input, err)
		}
	}
	test("* OK a\x00b\r\n")
	test("* OK a\rb\r\n")
	test("* OK \"a\r\n")
	test("* OK \"a\\x\"\r\n")
	test("* OK a\n")
	test("* 1 FETCH (BODY[] {1234567890123456789}\r\n")
}

func TestLineSplitter(t *testing.T) {
	var s LineSplitter
	lines := s.Feed([]byte("* 1 EXISTS\r\n* OK a\x00b\r\n* 2 EX"))
	tcompare(t, len(lines), 2)
	tcompare(t, lines[0].Tokens, []Token{star, sp, num(1), sp, atom("EXISTS"), crlf})
	var lerr *LexError
	if !errors.As(lines[1].Err, &lerr) {
		t.Fatalf("got %v, expected lex error", lines[1].Err)
	}
	tcompare(t, lerr.Offset, int64(18))
	tcompare(t, s.Pending(), true)

	lines = s.Feed([]byte("ISTS\r\n"))
	tcompare(t, lines, []Line{{Tokens: []Token{star, sp, num(2), sp, atom("EXISTS"), crlf}}})
	tcompare(t, s.Pending(), false)

	// Oversized literal is skipped in full, including the CRLF inside.
	s = LineSplitter{Lexer: Lexer{MaxLiteralSize: 3}}
	lines = s.Feed([]byte("* 1 FETCH (BODY[] {5}\r\nab\r\nc)\r\n* 2 EXISTS\r\n"))
	tcompare(t, len(lines), 2)
	if lines[0].Err == nil {
		t.Fatalf("expected error for oversized literal")
	}
	tcompare(t, lines[1].Tokens, []Token{star, sp, num(2), sp, atom("EXISTS"), crlf})
}
