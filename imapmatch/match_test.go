package imapmatch

import (
	"reflect"
	"regexp"
	"testing"

	"github.com/mjl-/imapwire/imaplex"
)

func tcheckf(t *testing.T, err error, format string, args ...any) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", format, err)
	}
}

func tcompare(t *testing.T, a, b any) {
	t.Helper()
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("got:\n%#v\nexpected:\n%#v", a, b)
	}
}

func xlex(t *testing.T, s string) []imaplex.Token {
	t.Helper()
	tokens, err := imaplex.Lex(s)
	tcheckf(t, err, "lex %q", s)
	return tokens
}

func TestCombinators(t *testing.T) {
	tokens := xlex(t, "* 12 FETCH (UID 1)\r\n")

	tcompare(t, Op('*')(tokens), 1)
	tcompare(t, Op('+')(tokens), -1)
	tcompare(t, Seq(Op('*'), SP, Number, SP, Word("fetch"))(tokens), 5)
	tcompare(t, Seq(Op('*'), SP, Word("FETCH"))(tokens), -1)
	tcompare(t, Seq(Op('*'), Opt(Op('+')), SP)(tokens), 2)
	tcompare(t, Alt(Op('+'), Op('*'))(tokens), 1)
	tcompare(t, Atom(regexp.MustCompile(`[0-9]+`))(tokens[2:]), 1)
	tcompare(t, Atom(regexp.MustCompile(`1`))(tokens[2:]), -1)
	tcompare(t, Seq(Op('*'), SP, Number, SP, Word("FETCH"), SP, ListShape, End)(tokens), 12)
	tcompare(t, End(nil), 0)
	tcompare(t, Seq()(nil), 0)
	tcompare(t, Op('*')(nil), -1)
}

func TestPreceding(t *testing.T) {
	test := func(line string, expMarker Marker, expTag string, expN int) {
		t.Helper()
		marker, tag, n := Preceding(xlex(t, line))
		tcompare(t, marker, expMarker)
		tcompare(t, tag, expTag)
		tcompare(t, n, expN)
	}

	test("* OK hi\r\n", Untagged, "", 2)
	test("A1 OK done\r\n", Tagged, "A1", 2)
	test("a00012 NO fail\r\n", Tagged, "a00012", 2)
	test("AB99999 BAD x\r\n", Tagged, "AB99999", 2)
	test("+ go ahead\r\n", Continuation, "", 2)
	test("+\r\n", Continuation, "", 1)
	test("+ \r\n", Continuation, "", 2)
	test("*OK\r\n", NoMarker, "", -1)
	test("1A OK\r\n", NoMarker, "", -1)
	test("A OK\r\n", NoMarker, "", -1)
	test("12 OK\r\n", NoMarker, "", -1)
	test("A1\r\n", NoMarker, "", -1)
}

func TestList(t *testing.T) {
	tokens := xlex(t, `(("" "/") NIL) rest`+"\r\n")
	inner, n, ok := List(tokens)
	tcompare(t, ok, true)
	tcompare(t, n, 9)
	tcompare(t, imaplex.Text(inner), `("" "/") NIL`)

	inner, n, ok = List(tokens[1:])
	tcompare(t, ok, true)
	tcompare(t, n, 5)
	tcompare(t, imaplex.Text(inner), `"" "/"`)

	_, _, ok = List(xlex(t, "((a)\r\n"))
	tcompare(t, ok, false)
	_, _, ok = List(xlex(t, "a (b)\r\n"))
	tcompare(t, ok, false)

	// Parentheses in strings and literals are not structure.
	inner, n, ok = List(xlex(t, "(\")\" {1}\r\n))\r\n"))
	tcompare(t, ok, true)
	tcompare(t, n, 5)
	tcompare(t, len(inner), 3)
}

func TestLiteralLength(t *testing.T) {
	tokens := xlex(t, "{5}\r\nab\r\nc {0}\r\n{2+}\r\nxy\r\n")
	size, ok := LiteralLength(tokens[0])
	tcompare(t, ok, true)
	tcompare(t, size, int64(5))
	size, ok = LiteralLength(tokens[2])
	tcompare(t, ok, true)
	tcompare(t, size, int64(0))
	size, ok = LiteralLength(tokens[3])
	tcompare(t, ok, true)
	tcompare(t, size, int64(2))
	_, ok = LiteralLength(imaplex.MakeQuoted("{5}"))
	tcompare(t, ok, false)
	_, ok = LiteralLength(imaplex.MakeAtom("{5}"))
	tcompare(t, ok, false)
}

func TestSeqNo(t *testing.T) {
	seq, n, ok := SeqNo(xlex(t, "* 23 EXISTS\r\n"))
	tcompare(t, ok, true)
	tcompare(t, seq, uint32(23))
	tcompare(t, n, 3)

	_, _, ok = SeqNo(xlex(t, "* OK\r\n"))
	tcompare(t, ok, false)
	_, _, ok = SeqNo(xlex(t, "* 99999999999 EXISTS\r\n"))
	tcompare(t, ok, false)
	_, _, ok = SeqNo(xlex(t, "A1 OK\r\n"))
	tcompare(t, ok, false)
}

func TestBodySection(t *testing.T) {
	test := func(s string, expKey BodyKey, expN int) {
		t.Helper()
		key, n, ok := BodySection(xlex(t, s))
		tcompare(t, ok, true)
		tcompare(t, key, expKey)
		tcompare(t, n, expN)
	}

	test("BODY[] {3}\r\nabc\r\n", BodyKey{"BODY", "", -1, 3}, 3)
	test("body[HEADER.FIELDS (SUBJECT DATE)] {2}\r\nab\r\n", BodyKey{"BODY", "HEADER.FIELDS (SUBJECT DATE)", -1, 2}, 10)
	test("BODY[1.2]<100> \"abc\"\r\n", BodyKey{"BODY", "1.2", 100, -1}, 5)
	test("BODY.PEEK[TEXT]<0> {0}\r\n\r\n", BodyKey{"BODY.PEEK", "TEXT", 0, 0}, 5)
	test("BINARY[1] ~{4}\r\n\x00\x01\x02\x03\r\n", BodyKey{"BINARY", "1", -1, 4}, 4)
	test("BINARY.SIZE[1] 1234\r\n", BodyKey{"BINARY.SIZE", "1", -1, -1}, 4)
	test("BODY[]", BodyKey{"BODY", "", -1, -1}, 3)

	key, _, _ := BodySection(xlex(t, "BODY[1]<10> NIL\r\n"))
	tcompare(t, key.Key(), "BODY[1]<10>")

	for _, s := range []string{"BODY (\"text\")\r\n", "BODY[1\r\n", "RFC822 {1}\r\nx\r\n", "BODYSTRUCTURE[1]\r\n"} {
		_, _, ok := BodySection(xlex(t, s))
		tcompare(t, ok, false)
	}
}
