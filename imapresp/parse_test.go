package imapresp

import (
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

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

func xparse(t *testing.T, line string) Response {
	t.Helper()
	tokens, err := imaplex.Lex(line)
	tcheckf(t, err, "lex")
	r, err := Parse(tokens)
	tcheckf(t, err, "parse %q", line)
	tcompare(t, imaplex.Text(r.Tokens()), line)
	return r
}

func xparseErr(t *testing.T, line, expMsg string) {
	t.Helper()
	tokens, err := imaplex.Lex(line)
	tcheckf(t, err, "lex")
	_, err = Parse(tokens)
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("got err %v, expected ParseError", err)
	}
	if !strings.HasPrefix(perr.Msg, expMsg) {
		t.Fatalf("got parse error %q, expected prefix %q", perr.Msg, expMsg)
	}
	tcompare(t, perr.Tokens, tokens)
}

func xuntagged(t *testing.T, line string, expType string, expContent Content) {
	t.Helper()
	r := xparse(t, line)
	u, ok := r.(Untagged)
	if !ok {
		t.Fatalf("got %T, expected Untagged", r)
	}
	tcompare(t, u.Type, expType)
	tcompare(t, u.Content, expContent)
}

func TestTagged(t *testing.T) {
	r := xparse(t, "A7 NO [ALERT] quota exceeded\r\n")
	tcompare(t, r.(Tagged).Tag, "A7")
	tcompare(t, r.(Tagged).Status, NO)
	tcompare(t, r.(Tagged).Code, &Code{Name: "ALERT"})
	tcompare(t, r.(Tagged).Text, "quota exceeded")

	r = xparse(t, "A00001 ok LOGIN completed\r\n")
	tcompare(t, r.(Tagged).Status, OK)
	tcompare(t, r.(Tagged).Code, (*Code)(nil))
	tcompare(t, r.(Tagged).Text, "LOGIN completed")

	r = xparse(t, "B12 OK [READ-WRITE] SELECT completed (0.001 + 0.000 secs).\r\n")
	tcompare(t, r.(Tagged).Code, &Code{Name: "READ-WRITE"})
	tcompare(t, r.(Tagged).Text, "SELECT completed (0.001 + 0.000 secs).")

	r = xparse(t, "A3 OK [COPYUID 38505 304,319:320 3956:3958] Done\r\n")
	tcompare(t, r.(Tagged).Code, &Code{"COPYUID", []string{"38505", "304,319:320", "3956:3958"}})

	r = xparse(t, "A4 BAD\r\n")
	tcompare(t, r.(Tagged).Status, BAD)

	xparseErr(t, "A1 MAYBE done\r\n", "expected status")
	xparseErr(t, "A1 OK [ALERT done\r\n", "unterminated response code")
}

func TestContinuation(t *testing.T) {
	r := xparse(t, "+ idling\r\n")
	tcompare(t, r, Continuation{Text: "idling", Raw: r.Tokens()})

	r = xparse(t, "+ [ALERT] idling\r\n")
	tcompare(t, r.(Continuation).Code, &Code{Name: "ALERT"})
	tcompare(t, r.(Continuation).Text, "idling")

	r = xparse(t, "+\r\n")
	tcompare(t, r.(Continuation).Text, "")

	r = xparse(t, "+ YGgGCSqGSIb3EgECAgIBAAD/////6jcyG4GE3KkTzBeBiVHeceP2CWY0SR0fAQAgAAQEBAQ=\r\n")
	tcompare(t, r.(Continuation).Text, "YGgGCSqGSIb3EgECAgIBAAD/////6jcyG4GE3KkTzBeBiVHeceP2CWY0SR0fAQAgAAQEBAQ=")
}

func TestWrongFormat(t *testing.T) {
	xparseErr(t, "hello world\r\n", "wrong format")
	xparseErr(t, "*OK\r\n", "wrong format")
	xparseErr(t, "\r\n", "wrong format")
}

func TestNamespace(t *testing.T) {
	tokens, err := imaplex.Lex(`* NAMESPACE (("" "/")) NIL NIL` + "\r\n")
	tcheckf(t, err, "lex")
	sp := imaplex.SP
	oparen, cparen := imaplex.MakeOp('('), imaplex.MakeOp(')')
	tcompare(t, tokens, []imaplex.Token{
		imaplex.TokStar, sp, imaplex.MakeAtom("NAMESPACE"), sp,
		oparen, oparen, imaplex.MakeQuoted(""), sp, imaplex.MakeQuoted("/"), cparen, cparen,
		sp, imaplex.TokNIL, sp, imaplex.TokNIL, imaplex.EOL,
	})

	xuntagged(t, `* NAMESPACE (("" "/")) NIL NIL`+"\r\n", "NAMESPACE", NamespaceResponse{
		Personal: []NamespaceDescr{{Prefix: "", Separator: '/'}},
	})

	xuntagged(t, `* NAMESPACE (("" "/")) (("~" "/")) (("#shared/" "/")("#public/" "/")("#ftp/" "/")("#news." "."))`+"\r\n", "NAMESPACE", NamespaceResponse{
		Personal: []NamespaceDescr{{"", '/', nil}},
		Other:    []NamespaceDescr{{"~", '/', nil}},
		Shared:   []NamespaceDescr{{"#shared/", '/', nil}, {"#public/", '/', nil}, {"#ftp/", '/', nil}, {"#news.", '.', nil}},
	})

	xuntagged(t, `* NAMESPACE (("" "/" "X-PARAM" ("FLAG1" "FLAG2"))) NIL NIL`+"\r\n", "NAMESPACE", NamespaceResponse{
		Personal: []NamespaceDescr{{"", '/', []NamespaceExtension{{"X-PARAM", []string{"FLAG1", "FLAG2"}}}}},
	})

	xparseErr(t, `* NAMESPACE (("" "//")) NIL NIL`+"\r\n", "namespace: separator")
	xparseErr(t, `* NAMESPACE NIL NIL`+"\r\n", "namespace: expected space")
}

func TestStatusResponse(t *testing.T) {
	xuntagged(t, "* OK [UIDVALIDITY 3857529045] UIDs valid\r\n", "OK", StatusResponse{OK, &Code{"UIDVALIDITY", []string{"3857529045"}}, "UIDs valid"})
	xuntagged(t, "* ok IMAP4rev1 server ready\r\n", "OK", StatusResponse{OK, nil, "IMAP4rev1 server ready"})
	xuntagged(t, "* BYE Autologout; idle for too long\r\n", "BYE", StatusResponse{BYE, nil, "Autologout; idle for too long"})
	xuntagged(t, "* PREAUTH [CAPABILITY IMAP4rev1 LITERAL+ AUTH=PLAIN] welcome\r\n", "PREAUTH", StatusResponse{PREAUTH, &Code{"CAPABILITY", []string{"IMAP4rev1", "LITERAL+", "AUTH=PLAIN"}}, "welcome"})
	xuntagged(t, "* OK [PERMANENTFLAGS (\\Deleted \\Seen \\*)] Limited\r\n", "OK", StatusResponse{OK, &Code{"PERMANENTFLAGS", []string{`(\Deleted \Seen \*)`}}, "Limited"})
	xuntagged(t, "* NO [ALERT]\r\n", "NO", StatusResponse{NO, &Code{Name: "ALERT"}, ""})
	xuntagged(t, "* BAD\r\n", "BAD", StatusResponse{Status: BAD})

	tokens, _ := imaplex.Lex("* OK [UIDNEXT 4392] Predicted next UID\r\n")
	r, err := Parse(tokens)
	tcheckf(t, err, "parse")
	v, ok := r.(Untagged).Content.(StatusResponse).Code.Uint32()
	tcompare(t, ok, true)
	tcompare(t, v, uint32(4392))
}

func TestCapability(t *testing.T) {
	xuntagged(t, "* CAPABILITY IMAP4rev1 STARTTLS AUTH=GSSAPI LOGINDISABLED LITERAL+\r\n", "CAPABILITY", CapabilityList{"IMAP4rev1", "STARTTLS", "AUTH=GSSAPI", "LOGINDISABLED", "LITERAL+"})
	xuntagged(t, "* ENABLED CONDSTORE\r\n", "ENABLED", CapabilityList{"CONDSTORE"})
	xuntagged(t, "* ENABLED\r\n", "ENABLED", CapabilityList{})
}

func TestID(t *testing.T) {
	xuntagged(t, `* ID ("name" "Cyrus" "version" "1.5" "os" NIL)`+"\r\n", "ID", IDResponse{"name": "Cyrus", "version": "1.5", "os": ""})
	xuntagged(t, "* ID NIL\r\n", "ID", IDResponse(nil))
	xparseErr(t, `* ID ("name")`+"\r\n", "id: id key")
	xparseErr(t, `* ID ("a" "1" "a" "2")`+"\r\n", "id: duplicate")
}

func TestSortSearch(t *testing.T) {
	xuntagged(t, "* SORT 2 3 6\r\n", "SORT", SortResponse{Nums: []uint32{2, 3, 6}})
	xuntagged(t, "* SORT\r\n", "SORT", SortResponse{})
	xuntagged(t, "* SORT 5 1 (MODSEQ 1236)\r\n", "SORT", SortResponse{[]uint32{5, 1}, 1236})
	xuntagged(t, "* SEARCH 2 84 882\r\n", "SEARCH", Search{Nums: []uint32{2, 84, 882}})
	xuntagged(t, "* SEARCH \r\n", "SEARCH", Search{})
	xuntagged(t, "* SEARCH 1 2 (MODSEQ 917162500)\r\n", "SEARCH", Search{[]uint32{1, 2}, 917162500})
	xparseErr(t, "* SEARCH 0\r\n", "mailbox: got 0")
}

func TestMailboxData(t *testing.T) {
	xuntagged(t, "* FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft $Forwarded)\r\n", "FLAGS", Flags{`\Answered`, `\Flagged`, `\Deleted`, `\Seen`, `\Draft`, "$Forwarded"})
	xuntagged(t, "* FLAGS ()\r\n", "FLAGS", Flags{})
	xuntagged(t, "* LIST (\\Noselect) \"/\" ~/Mail/foo\r\n", "LIST", MailboxList{Flags: []string{`\Noselect`}, Separator: '/', Mailbox: "~/Mail/foo"})
	xuntagged(t, "* list () NIL INBOX\r\n", "LIST", MailboxList{Flags: []string{}, Mailbox: "INBOX"})
	xuntagged(t, "* XLIST (\\HasNoChildren \\Sent) \".\" \"Sent Items\"\r\n", "XLIST", MailboxList{Flags: []string{`\HasNoChildren`, `\Sent`}, Separator: '.', Mailbox: "Sent Items"})
	xuntagged(t, "* LSUB () \"/\" {8}\r\nArchive\"\r\n", "LSUB", MailboxList{Flags: []string{}, Separator: '/', Mailbox: `Archive"`})
	xuntagged(t, "* LIST (\\Subscribed) \"/\" Foo (\"CHILDINFO\" (\"SUBSCRIBED\"))\r\n", "LIST", MailboxList{
		Flags:     []string{`\Subscribed`},
		Separator: '/',
		Mailbox:   "Foo",
		Extended:  []Value{"CHILDINFO", []Value{"SUBSCRIBED"}},
	})
	xuntagged(t, "* STATUS blurdybloop (MESSAGES 231 UIDNEXT 44292 APPENDLIMIT NIL)\r\n", "STATUS", MailboxStatus{"blurdybloop", map[string]int64{"MESSAGES": 231, "UIDNEXT": 44292}})
	xuntagged(t, "* STATUS \"a b\" ()\r\n", "STATUS", MailboxStatus{"a b", map[string]int64{}})
	xparseErr(t, "* STATUS x (MESSAGES 1 MESSAGES 2)\r\n", "mailbox: duplicate status attribute")
	xparseErr(t, "* FLAGS\r\n", "mailbox: expected space")
}

func TestNumbered(t *testing.T) {
	xuntagged(t, "* 23 EXISTS\r\n", "EXISTS", ExistsCount(23))
	xuntagged(t, "* 0 exists\r\n", "EXISTS", ExistsCount(0))
	xuntagged(t, "* 5 RECENT\r\n", "RECENT", RecentCount(5))
	xuntagged(t, "* 3 EXPUNGE\r\n", "EXPUNGE", Expunge(3))
	xparseErr(t, "* 0 EXPUNGE\r\n", "expunge: invalid zero")
	xparseErr(t, "* 3 EXISTS extra\r\n", "exists: leftover data")
	xparseErr(t, "* 3 FOO\r\n", "unsupported response")
}

func TestUnsupported(t *testing.T) {
	xparseErr(t, "* XYZZY foo bar\r\n", "unsupported response")
	xparseErr(t, "* QUOTA \"\" (STORAGE 10 512)\r\n", "unsupported response")
	xparseErr(t, "* \"quoted\"\r\n", "unsupported response")
	xparseErr(t, "* \r\n", "unsupported response")
}

func TestPriority(t *testing.T) {
	var names []string
	for _, pp := range atomParsers {
		names = append(names, pp.Name)
	}
	tcompare(t, names, []string{"status", "capability", "id", "namespace", "sort", "mailbox"})

	names = nil
	for _, pp := range numberParsers {
		names = append(names, pp.Name)
	}
	tcompare(t, names, []string{"exists", "expunge", "fetch", "recent"})

	// Claims are tried in order, the first claim decides, even if a later
	// parser could handle the line.
	tokens, err := imaplex.Lex("* SORT 1\r\n")
	tcheckf(t, err, "lex")
	orig := atomParsers
	defer func() { atomParsers = orig }()
	atomParsers = append([]payloadParser{{"any", "ANY", seq(word("SORT")), func(p *parser) Content {
		p.xtext()
		return Flags{"claimed"}
	}}}, orig...)
	r, err := Parse(tokens)
	tcheckf(t, err, "parse")
	tcompare(t, r.(Untagged).Type, "ANY")
	tcompare(t, r.(Untagged).Content, Flags{"claimed"})
}

func TestFetch(t *testing.T) {
	line := "* 12 FETCH (FLAGS (\\Seen $Forwarded) UID 4827313 INTERNALDATE \" 7-Jul-1996 02:44:25 -0700\" RFC822.SIZE 4286 " +
		`ENVELOPE ("Wed, 17 Jul 1996 02:23:25 -0700 (PDT)" "=?utf-8?q?caf=C3=A9?=" (("Terry Gray" NIL "gray" "cac.washington.edu")) NIL NIL ((NIL NIL "imap" "cac.washington.edu")) NIL NIL NIL "<B27397-0100000@cac.washington.edu>") ` +
		"BODY[HEADER]<0> {10}\r\nSubject:\r\n MODSEQ (12345) BODY[TEXT] NIL)\r\n"
	r := xparse(t, line)
	u := r.(Untagged)
	tcompare(t, u.Type, "FETCH")
	f := u.Content.(Fetch)
	tcompare(t, f.Seq, uint32(12))
	tcompare(t, len(f.Attrs), 8)
	tcompare(t, f.Attrs[0], FetchFlags{`\Seen`, "$Forwarded"})
	tcompare(t, f.Attrs[1], FetchUID(4827313))
	idate := f.Attrs[2].(FetchInternalDate)
	tcompare(t, idate.Time.Equal(time.Date(1996, 7, 7, 9, 44, 25, 0, time.UTC)), true)
	tcompare(t, f.Attrs[3], FetchRFC822Size(4286))
	tcompare(t, f.Attrs[4], FetchEnvelope{
		Date:      "Wed, 17 Jul 1996 02:23:25 -0700 (PDT)",
		Subject:   "café",
		From:      []Address{{"Terry Gray", "", "gray", "cac.washington.edu"}},
		To:        []Address{{"", "", "imap", "cac.washington.edu"}},
		MessageID: "<B27397-0100000@cac.washington.edu>",
	})
	tcompare(t, f.Attrs[5], FetchBody{"BODY[HEADER]<0>", "HEADER", 0, "Subject:\r\n", false})
	tcompare(t, f.Attrs[6], FetchModSeq(12345))
	tcompare(t, f.Attrs[7], FetchBody{"BODY[TEXT]", "TEXT", -1, "", true})

	uid, ok := Attr[FetchUID](f)
	tcompare(t, ok, true)
	tcompare(t, uid, FetchUID(4827313))
	_, ok = Attr[FetchBinary](f)
	tcompare(t, ok, false)
}

func TestFetchBodystructure(t *testing.T) {
	r := xparse(t, `* 1 FETCH (BODYSTRUCTURE (("TEXT" "PLAIN" ("CHARSET" "US-ASCII") NIL NIL "7BIT" 1152 23)("TEXT" "PLAIN" ("CHARSET" "US-ASCII" "NAME" "cc.diff") "<960723163407.20117h@cac.washington.edu>" "Compiler diff" "BASE64" 4554 73) "MIXED"))`+"\r\n")
	f := r.(Untagged).Content.(Fetch)
	tcompare(t, f.Attrs, []FetchAttr{FetchBodystructure{"BODYSTRUCTURE", []Value{
		[]Value{"TEXT", "PLAIN", []Value{"CHARSET", "US-ASCII"}, nil, nil, "7BIT", "1152", "23"},
		[]Value{"TEXT", "PLAIN", []Value{"CHARSET", "US-ASCII", "NAME", "cc.diff"}, "<960723163407.20117h@cac.washington.edu>", "Compiler diff", "BASE64", "4554", "73"},
		"MIXED",
	}}})

	r = xparse(t, `* 2 FETCH (BODY ("TEXT" "PLAIN" NIL NIL NIL "7BIT" 3 1) X-GM-MSGID 1278455344230334865)`+"\r\n")
	f = r.(Untagged).Content.(Fetch)
	tcompare(t, f.Attrs, []FetchAttr{
		FetchBodystructure{"BODY", []Value{"TEXT", "PLAIN", nil, nil, nil, "7BIT", "3", "1"}},
		FetchOther{"X-GM-MSGID", "1278455344230334865"},
	})
}

func TestFetchBinaryRFC822(t *testing.T) {
	r := xparse(t, "* 3 FETCH (BINARY[1] ~{3}\r\n\x00\x01\x02 BINARY.SIZE[2] 1234 RFC822.HEADER {5}\r\na\r\n\r\n RFC822 NIL)\r\n")
	f := r.(Untagged).Content.(Fetch)
	tcompare(t, f.Attrs, []FetchAttr{
		FetchBinary{"BINARY[1]", "1", "\x00\x01\x02", false},
		FetchBinarySize{"BINARY.SIZE[2]", "2", 1234},
		FetchRFC822{"RFC822.HEADER", "a\r\n\r\n"},
		FetchRFC822{"RFC822", ""},
	})
}

func TestFetchErrors(t *testing.T) {
	xparseErr(t, "* 0 FETCH (UID 1)\r\n", "fetch: got 0")
	xparseErr(t, "* 1 FETCH ()\r\n", "fetch: fetch without attributes")
	xparseErr(t, "* 1 FETCH (UID 1\r\n", "fetch: expected space")
	xparseErr(t, "* 1 FETCH (INTERNALDATE \"yesterday\")\r\n", "fetch: parsing internal date")
	xparseErr(t, "* 1 FETCH (BODY[] ~NIL)\r\n", "fetch: literal8 marker")
	xparseErr(t, "* 1 FETCH (BODY 1)\r\n", "fetch: expected body structure")
}
