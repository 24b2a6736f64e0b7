package imapresp

import (
	"strings"
	"time"

	"github.com/mjl-/imapwire/imapio"
	"github.com/mjl-/imapwire/imapmatch"
)

// Fetch is a FETCH response with the attributes of a message.
type Fetch struct {
	Seq   uint32
	Attrs []FetchAttr
}

// FetchAttr is a message attribute in a FETCH response.
type FetchAttr interface {
	// Attr returns the attribute as sent by the server in upper case, e.g.
	// "UID" or "BODY[HEADER]<0>".
	Attr() string
}

type FetchFlags []string
type FetchUID uint32
type FetchRFC822Size int64
type FetchModSeq int64

// FetchInternalDate is the date the message was received by the server.
type FetchInternalDate struct {
	Date string
	Time time.Time
}

// FetchEnvelope is the parsed envelope, with RFC 2047 encoded words in the
// subject and address display names decoded.
type FetchEnvelope Envelope

// FetchRFC822 holds RFC822, RFC822.HEADER or RFC822.TEXT data.
type FetchRFC822 struct {
	RespAttr string
	Data     string
}

// FetchBody holds message data for a BODY[...] attribute.
type FetchBody struct {
	RespAttr string // E.g. "BODY[HEADER]<0>".
	Section  string
	Origin   int64 // -1 if absent.
	Body     string
	Nil      bool // Server sent NIL instead of data.
}

// FetchBinary holds decoded message data for a BINARY[...] attribute.
type FetchBinary struct {
	RespAttr string
	Section  string
	Data     string
	Nil      bool
}

// FetchBinarySize is the decoded size of a section.
type FetchBinarySize struct {
	RespAttr string
	Section  string
	Size     int64
}

// FetchBodystructure is the structure of the message, for BODY or
// BODYSTRUCTURE, kept as a generic value.
type FetchBodystructure struct {
	RespAttr string
	Body     Value
}

// FetchOther is an attribute without specific parsing.
type FetchOther struct {
	RespAttr string
	Value    Value
}

func (f FetchFlags) Attr() string         { return "FLAGS" }
func (f FetchUID) Attr() string           { return "UID" }
func (f FetchRFC822Size) Attr() string    { return "RFC822.SIZE" }
func (f FetchModSeq) Attr() string        { return "MODSEQ" }
func (f FetchInternalDate) Attr() string  { return "INTERNALDATE" }
func (f FetchEnvelope) Attr() string      { return "ENVELOPE" }
func (f FetchRFC822) Attr() string        { return f.RespAttr }
func (f FetchBody) Attr() string          { return f.RespAttr }
func (f FetchBinary) Attr() string        { return f.RespAttr }
func (f FetchBinarySize) Attr() string    { return f.RespAttr }
func (f FetchBodystructure) Attr() string { return f.RespAttr }
func (f FetchOther) Attr() string         { return f.RespAttr }

// Envelope holds the basic email message fields.
type Envelope struct {
	Date                               string
	Subject                            string
	From, Sender, ReplyTo, To, CC, BCC []Address
	InReplyTo, MessageID               string
}

// Address is an address in an envelope.
type Address struct {
	Name    string
	Adl     string
	Mailbox string // Localpart.
	Host    string // Domain.
}

// Attr returns the first attribute of type T, and whether it was present.
func Attr[T FetchAttr](f Fetch) (T, bool) {
	for _, a := range f.Attrs {
		if t, ok := a.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}

// "* " nznumber SP "FETCH" SP "(" msg-att ")"
func xfetch(p *parser) Content {
	seq := p.xnzuint32()
	p.xspace()
	p.xkeyword("FETCH")
	p.xspace()
	f := Fetch{Seq: seq}
	p.xlistOf(func() {
		f.Attrs = append(f.Attrs, p.xmsgatt())
	})
	if len(f.Attrs) == 0 {
		p.xerrorf("fetch without attributes")
	}
	p.xend()
	return f
}

const internalDateLayout = "_2-Jan-2006 15:04:05 -0700"

func (p *parser) xmsgatt() FetchAttr {
	if key, n, ok := imapmatch.BodySection(p.rest()); ok {
		p.o += n
		p.xspace()
		return p.xsectionAttr(key)
	}

	name := strings.ToUpper(p.xword())
	p.xspace()
	switch name {
	case "FLAGS":
		return FetchFlags(p.xflagList())
	case "UID":
		return FetchUID(p.xnzuint32())
	case "RFC822.SIZE":
		return FetchRFC822Size(p.xint64())
	case "INTERNALDATE":
		s := p.xstring()
		tm, err := time.Parse(internalDateLayout, s)
		if err != nil {
			p.xerrorf("parsing internal date %q: %v", s, err)
		}
		return FetchInternalDate{s, tm}
	case "ENVELOPE":
		return FetchEnvelope(p.xenvelope())
	case "RFC822", "RFC822.HEADER", "RFC822.TEXT":
		return FetchRFC822{name, p.xnilString()}
	case "MODSEQ":
		p.xtake('(')
		v := p.xint64()
		p.xtake(')')
		return FetchModSeq(v)
	case "BODY", "BODYSTRUCTURE":
		if !p.peek().IsOp('(') {
			p.xerrorf("expected body structure list, got %s", p.peek())
		}
		return FetchBodystructure{name, p.xvalue()}
	}
	return FetchOther{name, p.xvalue()}
}

func (p *parser) xsectionAttr(key imapmatch.BodyKey) FetchAttr {
	if key.Name == "BINARY.SIZE" {
		return FetchBinarySize{key.Key(), key.Section, p.xint64()}
	}

	literal8 := p.take('~')
	data := p.xnilStringPtr()
	if literal8 && data == nil {
		p.xerrorf("literal8 marker before NIL")
	}
	if data != nil && key.LiteralSize >= 0 && int64(len(*data)) != key.LiteralSize {
		p.xerrorf("literal size mismatch, announced %d, got %d", key.LiteralSize, len(*data))
	}
	var s string
	if data != nil {
		s = *data
	}
	switch key.Name {
	case "BINARY", "BINARY.PEEK":
		return FetchBinary{key.Key(), key.Section, s, data == nil}
	}
	return FetchBody{key.Key(), key.Section, key.Origin, s, data == nil}
}

func (p *parser) xenvelope() Envelope {
	p.xtake('(')
	var e Envelope
	e.Date = p.xnilString()
	p.xspace()
	e.Subject = imapio.DecodeWords(p.xnilString())
	for _, l := range []*[]Address{&e.From, &e.Sender, &e.ReplyTo, &e.To, &e.CC, &e.BCC} {
		p.xspace()
		*l = p.xaddresses()
	}
	p.xspace()
	e.InReplyTo = p.xnilString()
	p.xspace()
	e.MessageID = p.xnilString()
	p.xtake(')')
	return e
}

func (p *parser) xaddresses() []Address {
	if p.match(nilShape) {
		return nil
	}
	p.xtake('(')
	l := []Address{p.xaddress()}
	for !p.take(')') {
		// Not in the grammar, but seen in the wild.
		p.space()
		l = append(l, p.xaddress())
	}
	return l
}

func (p *parser) xaddress() Address {
	p.xtake('(')
	var a Address
	a.Name = imapio.DecodeWords(p.xnilString())
	p.xspace()
	a.Adl = p.xnilString()
	p.xspace()
	a.Mailbox = p.xnilString()
	p.xspace()
	a.Host = p.xnilString()
	p.xtake(')')
	return a
}
