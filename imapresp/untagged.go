package imapresp

import (
	"strings"

	"github.com/mjl-/imapwire/imaplex"
	"github.com/mjl-/imapwire/imapmatch"
)

// Content is the typed payload of an untagged response. The concrete types are
// StatusResponse, CapabilityList, IDResponse, NamespaceResponse, SortResponse,
// the mailbox data types Flags, MailboxList, Search, MailboxStatus, ExistsCount
// and RecentCount, and the message data types Expunge and Fetch.
type Content interface {
	isContent()
}

// StatusResponse is an untagged OK, NO, BAD, BYE or PREAUTH.
type StatusResponse struct {
	Status Status
	Code   *Code
	Text   string
}

// CapabilityList is a CAPABILITY or ENABLED response, with capabilities as sent.
type CapabilityList []string

// IDResponse holds the server's ID parameters. Nil if the server sent NIL. NIL
// values are empty strings.
type IDResponse map[string]string

// NamespaceResponse lists the namespaces of each kind, nil for NIL.
type NamespaceResponse struct {
	Personal []NamespaceDescr
	Other    []NamespaceDescr
	Shared   []NamespaceDescr
}

// NamespaceDescr is a namespace with its hierarchy separator, 0 for NIL.
type NamespaceDescr struct {
	Prefix     string
	Separator  byte
	Extensions []NamespaceExtension
}

type NamespaceExtension struct {
	Key    string
	Values []string
}

// SortResponse is the result of a SORT command.
type SortResponse struct {
	Nums   []uint32
	ModSeq int64 // If CONDSTORE is enabled, 0 otherwise.
}

// Flags is the FLAGS response, the flags defined for the mailbox.
type Flags []string

// MailboxList is a LIST, XLIST or LSUB response.
type MailboxList struct {
	Flags     []string // Mailbox attributes, e.g. \HasChildren, \Noselect.
	Separator byte     // 0 for NIL.
	Mailbox   string
	Extended  []Value // Extended data items, as tag followed by value.
}

// Search is the result of a SEARCH command.
type Search struct {
	Nums   []uint32
	ModSeq int64
}

// MailboxStatus is a STATUS response, with attributes like MESSAGES and
// UIDNEXT in upper case.
type MailboxStatus struct {
	Mailbox string
	Attrs   map[string]int64
}

// ExistsCount is the number of messages in the mailbox.
type ExistsCount uint32

// RecentCount is the number of messages with the \Recent flag.
type RecentCount uint32

// Expunge is the sequence number of a removed message.
type Expunge uint32

func (StatusResponse) isContent()    {}
func (CapabilityList) isContent()    {}
func (IDResponse) isContent()        {}
func (NamespaceResponse) isContent() {}
func (SortResponse) isContent()      {}
func (Flags) isContent()             {}
func (MailboxList) isContent()       {}
func (Search) isContent()            {}
func (MailboxStatus) isContent()     {}
func (ExistsCount) isContent()       {}
func (RecentCount) isContent()       {}
func (Expunge) isContent()           {}
func (Fetch) isContent()             {}

// payloadParser claims untagged responses of a shape, and parses them. The
// parser is positioned at the first content token after "* ".
type payloadParser struct {
	Name  string
	Label string // Response type, overriding the first word of the response if set.
	Claim imapmatch.Matcher
	Parse func(p *parser) Content
}

var (
	space    = imapmatch.SP
	nilShape = imapmatch.Kind(imaplex.NIL)
	spaceEnd = imapmatch.Alt(imapmatch.SP, imapmatch.End)
	number   = imapmatch.Number
	word     = imapmatch.Word
	seq      = imapmatch.Seq
)

// Payload parsers for responses starting with an atom, in priority order.
var atomParsers = []payloadParser{
	{"status", "", seq(word("OK", "NO", "BAD", "BYE", "PREAUTH"), spaceEnd), xstatusResponse},
	{"capability", "", seq(word("CAPABILITY", "ENABLED"), spaceEnd), xcapabilityList},
	{"id", "ID", seq(word("ID"), space), xidResponse},
	{"namespace", "NAMESPACE", seq(word("NAMESPACE"), space), xnamespaceResponse},
	{"sort", "SORT", seq(word("SORT"), spaceEnd), xsortResponse},
	{"mailbox", "", seq(word("FLAGS", "LIST", "XLIST", "LSUB", "SEARCH", "STATUS"), spaceEnd), xmailboxData},
}

// Payload parsers for responses starting with a number, in priority order.
var numberParsers = []payloadParser{
	{"exists", "EXISTS", seq(number, space, word("EXISTS")), xexistsCount},
	{"expunge", "EXPUNGE", seq(number, space, word("EXPUNGE")), xexpunge},
	{"fetch", "FETCH", seq(number, space, word("FETCH")), xfetch},
	{"recent", "RECENT", seq(number, space, word("RECENT")), xrecentCount},
}

func xstatusResponse(p *parser) Content {
	status := p.xstatus(OK, NO, BAD, BYE, PREAUTH)
	r := StatusResponse{Status: status}
	if p.space() {
		r.Code, r.Text = p.xrespText()
	}
	p.xend()
	return r
}

func xcapabilityList(p *parser) Content {
	p.xword()
	l := CapabilityList{}
	for p.space() {
		l = append(l, p.xword())
	}
	p.xend()
	return l
}

// ID response, e.g. `* ID ("name" "Cyrus" "version" "1.5")`.
func xidResponse(p *parser) Content {
	p.xkeyword("ID")
	p.xspace()
	if p.match(nilShape) {
		p.xend()
		return IDResponse(nil)
	}
	r := IDResponse{}
	var key string
	haveKey := false
	p.xlistOf(func() {
		if !haveKey {
			key = p.xstring()
			haveKey = true
			return
		}
		if _, ok := r[key]; ok {
			p.xerrorf("duplicate id key %q", key)
		}
		r[key] = p.xnilString()
		haveKey = false
	})
	if haveKey {
		p.xerrorf("id key %q without value", key)
	}
	p.xend()
	return r
}

func xnamespaceResponse(p *parser) Content {
	p.xkeyword("NAMESPACE")
	p.xspace()
	var r NamespaceResponse
	r.Personal = p.xnamespace()
	p.xspace()
	r.Other = p.xnamespace()
	p.xspace()
	r.Shared = p.xnamespace()
	p.xend()
	return r
}

func (p *parser) xnamespace() []NamespaceDescr {
	if p.match(nilShape) {
		return nil
	}
	p.xtake('(')
	l := []NamespaceDescr{p.xnamespaceDescr()}
	for !p.take(')') {
		l = append(l, p.xnamespaceDescr())
	}
	return l
}

func (p *parser) xnamespaceDescr() NamespaceDescr {
	p.xtake('(')
	var d NamespaceDescr
	d.Prefix = p.xstring()
	p.xspace()
	d.Separator = p.xseparator()
	for !p.take(')') {
		p.xspace()
		var ext NamespaceExtension
		ext.Key = p.xstring()
		p.xspace()
		p.xlistOf(func() {
			ext.Values = append(ext.Values, p.xstring())
		})
		d.Extensions = append(d.Extensions, ext)
	}
	return d
}

func xsortResponse(p *parser) Content {
	p.xkeyword("SORT")
	r := SortResponse{Nums: p.xnumbers()}
	r.ModSeq = p.xmodseqSuffix()
	p.xend()
	return r
}

func xmailboxData(p *parser) Content {
	w := strings.ToUpper(p.xword())
	var c Content
	switch w {
	case "FLAGS":
		p.xspace()
		c = Flags(p.xflagList())
	case "LIST", "XLIST", "LSUB":
		p.xspace()
		c = p.xmailboxList()
	case "SEARCH":
		r := Search{Nums: p.xnumbers()}
		r.ModSeq = p.xmodseqSuffix()
		c = r
	case "STATUS":
		p.xspace()
		c = p.xmailboxStatus()
	default:
		p.xerrorf("unknown mailbox data %q", w)
	}
	p.xend()
	return c
}

func (p *parser) xmailboxList() MailboxList {
	var r MailboxList
	r.Flags = p.xflagList()
	p.xspace()
	r.Separator = p.xseparator()
	p.xspace()
	r.Mailbox = p.xastring()
	if p.space() {
		v, ok := p.xvalue().([]Value)
		if !ok {
			p.xerrorf("expected list of extended data")
		}
		r.Extended = v
	}
	return r
}

func (p *parser) xmailboxStatus() MailboxStatus {
	r := MailboxStatus{Attrs: map[string]int64{}}
	r.Mailbox = p.xastring()
	p.xspace()
	p.xlistOf(func() {
		k := strings.ToUpper(p.xword())
		p.xspace()
		if _, ok := r.Attrs[k]; ok {
			p.xerrorf("duplicate status attribute %q", k)
		}
		if p.match(nilShape) {
			// E.g. APPENDLIMIT NIL, no limit.
			return
		}
		r.Attrs[k] = p.xint64()
	})
	return r
}

func (p *parser) xseqKeyword(w string) uint32 {
	num := p.xuint32()
	p.xspace()
	p.xkeyword(w)
	return num
}

func xexistsCount(p *parser) Content {
	n := p.xseqKeyword("EXISTS")
	p.xend()
	return ExistsCount(n)
}

func xrecentCount(p *parser) Content {
	n := p.xseqKeyword("RECENT")
	p.xend()
	return RecentCount(n)
}

func xexpunge(p *parser) Content {
	n := p.xseqKeyword("EXPUNGE")
	if n == 0 {
		p.xerrorf("invalid zero sequence number for expunge")
	}
	p.xend()
	return Expunge(n)
}
