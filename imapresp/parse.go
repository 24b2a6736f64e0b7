package imapresp

import (
	"strings"

	"github.com/mjl-/imapwire/imaplex"
	"github.com/mjl-/imapwire/imapmatch"
)

// Parse parses the tokens of a complete response line, as returned by
// imaplex.LineSplitter, into a Continuation, Tagged or Untagged response.
//
// The error is always a *ParseError.
func Parse(tokens []imaplex.Token) (Response, error) {
	marker, tag, n := imapmatch.Preceding(tokens)
	switch marker {
	case imapmatch.Untagged:
		return parseUntagged(tokens, n)
	case imapmatch.Tagged:
		return parseTagged(tokens, tag, n)
	case imapmatch.Continuation:
		return parseContinuation(tokens, n)
	}
	return nil, &ParseError{"wrong format", tokens}
}

// tag SP ("OK" / "NO" / "BAD") [SP resp-text]
func parseTagged(tokens []imaplex.Token, tag string, n int) (Response, error) {
	p := &parser{tokens: tokens, o: n}
	r := Tagged{Tag: tag, Raw: tokens}
	err := p.run(func() {
		r.Status = p.xstatus(OK, NO, BAD)
		if p.space() {
			r.Code, r.Text = p.xrespText()
		}
		p.xend()
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

// "+" [SP resp-text]
func parseContinuation(tokens []imaplex.Token, n int) (Response, error) {
	p := &parser{tokens: tokens, o: n}
	r := Continuation{Raw: tokens}
	err := p.run(func() {
		r.Code, r.Text = p.xrespText()
		p.xend()
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func parseUntagged(tokens []imaplex.Token, n int) (Response, error) {
	content := tokens[n:]
	if len(content) == 0 {
		return nil, &ParseError{"empty untagged response", tokens}
	}

	var parsers []payloadParser
	var typ string
	switch content[0].Kind {
	case imaplex.Atom:
		parsers = atomParsers
		typ = strings.ToUpper(content[0].Value)
	case imaplex.Number:
		parsers = numberParsers
	}

	for _, pp := range parsers {
		if !pp.Claim.Match(content) {
			continue
		}
		p := &parser{tokens: tokens, o: n}
		var c Content
		if err := p.run(func() { c = pp.Parse(p) }); err != nil {
			perr := err.(*ParseError)
			perr.Msg = pp.Name + ": " + perr.Msg
			return nil, perr
		}
		if pp.Label != "" {
			typ = pp.Label
		}
		return Untagged{typ, c, tokens}, nil
	}
	return nil, &ParseError{"unsupported response", tokens}
}
