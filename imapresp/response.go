// Package imapresp parses lexed IMAP response lines into typed responses.
//
// Each line is a continuation request, a tagged command completion, or untagged
// data. Untagged data is classified by trying typed payload parsers in a fixed
// priority order, the first that claims the line wins.
package imapresp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mjl-/imapwire/imaplex"
)

// Status is the result in a status response.
type Status string

const (
	OK      Status = "OK"      // Command succeeded.
	NO      Status = "NO"      // Command failed.
	BAD     Status = "BAD"     // Protocol error, e.g. syntax.
	BYE     Status = "BYE"     // Server is closing the connection. Untagged only.
	PREAUTH Status = "PREAUTH" // Connection is authenticated. Greeting only.
)

// Response is one of Continuation, Tagged or Untagged.
type Response interface {
	// Tokens returns the tokens the response was parsed from, ending in CRLF.
	Tokens() []imaplex.Token
}

// Continuation is a server request for more data from the client, a line
// starting with "+".
type Continuation struct {
	Code *Code  // Set if response text starts with a code.
	Text string // Remaining text, possibly base64 data for authentication.

	Raw []imaplex.Token
}

// Tagged is the completion of a command.
type Tagged struct {
	Tag    string
	Status Status // OK, NO or BAD.
	Code   *Code  // Set if response code is present.
	Text   string // Any remaining text.

	Raw []imaplex.Token
}

// Untagged is data sent by the server, not necessarily in response to a command.
type Untagged struct {
	// Type of response in upper case, e.g. "FLAGS", "STATUS", "OK", or the keyword
	// for a numbered response, e.g. "EXISTS" or "FETCH".
	Type    string
	Content Content

	Raw []imaplex.Token
}

func (r Continuation) Tokens() []imaplex.Token { return r.Raw }
func (r Tagged) Tokens() []imaplex.Token       { return r.Raw }
func (r Untagged) Tokens() []imaplex.Token     { return r.Raw }

// Code is a response code, the data between brackets at the start of response
// text.
type Code struct {
	Name string   // Upper case, e.g. ALERT, UIDVALIDITY, CAPABILITY.
	Args []string // Raw text of space-separated arguments. A parenthesized list is a single argument.
}

func (c Code) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Uint32 returns the first argument as number, as for UIDVALIDITY, UIDNEXT and UNSEEN.
func (c Code) Uint32() (uint32, bool) {
	if len(c.Args) == 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(c.Args[0], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

// ParseError is returned for a line that is not a valid response, or that no
// payload parser claims. It is not attributable to a command.
type ParseError struct {
	Msg    string
	Tokens []imaplex.Token // Tokens of the line.
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s: %q", e.Msg, imaplex.Text(e.Tokens))
}
