package imapcmd

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mjl-/imapwire/imapresp"
)

// Command verbs with a result parser in this package.
const (
	VerbCapability = "CAPABILITY"
	VerbNoop       = "NOOP"
	VerbLogout     = "LOGOUT"
	VerbLogin      = "LOGIN"
	VerbNamespace  = "NAMESPACE"
	VerbID         = "ID"
	VerbSelect     = "SELECT"
	VerbExamine    = "EXAMINE"
	VerbStatus     = "STATUS"
	VerbList       = "LIST"
	VerbSearch     = "SEARCH"
	VerbSort       = "SORT"
	VerbFetch      = "FETCH"
	VerbExpunge    = "EXPUNGE"
)

// ErrMissing is returned by result parsers when the server completed a command
// successfully without sending the expected untagged response.
var ErrMissing = errors.New("missing untagged response")

// Contents returns the contents of type T of the untagged responses, in order.
func Contents[T imapresp.Content](untagged []imapresp.Untagged) []T {
	var l []T
	for _, u := range untagged {
		if t, ok := u.Content.(T); ok {
			l = append(l, t)
		}
	}
	return l
}

// single returns the last content of type T, or ErrMissing.
func single[T imapresp.Content](untagged []imapresp.Untagged) (T, error) {
	l := Contents[T](untagged)
	if len(l) == 0 {
		var zero T
		return zero, fmt.Errorf("%w: %T", ErrMissing, zero)
	}
	return l[len(l)-1], nil
}

// Quote returns s as IMAP quoted string. Strings with CR or LF cannot be quoted,
// the server rejects those.
func Quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}

func ignoreResult(untagged []imapresp.Untagged, done imapresp.Tagged) (struct{}, error) {
	return struct{}{}, nil
}

// Capability requests the server capabilities. A CAPABILITY response code in
// the completion is used if the server sent no untagged CAPABILITY.
func Capability() Request[imapresp.CapabilityList] {
	return Request[imapresp.CapabilityList]{
		Verb: VerbCapability,
		Parse: func(untagged []imapresp.Untagged, done imapresp.Tagged) (imapresp.CapabilityList, error) {
			for _, u := range untagged {
				if c, ok := u.Content.(imapresp.CapabilityList); ok && u.Type == "CAPABILITY" {
					return c, nil
				}
			}
			if done.Code != nil && done.Code.Name == "CAPABILITY" {
				return imapresp.CapabilityList(done.Code.Args), nil
			}
			return nil, fmt.Errorf("%w: CAPABILITY", ErrMissing)
		},
	}
}

// Noop does nothing, but gives the server a chance to send updates.
func Noop() Request[struct{}] {
	return Request[struct{}]{Verb: VerbNoop, Parse: ignoreResult}
}

// Logout ends the session. The server sends BYE before completing.
func Logout() Request[struct{}] {
	return Request[struct{}]{Verb: VerbLogout, Parse: ignoreResult}
}

// Login authenticates with a plain text password.
func Login(username, password string) Request[struct{}] {
	return Request[struct{}]{
		Verb:  VerbLogin,
		Args:  Quote(username) + " " + Quote(password),
		Parse: ignoreResult,
	}
}

// Namespace requests the personal, other users and shared namespaces.
func Namespace() Request[imapresp.NamespaceResponse] {
	return Request[imapresp.NamespaceResponse]{
		Verb: VerbNamespace,
		Parse: func(untagged []imapresp.Untagged, done imapresp.Tagged) (imapresp.NamespaceResponse, error) {
			return single[imapresp.NamespaceResponse](untagged)
		},
	}
}

// ID sends client identification, nil for NIL, and returns the server's.
func ID(params map[string]string) Request[imapresp.IDResponse] {
	args := "NIL"
	if params != nil {
		var l []string
		for _, k := range sortedKeys(params) {
			l = append(l, Quote(k), Quote(params[k]))
		}
		args = "(" + strings.Join(l, " ") + ")"
	}
	return Request[imapresp.IDResponse]{
		Verb: VerbID,
		Args: args,
		Parse: func(untagged []imapresp.Untagged, done imapresp.Tagged) (imapresp.IDResponse, error) {
			return single[imapresp.IDResponse](untagged)
		},
	}
}

func sortedKeys(m map[string]string) []string {
	l := make([]string, 0, len(m))
	for k := range m {
		l = append(l, k)
	}
	sort.Strings(l)
	return l
}

// MailboxState is the state of a mailbox after SELECT or EXAMINE.
type MailboxState struct {
	Flags          []string
	PermanentFlags []string // Nil if not sent.
	Exists         uint32
	Recent         uint32
	UIDValidity    uint32
	UIDNext        uint32
	Unseen         uint32 // First unseen message, 0 if not sent.
	HighestModSeq  int64
	ReadOnly       bool
}

// Select opens a mailbox for reading and writing.
func Select(mailbox string) Request[MailboxState] {
	return selectRequest(VerbSelect, mailbox)
}

// Examine opens a mailbox read-only.
func Examine(mailbox string) Request[MailboxState] {
	return selectRequest(VerbExamine, mailbox)
}

func selectRequest(verb, mailbox string) Request[MailboxState] {
	return Request[MailboxState]{
		Verb:               verb,
		Args:               Quote(mailbox),
		RequiresOwnContext: true,
		Parse:              parseMailboxState,
	}
}

func parseMailboxState(untagged []imapresp.Untagged, done imapresp.Tagged) (MailboxState, error) {
	var st MailboxState
	applyCode := func(code *imapresp.Code) error {
		if code == nil {
			return nil
		}
		var err error
		switch code.Name {
		case "UIDVALIDITY":
			st.UIDValidity, err = codeUint32(code)
		case "UIDNEXT":
			st.UIDNext, err = codeUint32(code)
		case "UNSEEN":
			st.Unseen, err = codeUint32(code)
		case "HIGHESTMODSEQ":
			if len(code.Args) != 1 {
				return fmt.Errorf("bad HIGHESTMODSEQ code %q", code)
			}
			_, err = fmt.Sscan(code.Args[0], &st.HighestModSeq)
		case "PERMANENTFLAGS":
			if len(code.Args) != 1 || !strings.HasPrefix(code.Args[0], "(") || !strings.HasSuffix(code.Args[0], ")") {
				return fmt.Errorf("bad PERMANENTFLAGS code %q", code)
			}
			st.PermanentFlags = strings.Fields(code.Args[0][1 : len(code.Args[0])-1])
			if st.PermanentFlags == nil {
				st.PermanentFlags = []string{}
			}
		case "READ-ONLY":
			st.ReadOnly = true
		case "READ-WRITE":
			st.ReadOnly = false
		}
		return err
	}

	for _, u := range untagged {
		switch c := u.Content.(type) {
		case imapresp.Flags:
			st.Flags = c
		case imapresp.ExistsCount:
			st.Exists = uint32(c)
		case imapresp.RecentCount:
			st.Recent = uint32(c)
		case imapresp.StatusResponse:
			if c.Status == imapresp.OK {
				if err := applyCode(c.Code); err != nil {
					return st, err
				}
			}
		}
	}
	if err := applyCode(done.Code); err != nil {
		return st, err
	}
	return st, nil
}

func codeUint32(code *imapresp.Code) (uint32, error) {
	v, ok := code.Uint32()
	if !ok {
		return 0, fmt.Errorf("bad %s code %q", code.Name, code)
	}
	return v, nil
}

// Status requests status attributes, e.g. MESSAGES, UIDNEXT, for a mailbox.
func Status(mailbox string, attrs ...string) Request[imapresp.MailboxStatus] {
	return Request[imapresp.MailboxStatus]{
		Verb: VerbStatus,
		Args: Quote(mailbox) + " (" + strings.Join(attrs, " ") + ")",
		Parse: func(untagged []imapresp.Untagged, done imapresp.Tagged) (imapresp.MailboxStatus, error) {
			return single[imapresp.MailboxStatus](untagged)
		},
	}
}

// List lists mailboxes matching pattern, e.g. "*", under reference ref.
func List(ref, pattern string) Request[[]imapresp.MailboxList] {
	return Request[[]imapresp.MailboxList]{
		Verb: VerbList,
		Args: Quote(ref) + " " + Quote(pattern),
		Parse: func(untagged []imapresp.Untagged, done imapresp.Tagged) ([]imapresp.MailboxList, error) {
			var l []imapresp.MailboxList
			for _, u := range untagged {
				if c, ok := u.Content.(imapresp.MailboxList); ok && u.Type == "LIST" {
					l = append(l, c)
				}
			}
			return l, nil
		},
	}
}

// Search searches messages with search criteria, e.g. "UNSEEN". The
// criteria are sent as is.
func Search(criteria string) Request[imapresp.Search] {
	return Request[imapresp.Search]{
		Verb:               VerbSearch,
		Args:               criteria,
		RequiresOwnContext: true,
		Parse: func(untagged []imapresp.Untagged, done imapresp.Tagged) (imapresp.Search, error) {
			var r imapresp.Search
			for _, s := range Contents[imapresp.Search](untagged) {
				r.Nums = append(r.Nums, s.Nums...)
				r.ModSeq = max(r.ModSeq, s.ModSeq)
			}
			return r, nil
		},
	}
}

// Sort sorts messages, args are the sort program, charset and search criteria,
// e.g. "(DATE) UTF-8 ALL".
func Sort(args string) Request[imapresp.SortResponse] {
	return Request[imapresp.SortResponse]{
		Verb:               VerbSort,
		Args:               args,
		RequiresOwnContext: true,
		Parse: func(untagged []imapresp.Untagged, done imapresp.Tagged) (imapresp.SortResponse, error) {
			var r imapresp.SortResponse
			for _, s := range Contents[imapresp.SortResponse](untagged) {
				r.Nums = append(r.Nums, s.Nums...)
				r.ModSeq = max(r.ModSeq, s.ModSeq)
			}
			return r, nil
		},
	}
}

// Fetch fetches message attributes, e.g. "1:*" and "(FLAGS UID)".
func Fetch(seqset, items string) Request[[]imapresp.Fetch] {
	return Request[[]imapresp.Fetch]{
		Verb: VerbFetch,
		Args: seqset + " " + items,
		Parse: func(untagged []imapresp.Untagged, done imapresp.Tagged) ([]imapresp.Fetch, error) {
			return Contents[imapresp.Fetch](untagged), nil
		},
	}
}

// Expunge removes messages marked deleted, returning the sequence numbers of
// the expunged messages, in the order sent by the server.
func Expunge() Request[[]uint32] {
	return Request[[]uint32]{
		Verb:               VerbExpunge,
		RequiresOwnContext: true,
		Parse: func(untagged []imapresp.Untagged, done imapresp.Tagged) ([]uint32, error) {
			var l []uint32
			for _, e := range Contents[imapresp.Expunge](untagged) {
				l = append(l, uint32(e))
			}
			return l, nil
		},
	}
}
