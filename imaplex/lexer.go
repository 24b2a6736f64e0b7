package imaplex

import (
	"errors"
	"fmt"
	"strconv"
)

// DefaultMaxLiteralSize is used when Lexer.MaxLiteralSize is zero.
const DefaultMaxLiteralSize = 64 << 20

// LexError is returned for bytes that cannot form a token. The rest of the line
// is skipped.
type LexError struct {
	Offset int64 // Offset in the stream of the offending byte.
	Msg    string
}

func (e *LexError) Error() string {
	return fmt.Sprintf("lex error at offset %d: %s", e.Offset, e.Msg)
}

// ErrIncomplete is returned by Lex for input that ends in the middle of a token
// or line.
var ErrIncomplete = errors.New("incomplete input")

type state int

const (
	stNormal       state = iota
	stCR                 // Seen CR, need LF.
	stAtom               // In atom, l.raw holds the atom so far.
	stQuoted             // In quoted string.
	stQuotedEscape       // After backslash in quoted string.
	stLiteralSize        // After "{", reading digits.
	stLiteralClose       // After "}", need CR.
	stLiteralLF          // After "}" CR, need LF.
	stLiteral            // Reading l.remaining bytes of literal data.
	stDiscard            // Reading l.remaining bytes of an oversized literal, then skip.
	stSkip               // After error, skipping until CRLF.
	stSkipCR             // Skipping, seen CR.
)

// Lexer is a streaming tokenizer for IMAP response data. The zero value is ready
// for use.
type Lexer struct {
	// Literals larger than this cause a LexError, their data is discarded. If zero,
	// DefaultMaxLiteralSize is used.
	MaxLiteralSize int64

	state     state
	raw       []byte // Raw text of the pending token.
	val       []byte // Value of pending quoted string or literal.
	sync      bool   // Literal announcement had "+".
	remaining int64  // Literal bytes still to read.
	offset    int64  // Stream offset of next byte.
}

// Pending returns whether the lexer holds a partial token or line terminator,
// i.e. needs more bytes before it can emit the next token.
func (l *Lexer) Pending() bool {
	return l.state != stNormal
}

// Reset discards all state, e.g. after the connection is reset.
func (l *Lexer) Reset() {
	*l = Lexer{MaxLiteralSize: l.MaxLiteralSize}
}

func (l *Lexer) maxLiteral() int64 {
	if l.MaxLiteralSize > 0 {
		return l.MaxLiteralSize
	}
	return DefaultMaxLiteralSize
}

// Feed lexes buf and returns the tokens completed by it. Bytes of incomplete
// tokens are kept until the next call, so feeding a stream in arbitrary chunks
// yields the same tokens as feeding it at once.
//
// Feed returns the number of bytes consumed, which is len(buf) if err is nil. On
// a *LexError, the lexer skips the remainder of the line, and the caller should
// continue by feeding buf[n:].
func (l *Lexer) Feed(buf []byte) (tokens []Token, n int, err error) {
	i := 0

	// fail returns a LexError for the byte at i. The lexer is already in skip
	// state. If consume is set, the byte is consumed.
	fail := func(consume bool, msg string) ([]Token, int, error) {
		err := &LexError{l.offset + int64(i), msg}
		if consume {
			i++
		}
		l.offset += int64(i)
		return tokens, i, err
	}

	emit := func(t Token) {
		tokens = append(tokens, t)
	}

	for i < len(buf) {
		b := buf[i]
		switch l.state {
		case stNormal:
			switch b {
			case ' ':
				emit(SP)
			case '\r':
				l.state = stCR
			case '\n':
				// Line ends, the partial line is broken.
				return fail(true, "bare newline")
			case '(', ')', '[', ']', '\\', '*', '+', '~':
				emit(MakeOp(b))
			case '"':
				l.state = stQuoted
				l.raw = append(l.raw[:0], b)
				l.val = l.val[:0]
			case '{':
				l.state = stLiteralSize
				l.raw = append(l.raw[:0], b)
				l.sync = false
			default:
				if !isAtomChar(b) {
					l.state = stSkip
					return fail(false, fmt.Sprintf("unexpected byte %q", b))
				}
				l.state = stAtom
				l.raw = append(l.raw[:0], b)
			}

		case stCR:
			if b != '\n' {
				l.state = stSkip
				return fail(false, "bare carriage return")
			}
			l.state = stNormal
			emit(EOL)

		case stAtom:
			if isAtomChar(b) {
				l.raw = append(l.raw, b)
				break
			}
			emit(atomToken(string(l.raw)))
			l.state = stNormal
			continue // Reprocess b.

		case stQuoted:
			switch b {
			case '\\':
				l.raw = append(l.raw, b)
				l.state = stQuotedEscape
			case '"':
				l.raw = append(l.raw, b)
				emit(Token{QuotedString, string(l.raw), string(l.val)})
				l.state = stNormal
			case '\n':
				l.state = stNormal
				return fail(true, "unterminated quoted string")
			case '\r', 0:
				// Not consumed, so the skip finds the line end.
				l.state = stSkip
				return fail(false, "unterminated quoted string")
			default:
				l.raw = append(l.raw, b)
				l.val = append(l.val, b)
			}

		case stQuotedEscape:
			if b != '\\' && b != '"' {
				l.state = stSkip
				return fail(false, fmt.Sprintf("invalid escape %q in quoted string", b))
			}
			l.raw = append(l.raw, b)
			l.val = append(l.val, b)
			l.state = stQuoted

		case stLiteralSize:
			ndigits := len(l.raw) - 1
			switch {
			case b >= '0' && b <= '9' && !l.sync:
				if ndigits >= 18 {
					l.state = stSkip
					return fail(false, "literal size too large")
				}
				l.raw = append(l.raw, b)
			case b == '+' && ndigits > 0 && !l.sync:
				l.raw = append(l.raw, b)
				l.sync = true
			case b == '}' && ndigits > 0:
				l.raw = append(l.raw, b)
				l.state = stLiteralClose
			default:
				// Not a literal announcement after all, e.g. "{" in response text.
				l.state = stAtom
				continue
			}

		case stLiteralClose:
			if b != '\r' {
				// A literal announcement must end the line. Treat as atom text.
				l.state = stAtom
				continue
			}
			l.state = stLiteralLF

		case stLiteralLF:
			if b != '\n' {
				l.state = stSkip
				return fail(false, "bare carriage return after literal announcement")
			}
			digits := l.raw[1 : len(l.raw)-1]
			if l.sync {
				digits = digits[:len(digits)-1]
			}
			size, err := strconv.ParseInt(string(digits), 10, 64)
			if err != nil {
				l.state = stSkip
				return fail(true, fmt.Sprintf("parsing literal size: %v", err))
			}
			if size > l.maxLiteral() {
				l.state = stDiscard
				l.remaining = size
				return fail(true, fmt.Sprintf("literal of %d bytes exceeds maximum %d", size, l.maxLiteral()))
			}
			l.raw = append(l.raw, '\r', '\n')
			l.val = l.val[:0]
			l.remaining = size
			if size == 0 {
				emit(l.literalToken())
				l.state = stNormal
			} else {
				l.state = stLiteral
			}

		case stLiteral:
			k := int(min(l.remaining, int64(len(buf)-i)))
			l.val = append(l.val, buf[i:i+k]...)
			l.remaining -= int64(k)
			i += k
			if l.remaining == 0 {
				emit(l.literalToken())
				l.state = stNormal
			}
			continue

		case stDiscard:
			k := int(min(l.remaining, int64(len(buf)-i)))
			l.remaining -= int64(k)
			i += k
			if l.remaining == 0 {
				l.state = stSkip
			}
			continue

		case stSkip:
			if b == '\r' {
				l.state = stSkipCR
			}

		case stSkipCR:
			switch b {
			case '\n':
				l.state = stNormal
			case '\r':
			default:
				l.state = stSkip
			}
		}
		i++
	}
	l.offset += int64(i)
	return tokens, i, nil
}

func (l *Lexer) literalToken() Token {
	raw := string(l.raw) + string(l.val)
	return Token{Literal, raw, raw[len(l.raw):]}
}

// isAtomChar returns whether b can be part of an atom. Eight-bit bytes are
// allowed for UTF-8 in atoms.
func isAtomChar(b byte) bool {
	switch b {
	case ' ', '\r', '\n', '(', ')', '[', ']', '\\', '*', '+', '~', '"', '{', 0x7f:
		return false
	}
	return b >= ' ' || b == '\t'
}

// Lex lexes a complete input, which must end at a line boundary.
func Lex(s string) ([]Token, error) {
	var l Lexer
	tokens, _, err := l.Feed([]byte(s))
	if err != nil {
		return tokens, err
	}
	if l.Pending() {
		return tokens, ErrIncomplete
	}
	return tokens, nil
}
