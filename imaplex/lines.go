package imaplex

// Line is a complete response line, or a line dropped because of a lex error.
type Line struct {
	Tokens []Token // Tokens of the line, ending with a CRLF token. Nil if Err is set.
	Err    error   // *LexError for a line that could not be lexed.
}

// LineSplitter groups tokens from a Lexer into response lines. A line ends with
// a CRLF token outside of literals.
type LineSplitter struct {
	Lexer Lexer

	line []Token
}

// Feed lexes buf and returns the lines completed by it, in stream order. Tokens
// of a line that is not yet complete are kept for the next call. A lex error
// drops the tokens of the line it occurs in, and is returned as a Line with Err
// set, after which lexing continues.
func (s *LineSplitter) Feed(buf []byte) []Line {
	var lines []Line
	for {
		tokens, n, err := s.Lexer.Feed(buf)
		for _, t := range tokens {
			s.line = append(s.line, t)
			if t.Kind == CRLF {
				lines = append(lines, Line{Tokens: s.line})
				s.line = nil
			}
		}
		if err == nil {
			return lines
		}
		s.line = nil
		lines = append(lines, Line{Err: err})
		buf = buf[n:]
	}
}

// Pending returns whether a partial line is buffered.
func (s *LineSplitter) Pending() bool {
	return len(s.line) > 0 || s.Lexer.Pending()
}
