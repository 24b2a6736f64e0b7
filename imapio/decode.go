package imapio

import (
	"fmt"
	"io"
	"mime"
	"strings"

	"golang.org/x/text/encoding/ianaindex"
)

// DecodeReader returns a reader that reads from r, decoding as charset. If
// charset is empty, us-ascii or utf-8, the original reader is returned and no
// decoding takes place. An error is returned for unknown charsets.
func DecodeReader(charset string, r io.Reader) (io.Reader, error) {
	switch strings.ToLower(charset) {
	case "", "us-ascii", "utf-8":
		return r, nil
	}
	enc, _ := ianaindex.MIME.Encoding(charset)
	if enc == nil {
		enc, _ = ianaindex.IANA.Encoding(charset)
	}
	if enc == nil {
		return nil, fmt.Errorf("unknown charset %q", charset)
	}
	return enc.NewDecoder().Reader(r), nil
}

var wordDecoder = mime.WordDecoder{CharsetReader: DecodeReader}

// DecodeWords decodes RFC 2047 encoded-words in s, as found in envelope subjects
// and address display names. If decoding fails, s is returned unchanged.
func DecodeWords(s string) string {
	if !strings.Contains(s, "=?") {
		return s
	}
	r, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return r
}
