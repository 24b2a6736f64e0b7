package imapcmd

import (
	"fmt"
	"sync"
)

const (
	// MaxTagNumber is the highest number for a tag prefix. The next tag moves to
	// the next prefix, starting at 1 again.
	MaxTagNumber = 99999

	// MaxTagPrefixes is the number of letter prefixes used before wrapping back to
	// "A". With MaxTagNumber tags per prefix, tags repeat after about 1.04e9
	// commands. A tag could only collide with one still in flight if that command
	// is outstanding for that many commands.
	MaxTagPrefixes = 400 * 26
)

// TagState is the state of a tag sequence. The zero value starts at "A00001".
type TagState struct {
	Prefix int // Index of the letter prefix, 0 is "A", 26 is "AA".
	Number int // Number of the last issued tag, 0 if none issued for Prefix.
}

// NextTag returns the next tag after state, and the new state. Tags are letters
// followed by a 5 digit number, e.g. "A00001". After "A99999" comes "B00001",
// after "Z99999" comes "AA00001", like columns in a spreadsheet.
func NextTag(state TagState) (string, TagState) {
	state.Number++
	if state.Number > MaxTagNumber {
		state.Number = 1
		state.Prefix++
		if state.Prefix >= MaxTagPrefixes {
			state.Prefix = 0
		}
	}
	return fmt.Sprintf("%s%05d", tagPrefix(state.Prefix), state.Number), state
}

// tagPrefix returns the letters for prefix index i.
func tagPrefix(i int) string {
	var buf []byte
	for i++; i > 0; i = (i - 1) / 26 {
		buf = append(buf, byte('A'+(i-1)%26))
	}
	for j, k := 0, len(buf)-1; j < k; j, k = j+1, k-1 {
		buf[j], buf[k] = buf[k], buf[j]
	}
	return string(buf)
}

// Tagger issues tags, safe for concurrent use. Tags of a Tagger are unique until
// the sequence wraps. Share a Tagger between managers for the same connection.
type Tagger struct {
	sync.Mutex
	state TagState
}

// NewTagger returns a tagger continuing after state.
func NewTagger(state TagState) *Tagger {
	return &Tagger{state: state}
}

// Next returns a new tag.
func (t *Tagger) Next() string {
	t.Lock()
	defer t.Unlock()
	var tag string
	tag, t.state = NextTag(t.state)
	return tag
}

// State returns the current state, e.g. to continue the sequence later.
func (t *Tagger) State() TagState {
	t.Lock()
	defer t.Unlock()
	return t.state
}
