package imapcmd

import (
	"errors"
	"fmt"

	"github.com/mjl-/imapwire/imapresp"
)

var (
	// ErrClosed is returned for commands still in flight when the connection, i.e.
	// the feed, is closed.
	ErrClosed = errors.New("connection closed")

	// ErrCanceled matches every CanceledError with errors.Is.
	ErrCanceled = errors.New("command canceled")
)

// CommandError is returned for a command completed with NO or BAD.
type CommandError struct {
	Tag    string
	Status imapresp.Status
	Code   *imapresp.Code
	Text   string
}

func (e *CommandError) Error() string {
	s := fmt.Sprintf("imap result %s", e.Status)
	if e.Code != nil {
		s += " [" + e.Code.String() + "]"
	}
	if e.Text != "" {
		s += " " + e.Text
	}
	return s
}

// CanceledError is returned for a command that was canceled before it
// completed, through Cancel or the context passed to Wait.
type CanceledError struct {
	Tag   string
	Cause error // E.g. context.DeadlineExceeded. Nil for Cancel.
}

func (e *CanceledError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("command %s canceled: %v", e.Tag, e.Cause)
	}
	return fmt.Sprintf("command %s canceled", e.Tag)
}

func (e *CanceledError) Is(target error) bool {
	return target == ErrCanceled
}

func (e *CanceledError) Unwrap() error {
	return e.Cause
}

// NotImplementedError is returned when a command completes successfully but has
// no result parser. It indicates a programming error.
type NotImplementedError struct {
	Verb string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("no result parser implemented for command %s", e.Verb)
}
