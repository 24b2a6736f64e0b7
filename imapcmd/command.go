// Package imapcmd issues IMAP commands and correlates server responses with
// them.
//
// Each command gets a unique tag, is sent over a Transport, and collects the
// untagged responses published on the transport's feed until its tagged
// completion arrives. A command settles exactly once: with the result of its
// result parser, with an error for a NO or BAD completion, when canceled, or when
// the connection closes.
package imapcmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mjl-/imapwire/imapresp"
	"github.com/mjl-/imapwire/metrics"
	"github.com/mjl-/imapwire/mlog"
)

// Transport sends command lines and publishes the responses read from the
// server. A Feed provides the subscription methods.
type Transport interface {
	// Send writes a command line. The line terminator is added by the transport.
	Send(text string) error
	Subscribe(fn func(imapresp.Response)) (unsubscribe func())
	OnClose(fn func(err error)) (unsubscribe func())
}

// Attribution selects which untagged responses are attributed to a command that
// shares the connection with other commands.
type Attribution int

const (
	// AttributionReset discards untagged responses collected by a command when a
	// completion for another command arrives, so a command only gets the untagged
	// responses after the most recent foreign completion. Late data of earlier
	// commands is not mistaken for the command's own. Commands that require their
	// own context never reset.
	AttributionReset Attribution = iota

	// AttributionKeep attributes all untagged responses received while a command is
	// in flight to the command. For servers sending unsolicited untagged responses
	// in between pipelined commands.
	AttributionKeep
)

func (a Attribution) String() string {
	switch a {
	case AttributionReset:
		return "reset"
	case AttributionKeep:
		return "keep"
	}
	return fmt.Sprintf("Attribution(%d)", int(a))
}

// ParseAttribution parses "reset" or "keep". The empty string is "reset".
func ParseAttribution(s string) (Attribution, error) {
	switch strings.ToLower(s) {
	case "", "reset":
		return AttributionReset, nil
	case "keep":
		return AttributionKeep, nil
	}
	return 0, fmt.Errorf("unknown attribution policy %q, must be reset or keep", s)
}

// DefaultMaxInFlight is the default maximum number of commands in flight.
const DefaultMaxInFlight = 1000

// Opts are options for a Manager.
type Opts struct {
	Tagger      *Tagger // If nil, a new tag sequence is started.
	Attribution Attribution
	MaxInFlight int64 // If 0, DefaultMaxInFlight.
	Logger      *slog.Logger
}

// Manager issues commands over a transport.
type Manager struct {
	transport   Transport
	tagger      *Tagger
	attribution Attribution
	log         mlog.Log

	// Commands hold 1 unit while in flight, commands requiring their own context
	// hold all units.
	gate        *semaphore.Weighted
	maxInFlight int64
}

// NewManager returns a manager for issuing commands over t.
func NewManager(t Transport, opts Opts) *Manager {
	if opts.Tagger == nil {
		opts.Tagger = NewTagger(TagState{})
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}
	return &Manager{
		transport:   t,
		tagger:      opts.Tagger,
		attribution: opts.Attribution,
		log:         mlog.New("imapcmd", opts.Logger),
		gate:        semaphore.NewWeighted(opts.MaxInFlight),
		maxInFlight: opts.MaxInFlight,
	}
}

// ResultParser builds the result of a successfully completed command from the
// untagged responses attributed to it, and its tagged completion.
type ResultParser[T any] func(untagged []imapresp.Untagged, done imapresp.Tagged) (T, error)

// Request describes a command to send.
type Request[T any] struct {
	Verb string // E.g. "SELECT".
	Args string // Formatted arguments, without leading space. Optional.

	// If set, the command is only sent when no other command is in flight, and no
	// other command is sent until it completes. For commands whose untagged
	// responses cannot be told apart from those of other commands, like SELECT.
	RequiresOwnContext bool

	// Parse builds the result. If nil, a successful completion settles with a
	// NotImplementedError.
	Parse ResultParser[T]
}

// Text returns the command line for tag, without line terminator.
func (r Request[T]) Text(tag string) string {
	s := tag + " " + r.Verb
	if r.Args != "" {
		s += " " + r.Args
	}
	return s
}

// Command is a command in flight, or settled.
type Command[T any] struct {
	Tag string
	Request[T]

	m      *Manager
	weight int64
	start  time.Time
	done   chan struct{}

	mu       sync.Mutex
	untagged []imapresp.Untagged
	unsubs   []func()
	settled  bool
	result   T
	err      error
}

// Start sends the command described by req, and returns the command in flight.
// Start blocks while the gate for commands is closed, e.g. while a command that
// requires its own context is in flight, or until ctx is done.
//
// The command listens for responses before the command line is sent, so a fast
// completion is not missed.
func Start[T any](ctx context.Context, m *Manager, req Request[T]) (*Command[T], error) {
	weight := int64(1)
	if req.RequiresOwnContext {
		weight = m.maxInFlight
	}
	if err := m.gate.Acquire(ctx, weight); err != nil {
		return nil, fmt.Errorf("waiting to send %s: %w", req.Verb, err)
	}

	c := &Command[T]{
		Tag:     m.tagger.Next(),
		Request: req,
		m:       m,
		weight:  weight,
		start:   time.Now(),
		done:    make(chan struct{}),
	}

	unsubs := []func(){
		m.transport.Subscribe(c.handle),
		m.transport.OnClose(c.closed),
	}
	c.mu.Lock()
	settled, err := c.settled, c.err
	if !settled {
		c.unsubs = unsubs
	}
	c.mu.Unlock()
	if settled {
		// Closed before we could send.
		for _, fn := range unsubs {
			fn()
		}
		return nil, err
	}

	m.log.Debug("sending command", slog.String("tag", c.Tag), slog.String("verb", req.Verb))
	if err := m.transport.Send(req.Text(c.Tag)); err != nil {
		err = fmt.Errorf("sending %s: %w", req.Verb, err)
		var zero T
		c.settle(zero, err)
		return nil, err
	}
	return c, nil
}

// Run starts the command and waits for its result.
func Run[T any](ctx context.Context, m *Manager, req Request[T]) (T, error) {
	c, err := Start(ctx, m, req)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.Wait(ctx)
}

// Done returns a channel that is closed when the command has settled.
func (c *Command[T]) Done() <-chan struct{} {
	return c.done
}

// Wait waits for the command to settle and returns its result. If ctx is done
// first, the command is canceled with the context error as cause.
func (c *Command[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.cancel(ctx.Err())
		<-c.done
	}
	return c.Result()
}

// Result returns the result of a settled command. Only valid after Done is
// closed.
func (c *Command[T]) Result() (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result, c.err
}

// Cancel settles the command with a CanceledError, if it has not settled yet.
// The command line may have been sent already, the server still processes
// the command. Its completion is then ignored.
func (c *Command[T]) Cancel() {
	c.cancel(nil)
}

func (c *Command[T]) cancel(cause error) {
	var zero T
	c.settle(zero, &CanceledError{c.Tag, cause})
}

// settle settles the command, unless it has settled already. All listeners are
// removed, and the gate is released.
func (c *Command[T]) settle(v T, err error) bool {
	c.mu.Lock()
	if c.settled {
		c.mu.Unlock()
		return false
	}
	c.settled = true
	c.result = v
	c.err = err
	unsubs := c.unsubs
	c.unsubs = nil
	c.untagged = nil
	c.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	c.m.gate.Release(c.weight)
	close(c.done)

	result := resultLabel(err)
	metrics.CommandObserve(c.Verb, result, c.start)
	c.m.log.Debugx("command settled", err,
		slog.String("tag", c.Tag),
		slog.String("verb", c.Verb),
		slog.String("result", result),
		slog.Duration("duration", time.Since(c.start)))
	return true
}

func resultLabel(err error) string {
	var cmdErr *CommandError
	var notImplErr *NotImplementedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &cmdErr):
		return strings.ToLower(string(cmdErr.Status))
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.As(err, &notImplErr):
		return "notimplemented"
	}
	return "error"
}

// handle is called for each response published on the feed, in order.
func (c *Command[T]) handle(r imapresp.Response) {
	switch r := r.(type) {
	case imapresp.Untagged:
		c.mu.Lock()
		if !c.settled {
			c.untagged = append(c.untagged, r)
		}
		c.mu.Unlock()

	case imapresp.Tagged:
		if r.Tag == c.Tag {
			c.complete(r)
			return
		}
		if c.RequiresOwnContext || c.m.attribution != AttributionReset {
			return
		}
		c.mu.Lock()
		if len(c.untagged) > 0 {
			c.m.log.Debug("discarding untagged responses after completion of other command",
				slog.String("tag", c.Tag),
				slog.String("othertag", r.Tag),
				slog.Int("count", len(c.untagged)))
		}
		c.untagged = nil
		c.mu.Unlock()
	}
}

func (c *Command[T]) complete(r imapresp.Tagged) {
	var zero T
	if r.Status != imapresp.OK {
		c.settle(zero, &CommandError{c.Tag, r.Status, r.Code, r.Text})
		return
	}
	if c.Parse == nil {
		c.settle(zero, &NotImplementedError{c.Verb})
		return
	}

	c.mu.Lock()
	untagged := c.untagged
	c.mu.Unlock()

	defer func() {
		x := recover()
		if x == nil {
			return
		}
		c.m.log.Error("unhandled panic in result parser", slog.Any("err", x), slog.String("verb", c.Verb))
		metrics.PanicInc("imapcmd")
		c.settle(zero, fmt.Errorf("%s result: panic: %v", c.Verb, x))
	}()
	v, err := c.Parse(untagged, r)
	if err != nil {
		err = fmt.Errorf("%s result: %w", c.Verb, err)
	}
	c.settle(v, err)
}

// closed is called when the feed closes.
func (c *Command[T]) closed(err error) {
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrClosed, err)
	} else {
		err = ErrClosed
	}
	var zero T
	c.settle(zero, err)
}
