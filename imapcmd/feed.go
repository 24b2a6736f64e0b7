package imapcmd

import (
	"sync"

	"github.com/mjl-/imapwire/imapresp"
)

// Feed distributes responses, in the order they were read, to all subscribers.
// Lines that could not be lexed or parsed are published as errors, they are
// not attributed to any command. Once closed, a Feed publishes nothing more.
//
// Subscribers are called synchronously from the publishing goroutine, and must
// not block.
type Feed struct {
	pubMu sync.Mutex // Held while publishing, keeps delivery in publish order.

	mu         sync.Mutex
	nextID     int
	responseFn []entry[func(imapresp.Response)]
	errorFn    []entry[func(error)]
	closeFn    []entry[func(error)]
	closed     bool
	closeErr   error
}

type entry[F any] struct {
	id int
	fn F
}

// NewFeed returns a new, open feed.
func NewFeed() *Feed {
	return &Feed{}
}

func subscribe[F any](f *Feed, l *[]entry[F], fn F) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	return subscribeLocked(f, l, fn)
}

func subscribeLocked[F any](f *Feed, l *[]entry[F], fn F) func() {
	f.nextID++
	id := f.nextID
	*l = append(*l, entry[F]{id, fn})
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for i, e := range *l {
			if e.id == id {
				*l = append((*l)[:i:i], (*l)[i+1:]...)
				return
			}
		}
	}
}

func snapshot[F any](f *Feed, l *[]entry[F]) []F {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	r := make([]F, len(*l))
	for i, e := range *l {
		r[i] = e.fn
	}
	return r
}

// Subscribe calls fn for each published response, until the returned
// unsubscribe function is called. Unsubscribing is idempotent.
func (f *Feed) Subscribe(fn func(imapresp.Response)) (unsubscribe func()) {
	return subscribe(f, &f.responseFn, fn)
}

// SubscribeErrors calls fn for each lex or parse error, i.e. dropped lines.
func (f *Feed) SubscribeErrors(fn func(error)) (unsubscribe func()) {
	return subscribe(f, &f.errorFn, fn)
}

// OnClose calls fn once when the feed is closed, with the reason, nil for a
// regular close. If the feed is already closed, fn is called immediately.
func (f *Feed) OnClose(fn func(err error)) (unsubscribe func()) {
	f.mu.Lock()
	if f.closed {
		err := f.closeErr
		f.mu.Unlock()
		fn(err)
		return func() {}
	}
	defer f.mu.Unlock()
	return subscribeLocked(f, &f.closeFn, fn)
}

// Publish delivers r to all response subscribers.
func (f *Feed) Publish(r imapresp.Response) {
	f.pubMu.Lock()
	defer f.pubMu.Unlock()
	for _, fn := range snapshot(f, &f.responseFn) {
		fn(r)
	}
}

// PublishError delivers a feed-level error to all error subscribers.
func (f *Feed) PublishError(err error) {
	f.pubMu.Lock()
	defer f.pubMu.Unlock()
	for _, fn := range snapshot(f, &f.errorFn) {
		fn(err)
	}
}

// Close closes the feed, notifying close subscribers. Only the first close has
// effect.
func (f *Feed) Close(err error) {
	f.pubMu.Lock()
	defer f.pubMu.Unlock()

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.closeErr = err
	fns := f.closeFn
	f.responseFn = nil
	f.errorFn = nil
	f.closeFn = nil
	f.mu.Unlock()

	for _, e := range fns {
		e.fn(err)
	}
}

// Closed returns whether the feed is closed.
func (f *Feed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
