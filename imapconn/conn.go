// Package imapconn connects to an IMAP server and runs the response pipeline:
// bytes read from the connection are lexed into lines, parsed into responses,
// and published on a feed that commands listen on.
//
// Lines that cannot be lexed or parsed are published as feed errors, they
// don't break the connection or fail commands in flight.
package imapconn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mjl-/imapwire/imapcmd"
	"github.com/mjl-/imapwire/imapio"
	"github.com/mjl-/imapwire/imaplex"
	"github.com/mjl-/imapwire/imapresp"
	"github.com/mjl-/imapwire/metrics"
	"github.com/mjl-/imapwire/mlog"
)

// ErrGreeting is returned when the server does not greet with OK or PREAUTH.
var ErrGreeting = errors.New("bad greeting")

// Opts are options for New and Dial.
type Opts struct {
	Logger         *slog.Logger
	MaxLiteralSize int64 // Passed to the lexer, 0 for the default.

	// For the command manager.
	Tagger      *imapcmd.Tagger
	Attribution imapcmd.Attribution
	MaxInFlight int64

	// If set, called with each command line sent, without line terminator.
	// Lines of LOGIN commands are passed with the password replaced.
	OnSend func(line string)
}

// Conn is a connection to an IMAP server. It is an imapcmd.Transport: its Feed
// publishes all responses read after the greeting.
type Conn struct {
	*imapcmd.Feed

	// Manager issues commands on this connection.
	Manager *imapcmd.Manager

	// Greeting is the untagged OK or PREAUTH sent by the server.
	Greeting imapresp.StatusResponse
	Preauth  bool

	conn   net.Conn
	log    mlog.Log
	tr     *imapio.TraceReader
	tw     *imapio.TraceWriter
	lines  imaplex.LineSplitter
	onSend func(line string)

	writeMu sync.Mutex
	closing atomic.Bool
	done    chan struct{} // Closed when the reader goroutine stops.
}

// Dial connects to addr, e.g. "mail.example.org:993", starts TLS if tlsConfig
// is not nil, and reads the greeting.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, opts Opts) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	if tlsConfig != nil {
		tc := tls.Client(nc, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		nc = tc
	}

	// Don't let a silent server block forever while reading the greeting.
	stop := context.AfterFunc(ctx, func() {
		nc.Close()
	})
	c, err := New(nc, opts)
	if !stop() && err == nil {
		c.Close()
		return nil, ctx.Err()
	}
	return c, err
}

// New reads the greeting from conn and starts reading responses. The returned
// connection publishes responses on its feed until it is closed, or the
// server closes the connection.
//
// Protocol traces are logged with prefixes "CR: " and "CW: " at trace levels,
// LOGIN commands at traceauth.
func New(conn net.Conn, opts Opts) (rc *Conn, rerr error) {
	c := &Conn{
		Feed:   imapcmd.NewFeed(),
		conn:   conn,
		log:    mlog.New("imapconn", opts.Logger),
		onSend: opts.OnSend,
		done:   make(chan struct{}),
	}
	c.lines.Lexer.MaxLiteralSize = opts.MaxLiteralSize
	c.tr = imapio.NewTraceReader(c.log, "CR: ", conn)
	c.tw = imapio.NewTraceWriter(c.log, "CW: ", conn)

	defer func() {
		if rerr != nil {
			conn.Close()
		}
	}()

	greeting, pending, err := c.readGreeting()
	if err != nil {
		return nil, err
	}
	st, ok := greeting.Content.(imapresp.StatusResponse)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s response", ErrGreeting, greeting.Type)
	}
	switch st.Status {
	case imapresp.OK:
	case imapresp.PREAUTH:
		c.Preauth = true
	case imapresp.BYE:
		return nil, fmt.Errorf("%w: server sent bye: %s", ErrGreeting, st.Text)
	default:
		return nil, fmt.Errorf("%w: got status %s, expected OK or PREAUTH", ErrGreeting, st.Status)
	}
	c.Greeting = st
	c.log.Debug("connected", slog.Any("status", st.Status), slog.String("text", st.Text))

	c.Manager = imapcmd.NewManager(c, imapcmd.Opts{
		Tagger:      opts.Tagger,
		Attribution: opts.Attribution,
		MaxInFlight: opts.MaxInFlight,
		Logger:      opts.Logger,
	})

	go c.reader(pending)
	return c, nil
}

// readGreeting reads until the first line, and returns it with the lines that
// followed it in the same read.
func (c *Conn) readGreeting() (imapresp.Untagged, []imaplex.Line, error) {
	buf := make([]byte, 4096)
	for {
		n, err := c.tr.Read(buf)
		if n > 0 {
			if lines := c.lines.Feed(buf[:n]); len(lines) > 0 {
				first := lines[0]
				if first.Err != nil {
					return imapresp.Untagged{}, nil, fmt.Errorf("%w: %w", ErrGreeting, first.Err)
				}
				r, err := imapresp.Parse(first.Tokens)
				if err != nil {
					return imapresp.Untagged{}, nil, fmt.Errorf("%w: %w", ErrGreeting, err)
				}
				u, ok := r.(imapresp.Untagged)
				if !ok {
					return imapresp.Untagged{}, nil, fmt.Errorf("%w: expected untagged response, got %q", ErrGreeting, imaplex.Text(first.Tokens))
				}
				return u, lines[1:], nil
			}
		}
		if err != nil {
			return imapresp.Untagged{}, nil, fmt.Errorf("reading greeting: %w", err)
		}
	}
}

func (c *Conn) reader(pending []imaplex.Line) {
	var closeErr error
	defer func() {
		x := recover()
		if x != nil {
			c.log.Error("unhandled panic in response reader", slog.Any("err", x))
			metrics.PanicInc("imapconn")
			metrics.FeedErrorInc("panic")
			closeErr = fmt.Errorf("panic: %v", x)
			c.conn.Close()
		}
		c.Feed.Close(closeErr)
		close(c.done)
	}()

	c.publish(pending)
	buf := make([]byte, 32*1024)
	for {
		n, err := c.tr.Read(buf)
		if n > 0 {
			c.publish(c.lines.Feed(buf[:n]))
		}
		if err == nil {
			continue
		}
		switch {
		case c.closing.Load():
			closeErr = nil
		case errors.Is(err, io.EOF) && c.lines.Pending():
			closeErr = io.ErrUnexpectedEOF
		default:
			closeErr = err
		}
		c.log.Debugx("connection closed", closeErr)
		return
	}
}

func (c *Conn) publish(lines []imaplex.Line) {
	for _, line := range lines {
		if line.Err != nil {
			metrics.FeedErrorInc("lex")
			c.log.Infox("dropping response line", line.Err)
			c.PublishError(line.Err)
			continue
		}
		r, err := imapresp.Parse(line.Tokens)
		if err != nil {
			metrics.FeedErrorInc("parse")
			c.log.Infox("dropping response line", err)
			c.PublishError(err)
			continue
		}
		kind, typ := responseLabels(r)
		metrics.ResponseInc(kind, typ)
		if u, ok := r.(imapresp.Untagged); ok && u.Type == "BYE" {
			c.log.Info("server sent bye", slog.String("line", imaplex.Text(line.Tokens)))
		}
		c.Publish(r)
	}
}

func responseLabels(r imapresp.Response) (kind, typ string) {
	switch r := r.(type) {
	case imapresp.Continuation:
		return "continuation", ""
	case imapresp.Tagged:
		return "tagged", string(r.Status)
	case imapresp.Untagged:
		return "untagged", r.Type
	}
	return "unknown", ""
}

// Send writes a command line to the server, adding the line terminator.
func (c *Conn) Send(text string) error {
	if c.Closed() {
		return imapcmd.ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	logged := text
	if isLogin(text) {
		c.tw.SetTrace(mlog.LevelTraceauth)
		defer c.tw.SetTrace(mlog.LevelTrace)
		logged = redactLogin(text)
	}
	if _, err := c.tw.Write([]byte(text + "\r\n")); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if c.onSend != nil {
		c.onSend(logged)
	}
	return nil
}

// isLogin returns whether line is a LOGIN command, e.g. `A1 LOGIN user pass`.
func isLogin(line string) bool {
	t := strings.SplitN(line, " ", 3)
	return len(t) >= 2 && strings.EqualFold(t[1], imapcmd.VerbLogin)
}

// redactLogin keeps the tag, verb and username of a LOGIN command line.
func redactLogin(line string) string {
	t := strings.SplitN(line, " ", 3)
	if len(t) < 3 {
		return line
	}
	tokens, err := imaplex.Lex(t[2] + "\r\n")
	if err != nil || len(tokens) == 0 {
		return t[0] + " " + t[1] + " ***"
	}
	return t[0] + " " + t[1] + " " + tokens[0].Raw + " ***"
}

// Close closes the connection and waits for the reader to stop. Commands in
// flight fail with imapcmd.ErrClosed.
func (c *Conn) Close() error {
	c.closing.Store(true)
	err := c.conn.Close()
	<-c.done
	return err
}

// Done returns a channel that is closed when the connection has stopped
// reading, e.g. because the server closed it.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
