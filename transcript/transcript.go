// Package transcript stores the protocol exchange of IMAP sessions in a
// database: command lines sent, responses received, and dropped lines.
package transcript

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mjl-/bstore"

	"github.com/mjl-/imapwire/imaplex"
	"github.com/mjl-/imapwire/imapresp"
	"github.com/mjl-/imapwire/metrics"
	"github.com/mjl-/imapwire/mlog"
	"github.com/mjl-/imapwire/wirevar"
)

// Session is a connection to a server.
type Session struct {
	ID       int64
	Start    time.Time `bstore:"default now"`
	Host     string
	Greeting string
}

// Kind of a record.
type Kind string

const (
	KindSent     Kind = "sent"     // Command line sent, LOGIN passwords redacted.
	KindResponse Kind = "response" // Parsed response.
	KindError    Kind = "error"    // Line that could not be lexed or parsed.
	KindClosed   Kind = "closed"   // Connection closed, Text has the reason.
)

// Record is a single entry in the transcript of a session.
type Record struct {
	ID        int64
	SessionID int64 `bstore:"nonzero,ref Session,index SessionID+Time"`
	Time      time.Time
	Kind      Kind
	Tag       string // For sent lines and tagged responses.
	Type      string // Response type, e.g. EXISTS, FETCH, or status for tagged responses.
	Text      string // Line without CRLF.
}

// DBTypes are the types stored in a transcript database.
var DBTypes = []any{Session{}, Record{}}

// DB is a transcript database.
type DB struct {
	db  *bstore.DB
	log mlog.Log
}

// Open opens the database at path, creating it if it doesn't exist.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	log := mlog.New("transcript", logger)
	os.MkdirAll(filepath.Dir(path), 0770)
	opts := bstore.Options{Timeout: 5 * time.Second, Perm: 0660, RegisterLogger: wirevar.RegisterLogger(path, log.Logger)}
	db, err := bstore.Open(ctx, path, &opts, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open transcript database: %w", err)
	}
	return &DB{db, log}, nil
}

// Close closes the database. Recorders must be closed first.
func (db *DB) Close() error {
	return db.db.Close()
}

// Sessions returns all sessions, most recent first.
func (db *DB) Sessions(ctx context.Context) ([]Session, error) {
	return bstore.QueryDB[Session](ctx, db.db).SortDesc("Start", "ID").List()
}

// Records returns the records of a session, in order.
func (db *DB) Records(ctx context.Context, sessionID int64) ([]Record, error) {
	return bstore.QueryDB[Record](ctx, db.db).FilterNonzero(Record{SessionID: sessionID}).SortAsc("Time", "ID").List()
}

// Recorder adds records for a session. Its methods don't block, they can be
// called from feed subscribers. Records are written by a separate goroutine, if
// it falls behind, records are dropped.
type Recorder struct {
	Session Session

	db      *DB
	records chan Record
	done    chan struct{}
}

// Start adds a new session and returns a recorder for it.
func (db *DB) Start(ctx context.Context, host, greeting string) (*Recorder, error) {
	s := Session{Host: host, Greeting: greeting}
	if err := db.db.Insert(ctx, &s); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	r := &Recorder{
		Session: s,
		db:      db,
		records: make(chan Record, 1024),
		done:    make(chan struct{}),
	}
	go r.writer()
	return r, nil
}

func (r *Recorder) add(rec Record) {
	rec.SessionID = r.Session.ID
	rec.Time = time.Now()
	select {
	case r.records <- rec:
	default:
		r.db.log.Info("transcript writer behind, dropping record", slog.Any("kind", rec.Kind))
	}
}

// Sent records a command line.
func (r *Recorder) Sent(line string) {
	tag, _, _ := strings.Cut(line, " ")
	r.add(Record{Kind: KindSent, Tag: tag, Text: line})
}

// Response records a parsed response.
func (r *Recorder) Response(resp imapresp.Response) {
	rec := Record{Kind: KindResponse, Text: lineText(resp.Tokens())}
	switch x := resp.(type) {
	case imapresp.Tagged:
		rec.Tag = x.Tag
		rec.Type = string(x.Status)
	case imapresp.Untagged:
		rec.Type = x.Type
	case imapresp.Continuation:
		rec.Type = "+"
	}
	r.add(rec)
}

// Error records a dropped line.
func (r *Recorder) Error(err error) {
	rec := Record{Kind: KindError, Text: err.Error()}
	var perr *imapresp.ParseError
	if errors.As(err, &perr) {
		rec.Type = perr.Msg
		rec.Text = lineText(perr.Tokens)
	}
	r.add(rec)
}

// Closed records the end of the connection.
func (r *Recorder) Closed(err error) {
	rec := Record{Kind: KindClosed}
	if err != nil {
		rec.Text = err.Error()
	}
	r.add(rec)
}

// Close stops recording, writing pending records.
func (r *Recorder) Close() {
	close(r.records)
	<-r.done
}

func (r *Recorder) writer() {
	defer close(r.done)
	defer func() {
		x := recover()
		if x != nil {
			r.db.log.Error("unhandled panic in transcript writer", slog.Any("err", x))
			metrics.PanicInc("transcript")
		}
	}()

	for rec := range r.records {
		l := []Record{rec}
	Gather:
		for {
			select {
			case rec, ok := <-r.records:
				if !ok {
					break Gather
				}
				l = append(l, rec)
			default:
				break Gather
			}
		}

		err := r.db.db.Write(context.Background(), func(tx *bstore.Tx) error {
			for i := range l {
				if err := tx.Insert(&l[i]); err != nil {
					return err
				}
			}
			return nil
		})
		r.db.log.Check(err, "writing transcript records", slog.Int("count", len(l)))
	}
}

// lineText returns the text of a line, without the CRLF at the end.
func lineText(tokens []imaplex.Token) string {
	if n := len(tokens); n > 0 && tokens[n-1].Kind == imaplex.CRLF {
		tokens = tokens[:n-1]
	}
	return imaplex.Text(tokens)
}
