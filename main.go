package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/sconf"

	"github.com/mjl-/imapwire/config"
	"github.com/mjl-/imapwire/imapcmd"
	"github.com/mjl-/imapwire/imapconn"
	"github.com/mjl-/imapwire/imaplex"
	"github.com/mjl-/imapwire/imapresp"
	"github.com/mjl-/imapwire/mlog"
	"github.com/mjl-/imapwire/transcript"
	"github.com/mjl-/imapwire/wirevar"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"run", cmdRun},
	{"watch", cmdWatch},
	{"lex", cmdLex},
	{"parse", cmdParse},
	{"tags", cmdTags},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
	{"transcript list", cmdTranscriptList},
	{"transcript print", cmdTranscriptPrint},
	{"version", cmdVersion},
	{"help", cmdHelp},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	params string // Arguments to command. Multiple lines possible.
	help   string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we run the command and panic once it
	// has registered its flags and set its params and help.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("imapwire "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "imapwire " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		fmt.Printf("imapwire %s\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func usage(l []cmd) {
	lines := []string{"imapwire [-config imapwire.conf] [-loglevel level] ..."}
	for _, c := range l {
		c.gather()
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"imapwire"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var configPath string
var loglevel string // If set, overrides the default log level of the config file.

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("IMAPWIRECONF", "imapwire.conf"), "configuration file, defaults to $IMAPWIRECONF with a fallback to imapwire.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup and overrides the configuration file")

	var cpuprofile, memprofile, tracefile string
	flag.StringVar(&cpuprofile, "cpuprof", "", "store cpu profile to file")
	flag.StringVar(&memprofile, "memprof", "", "store mem profile to file")
	flag.StringVar(&tracefile, "trace", "", "store execution trace to file")

	flag.Usage = func() { usage(cmds) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds)
	}

	defer profiling(cpuprofile, memprofile, tracefile)()

	if loglevel != "" {
		level, ok := mlog.Levels[loglevel]
		if !ok {
			log.Fatalf("unknown loglevel %q", loglevel)
		}
		mlog.SetConfig(map[string]slog.Level{"": level})
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("imapwire "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial)
	}
	usage(cmds)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

// mustLoadConfig loads the config file and applies its log levels, keeping a
// log level from the command-line.
func mustLoadConfig() *config.Client {
	conf, errs := config.Load(configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			log.Printf("%s", err)
		}
		log.Fatalf("invalid config file %s", configPath)
	}
	if loglevel != "" {
		conf.Log[""] = mlog.Levels[loglevel]
	}
	mlog.SetConfig(conf.Log)
	return conf
}

func xjson(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "\t")
	err := enc.Encode(v)
	xcheckf(err, "writing json")
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	_, errs := config.Load(configPath)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">imapwire.conf"
	c.help = `Prints an annotated empty configuration for use as imapwire.conf.

The printed configuration needs modifications to make it valid, at least a host.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	err := sconf.Describe(os.Stdout, &config.Client{})
	xcheckf(err, "describing config")
}

func cmdVersion(c *cmd) {
	c.help = "Prints this imapwire version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(wirevar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// input returns the file named in args, or stdin.
func input(c *cmd, args []string) io.ReadCloser {
	switch len(args) {
	case 0:
		return os.Stdin
	case 1:
		f, err := os.Open(args[0])
		xcheckf(err, "open")
		return f
	}
	c.Usage()
	return nil
}

func cmdLex(c *cmd) {
	c.params = "[file]"
	c.help = `Lexes server responses from file or stdin and prints the tokens.

Each token is printed on its own line, with its kind and raw text. Lines that
cannot be lexed are printed as errors, lexing continues at the next line.
`
	var maxLiteral int64
	var chunk int
	c.flag.Int64Var(&maxLiteral, "maxliteral", 0, "maximum literal size, 0 for the default")
	c.flag.IntVar(&chunk, "chunk", 4096, "size of chunks fed to the lexer")
	args := c.Parse()
	f := input(c, args)
	defer f.Close()

	lexer := imaplex.Lexer{MaxLiteralSize: maxLiteral}
	buf := make([]byte, max(chunk, 1))
	for {
		n, err := f.Read(buf)
		data := buf[:n]
		for len(data) > 0 {
			tokens, o, lerr := lexer.Feed(data)
			for _, t := range tokens {
				fmt.Printf("%-7s %q\n", t.Kind, t.Raw)
			}
			if lerr != nil {
				fmt.Printf("error   %s\n", lerr)
			}
			data = data[o:]
		}
		if err == io.EOF {
			break
		}
		xcheckf(err, "read")
	}
	if lexer.Pending() {
		log.Fatalf("incomplete token at end of input")
	}
}

func cmdParse(c *cmd) {
	c.params = "[file]"
	c.help = `Parses server responses from file or stdin and prints them.

For each response line, its kind and parsed form are printed as JSON. Lines that
cannot be lexed or parsed are printed as errors, parsing continues at the next
line.
`
	args := c.Parse()
	f := input(c, args)
	defer f.Close()

	var splitter imaplex.LineSplitter
	br := bufio.NewReader(f)
	buf := make([]byte, 32*1024)
	for {
		n, err := br.Read(buf)
		for _, line := range splitter.Feed(buf[:n]) {
			printLine(line)
		}
		if err == io.EOF {
			break
		}
		xcheckf(err, "read")
	}
	if splitter.Pending() {
		log.Fatalf("incomplete line at end of input")
	}
}

func printLine(line imaplex.Line) {
	if line.Err != nil {
		fmt.Printf("error: %s\n", line.Err)
		return
	}
	r, err := imapresp.Parse(line.Tokens)
	if err != nil {
		fmt.Printf("error: %s\n", err)
		return
	}
	switch r := r.(type) {
	case imapresp.Tagged:
		fmt.Printf("tagged %s %s", r.Tag, r.Status)
		if r.Code != nil {
			fmt.Printf(" [%s]", r.Code)
		}
		fmt.Printf(" %q\n", r.Text)
	case imapresp.Continuation:
		fmt.Printf("continuation %q\n", r.Text)
	case imapresp.Untagged:
		buf, err := json.Marshal(r.Content)
		xcheckf(err, "marshal")
		fmt.Printf("untagged %s %s\n", r.Type, buf)
	}
}

func cmdTags(c *cmd) {
	c.params = "[-prefix index] [-number n] count"
	c.help = `Prints count tags from the tag sequence.

The sequence continues after the given state: a prefix index (0 is A, 26 is AA)
and the last number issued for it.
`
	var state imapcmd.TagState
	c.flag.IntVar(&state.Prefix, "prefix", 0, "index of letter prefix")
	c.flag.IntVar(&state.Number, "number", 0, "last number issued for prefix")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	n, err := strconv.Atoi(args[0])
	xcheckf(err, "parsing count")
	if state.Prefix < 0 || state.Prefix >= imapcmd.MaxTagPrefixes || state.Number < 0 || state.Number > imapcmd.MaxTagNumber {
		log.Fatalf("invalid tag state")
	}
	for i := 0; i < n; i++ {
		var tag string
		tag, state = imapcmd.NextTag(state)
		fmt.Println(tag)
	}
}

// session is a logged in connection, with optional transcript.
type session struct {
	conf *config.Client
	conn *imapconn.Conn
	db   *transcript.DB
	rec  *transcript.Recorder
}

// xconnect dials the configured server, starts recording a transcript if
// configured, and logs in if a username is configured.
func xconnect(ctx context.Context, log mlog.Log, conf *config.Client) *session {
	s := &session{conf: conf}
	if conf.Transcript != "" {
		db, err := transcript.Open(ctx, conf.Transcript, nil)
		xcheckf(err, "open transcript")
		s.db = db
	}

	opts := imapconn.Opts{
		MaxLiteralSize: conf.MaxLiteralSize,
		Attribution:    conf.ParsedAttribution,
		MaxInFlight:    conf.MaxInFlight,
		OnSend: func(line string) {
			if s.rec != nil {
				s.rec.Sent(line)
			}
		},
	}
	dctx, cancel := s.timeout(ctx)
	conn, err := imapconn.Dial(dctx, conf.Addr(), conf.TLSConfig(), opts)
	cancel()
	xcheckf(err, "connecting to %s", conf.Addr())
	s.conn = conn
	log.Debug("connected", slog.String("addr", conf.Addr()), slog.Bool("preauth", conn.Preauth))

	if s.db != nil {
		rec, err := s.db.Start(ctx, conf.Addr(), conn.Greeting.Text)
		xcheckf(err, "start transcript")
		conn.Subscribe(rec.Response)
		conn.SubscribeErrors(rec.Error)
		conn.OnClose(rec.Closed)
		s.rec = rec
	}
	conn.SubscribeErrors(func(err error) {
		log.Infox("dropped response line", err)
	})

	if conf.Username != "" && !conn.Preauth {
		xrun(ctx, s, imapcmd.Login(conf.Username, conf.Password))
	}
	return s
}

func (s *session) timeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.conf.CommandTimeout > 0 {
		return context.WithTimeout(ctx, s.conf.CommandTimeout)
	}
	return context.WithCancel(ctx)
}

// close logs out, ignoring errors, and closes the connection and transcript.
func (s *session) close(ctx context.Context) {
	if !s.conn.Closed() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		imapcmd.Run(ctx, s.conn.Manager, imapcmd.Logout())
		cancel()
	}
	s.conn.Close()
	if s.rec != nil {
		s.rec.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

func xrun[T any](ctx context.Context, s *session, req imapcmd.Request[T]) T {
	ctx, cancel := s.timeout(ctx)
	defer cancel()
	v, err := imapcmd.Run(ctx, s.conn.Manager, req)
	xcheckf(err, "%s", strings.ToLower(req.Verb))
	return v
}

// runCommand runs a command given on the command-line and returns its result.
type runCommand struct {
	params  string
	minArgs int
	maxArgs int // -1 for no maximum.
	run     func(ctx context.Context, s *session, args []string) any
}

var runCommands = map[string]runCommand{
	"capability": {"", 0, 0, func(ctx context.Context, s *session, args []string) any {
		return xrun(ctx, s, imapcmd.Capability())
	}},
	"noop": {"", 0, 0, func(ctx context.Context, s *session, args []string) any {
		return xrun(ctx, s, imapcmd.Noop())
	}},
	"namespace": {"", 0, 0, func(ctx context.Context, s *session, args []string) any {
		return xrun(ctx, s, imapcmd.Namespace())
	}},
	"id": {"", 0, 0, func(ctx context.Context, s *session, args []string) any {
		return xrun(ctx, s, imapcmd.ID(wirevar.ID()))
	}},
	"list": {"[pattern]", 0, 1, func(ctx context.Context, s *session, args []string) any {
		pattern := "*"
		if len(args) == 1 {
			pattern = args[0]
		}
		return xrun(ctx, s, imapcmd.List("", pattern))
	}},
	"select": {"mailbox", 1, 1, func(ctx context.Context, s *session, args []string) any {
		return xrun(ctx, s, imapcmd.Select(args[0]))
	}},
	"examine": {"mailbox", 1, 1, func(ctx context.Context, s *session, args []string) any {
		return xrun(ctx, s, imapcmd.Examine(args[0]))
	}},
	"status": {"mailbox [attr ...]", 1, -1, func(ctx context.Context, s *session, args []string) any {
		attrs := args[1:]
		if len(attrs) == 0 {
			attrs = []string{"MESSAGES", "UIDNEXT", "UIDVALIDITY", "UNSEEN"}
		}
		return xrun(ctx, s, imapcmd.Status(args[0], attrs...))
	}},
	"search": {"mailbox criteria ...", 2, -1, func(ctx context.Context, s *session, args []string) any {
		xrun(ctx, s, imapcmd.Examine(args[0]))
		return xrun(ctx, s, imapcmd.Search(strings.Join(args[1:], " ")))
	}},
	"sort": {"mailbox program charset criteria ...", 4, -1, func(ctx context.Context, s *session, args []string) any {
		xrun(ctx, s, imapcmd.Examine(args[0]))
		return xrun(ctx, s, imapcmd.Sort(strings.Join(args[1:], " ")))
	}},
	"fetch": {"mailbox seqset items", 3, 3, func(ctx context.Context, s *session, args []string) any {
		xrun(ctx, s, imapcmd.Examine(args[0]))
		return xrun(ctx, s, imapcmd.Fetch(args[1], args[2]))
	}},
	"expunge": {"mailbox", 1, 1, func(ctx context.Context, s *session, args []string) any {
		xrun(ctx, s, imapcmd.Select(args[0]))
		return xrun(ctx, s, imapcmd.Expunge())
	}},
}

func cmdRun(c *cmd) {
	var names []string
	for name, rc := range runCommands {
		names = append(names, strings.TrimSpace(name+" "+rc.params))
	}
	slices.Sort(names)
	c.params = strings.Join(names, "\n")
	c.help = `Connects to the configured server, runs a command and prints its result as JSON.

The connection is made as configured in the config file, including login and
transcript. Commands operating on messages first select or examine the mailbox.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	rc, ok := runCommands[strings.ToLower(args[0])]
	args = args[1:]
	if !ok || len(args) < rc.minArgs || rc.maxArgs >= 0 && len(args) > rc.maxArgs {
		c.Usage()
	}

	conf := mustLoadConfig()
	ctx := context.Background()
	s := xconnect(ctx, c.log, conf)
	defer s.close(ctx)
	xjson(rc.run(ctx, s, args))
}

func cmdWatch(c *cmd) {
	c.params = "[-interval duration] mailbox"
	c.help = `Selects a mailbox and prints changes as the server reports them.

A NOOP is sent at each interval to give the server an opportunity to send
updates. If MetricsAddr is configured, prometheus metrics are served at
/metrics. Stop with an interrupt.
`
	interval := 30 * time.Second
	c.flag.DurationVar(&interval, "interval", interval, "time between NOOP commands")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	conf := mustLoadConfig()
	if conf.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			err := http.ListenAndServe(conf.MetricsAddr, mux)
			c.log.Errorx("serving metrics", err, slog.String("addr", conf.MetricsAddr))
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	s := xconnect(ctx, c.log, conf)
	defer s.close(context.Background())

	st := xrun(ctx, s, imapcmd.Select(args[0]))
	fmt.Printf("selected %s, %d messages, uidvalidity %d, uidnext %d\n", args[0], st.Exists, st.UIDValidity, st.UIDNext)

	s.conn.Subscribe(func(r imapresp.Response) {
		u, ok := r.(imapresp.Untagged)
		if !ok {
			return
		}
		switch x := u.Content.(type) {
		case imapresp.ExistsCount:
			fmt.Printf("%s exists %d\n", time.Now().Format(time.TimeOnly), x)
		case imapresp.Expunge:
			fmt.Printf("%s expunge %d\n", time.Now().Format(time.TimeOnly), x)
		case imapresp.RecentCount:
			fmt.Printf("%s recent %d\n", time.Now().Format(time.TimeOnly), x)
		case imapresp.Fetch:
			buf, err := json.Marshal(x)
			if err == nil {
				fmt.Printf("%s fetch %s\n", time.Now().Format(time.TimeOnly), buf)
			}
		case imapresp.StatusResponse:
			if x.Status == imapresp.BYE {
				fmt.Printf("%s bye %s\n", time.Now().Format(time.TimeOnly), x.Text)
			}
		}
	})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.conn.Done():
			log.Fatalf("connection closed")
		case <-ticker.C:
			nctx, cancel := s.timeout(ctx)
			_, err := imapcmd.Run(nctx, s.conn.Manager, imapcmd.Noop())
			cancel()
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.Errorx("noop", err)
			}
		}
	}
}

func cmdTranscriptList(c *cmd) {
	c.help = `Lists the sessions in the transcript database of the config file.`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig()
	if conf.Transcript == "" {
		log.Fatalf("no transcript configured")
	}
	ctx := context.Background()
	db, err := transcript.Open(ctx, conf.Transcript, nil)
	xcheckf(err, "open transcript")
	defer db.Close()
	sessions, err := db.Sessions(ctx)
	xcheckf(err, "listing sessions")
	for _, s := range sessions {
		fmt.Printf("%d\t%s\t%s\t%s\n", s.ID, s.Start.Format(time.RFC3339), s.Host, s.Greeting)
	}
}

func cmdTranscriptPrint(c *cmd) {
	c.params = "session-id"
	c.help = `Prints the transcript of a session.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	xcheckf(err, "parsing session id")
	conf := mustLoadConfig()
	if conf.Transcript == "" {
		log.Fatalf("no transcript configured")
	}
	ctx := context.Background()
	db, err := transcript.Open(ctx, conf.Transcript, nil)
	xcheckf(err, "open transcript")
	defer db.Close()
	records, err := db.Records(ctx, id)
	xcheckf(err, "listing records")
	for _, r := range records {
		fmt.Printf("%s %-8s %s\n", r.Time.Format("15:04:05.000"), r.Kind, r.Text)
	}
}
