package config

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"github.com/mjl-/sconf"

	"github.com/mjl-/imapwire/imapcmd"
	"github.com/mjl-/imapwire/mlog"
)

// Default ports for IMAP with immediate TLS and plain IMAP.
const (
	DefaultPortTLS   = 993
	DefaultPortPlain = 143
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Client is the configuration file for connecting to an IMAP server.
type Client struct {
	Host             string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nHost name of the IMAP server, e.g. mail.example.org. Internationalized domain names in UTF-8 are converted to their IDNA ASCII form."`
	Port             int               `sconf:"optional" sconf-doc:"TCP port to connect to. Default 993 with TLS, 143 without."`
	TLS              bool              `sconf:"optional" sconf-doc:"Connect with TLS immediately, as for port 993. STARTTLS is not supported."`
	TLSSkipVerify    bool              `sconf:"optional" sconf-doc:"Do not verify the TLS certificate of the server. For testing only."`
	Username         string            `sconf:"optional" sconf-doc:"Username for LOGIN. If empty, no login is done, e.g. for servers that send PREAUTH."`
	Password         string            `sconf:"optional" sconf-doc:"Password for LOGIN."`
	LogLevel         string            `sconf:"optional" sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs the IMAP protocol transcript, with traceauth also the LOGIN command with password, and tracedata also literal data. Default: error."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. imapconn, imapcmd, transcript)."`
	MaxLiteralSize   int64             `sconf:"optional" sconf-doc:"Maximum size in bytes of a literal in a response. Larger literals cause the response line to be dropped. Default 64MB."`
	Attribution      string            `sconf:"optional" sconf-doc:"Which untagged responses are attributed to a command when multiple commands are in flight, one of: reset, keep. With reset, a command only gets untagged responses received after the last completion of another command. With keep, it gets all untagged responses received while it is in flight. Default: reset."`
	MaxInFlight      int64             `sconf:"optional" sconf-doc:"Maximum number of commands in flight at the same time. Default 1000."`
	CommandTimeout   time.Duration     `sconf:"optional" sconf-doc:"Time to wait for the completion of a command before canceling it, e.g. 30s. Default: no timeout."`
	Transcript       string            `sconf:"optional" sconf-doc:"Path to a database file to store a transcript of the session in. Can be listed with 'imapwire transcript list'."`
	MetricsAddr      string            `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on at /metrics, e.g. localhost:8010, while watching a mailbox."`

	// Parsed forms, set by Prepare.
	HostASCII         string                `sconf:"-" json:"-"`
	Log               map[string]slog.Level `sconf:"-" json:"-"`
	ParsedAttribution imapcmd.Attribution   `sconf:"-" json:"-"`
}

// Load parses the config file at p and prepares it for use.
func Load(p string) (*Client, []error) {
	var c Client
	if err := sconf.ParseFile(p, &c); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}
	if errs := c.Prepare(); len(errs) > 0 {
		return nil, errs
	}
	return &c, nil
}

// Prepare checks the configuration, sets defaults and parsed forms of fields.
func (c *Client) Prepare() (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Host == "" {
		addErrorf("missing host")
	} else if strings.HasSuffix(c.Host, ".") {
		addErrorf("host %q: trailing dot not allowed", c.Host)
	} else if ascii, err := idna.Lookup.ToASCII(c.Host); err != nil {
		addErrorf("host %q: to ascii: %v", c.Host, err)
	} else {
		c.HostASCII = ascii
	}

	if c.TLS {
		c.Port = Port(c.Port, DefaultPortTLS)
	} else {
		c.Port = Port(c.Port, DefaultPortPlain)
	}
	if c.Port < 0 || c.Port > 65535 {
		addErrorf("invalid port %d", c.Port)
	}
	if c.TLSSkipVerify && !c.TLS {
		addErrorf("TLSSkipVerify set without TLS")
	}
	if c.Username == "" && c.Password != "" {
		addErrorf("password set without username")
	}

	if c.LogLevel == "" {
		c.LogLevel = "error"
	}
	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		c.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok && c.Log != nil {
			c.Log[pkg] = logLevel
		} else if !ok {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.MaxLiteralSize < 0 {
		addErrorf("invalid negative max literal size %d", c.MaxLiteralSize)
	}
	if c.MaxInFlight < 0 {
		addErrorf("invalid negative max in flight %d", c.MaxInFlight)
	}
	if c.CommandTimeout < 0 {
		addErrorf("invalid negative command timeout %v", c.CommandTimeout)
	}

	if a, err := imapcmd.ParseAttribution(c.Attribution); err != nil {
		addErrorf("%v", err)
	} else {
		c.ParsedAttribution = a
	}
	return errs
}

// Addr returns the address to dial, host and port.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.HostASCII, strconv.Itoa(c.Port))
}

// TLSConfig returns the TLS configuration for dialing, or nil without TLS.
func (c *Client) TLSConfig() *tls.Config {
	if !c.TLS {
		return nil
	}
	return &tls.Config{
		ServerName:         c.HostASCII,
		InsecureSkipVerify: c.TLSSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}
