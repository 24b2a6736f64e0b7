/*
Package config holds the configuration file definition of imapwire.

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely.

See https://pkg.go.dev/github.com/mjl-/sconf for details. Print an empty config
file with all fields and their documentation with "imapwire config describe".

An example config file:

	Host: mail.example.org
	TLS: true
	Username: mjl@example.org
	Password: test1234
	LogLevel: info
	PackageLogLevels:
		imapconn: trace
	CommandTimeout: 30s
	Transcript: imapwire.db
*/
package config
