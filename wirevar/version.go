// Package wirevar provides the version of an imapwire build, and the client
// identification sent with the IMAP ID command.
package wirevar

import (
	"runtime"
	"runtime/debug"
)

// Version is set at startup from the build info of the main module.
var Version = "(devel)"

func init() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	Version = buildInfo.Main.Version
	if Version != "(devel)" {
		return
	}
	var rev, modified string
	for _, s := range buildInfo.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			modified = s.Value
		}
	}
	if rev == "" {
		return
	}
	Version = rev
	if modified == "true" {
		Version += "+modifications"
	}
}

// ID returns the parameters for the ID command identifying this client.
func ID() map[string]string {
	return map[string]string{
		"name":    "imapwire",
		"version": Version,
		"os":      runtime.GOOS,
	}
}
