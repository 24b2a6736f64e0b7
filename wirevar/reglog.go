package wirevar

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"testing"
)

var quietRegister = testing.Testing()

// RegisterLogger returns the logger to pass as bstore.Options.RegisterLogger.
// Under test, it returns nil for databases that don't exist yet, new temporary
// databases would otherwise log their type registrations.
func RegisterLogger(path string, log *slog.Logger) *slog.Logger {
	if !quietRegister {
		return log
	}
	if _, err := os.Stat(path); err != nil && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return log
}
