package log

import (
	"os"
	"testing"
)

// TestingLogger returns a Logger which writes to STDOUT if the tests are
// being run with the verbose (-v) flag, and discards all output otherwise.
//
// NOTE: this must be called inside a test (not in init) because the
// verbose flag is only set at testing time.
func TestingLogger(t *testing.T) Logger {
	t.Helper()

	if testing.Verbose() {
		return MustNewDefaultLogger(LogFormatText, LogLevelDebug, os.Stdout)
	}
	return NewNopLogger()
}
