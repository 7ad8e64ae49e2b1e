package testutil

import (
	"os"
	"testing"

	"github.com/rs/zerolog"
)

// TestLogger writes to stdout rather than t.Log because session goroutines
// may still log after the test that started them has returned.
func TestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, NoColor: true}).
		Level(zerolog.DebugLevel).
		With().Timestamp().Str("test", t.Name()).Logger()
}
