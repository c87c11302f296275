package testutil

import (
	"bytes"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogger(t *testing.T) zerolog.Logger {
	return zerolog.New(zerolog.NewTestWriter(t)).
		With().
		Timestamp().
		Str("test", t.Name()).
		Logger()
}

// SyncBuffer is a bytes.Buffer safe for use as a log sink shared with
// background goroutines.
type SyncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *SyncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *SyncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// BufferedLogger returns a logger writing JSON lines to the returned buffer.
func BufferedLogger() (zerolog.Logger, *SyncBuffer) {
	buf := &SyncBuffer{}
	return zerolog.New(buf), buf
}
