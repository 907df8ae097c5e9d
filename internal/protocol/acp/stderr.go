package acp

import (
	"bufio"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// stderrTailLimit bounds the retained stderr bytes attached to error reports.
const stderrTailLimit = 4096

// stderrTail drains an adapter's stderr on its own goroutine, funnels lines
// to the log, and keeps a bounded tail for attaching to Errored transitions.
// Stderr must never be mixed into stdout: the adapter's stdout is a framed
// protocol stream, and stderr is plain diagnostics.
type stderrTail struct {
	mu  sync.Mutex
	buf []byte
}

func newStderrTail(r io.Reader, log *logger.Logger) *stderrTail {
	t := &stderrTail{}
	go func() {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 4096), 256*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			log.Debug("adapter stderr", zap.ByteString("line", line))
			t.append(line)
		}
		log.Debug("adapter stderr closed")
	}()
	return t
}

func (t *stderrTail) append(line []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line...)
	t.buf = append(t.buf, '\n')
	if len(t.buf) > stderrTailLimit {
		t.buf = t.buf[len(t.buf)-stderrTailLimit:]
	}
}

// Tail returns the retained stderr tail.
func (t *stderrTail) Tail() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
