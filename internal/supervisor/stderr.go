package supervisor

import (
	"bytes"
	"sync"
)

// maxLineLength を超える行は分割して通知する
const maxLineLength = 4096

// lineWriter は書き込まれたバイト列を行単位に分割して通知する
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(line string)
}

// Write は io.Writer の実装
func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if len(data) >= maxLineLength {
				w.flushLocked(len(data))
			}
			break
		}
		w.flushLocked(i + 1)
	}
	return len(p), nil
}

// Flush はバッファに残った改行なしの出力を1行として通知する
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.buf.Len() > 0 {
		w.flushLocked(w.buf.Len())
	}
}

// flushLocked は先頭 n バイトを1行として通知する
func (w *lineWriter) flushLocked(n int) {
	line := string(bytes.TrimRight(w.buf.Next(n), "\r\n"))
	if line == "" {
		return
	}
	w.emit(line)
}
