package voicechat

import (
	"log/slog"
	"time"
)

// throughput counts chunks and bytes of one stream and logs a summary every
// n chunks. Not safe for concurrent use.
type throughput struct {
	msg   string
	every int
	attrs []any

	chunks int
	bytes  int
	start  time.Time
}

func newThroughput(msg string, every int, attrs ...any) *throughput {
	return &throughput{msg: msg, every: every, attrs: attrs}
}

func (t *throughput) add(n int) {
	if t.chunks == 0 {
		t.start = time.Now()
	}
	t.chunks++
	t.bytes += n
	if t.every > 0 && t.chunks%t.every == 0 {
		slog.Debug(t.msg, append(t.attrs,
			"chunks", t.chunks,
			"bytes", t.bytes,
			"elapsed", time.Since(t.start),
		)...)
	}
}
