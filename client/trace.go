package client

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/luma/gatewire/protocol"
)

// Recorder observes every frame body a connection sends and receives. It is
// supplied at construction time; there is no process-wide trace state.
type Recorder interface {
	RecordSend(body []byte)
	RecordRecv(body []byte)
}

// NopRecorder is the default Recorder. It drops everything.
type NopRecorder struct{}

func (NopRecorder) RecordSend([]byte) {}
func (NopRecorder) RecordRecv([]byte) {}

// JSONRecorder writes one JSON object per frame to w, newline separated,
// for response-recording tooling and debugging. Safe for concurrent use.
type JSONRecorder struct {
	mu    sync.Mutex
	w     io.Writer
	clock func() time.Time
}

func NewJSONRecorder(w io.Writer) *JSONRecorder {
	return &JSONRecorder{
		w:     w,
		clock: time.Now,
	}
}

func (r *JSONRecorder) RecordSend(body []byte) {
	r.record("send", body)
}

func (r *JSONRecorder) RecordRecv(body []byte) {
	r.record("recv", body)
}

// Close flushes nothing (writes are line-buffered by the caller's writer)
// but closes w when it is closable, so a file-backed recorder tears down
// with the connection.
func (r *JSONRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if closer, ok := r.w.(io.Closer); ok {
		return closer.Close()
	}

	return nil
}

func (r *JSONRecorder) record(dir string, body []byte) {
	msg := protocol.Split(body)

	line, _ := sjson.Set("", "dir", dir)
	line, _ = sjson.Set(line, "at", r.clock().UTC().Format(time.RFC3339Nano))
	if code, err := msg.IntAt(0); err == nil {
		line, _ = sjson.Set(line, "msgType", code)
	}
	line, _ = sjson.Set(line, "fields", msg.Strings())

	r.mu.Lock()
	fmt.Fprintln(r.w, line)
	r.mu.Unlock()
}
