package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/onllm-dev/onstride/internal/engine"
)

// sseKeepAlive is how often a comment line is sent on an idle stream.
const sseKeepAlive = 25 * time.Second

// sseBuffer is how many snapshots a slow client may fall behind before the
// oldest undelivered one is dropped.
const sseBuffer = 64

// snapshotQueue is an ordered, bounded buffer between the engine loop and one
// client. push never blocks; on overflow it drops the oldest snapshot.
type snapshotQueue struct {
	ch      chan engine.Snapshot
	dropped atomic.Int64
}

func newSnapshotQueue(size int) *snapshotQueue {
	return &snapshotQueue{ch: make(chan engine.Snapshot, size)}
}

// push must only be called from a single goroutine.
func (q *snapshotQueue) push(s engine.Snapshot) {
	select {
	case q.ch <- s:
		return
	default:
	}
	select {
	case <-q.ch:
		q.dropped.Add(1)
	default:
	}
	q.ch <- s
}

// Events streams engine snapshots as server-sent events. Each client is one
// engine observer; the first event is the current snapshot.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	// Observers run on the engine loop and must not block.
	queue := newSnapshotQueue(sseBuffer)
	unsubscribe := h.engine.Subscribe(queue.push)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	h.logger.Debug("Event stream opened", "request_id", RequestIDFrom(r.Context()))
	defer func() {
		h.logger.Debug("Event stream closed",
			"request_id", RequestIDFrom(r.Context()),
			"dropped", queue.dropped.Load(),
		)
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case s := <-queue.ch:
			data, err := json.Marshal(s)
			if err != nil {
				h.logger.Error("Failed to encode snapshot", "error", err)
				return
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
