package transport

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// asciiRecordSeparator separates multiple queued messages batched into
// one websocket frame, cutting syscalls under write load.
var asciiRecordSeparator = []byte{0x1e}

// WS is a gorilla/websocket-backed MessageStream. One WS is created per
// upgraded HTTP connection and handed to exactly one session.Agent.
type WS struct {
	conn *websocket.Conn

	send chan map[string]any

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// NewWS wraps an already-upgraded websocket connection and starts its
// write pump. The caller should call Read in a loop from the owning
// Agent's goroutine.
func NewWS(conn *websocket.Conn) *WS {
	w := &WS{
		conn: conn,
		send: make(chan map[string]any, 256),
		done: make(chan struct{}),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go w.writePump()
	return w
}

func (w *WS) Read(ctx context.Context) (any, error) {
	type result struct {
		msg any
		err error
	}
	ch := make(chan result, 1)
	go func() {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			ch <- result{nil, err}
			return
		}
		ch <- result{string(data), nil}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.msg, r.err
	}
}

func (w *WS) Write(_ context.Context, msg map[string]any) error {
	select {
	case w.send <- msg:
		return nil
	case <-w.done:
		return ErrClosed
	}
}

func (w *WS) Close(err error) error {
	w.closeOnce.Do(func() {
		w.closeErr = err
		close(w.done)
		w.conn.Close()
	})
	return nil
}

// writePump drains queued replies/pushes to the socket, batching any
// backlog that accumulated while the previous write was in flight into
// a single frame instead of one syscall per message.
func (w *WS) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-w.send:
			if !ok {
				return
			}
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			nw, err := w.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			writeOne(nw, msg)

			n := len(w.send)
			for i := 0; i < n; i++ {
				next, ok := <-w.send
				if !ok {
					break
				}
				nw.Write(asciiRecordSeparator)
				writeOne(nw, next)
			}
			if err := nw.Close(); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-w.done:
			return
		}
	}
}

func writeOne(nw interface{ Write([]byte) (int, error) }, msg map[string]any) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	nw.Write(b)
}
