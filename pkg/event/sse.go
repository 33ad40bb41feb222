package event

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHeartbeat = 15 * time.Second
	heartbeatComment = ": heartbeat %d\n\n"
)

// SSE 把一个订阅以 Server-Sent Events 格式写给 HTTP 客户端。
type SSE struct {
	heartbeat time.Duration
}

// NewSSE 构造默认心跳间隔的 SSE 写出器。
func NewSSE() *SSE {
	return &SSE{heartbeat: defaultHeartbeat}
}

// SetHeartbeat 设置心跳注释的间隔（<=0 关闭）。
func (s *SSE) SetHeartbeat(d time.Duration) {
	if s == nil {
		return
	}
	if d <= 0 {
		s.heartbeat = 0
		return
	}
	s.heartbeat = d
}

// Serve 持续写出 events 中的事件，直到通道关闭或请求上下文结束。
func (s *SSE) Serve(w http.ResponseWriter, r *http.Request, events <-chan Event) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "event: response does not support streaming", http.StatusInternalServerError)
		return
	}

	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	var ticker *time.Ticker
	if s != nil && s.heartbeat > 0 {
		ticker = time.NewTicker(s.heartbeat)
		defer ticker.Stop()
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := WriteFrame(w, evt); err != nil {
				return
			}
			flusher.Flush()
		case <-tickChan(ticker):
			if _, err := fmt.Fprintf(w, heartbeatComment, time.Now().Unix()); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// WriteFrame 写出单个 SSE 帧。帧 id 为流内序号，便于客户端用 Last-Event-ID 续播。
func WriteFrame(w io.Writer, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("event: marshal SSE payload: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, body)
	return err
}

// LastEventSeq 解析 Last-Event-ID 请求头或 after 查询参数，缺省为 0。
func LastEventSeq(r *http.Request) uint64 {
	raw := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if raw == "" {
		raw = strings.TrimSpace(r.URL.Query().Get("after"))
	}
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func tickChan(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}
