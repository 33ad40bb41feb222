package event

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/fault"
)

// Type 表示流事件类型。
type Type string

const (
	// TypeSnapshot 携带到目前为止的完整部分值，而不是增量。
	TypeSnapshot  Type = "snapshot"
	TypeCompleted Type = "completed"
	TypeError     Type = "error"
	TypeCancelled Type = "cancelled"
)

var knownTypes = map[Type]bool{
	TypeSnapshot:  false,
	TypeCompleted: true,
	TypeError:     true,
	TypeCancelled: true,
}

// Terminal 报告该类型是否结束一个流。
func (t Type) Terminal() bool { return knownTypes[t] }

// Event 描述一次流事件推送。Seq 在同一个流内从 1 开始严格递增。
type Event struct {
	ID        string
	Type      Type
	Timestamp time.Time
	SessionID string
	StreamID  string
	Seq       uint64

	// Text 用于纯文本流。
	Text string
	// Content 是经过 schema 解码的值；Raw 是解码前的原始值（仅 completed）。
	Content content.Value
	Raw     content.Value
	Error   *fault.Payload
}

type wireEvent struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id,omitempty"`
	StreamID  string         `json:"stream_id"`
	Seq       uint64         `json:"seq"`
	Text      string         `json:"text,omitempty"`
	Content   *content.Value `json:"content,omitempty"`
	Raw       *content.Value `json:"raw,omitempty"`
	Error     *fault.Payload `json:"error,omitempty"`
}

// MarshalJSON 省略空的 content/raw 字段。
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		ID:        e.ID,
		Type:      e.Type,
		Timestamp: e.Timestamp,
		SessionID: e.SessionID,
		StreamID:  e.StreamID,
		Seq:       e.Seq,
		Text:      e.Text,
		Error:     e.Error,
	}
	if !e.Content.IsNull() {
		w.Content = &e.Content
	}
	if !e.Raw.IsNull() {
		w.Raw = &e.Raw
	}
	return json.Marshal(w)
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{
		ID:        w.ID,
		Type:      w.Type,
		Timestamp: w.Timestamp,
		SessionID: w.SessionID,
		StreamID:  w.StreamID,
		Seq:       w.Seq,
		Text:      w.Text,
		Error:     w.Error,
	}
	if w.Content != nil {
		e.Content = *w.Content
	}
	if w.Raw != nil {
		e.Raw = *w.Raw
	}
	return nil
}

// NewEvent 构造函数，自动填充 ID/Timestamp。
func NewEvent(typ Type, sessionID, streamID string, seq uint64) Event {
	return normalizeEvent(Event{Type: typ, SessionID: sessionID, StreamID: streamID, Seq: seq})
}

// Validate 检查事件是否符合约束。
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.New("event: type is empty")
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	if e.StreamID == "" {
		return errors.New("event: stream id is empty")
	}
	if e.Seq == 0 {
		return errors.New("event: seq must start at 1")
	}
	if e.Type == TypeError && e.Error == nil {
		return errors.New("event: error event without payload")
	}
	return nil
}

// Sink 接收流事件。EventBus 实现该接口。
type Sink interface {
	Emit(Event) error
}

// SinkFunc 让普通函数实现 Sink。
type SinkFunc func(Event) error

func (f SinkFunc) Emit(evt Event) error { return f(evt) }

// Discard 丢弃所有事件。
var Discard Sink = SinkFunc(func(Event) error { return nil })

func normalizeEvent(evt Event) Event {
	if evt.ID == "" {
		evt.ID = newEventID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return evt
}

func newEventID() string {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}
