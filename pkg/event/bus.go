package event

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// BusLogger 定义事件总线内部日志接口。
type BusLogger interface {
	Printf(format string, v ...any)
}

// BusOption 为 EventBus 提供可选配置。
type BusOption func(*busConfig)

// EventBus 按流 ID 路由事件：每个流一个主题，保存历史以便迟到的订阅者回放，
// 并在终止事件之后自动封口。
type EventBus struct {
	mu      sync.Mutex
	topics  map[string]*topic
	closed  bool
	buffer  int
	logger  BusLogger
	journal Journal
}

var (
	errNilBus = errors.New("event: bus is nil")

	// ErrBusSealed 表示该流已经收到终止事件。
	ErrBusSealed = errors.New("event: stream sealed")
	// ErrBusClosed 表示事件总线已关闭。
	ErrBusClosed = errors.New("event: bus closed")
	// ErrOutOfOrder 表示事件序号不是严格递增的。
	ErrOutOfOrder = errors.New("event: out of order")
)

const defaultBufferSize = 64

type busConfig struct {
	bufferSize int
	logger     BusLogger
	journal    Journal
}

// Journal 持久化事件，供进程重启后回放。FileJournal 实现该接口。
type Journal interface {
	Append(Event) error
	ReadStream(streamID string, afterSeq uint64) ([]Event, error)
}

// WithBufferSize 配置每个订阅者的缓冲长度（>=1）。
func WithBufferSize(size int) BusOption {
	return func(cfg *busConfig) {
		if size < 1 {
			size = 1
		}
		cfg.bufferSize = size
	}
}

// WithLogger 为 EventBus 指定日志记录器。
func WithLogger(l BusLogger) BusOption {
	return func(cfg *busConfig) {
		cfg.logger = l
	}
}

// WithJournal 让总线在分发前把事件写入 j，并在内存中没有该流时从 j 回放。
func WithJournal(j Journal) BusOption {
	return func(cfg *busConfig) {
		cfg.journal = j
	}
}

// NewEventBus 创建按流分区的事件总线。
func NewEventBus(opts ...BusOption) *EventBus {
	cfg := busConfig{bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &EventBus{
		topics:  make(map[string]*topic),
		buffer:  cfg.bufferSize,
		logger:  cfg.logger,
		journal: cfg.journal,
	}
}

type topic struct {
	history []Event
	sealed  bool
	gone    bool
	subs    map[uint64]*Subscription
	nextID  uint64
}

// Subscription 是一个订阅。每个订阅由独立的 goroutine 按历史游标推送事件，
// 慢订阅者只会落后，不会丢事件；C 在终止事件送达、Close、Forget 或总线关闭后关闭。
// 用完后应调用 Close 释放推送 goroutine。
type Subscription struct {
	C <-chan Event

	id     uint64
	stream string
	ch     chan Event
	wake   chan struct{}
	stop   chan struct{}
	once   sync.Once
	bus    *EventBus
	topic  *topic
	next   int
}

// Close 取消订阅。可重复调用。
func (s *Subscription) Close() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	delete(s.topic.subs, s.id)
	s.bus.mu.Unlock()
	s.halt()
}

func (s *Subscription) halt() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pending 返回游标之后的事件，以及在这些事件之后是否不会再有新事件。
func (s *Subscription) pending() ([]Event, bool) {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	t := s.topic
	if t.gone {
		return nil, true
	}
	var out []Event
	if s.next < len(t.history) {
		out = append(out, t.history[s.next:]...)
		s.next = len(t.history)
	}
	return out, t.sealed || s.bus.closed
}

func (s *Subscription) pump() {
	defer close(s.ch)
	lagging := false
	for {
		events, final := s.pending()
		for _, evt := range events {
			select {
			case s.ch <- evt:
				continue
			default:
			}
			if !lagging && s.bus.logger != nil {
				s.bus.logger.Printf("event: subscriber %d on stream %s is lagging at seq %d", s.id, s.stream, evt.Seq)
			}
			lagging = true
			select {
			case s.ch <- evt:
			case <-s.stop:
				return
			}
		}
		if final {
			return
		}
		select {
		case <-s.wake:
		case <-s.stop:
			return
		}
	}
}

// Emit 把事件追加到流的历史并分发给所有订阅者。终止事件之后该流封口。
func (b *EventBus) Emit(evt Event) error {
	if b == nil {
		return errNilBus
	}
	normalized := normalizeEvent(evt)
	if err := normalized.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	t := b.topicLocked(normalized.StreamID)
	if t.sealed {
		return fmt.Errorf("%w: %s", ErrBusSealed, normalized.StreamID)
	}
	if n := len(t.history); n > 0 && t.history[n-1].Seq >= normalized.Seq {
		return fmt.Errorf("%w: stream %s seq %d after %d", ErrOutOfOrder, normalized.StreamID, normalized.Seq, t.history[n-1].Seq)
	}
	if b.journal != nil {
		if err := b.journal.Append(normalized); err != nil {
			return fmt.Errorf("event: journal: %w", err)
		}
	}
	t.history = append(t.history, normalized)
	if normalized.Type.Terminal() {
		t.sealed = true
	}
	for id, sub := range t.subs {
		sub.notify()
		if t.sealed {
			delete(t.subs, id)
		}
	}
	return nil
}

// Subscribe 订阅流事件，先回放 Seq 大于 afterSeq 的历史事件。
// 对已封口的流，回放完成后通道即关闭。
func (b *EventBus) Subscribe(streamID string, afterSeq uint64) (*Subscription, error) {
	if b == nil {
		return nil, errNilBus
	}
	if streamID == "" {
		return nil, errors.New("event: stream id is empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	t, err := b.loadLocked(streamID)
	if err != nil {
		return nil, err
	}

	next := sort.Search(len(t.history), func(i int) bool { return t.history[i].Seq > afterSeq })
	ch := make(chan Event, b.buffer)
	t.nextID++
	sub := &Subscription{
		C:      ch,
		id:     t.nextID,
		stream: streamID,
		ch:     ch,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		bus:    b,
		topic:  t,
		next:   next,
	}
	if !t.sealed {
		t.subs[sub.id] = sub
	}
	go sub.pump()
	return sub, nil
}

// History 返回流的全部已知事件。
func (b *EventBus) History(streamID string) ([]Event, error) {
	if b == nil {
		return nil, errNilBus
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, err := b.loadLocked(streamID)
	if err != nil {
		return nil, err
	}
	return append([]Event(nil), t.history...), nil
}

// Sealed 报告流是否已收到终止事件。
func (b *EventBus) Sealed(streamID string) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[streamID]
	return ok && t.sealed
}

// Forget 释放流的历史。未关闭的订阅会被关闭。
func (b *EventBus) Forget(streamID string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[streamID]
	if !ok {
		return
	}
	t.gone = true
	for id, sub := range t.subs {
		delete(t.subs, id)
		sub.halt()
	}
	delete(b.topics, streamID)
}

// Close 关闭所有订阅并拒绝新的事件。
func (b *EventBus) Close() error {
	if b == nil {
		return errNilBus
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		for id, sub := range t.subs {
			delete(t.subs, id)
			sub.halt()
		}
	}
	return nil
}

func (b *EventBus) topicLocked(streamID string) *topic {
	t, ok := b.topics[streamID]
	if !ok {
		t = &topic{subs: make(map[uint64]*Subscription)}
		b.topics[streamID] = t
	}
	return t
}

// loadLocked 在内存中没有该流时尝试从 journal 恢复。
func (b *EventBus) loadLocked(streamID string) (*topic, error) {
	if t, ok := b.topics[streamID]; ok {
		return t, nil
	}
	t := b.topicLocked(streamID)
	if b.journal == nil {
		return t, nil
	}
	events, err := b.journal.ReadStream(streamID, 0)
	if err != nil {
		return nil, fmt.Errorf("event: journal: %w", err)
	}
	for _, evt := range events {
		t.history = append(t.history, evt)
		if evt.Type.Terminal() {
			t.sealed = true
			break
		}
	}
	return t, nil
}
