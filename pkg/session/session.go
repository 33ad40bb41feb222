// Package session binds a model capability, a frozen tool registry and a
// transcript into a conversation. A session serves one-shot requests and
// spawns streams; disposing it cancels the streams it still owns.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/genbridge/pkg/codec"
	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/event"
	"github.com/cexll/genbridge/pkg/fault"
	"github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/schema"
	"github.com/cexll/genbridge/pkg/stream"
	"github.com/cexll/genbridge/pkg/telemetry"
	"github.com/cexll/genbridge/pkg/tool"
)

// State is the lifecycle position of a Session.
type State int32

const (
	Initializing State = iota
	Ready
	Responding
	Streaming
	Disposed
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Responding:
		return "responding"
	case Streaming:
		return "streaming"
	case Disposed:
		return "disposed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config describes a session.
type Config struct {
	// ID defaults to a random UUID. Reusing the id of a stored transcript
	// resumes it.
	ID           string
	Instructions string
	// Tools is frozen by New. Nil means no tools.
	Tools      *tool.Registry
	Capability model.Capability
	// Provider labels metrics and spans.
	Provider string
	// Store defaults to a private MemoryStore.
	Store Store
	// Sink receives stream events. Defaults to event.Discard.
	Sink   event.Sink
	Logger *slog.Logger
}

// Session is safe for concurrent use, although the capability may reject
// overlapping requests. IsBusy reports whether one is in flight.
type Session struct {
	id           string
	instructions string
	provider     string
	tools        *tool.Registry
	store        Store
	sink         event.Sink
	logger       *slog.Logger

	lifecycle  atomic.Int32
	responding atomic.Int32

	// ctx bounds every stream the session owns.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	capability model.Capability
	history    []model.Entry
	streams    map[string]*stream.Stream
}

// New initialises a session: it freezes the registry, loads or seeds the
// transcript and moves to Ready. Any failure leaves the session Disposed.
func New(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Tools == nil {
		cfg.Tools = tool.NewRegistry()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Sink == nil {
		cfg.Sink = event.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:           cfg.ID,
		instructions: cfg.Instructions,
		provider:     cfg.Provider,
		tools:        cfg.Tools,
		store:        cfg.Store,
		sink:         cfg.Sink,
		logger:       logger.With("session_id", cfg.ID),
		ctx:          sessCtx,
		cancel:       cancel,
		capability:   cfg.Capability,
		streams:      make(map[string]*stream.Stream),
	}
	s.lifecycle.Store(int32(Initializing))
	if err := s.init(); err != nil {
		s.lifecycle.Store(int32(Disposed))
		cancel()
		return nil, err
	}
	s.lifecycle.Store(int32(Ready))
	s.logger.Debug("session ready", "tools", s.tools.Len(), "resumed", len(s.history) > 0)
	return s, nil
}

func (s *Session) init() error {
	if s.capability == nil {
		return fault.New(fault.AssetsUnavailable, "session %s: no model capability", s.id)
	}
	s.tools.Freeze()

	entries, err := s.store.Load(s.id)
	if err != nil {
		return fmt.Errorf("session: load transcript: %w", err)
	}
	if len(entries) == 0 {
		names := make([]string, 0, s.tools.Len())
		for _, def := range s.tools.Definitions() {
			names = append(names, def.Name)
		}
		return s.store.Append(s.id, stamp(model.Entry{Kind: model.EntryInstructions, Text: s.instructions, Tools: names}))
	}
	for _, e := range entries {
		if e.Kind == model.EntryInstructions {
			if s.instructions == "" {
				s.instructions = e.Text
			}
			continue
		}
		s.history = append(s.history, e)
	}
	return nil
}

func (s *Session) ID() string { return s.id }

// Tools returns the frozen registry.
func (s *Session) Tools() *tool.Registry { return s.tools }

// State derives the current state: Responding wins over Streaming.
func (s *Session) State() State {
	life := State(s.lifecycle.Load())
	if life != Ready {
		return life
	}
	if s.responding.Load() > 0 {
		return Responding
	}
	if s.liveStreams() > 0 {
		return Streaming
	}
	return Ready
}

// IsBusy reports whether a request or stream is in flight. It is advisory.
func (s *Session) IsBusy() bool {
	st := s.State()
	return st == Responding || st == Streaming
}

// Respond generates free-form text.
func (s *Session) Respond(ctx context.Context, prompt string, opts model.Options) (string, error) {
	resp, err := s.respond(ctx, prompt, nil, opts)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// RespondWithSchema generates a value shaped by sch and decodes it.
func (s *Session) RespondWithSchema(ctx context.Context, prompt string, sch *schema.Schema, opts model.Options) (content.Value, error) {
	if sch == nil {
		return content.Null, fault.New(fault.InvalidSchema, "nil schema")
	}
	resp, err := s.respond(ctx, prompt, sch, opts)
	if err != nil {
		return content.Null, err
	}
	return resp.content, nil
}

type outcome struct {
	model.Response
	content content.Value
}

func (s *Session) respond(ctx context.Context, prompt string, sch *schema.Schema, opts model.Options) (_ outcome, err error) {
	req, err := s.request(prompt, sch, opts)
	if err != nil {
		return outcome{}, err
	}
	s.responding.Add(1)
	defer s.responding.Add(-1)

	kind := "respond"
	if sch != nil {
		kind = "respond_with_schema"
	}
	ctx, span := telemetry.StartSpan(ctx, "session."+kind, trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("llm.provider", s.provider),
	))
	start := time.Now()
	defer func() {
		telemetry.Default().RecordRequest(ctx, telemetry.RequestData{Kind: kind, Provider: s.provider, Duration: time.Since(start), Error: err})
		telemetry.EndSpan(span, err)
	}()

	capability, err := s.capabilityOrErr()
	if err != nil {
		return outcome{}, err
	}
	out := outcome{}
	out.Response, err = capability.Respond(ctx, req)
	if err != nil {
		s.logger.Warn("respond failed", "kind", fault.KindOf(err), "err", err)
		return outcome{}, err
	}
	if sch != nil {
		out.content, err = codec.Decode(sch, out.Raw, codec.WithObserver(s.observer()))
		if err != nil {
			return outcome{}, err
		}
	}
	if err := s.record(prompt, sch, out.Response, out.content); err != nil {
		return outcome{}, err
	}
	return out, nil
}

// StreamWithSchema starts a structured stream. Its events go to the
// session's sink keyed by the returned stream's id.
func (s *Session) StreamWithSchema(ctx context.Context, prompt string, sch *schema.Schema, opts model.Options) (*stream.Stream, error) {
	if sch == nil {
		return nil, fault.New(fault.InvalidSchema, "nil schema")
	}
	return s.startStream(ctx, prompt, sch, opts)
}

// StreamText starts a plain text stream.
func (s *Session) StreamText(ctx context.Context, prompt string, opts model.Options) (*stream.Stream, error) {
	return s.startStream(ctx, prompt, nil, opts)
}

func (s *Session) startStream(ctx context.Context, prompt string, sch *schema.Schema, opts model.Options) (_ *stream.Stream, err error) {
	req, err := s.request(prompt, sch, opts)
	if err != nil {
		return nil, err
	}
	capability, err := s.capabilityOrErr()
	if err != nil {
		return nil, err
	}
	kind := "stream_text"
	if sch != nil {
		kind = "stream_with_schema"
	}
	start := time.Now()
	_, span := telemetry.StartSpan(ctx, "session."+kind, trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("llm.provider", s.provider),
	))
	defer func() { telemetry.EndSpan(span, err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	if State(s.lifecycle.Load()) == Disposed {
		return nil, fault.New(fault.SessionDisposed, "session %s is disposed", s.id)
	}
	st, err := stream.Start(s.ctx, stream.Config{
		SessionID: s.id,
		Schema:    sch,
		Run: func(runCtx context.Context, fn model.SnapshotFunc) (model.Response, error) {
			resp, err := capability.Stream(runCtx, req, fn)
			telemetry.Default().RecordRequest(runCtx, telemetry.RequestData{Kind: kind, Provider: s.provider, Duration: time.Since(start), Error: err})
			return resp, err
		},
		OnComplete: func(res stream.Result) {
			if err := s.record(prompt, sch, res.Response, res.Content); err != nil {
				s.logger.Error("record streamed turn", "err", err)
			}
		},
		Sink:   s.sink,
		Logger: s.logger,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("stream.id", st.ID()))
	s.streams[st.ID()] = st
	go s.reap(st)
	s.logger.Debug("stream started", "stream_id", st.ID(), "structured", sch != nil)
	return st, nil
}

// reap forgets st once it reached a terminal state.
func (s *Session) reap(st *stream.Stream) {
	<-st.Done()
	s.mu.Lock()
	delete(s.streams, st.ID())
	s.mu.Unlock()
}

// Stream returns a live stream owned by the session.
func (s *Session) Stream(id string) (*stream.Stream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	return st, ok
}

func (s *Session) liveStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// InvokeTool runs a registered tool directly.
func (s *Session) InvokeTool(ctx context.Context, name string, args content.Value) (content.Value, error) {
	if State(s.lifecycle.Load()) == Disposed {
		return content.Null, fault.New(fault.SessionDisposed, "session %s is disposed", s.id)
	}
	return s.tools.Invoke(ctx, name, args)
}

// Transcript returns the stored transcript, instructions first.
func (s *Session) Transcript() ([]model.Entry, error) {
	if State(s.lifecycle.Load()) == Disposed {
		return nil, fault.New(fault.SessionDisposed, "session %s is disposed", s.id)
	}
	return s.store.Load(s.id)
}

// Dispose cancels every live stream, waits for their terminal events (bounded
// by ctx) and releases the capability. Later operations fail with
// SessionDisposed. Disposing twice is a no-op.
func (s *Session) Dispose(ctx context.Context) error {
	if !s.lifecycle.CompareAndSwap(int32(Ready), int32(Disposed)) {
		return nil
	}
	s.mu.Lock()
	live := make([]*stream.Stream, 0, len(s.streams))
	for _, st := range s.streams {
		live = append(live, st)
	}
	s.mu.Unlock()

	for _, st := range live {
		st.Cancel()
	}
	var err error
	for _, st := range live {
		select {
		case <-st.Done():
		case <-ctx.Done():
			err = fmt.Errorf("session: dispose %s: %w", s.id, ctx.Err())
		}
		if err != nil {
			break
		}
	}
	s.cancel()

	s.mu.Lock()
	s.capability = nil
	s.history = nil
	s.mu.Unlock()
	s.logger.Debug("session disposed", "cancelled_streams", len(live))
	return err
}

func (s *Session) capabilityOrErr() (model.Capability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if State(s.lifecycle.Load()) == Disposed || s.capability == nil {
		return nil, fault.New(fault.SessionDisposed, "session %s is disposed", s.id)
	}
	return s.capability, nil
}

func (s *Session) request(prompt string, sch *schema.Schema, opts model.Options) (model.Request, error) {
	if State(s.lifecycle.Load()) == Disposed {
		return model.Request{}, fault.New(fault.SessionDisposed, "session %s is disposed", s.id)
	}
	if err := opts.Validate(); err != nil {
		return model.Request{}, err
	}
	s.mu.Lock()
	history := append([]model.Entry(nil), s.history...)
	s.mu.Unlock()
	return model.Request{
		Instructions: s.instructions,
		History:      history,
		Prompt:       prompt,
		Schema:       sch,
		Options:      opts,
		Tools:        s.tools.Definitions(),
		Invoker:      s.tools,
	}, nil
}

// record appends a successful turn to the transcript and the history.
func (s *Session) record(prompt string, sch *schema.Schema, resp model.Response, decoded content.Value) error {
	name := schemaName(sch)
	turn := []model.Entry{stamp(model.Entry{Kind: model.EntryPrompt, Text: prompt, Schema: name})}
	for _, e := range resp.Entries {
		turn = append(turn, stamp(e))
	}
	answer := model.Entry{Kind: model.EntryResponse, Schema: name}
	if sch != nil {
		answer.Content = decoded
	} else {
		answer.Text = resp.Text
	}
	turn = append(turn, stamp(answer))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Append(s.id, turn...); err != nil {
		if errors.Is(err, ErrStoreClosed) {
			return fault.Wrap(fault.SessionDisposed, err, "session %s", s.id)
		}
		return fmt.Errorf("session: append transcript: %w", err)
	}
	s.history = append(s.history, turn...)
	return nil
}

func (s *Session) observer() codec.Observer {
	return codec.ObserverFunc(func(path string, err error) {
		s.logger.Debug("optional property dropped", "path", path, "err", err)
	})
}

func stamp(e model.Entry) model.Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return e
}

func schemaName(s *schema.Schema) string {
	if s == nil {
		return ""
	}
	if named, ok := s.Root().(schema.Named); ok {
		return named.SchemaName()
	}
	return "root"
}
