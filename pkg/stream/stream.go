// Package stream runs one incrementally observable generation. A Stream
// relays whole-value snapshots in order, ends with exactly one terminal event
// (completed, error or cancelled) and never emits anything after it.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/genbridge/pkg/codec"
	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/event"
	"github.com/cexll/genbridge/pkg/fault"
	"github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/schema"
	"github.com/cexll/genbridge/pkg/telemetry"
)

// State is the lifecycle position of a Stream.
type State int32

const (
	Pending State = iota
	Emitting
	Completed
	Errored
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Emitting:
		return "emitting"
	case Completed:
		return "completed"
	case Errored:
		return "errored"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s >= Completed }

// RunFunc performs the generation, delivering snapshots through fn. It must
// return ctx.Err() once ctx is cancelled.
type RunFunc func(ctx context.Context, fn model.SnapshotFunc) (model.Response, error)

// Result is the outcome of a completed stream.
type Result struct {
	// Content is the decoded value for schema streams.
	Content content.Value
	// Raw is the value before decoding.
	Raw      content.Value
	Text     string
	Response model.Response
}

// Config describes a stream.
type Config struct {
	// ID defaults to a random UUID.
	ID        string
	SessionID string
	// Schema selects a structured stream. Nil streams plain text.
	Schema *schema.Schema
	Run    RunFunc
	// OnComplete runs after the completed event, before Done is closed.
	OnComplete func(Result)
	Sink       event.Sink
	Logger     *slog.Logger
}

// ErrCancelled is reported by Wait for cancelled streams.
var ErrCancelled = errors.New("stream: cancelled")

// Stream is one in-flight generation.
type Stream struct {
	cfg    Config
	logger *slog.Logger

	state     atomic.Int32
	cancelled atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	// seq is only touched by the worker goroutine.
	seq uint64

	mu     sync.Mutex
	result Result
	err    error
}

// Start validates cfg and launches the worker. The stream lives until Run
// returns or ctx is cancelled; ctx should therefore outlive the request that
// created the stream.
func Start(ctx context.Context, cfg Config) (*Stream, error) {
	if cfg.Run == nil {
		return nil, errors.New("stream: run func is nil")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.Sink == nil {
		cfg.Sink = event.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s := &Stream{
		cfg:    cfg,
		logger: logger.With("stream_id", cfg.ID, "session_id", cfg.SessionID),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run(runCtx)
	return s, nil
}

func (s *Stream) ID() string        { return s.cfg.ID }
func (s *Stream) SessionID() string { return s.cfg.SessionID }
func (s *Stream) State() State      { return State(s.state.Load()) }

// Structured reports whether the stream decodes against a schema.
func (s *Stream) Structured() bool { return s.cfg.Schema != nil }

// Done is closed after the terminal event was emitted.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Cancel requests cancellation. It returns false when the stream already
// finished or cancellation was requested before, so repeated calls are no-ops.
// The Cancelled event follows once the capability acknowledges.
func (s *Stream) Cancel() bool {
	if s.State().Terminal() {
		return false
	}
	if !s.cancelled.CompareAndSwap(false, true) {
		return false
	}
	s.cancel()
	return true
}

// Wait blocks until the stream finished or ctx is done.
func (s *Stream) Wait(ctx context.Context) (Result, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancel()

	ctx, span := telemetry.StartSpan(ctx, "stream.run", trace.WithAttributes(
		attribute.String("stream.id", s.cfg.ID),
		attribute.String("session.id", s.cfg.SessionID),
		attribute.Bool("stream.structured", s.Structured()),
	))

	resp, err := s.cfg.Run(ctx, s.relay)
	if s.cancelled.Load() || (err != nil && ctx.Err() != nil) {
		s.finishCancelled()
		telemetry.EndSpan(span, nil)
		return
	}
	if err != nil {
		s.fail(err)
		telemetry.EndSpan(span, err)
		return
	}

	result := Result{Raw: resp.Raw, Text: resp.Text, Response: resp}
	if s.Structured() {
		decoded, err := codec.Decode(s.cfg.Schema, resp.Raw, codec.WithObserver(s.observer()))
		if err != nil {
			s.fail(err)
			telemetry.EndSpan(span, err)
			return
		}
		result.Content = decoded
	}
	span.SetAttributes(attribute.Int64("stream.events", int64(s.seq+1)))
	s.complete(result)
	telemetry.EndSpan(span, nil)
}

// relay is the SnapshotFunc handed to the capability.
func (s *Stream) relay(snap model.Snapshot) error {
	if s.cancelled.Load() {
		return context.Canceled
	}
	var decoded content.Value
	if s.Structured() {
		v, err := codec.DecodePartial(s.cfg.Schema, snap.Raw)
		if err != nil {
			s.logger.Debug("stream: skip undecodable snapshot", "err", err)
			return nil
		}
		decoded = v
	}
	evt := s.next(event.TypeSnapshot)
	evt.Content = decoded
	evt.Text = snap.Text
	s.state.CompareAndSwap(int32(Pending), int32(Emitting))
	s.emit(evt)
	return nil
}

func (s *Stream) complete(result Result) {
	evt := s.next(event.TypeCompleted)
	if s.Structured() {
		evt.Content = result.Content
		evt.Raw = result.Raw
	} else {
		evt.Text = result.Text
	}
	s.mu.Lock()
	s.result = result
	s.mu.Unlock()
	s.state.Store(int32(Completed))
	s.emit(evt)
	if s.cfg.OnComplete != nil {
		s.cfg.OnComplete(result)
	}
	s.logger.Debug("stream completed", "events", s.seq)
}

func (s *Stream) fail(err error) {
	fe := fault.As(err)
	payload := fault.ToPayload(fe)
	evt := s.next(event.TypeError)
	evt.Error = &payload
	s.mu.Lock()
	s.err = fe
	s.mu.Unlock()
	s.state.Store(int32(Errored))
	s.emit(evt)
	s.logger.Warn("stream failed", "kind", fe.Kind, "err", err)
}

func (s *Stream) finishCancelled() {
	s.mu.Lock()
	s.err = ErrCancelled
	s.mu.Unlock()
	s.state.Store(int32(Cancelled))
	s.emit(s.next(event.TypeCancelled))
	s.logger.Debug("stream cancelled")
}

func (s *Stream) next(typ event.Type) event.Event {
	s.seq++
	return event.NewEvent(typ, s.cfg.SessionID, s.cfg.ID, s.seq)
}

func (s *Stream) emit(evt event.Event) {
	if err := s.cfg.Sink.Emit(evt); err != nil {
		s.logger.Warn("stream: sink rejected event", "type", evt.Type, "seq", evt.Seq, "err", err)
	}
}

func (s *Stream) observer() codec.Observer {
	return codec.ObserverFunc(func(path string, err error) {
		s.logger.Debug("optional property dropped", "path", path, "err", err)
	})
}
