// Package bridge is the host-facing surface of genbridge. A Bridge owns every
// session and stream it creates and hands out opaque ids for them; nothing is
// shared between two bridges in one process.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/event"
	"github.com/cexll/genbridge/pkg/fault"
	"github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/schema"
	"github.com/cexll/genbridge/pkg/session"
	"github.com/cexll/genbridge/pkg/stream"
	"github.com/cexll/genbridge/pkg/tool"
)

// ErrClosed is returned once Close was called.
var ErrClosed = errors.New("bridge: closed")

// ErrMissingCapability reports a bridge built without a capability factory.
var ErrMissingCapability = errors.New("bridge: capability factory is required")

const defaultRetiredStreams = 4096

// CapabilityFactory builds the model capability backing a new session.
type CapabilityFactory interface {
	Capability(ctx context.Context, spec SessionSpec) (model.Capability, error)
}

// CapabilityFunc turns a function into a CapabilityFactory.
type CapabilityFunc func(ctx context.Context, spec SessionSpec) (model.Capability, error)

// Capability implements CapabilityFactory.
func (fn CapabilityFunc) Capability(ctx context.Context, spec SessionSpec) (model.Capability, error) {
	if fn == nil {
		return nil, ErrMissingCapability
	}
	return fn(ctx, spec)
}

// Static serves the same capability to every session.
func Static(c model.Capability) CapabilityFactory {
	return CapabilityFunc(func(context.Context, SessionSpec) (model.Capability, error) { return c, nil })
}

// SessionSpec describes a session to create.
type SessionSpec struct {
	// ID resumes a stored transcript when set. Empty allocates a new id.
	ID           string
	Instructions string
	Tools        []tool.Tool
}

// Options configures a Bridge.
type Options struct {
	Capability CapabilityFactory
	// Provider labels spans and metrics.
	Provider string
	// Store defaults to an in-memory transcript store.
	Store session.Store
	// Bus receives every stream event. Defaults to a private bus.
	Bus    *event.EventBus
	Logger *slog.Logger
	// RetiredStreams bounds how many finished stream ids are remembered for
	// idempotent CancelStream and late subscribers.
	RetiredStreams int
}

// Bridge maps session and stream handles to live objects.
type Bridge struct {
	factory  CapabilityFactory
	provider string
	store    session.Store
	bus      *event.EventBus
	ownBus   bool
	logger   *slog.Logger

	mu       sync.RWMutex
	closed   bool
	sessions map[string]*session.Session
	streams  map[string]*stream.Stream
	retired  *lru.Cache[string, string]
}

// New validates opts and returns an empty bridge.
func New(opts Options) (*Bridge, error) {
	if opts.Capability == nil {
		return nil, ErrMissingCapability
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		factory:  opts.Capability,
		provider: opts.Provider,
		store:    opts.Store,
		bus:      opts.Bus,
		logger:   logger,
		sessions: make(map[string]*session.Session),
		streams:  make(map[string]*stream.Stream),
	}
	if b.store == nil {
		b.store = session.NewMemoryStore()
	}
	if b.bus == nil {
		b.bus = event.NewEventBus()
		b.ownBus = true
	}
	size := opts.RetiredStreams
	if size <= 0 {
		size = defaultRetiredStreams
	}
	retired, err := lru.NewWithEvict(size, func(streamID, _ string) {
		b.bus.Forget(streamID)
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: retired streams: %w", err)
	}
	b.retired = retired
	return b, nil
}

// Bus exposes the event bus that carries stream events.
func (b *Bridge) Bus() *event.EventBus { return b.bus }

// CreateSession builds a capability, registers spec.Tools and initialises a
// session. The returned id addresses every later operation.
func (b *Bridge) CreateSession(ctx context.Context, spec SessionSpec) (string, error) {
	if err := b.checkOpen(); err != nil {
		return "", err
	}
	if spec.ID != "" {
		b.mu.RLock()
		_, exists := b.sessions[spec.ID]
		b.mu.RUnlock()
		if exists {
			return "", fmt.Errorf("bridge: session %s already exists", spec.ID)
		}
	}
	reg := tool.NewRegistry(tool.WithLogger(b.logger))
	if err := reg.Add(spec.Tools...); err != nil {
		return "", fault.Wrap(fault.InvalidSchema, err, "register tools")
	}
	capability, err := b.factory.Capability(ctx, spec)
	if err != nil {
		return "", fault.Wrap(fault.AssetsUnavailable, err, "model capability")
	}
	sess, err := session.New(ctx, session.Config{
		ID:           spec.ID,
		Instructions: spec.Instructions,
		Tools:        reg,
		Capability:   capability,
		Provider:     b.provider,
		Store:        b.store,
		Sink:         b.bus,
		Logger:       b.logger,
	})
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = sess.Dispose(ctx)
		return "", ErrClosed
	}
	if _, exists := b.sessions[sess.ID()]; exists {
		b.mu.Unlock()
		_ = sess.Dispose(ctx)
		return "", fmt.Errorf("bridge: session %s already exists", sess.ID())
	}
	b.sessions[sess.ID()] = sess
	b.mu.Unlock()
	b.logger.Info("session created", "session_id", sess.ID(), "tools", reg.Len())
	return sess.ID(), nil
}

// DestroySession disposes the session, cancelling its live streams and
// waiting for their terminal events within ctx. The transcript stays in the
// store so the id can be resumed.
func (b *Bridge) DestroySession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	if ok {
		delete(b.sessions, sessionID)
	}
	b.mu.Unlock()
	if !ok {
		return sessionNotFound(sessionID)
	}
	err := sess.Dispose(ctx)
	b.logger.Info("session destroyed", "session_id", sessionID, "err", err)
	return err
}

// Session returns the live session for id.
func (b *Bridge) Session(sessionID string) (*session.Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	sess, ok := b.sessions[sessionID]
	if !ok {
		return nil, sessionNotFound(sessionID)
	}
	return sess, nil
}

// Sessions lists live session ids in lexical order.
func (b *Bridge) Sessions() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Respond generates free-form text in the session.
func (b *Bridge) Respond(ctx context.Context, sessionID, prompt string, opts model.Options) (string, error) {
	sess, err := b.Session(sessionID)
	if err != nil {
		return "", err
	}
	return sess.Respond(ctx, prompt, opts)
}

// RespondWithSchema generates and decodes a value shaped by sch.
func (b *Bridge) RespondWithSchema(ctx context.Context, sessionID, prompt string, sch *schema.Schema, opts model.Options) (content.Value, error) {
	sess, err := b.Session(sessionID)
	if err != nil {
		return content.Null, err
	}
	return sess.RespondWithSchema(ctx, prompt, sch, opts)
}

// StreamWithSchema starts a structured stream and returns its id. Events are
// published on the bus keyed by that id.
func (b *Bridge) StreamWithSchema(ctx context.Context, sessionID, prompt string, sch *schema.Schema, opts model.Options) (string, error) {
	sess, err := b.Session(sessionID)
	if err != nil {
		return "", err
	}
	st, err := sess.StreamWithSchema(ctx, prompt, sch, opts)
	if err != nil {
		return "", err
	}
	return b.track(st), nil
}

// StreamText starts a plain text stream and returns its id.
func (b *Bridge) StreamText(ctx context.Context, sessionID, prompt string, opts model.Options) (string, error) {
	sess, err := b.Session(sessionID)
	if err != nil {
		return "", err
	}
	st, err := sess.StreamText(ctx, prompt, opts)
	if err != nil {
		return "", err
	}
	return b.track(st), nil
}

// CancelStream requests cancellation. Cancelling a finished stream is a
// no-op; an id this bridge never issued fails with StreamNotFound.
func (b *Bridge) CancelStream(streamID string) error {
	b.mu.RLock()
	st, live := b.streams[streamID]
	b.mu.RUnlock()
	if live {
		if st.Cancel() {
			b.logger.Debug("stream cancel requested", "stream_id", streamID)
		}
		return nil
	}
	if b.retired.Contains(streamID) {
		return nil
	}
	return streamNotFound(streamID)
}

// StreamState reports the state of a live or retired stream.
func (b *Bridge) StreamState(streamID string) (stream.State, error) {
	b.mu.RLock()
	st, live := b.streams[streamID]
	b.mu.RUnlock()
	if live {
		return st.State(), nil
	}
	if b.retired.Contains(streamID) {
		events, err := b.bus.History(streamID)
		if err == nil && len(events) > 0 {
			return terminalState(events[len(events)-1].Type), nil
		}
		return stream.Completed, nil
	}
	return stream.Pending, streamNotFound(streamID)
}

// Subscribe replays the events of streamID after afterSeq and follows the
// stream until its terminal event.
func (b *Bridge) Subscribe(streamID string, afterSeq uint64) (*event.Subscription, error) {
	if !b.known(streamID) {
		// The bus may still hold the stream in its journal after a restart.
		events, err := b.bus.History(streamID)
		if err != nil || len(events) == 0 {
			b.bus.Forget(streamID)
			return nil, streamNotFound(streamID)
		}
	}
	return b.bus.Subscribe(streamID, afterSeq)
}

// InvokeTool runs a tool of the session directly, as the model would.
func (b *Bridge) InvokeTool(ctx context.Context, sessionID, name string, args content.Value) (content.Value, error) {
	sess, err := b.Session(sessionID)
	if err != nil {
		return content.Null, err
	}
	return sess.InvokeTool(ctx, name, args)
}

// Transcript returns the stored entries of a live session.
func (b *Bridge) Transcript(sessionID string) ([]model.Entry, error) {
	sess, err := b.Session(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Transcript()
}

// Close destroys every session and closes the bus when the bridge owns it.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	sessions := make([]*session.Session, 0, len(b.sessions))
	for _, sess := range b.sessions {
		sessions = append(sessions, sess)
	}
	b.sessions = make(map[string]*session.Session)
	b.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if err := sess.Dispose(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if b.ownBus {
		errs = append(errs, b.bus.Close())
	}
	return errors.Join(errs...)
}

func (b *Bridge) track(st *stream.Stream) string {
	b.mu.Lock()
	b.streams[st.ID()] = st
	b.mu.Unlock()
	go func() {
		<-st.Done()
		// Retire before forgetting so the id is never unknown in between.
		b.retired.Add(st.ID(), st.SessionID())
		b.mu.Lock()
		delete(b.streams, st.ID())
		b.mu.Unlock()
		b.logger.Debug("stream retired", "stream_id", st.ID(), "state", st.State().String())
	}()
	return st.ID()
}

func (b *Bridge) known(streamID string) bool {
	b.mu.RLock()
	_, live := b.streams[streamID]
	b.mu.RUnlock()
	return live || b.retired.Contains(streamID)
}

func (b *Bridge) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func terminalState(t event.Type) stream.State {
	switch t {
	case event.TypeCompleted:
		return stream.Completed
	case event.TypeError:
		return stream.Errored
	case event.TypeCancelled:
		return stream.Cancelled
	default:
		return stream.Emitting
	}
}

func sessionNotFound(id string) error {
	e := fault.New(fault.SessionNotFound, "session %s not found", id)
	e.Detail = id
	return e
}

func streamNotFound(id string) error {
	e := fault.New(fault.StreamNotFound, "stream %s not found", id)
	e.Detail = id
	return e
}
