package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/genbridge/pkg/codec"
	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/fault"
	"github.com/cexll/genbridge/pkg/telemetry"
)

// ErrFrozen is returned by Register once the owning session is initialised.
var ErrFrozen = errors.New("tool: registry is frozen")

// DefaultCallMemory is how many call ids a registry remembers for
// at-most-once delivery.
const DefaultCallMemory = 1024

// Registry keeps the mapping between tool names and handlers. It is mutable
// only until Freeze; afterwards it is read-only and safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string
	frozen bool
	calls  *lru.Cache[string, *callRecord]
	memory int
	logger *slog.Logger
}

type callRecord struct {
	done   chan struct{}
	result content.Value
	err    error
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for invocation diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithCallMemory bounds the call ids kept for InvokeCall. Older ids are
// forgotten first; a forgotten id runs again if the model repeats it.
func WithCallMemory(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.memory = n
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		memory: DefaultCallMemory,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	// memory is always positive, the only case lru.New rejects.
	r.calls, _ = lru.New[string, *callRecord](r.memory)
	return r
}

// Register inserts a tool when its name is not in use.
func (r *Registry) Register(def Definition, h Handler) error {
	if h == nil {
		return fmt.Errorf("tool handler is nil")
	}
	if def.Name == "" {
		return fmt.Errorf("tool name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %s: %w", def.Name, ErrFrozen)
	}
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = Tool{Definition: def, Handler: h}
	r.order = append(r.order, def.Name)
	return nil
}

// Add registers several tools, stopping at the first failure.
func (r *Registry) Add(tools ...Tool) error {
	for _, t := range tools {
		if err := r.Register(t.Definition, t.Handler); err != nil {
			return err
		}
	}
	return nil
}

// Freeze makes the tool set immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Frozen reports whether Freeze has been called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Get fetches a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tools[name]
	if !exists {
		e := fault.New(fault.ToolNotFound, "tool %s not found", name)
		e.Detail = name
		return Tool{}, e
	}
	return t, nil
}

// Definitions lists tool definitions in registration order.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke decodes args against the tool's parameter schema, runs the handler
// and encodes its result as opaque content. Unknown names fail with
// ToolNotFound; handler failures (including panics) with ToolExecutionFailed.
func (r *Registry) Invoke(ctx context.Context, name string, args content.Value) (_ content.Value, err error) {
	ctx, span := telemetry.StartSpan(ctx, "tool.invoke",
		trace.WithAttributes(attribute.String("tool.name", name)),
	)
	defer func() {
		telemetry.Default().RecordToolCall(ctx, telemetry.ToolData{Name: name, Error: err})
		telemetry.EndSpan(span, err)
	}()

	t, err := r.Get(name)
	if err != nil {
		return content.Null, err
	}
	decoded := args
	if t.Parameters != nil {
		decoded, err = codec.Decode(t.Parameters, args, codec.WithObserver(codec.ObserverFunc(func(path string, cause error) {
			r.logger.Debug("optional tool argument dropped", "tool", name, "path", path, "err", cause)
		})))
		if err != nil {
			return content.Null, fault.Wrap(fault.KindOf(err), err, "arguments of tool %s", name)
		}
	}

	result, err := r.call(ctx, t, decoded)
	if err != nil {
		r.logger.Warn("tool failed", "tool", name, "err", err)
		return content.Null, fault.Wrap(fault.ToolExecutionFailed, err, "tool %s", name)
	}
	return codec.EncodeOpaque(result), nil
}

func (r *Registry) call(ctx context.Context, t Tool, args content.Value) (result content.Value, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", "tool", t.Name, "panic", rec, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return t.Handler.Call(ctx, args)
}

// InvokeCall runs a model-issued call at most once per call id. A repeated
// id, including one racing with the first, receives the first outcome.
func (r *Registry) InvokeCall(ctx context.Context, call Call) (content.Value, error) {
	if call.ID == "" {
		return r.Invoke(ctx, call.Name, call.Arguments)
	}
	r.mu.Lock()
	if rec, ok := r.calls.Get(call.ID); ok {
		r.mu.Unlock()
		select {
		case <-rec.done:
			return rec.result, rec.err
		case <-ctx.Done():
			return content.Null, ctx.Err()
		}
	}
	rec := &callRecord{done: make(chan struct{})}
	r.calls.Add(call.ID, rec)
	r.mu.Unlock()

	rec.result, rec.err = r.Invoke(ctx, call.Name, call.Arguments)
	close(rec.done)
	return rec.result, rec.err
}
