package tool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/fault"
	"github.com/cexll/genbridge/pkg/schema"
)

type spyHandler struct {
	mu     sync.Mutex
	calls  int
	args   []content.Value
	result content.Value
	err    error
	delay  time.Duration
}

func (s *spyHandler) Call(ctx context.Context, args content.Value) (content.Value, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.args = append(s.args, args)
	return s.result, s.err
}

func weatherDefinition() Definition {
	return Definition{
		Name:        "getWeather",
		Description: "Current weather for a city",
		Parameters: schema.MustNew(schema.NewStruct("getWeatherArguments",
			schema.Prop("city", schema.Prim(schema.String)),
		)),
	}
}

func TestRegistryRegister(t *testing.T) {
	tests := []struct {
		name        string
		def         Definition
		handler     Handler
		preRegister []Definition
		freeze      bool
		wantErr     string
	}{
		{name: "nil handler", def: Definition{Name: "echo"}, wantErr: "tool handler is nil"},
		{name: "empty name", def: Definition{}, handler: &spyHandler{}, wantErr: "tool name is empty"},
		{
			name:        "duplicate name rejected",
			def:         Definition{Name: "echo"},
			handler:     &spyHandler{},
			preRegister: []Definition{{Name: "echo"}},
			wantErr:     "already registered",
		},
		{name: "frozen registry", def: Definition{Name: "late"}, handler: &spyHandler{}, freeze: true, wantErr: "frozen"},
		{name: "successful registration", def: weatherDefinition(), handler: &spyHandler{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for _, pre := range tt.preRegister {
				if err := r.Register(pre, &spyHandler{}); err != nil {
					t.Fatalf("setup register failed: %v", err)
				}
			}
			if tt.freeze {
				r.Freeze()
			}
			err := r.Register(tt.def, tt.handler)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("register failed: %v", err)
			}
			got, err := r.Get(tt.def.Name)
			if err != nil || got.Name != tt.def.Name {
				t.Fatalf("get = %v, %v", got.Name, err)
			}
			if r.Len() != 1 {
				t.Fatalf("len = %d", r.Len())
			}
		})
	}
	if !errors.Is(frozenRegistry().Register(Definition{Name: "x"}, &spyHandler{}), ErrFrozen) {
		t.Fatal("expected ErrFrozen")
	}
}

func frozenRegistry() *Registry {
	r := NewRegistry()
	r.Freeze()
	return r
}

func TestDefinitionsKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(Definition{Name: name}, &spyHandler{}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	var names []string
	for _, d := range r.Definitions() {
		names = append(names, d.Name)
	}
	if strings.Join(names, ",") != "zeta,alpha,mid" {
		t.Fatalf("order = %v", names)
	}
}

func TestInvokeWeatherRoundTrip(t *testing.T) {
	spy := &spyHandler{result: content.Object(
		content.F("city", content.String("Paris")),
		content.F("temperature", content.Float(21.5)),
		content.F("conditions", content.String("sunny")),
	)}
	r := NewRegistry()
	if err := r.Register(weatherDefinition(), spy); err != nil {
		t.Fatalf("register: %v", err)
	}

	args := content.MustFromAny(map[string]any{"city": "Paris", "ignored": true})
	out, err := r.Invoke(context.Background(), "getWeather", args)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if spy.calls != 1 {
		t.Fatalf("calls = %d", spy.calls)
	}
	if got := spy.args[0].String(); got != `{"city":"Paris"}` {
		t.Fatalf("handler args = %s", got)
	}
	if got := out.String(); got != `{"city":"Paris","temperature":21.5,"conditions":"sunny"}` {
		t.Fatalf("result = %s", got)
	}
}

func TestInvokeFailures(t *testing.T) {
	tests := []struct {
		name      string
		tool      string
		args      content.Value
		handler   Handler
		wantKind  fault.Kind
		wantCalls int
	}{
		{name: "unknown tool", tool: "missing", args: content.Null, handler: &spyHandler{}, wantKind: fault.ToolNotFound},
		{
			name:     "bad arguments",
			tool:     "getWeather",
			args:     content.MustFromAny(map[string]any{"town": "Paris"}),
			handler:  &spyHandler{},
			wantKind: fault.MissingField,
		},
		{
			name:      "handler error",
			tool:      "getWeather",
			args:      content.MustFromAny(map[string]any{"city": "Paris"}),
			handler:   &spyHandler{err: io.ErrUnexpectedEOF},
			wantKind:  fault.ToolExecutionFailed,
			wantCalls: 1,
		},
		{
			name: "handler panic",
			tool: "getWeather",
			args: content.MustFromAny(map[string]any{"city": "Paris"}),
			handler: HandlerFunc(func(context.Context, content.Value) (content.Value, error) {
				panic("kaboom")
			}),
			wantKind: fault.ToolExecutionFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			if err := r.Register(weatherDefinition(), tt.handler); err != nil {
				t.Fatalf("register: %v", err)
			}
			_, err := r.Invoke(context.Background(), tt.tool, tt.args)
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("expected %s, got %v", tt.wantKind, err)
			}
			if spy, ok := tt.handler.(*spyHandler); ok && spy.calls != tt.wantCalls {
				t.Fatalf("calls = %d want %d", spy.calls, tt.wantCalls)
			}
		})
	}

	r := NewRegistry()
	_ = r.Register(weatherDefinition(), &spyHandler{err: io.ErrUnexpectedEOF})
	_, err := r.Invoke(context.Background(), "getWeather", content.MustFromAny(map[string]any{"city": "x"}))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("cause lost: %v", err)
	}
}

func TestInvokeCallAtMostOnce(t *testing.T) {
	spy := &spyHandler{result: content.String("ok"), delay: 20 * time.Millisecond}
	r := NewRegistry()
	if err := r.Register(weatherDefinition(), spy); err != nil {
		t.Fatalf("register: %v", err)
	}
	call := Call{ID: "call_1", Name: "getWeather", Arguments: content.MustFromAny(map[string]any{"city": "Oslo"})}

	var wg sync.WaitGroup
	var okCount atomic.Int32
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := r.InvokeCall(context.Background(), call)
			if err == nil && out.String() == `"ok"` {
				okCount.Add(1)
			}
		}()
	}
	wg.Wait()
	if spy.calls != 1 {
		t.Fatalf("handler ran %d times", spy.calls)
	}
	if okCount.Load() != 5 {
		t.Fatalf("only %d callers saw the result", okCount.Load())
	}

	call.ID = "call_2"
	if _, err := r.InvokeCall(context.Background(), call); err != nil {
		t.Fatalf("second id: %v", err)
	}
	if spy.calls != 2 {
		t.Fatalf("distinct id should run again, calls = %d", spy.calls)
	}
}

func TestInvokeCallForgetsOldestIDs(t *testing.T) {
	spy := &spyHandler{result: content.String("ok")}
	r := NewRegistry(WithCallMemory(2))
	if err := r.Register(weatherDefinition(), spy); err != nil {
		t.Fatalf("register: %v", err)
	}
	args := content.MustFromAny(map[string]any{"city": "Oslo"})
	for _, id := range []string{"a", "b", "c", "c"} {
		if _, err := r.InvokeCall(context.Background(), Call{ID: id, Name: "getWeather", Arguments: args}); err != nil {
			t.Fatalf("call %s: %v", id, err)
		}
	}
	if spy.calls != 3 {
		t.Fatalf("expected 3 handler runs, got %d", spy.calls)
	}
	if n := r.calls.Len(); n != 2 {
		t.Fatalf("registry kept %d call ids", n)
	}
	if _, err := r.InvokeCall(context.Background(), Call{ID: "a", Name: "getWeather", Arguments: args}); err != nil {
		t.Fatalf("call a: %v", err)
	}
	if spy.calls != 4 {
		t.Fatalf("forgotten id should run again, calls = %d", spy.calls)
	}
}

func TestDefinitionWireFormat(t *testing.T) {
	raw, err := json.Marshal(weatherDefinition())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal fields: %v", err)
	}
	for _, key := range []string{"name", "description", "parameters"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("missing %q in %s", key, raw)
		}
	}

	var back Definition
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Name != "getWeather" || back.Parameters == nil {
		t.Fatalf("unexpected definition %+v", back)
	}
	if _, ok := back.Parameters.Lookup("getWeatherArguments"); !ok {
		t.Fatal("parameters schema lost its root")
	}

	bad := []byte(`{"name":"x","description":"","parameters":{"root":{"kind":"Nope"}}}`)
	if err := json.Unmarshal(bad, &back); !errors.Is(err, fault.UnknownKind) {
		t.Fatalf("expected UnknownKind, got %v", err)
	}
}

func TestWebhookHandler(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		if strings.Contains(gotBody, "Atlantis") {
			http.Error(w, "unknown city", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"temperature":18,"unit":"c"}`))
	}))
	defer srv.Close()

	r := NewRegistry()
	if err := r.Register(weatherDefinition(), Webhook(srv.URL, srv.Client())); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := r.Invoke(context.Background(), "getWeather", content.MustFromAny(map[string]any{"city": "Rome"}))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if gotBody != `{"city":"Rome"}` {
		t.Fatalf("posted %s", gotBody)
	}
	if out.String() != `{"temperature":18,"unit":"c"}` {
		t.Fatalf("result %s", out)
	}

	_, err = r.Invoke(context.Background(), "getWeather", content.MustFromAny(map[string]any{"city": "Atlantis"}))
	if !errors.Is(err, fault.ToolExecutionFailed) || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected failed webhook, got %v", err)
	}
}

func TestWebhookRejectsOversizedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "text") {
			_, _ = w.Write([]byte("plain answer"))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"blob":"` + strings.Repeat("x", 2<<20) + `"}`))
	}))
	defer srv.Close()

	r := NewRegistry()
	if err := r.Register(weatherDefinition(), Webhook(srv.URL+"/big", srv.Client())); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := r.Invoke(context.Background(), "getWeather", content.MustFromAny(map[string]any{"city": "Rome"}))
	if !errors.Is(err, fault.ToolExecutionFailed) || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected oversized body failure, got %v", err)
	}

	out, err := Webhook(srv.URL+"/text", srv.Client()).Call(context.Background(), content.Object())
	if err != nil {
		t.Fatalf("text webhook: %v", err)
	}
	if s, ok := out.AsString(); !ok || s != "plain answer" {
		t.Fatalf("complete non-JSON body should be a string, got %s", out)
	}
}

type weatherArgs struct {
	City string `gen:"city"`
	Days int    `gen:"days,optional,min=1,max=7"`
}

type weatherReport struct {
	City  string  `gen:"city"`
	TempC float64 `gen:"temp_c"`
}

func TestTypedTool(t *testing.T) {
	tl, err := Typed("forecast", "Forecast", func(_ context.Context, a weatherArgs) (weatherReport, error) {
		if a.City == "" {
			return weatherReport{}, errors.New("no city")
		}
		return weatherReport{City: a.City, TempC: float64(10 + a.Days)}, nil
	})
	if err != nil {
		t.Fatalf("typed: %v", err)
	}
	r := NewRegistry()
	if err := r.Add(tl); err != nil {
		t.Fatalf("add: %v", err)
	}
	out, err := r.Invoke(context.Background(), "forecast", content.MustFromAny(map[string]any{"city": "Lima", "days": 2}))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if out.String() != `{"city":"Lima","temp_c":12}` {
		t.Fatalf("result %s", out)
	}
	root := tl.Parameters.Root().(*schema.Struct)
	days, _ := root.Property("days")
	if !days.Optional {
		t.Fatal("days should be optional")
	}
}
