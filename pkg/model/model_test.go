package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/fault"
	"github.com/cexll/genbridge/pkg/schema"
	"github.com/cexll/genbridge/pkg/tool"
)

func ptr[T any](v T) *T { return &v }

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{name: "empty", opts: Options{}},
		{name: "temperature", opts: Options{Temperature: ptr(1.2)}},
		{name: "temperature too high", opts: Options{Temperature: ptr(2.5)}, wantErr: true},
		{name: "negative temperature", opts: Options{Temperature: ptr(-0.1)}, wantErr: true},
		{name: "zero tokens", opts: Options{MaximumResponseTokens: ptr(0)}, wantErr: true},
		{name: "greedy", opts: Options{Sampling: Greedy()}},
		{name: "top k", opts: Options{Sampling: RandomTopK(40, ptr(uint64(1)))}},
		{name: "top k zero", opts: Options{Sampling: RandomTopK(0, nil)}, wantErr: true},
		{name: "top p", opts: Options{Sampling: RandomTopP(1, nil)}},
		{name: "top p above one", opts: Options{Sampling: RandomTopP(1.5, nil)}, wantErr: true},
		{name: "unknown mode", opts: Options{Sampling: &Sampling{Mode: "beam"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidOptions)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEffectiveTemperature(t *testing.T) {
	_, ok := Options{}.EffectiveTemperature()
	require.False(t, ok)

	temp, ok := Options{Temperature: ptr(0.8), Sampling: Greedy()}.EffectiveTemperature()
	require.True(t, ok)
	require.Zero(t, temp)

	temp, ok = Options{Temperature: ptr(0.8)}.EffectiveTemperature()
	require.True(t, ok)
	require.InDelta(t, 0.8, temp, 1e-9)

	require.Equal(t, 99, Options{}.MaxTokens(99))
	require.Equal(t, 7, Options{MaximumResponseTokens: ptr(7)}.MaxTokens(99))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		msg    string
		want   fault.Kind
	}{
		{http.StatusTooManyRequests, "", fault.RateLimited},
		{http.StatusBadRequest, "prompt is too long: 210000 tokens", fault.ContextWindowExceeded},
		{http.StatusBadRequest, "blocked by content policy", fault.GuardrailViolation},
		{http.StatusBadRequest, "unsupported language: xx", fault.UnsupportedLanguageOrLocale},
		{http.StatusBadRequest, "invalid response_format", fault.UnsupportedGuide},
		{529, "", fault.ConcurrentRequests},
		{http.StatusServiceUnavailable, "", fault.AssetsUnavailable},
		{http.StatusInternalServerError, "boom", fault.Unknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d %s", tt.status, tt.msg), func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.status, tt.msg))
		})
	}
}

func TestGenerationErrorPassesThrough(t *testing.T) {
	require.NoError(t, GenerationError("p", 0, nil))
	require.ErrorIs(t, GenerationError("p", 0, context.Canceled), context.Canceled)

	tf := fault.New(fault.ToolExecutionFailed, "tool x")
	require.Same(t, tf, GenerationError("p", 500, tf))

	err := GenerationError("p", 429, errors.New("slow down"))
	require.ErrorIs(t, err, fault.RateLimited)
	require.Equal(t, map[string]any{"provider": "p", "status": 429}, fault.As(err).Detail)
}

func TestOutputSchemaStructRoot(t *testing.T) {
	s := schema.MustNew(schema.NewStruct("Weather Report!", schema.Prop("city", schema.Prim(schema.String))))
	out := NewOutputSchema(s)
	require.False(t, out.Wrapped)
	require.Equal(t, "Weather_Report_", out.Name)

	v, err := out.Parse(`{"city":"Oslo"}`)
	require.NoError(t, err)
	require.Equal(t, `{"city":"Oslo"}`, v.String())
}

func TestOutputSchemaWrapsOtherRoots(t *testing.T) {
	item := schema.NewStruct("Item", schema.Prop("n", schema.Prim(schema.Int)))
	s := schema.MustNew(schema.ArrayOf(schema.Ref("Item")), item)
	out := NewOutputSchema(s)
	require.True(t, out.Wrapped)
	require.Equal(t, "output", out.Name)

	typ, _ := out.Doc.Get("type")
	typName, _ := typ.AsString()
	require.Equal(t, "object", typName)
	_, hasDefs := out.Doc.Get("$defs")
	require.True(t, hasDefs)
	props, _ := out.Doc.Get("properties")
	inner, ok := props.Get("value")
	require.True(t, ok)
	_, innerDefs := inner.Get("$defs")
	require.False(t, innerDefs)

	v, err := out.Parse(`{"value":[{"n":1}]}`)
	require.NoError(t, err)
	require.Equal(t, `[{"n":1}]`, v.String())

	partial, ok := out.ParsePartial(`{"value":[{"n":1},{"n"`)
	require.True(t, ok)
	require.Equal(t, `[{"n":1},{}]`, partial.String())

	_, ok = out.ParsePartial(`{"val`)
	require.False(t, ok)
}

func TestToolParametersDefaultsToEmptyObject(t *testing.T) {
	v := ToolParameters(tool.Definition{Name: "ping"})
	require.Equal(t, `{"type":"object","properties":{}}`, v.String())
}

type recordingInvoker struct {
	calls []tool.Call
	fail  string
}

func (r *recordingInvoker) InvokeCall(ctx context.Context, call tool.Call) (content.Value, error) {
	r.calls = append(r.calls, call)
	if call.Name == r.fail {
		return content.Null, fault.New(fault.ToolExecutionFailed, "tool %s", call.Name)
	}
	return content.String("ok:" + call.ID), nil
}

func TestInvokeAll(t *testing.T) {
	calls := []tool.Call{
		{ID: "1", Name: "a", Arguments: content.Object()},
		{ID: "2", Name: "b", Arguments: content.Object()},
		{ID: "3", Name: "c", Arguments: content.Object()},
	}

	inv := &recordingInvoker{}
	outputs, entries, err := InvokeAll(context.Background(), inv, calls)
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	second, _ := outputs[1].Content.AsString()
	require.Equal(t, "ok:2", second)
	require.Len(t, entries, 4)
	require.Equal(t, EntryToolCalls, entries[0].Kind)
	require.Equal(t, "3", entries[3].Output.CallID)

	inv = &recordingInvoker{fail: "b"}
	_, entries, err = InvokeAll(context.Background(), inv, calls)
	require.ErrorIs(t, err, fault.ToolExecutionFailed)
	require.Len(t, inv.calls, 2)
	require.Len(t, entries, 2)

	_, _, err = InvokeAll(context.Background(), nil, calls)
	require.ErrorIs(t, err, fault.ToolNotFound)

	outputs, entries, err = InvokeAll(context.Background(), inv, nil)
	require.NoError(t, err)
	require.Nil(t, outputs)
	require.Nil(t, entries)
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 1, OutputTokens: 2, TotalTokens: 3}
	u.Add(Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30, CacheTokens: 5})
	require.Equal(t, Usage{InputTokens: 11, OutputTokens: 22, TotalTokens: 33, CacheTokens: 5}, u)
}

func TestResponseText(t *testing.T) {
	require.Equal(t, "hi", Entry{Kind: EntryResponse, Text: "hi"}.ResponseText())
	e := Entry{Kind: EntryResponse, Content: content.List(content.Int(1), content.Int(2))}
	require.Equal(t, "[1,2]", e.ResponseText())
}
