package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/openai/openai-go/v3/option"
	"github.com/stretchr/testify/require"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/fault"
	modelpkg "github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/schema"
	"github.com/cexll/genbridge/pkg/tool"
)

// fakeServer answers chat completion requests with scripted replies and keeps
// the decoded request bodies.
type fakeServer struct {
	mu      sync.Mutex
	bodies  []map[string]any
	replies []func(w http.ResponseWriter)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
		http.NotFound(w, r)
		return
	}
	data, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(data, &body)

	f.mu.Lock()
	idx := len(f.bodies)
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()

	if idx >= len(f.replies) {
		http.Error(w, `{"error":{"message":"unexpected request"}}`, http.StatusInternalServerError)
		return
	}
	f.replies[idx](w)
}

func completion(message string, finish string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-4o",`+
			`"choices":[{"index":0,"finish_reason":%q,"message":%s}],`+
			`"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`, finish, message)
	}
}

func chunks(deltas ...string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"id\":\"chatcmpl-1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o\","+
				"\"choices\":[{\"index\":0,\"delta\":{\"role\":\"assistant\",\"content\":%q},\"finish_reason\":null}]}\n\n", d)
		}
		fmt.Fprint(w, "data: {\"id\":\"chatcmpl-1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o\","+
			"\"choices\":[{\"index\":0,\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func newTestModel(t *testing.T, srv *fakeServer) *SDKModel {
	t.Helper()
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return NewSDKModelWithBaseURL("test-key", "gpt-4o-mini", ts.URL, 0, option.WithMaxRetries(0))
}

func citySchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.New(schema.NewStruct("CityReport",
		schema.Prop("city", schema.Prim(schema.String)),
		schema.Prop("days", schema.Prim(schema.Int)),
	))
	require.NoError(t, err)
	return s
}

func TestRespondStructuredUsesJSONSchemaFormat(t *testing.T) {
	srv := &fakeServer{replies: []func(http.ResponseWriter){
		completion(`{"role":"assistant","content":"{\"city\":\"Paris\",\"days\":3}"}`, "stop"),
	}}
	m := newTestModel(t, srv)

	seed := uint64(7)
	resp, err := m.Respond(context.Background(), modelpkg.Request{
		Instructions: "be brief",
		Prompt:       "plan",
		Schema:       citySchema(t),
		Options:      modelpkg.Options{Sampling: modelpkg.RandomTopP(0.9, &seed)},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"city":"Paris","days":3}`, resp.Raw.String())
	require.Equal(t, 8, resp.Usage.TotalTokens)

	require.Len(t, srv.bodies, 1)
	body := srv.bodies[0]
	require.Equal(t, "gpt-4o-mini", body["model"])
	require.InDelta(t, 0.9, body["top_p"], 1e-9)
	require.InDelta(t, 7, body["seed"], 1e-9)
	format := body["response_format"].(map[string]any)
	require.Equal(t, "json_schema", format["type"])
	js := format["json_schema"].(map[string]any)
	require.Equal(t, "CityReport", js["name"])
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 2)
	require.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestRespondRunsToolRoundTrip(t *testing.T) {
	srv := &fakeServer{replies: []func(http.ResponseWriter){
		completion(`{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"getWeather","arguments":"{\"city\":\"Oslo\"}"}}]}`, "tool_calls"),
		completion(`{"role":"assistant","content":"Sunny in Oslo."}`, "stop"),
	}}
	m := newTestModel(t, srv)

	params, err := schema.New(schema.NewStruct("getWeatherArguments", schema.Prop("city", schema.Prim(schema.String))))
	require.NoError(t, err)
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.Definition{Name: "getWeather", Parameters: params},
		tool.HandlerFunc(func(ctx context.Context, args content.Value) (content.Value, error) {
			return content.String("sunny"), nil
		})))
	reg.Freeze()

	resp, err := m.Respond(context.Background(), modelpkg.Request{Prompt: "weather?", Tools: reg.Definitions(), Invoker: reg})
	require.NoError(t, err)
	require.Equal(t, "Sunny in Oslo.", resp.Text)
	require.Len(t, resp.Entries, 2)
	require.Equal(t, 16, resp.Usage.TotalTokens)

	require.Len(t, srv.bodies, 2)
	tools := srv.bodies[0]["tools"].([]any)
	require.Len(t, tools, 1)
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	require.Equal(t, "getWeather", fn["name"])

	msgs := srv.bodies[1]["messages"].([]any)
	require.Len(t, msgs, 3)
	last := msgs[2].(map[string]any)
	require.Equal(t, "tool", last["role"])
	require.Equal(t, "call_1", last["tool_call_id"])
	require.Equal(t, `"sunny"`, last["content"])
}

func TestRespondReportsRefusal(t *testing.T) {
	srv := &fakeServer{replies: []func(http.ResponseWriter){
		completion(`{"role":"assistant","content":null,"refusal":"I can't do that."}`, "stop"),
	}}
	m := newTestModel(t, srv)

	_, err := m.Respond(context.Background(), modelpkg.Request{Prompt: "x", Schema: citySchema(t)})
	require.ErrorIs(t, err, fault.Refusal)
}

func TestRespondReportsContentFilter(t *testing.T) {
	srv := &fakeServer{replies: []func(http.ResponseWriter){
		completion(`{"role":"assistant","content":""}`, "content_filter"),
	}}
	m := newTestModel(t, srv)

	_, err := m.Respond(context.Background(), modelpkg.Request{Prompt: "x"})
	require.ErrorIs(t, err, fault.GuardrailViolation)
}

func TestRespondClassifiesHTTPErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   fault.Kind
	}{
		{name: "rate limit", status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down"}}`, want: fault.RateLimited},
		{name: "context", status: http.StatusBadRequest, body: `{"error":{"message":"This model's maximum context length is 8192 tokens"}}`, want: fault.ContextWindowExceeded},
		{name: "model missing", status: http.StatusNotFound, body: `{"error":{"message":"no such model"}}`, want: fault.AssetsUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &fakeServer{replies: []func(http.ResponseWriter){
				func(w http.ResponseWriter) {
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(tt.status)
					_, _ = io.WriteString(w, tt.body)
				},
			}}
			m := newTestModel(t, srv)
			_, err := m.Respond(context.Background(), modelpkg.Request{Prompt: "x"})
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStreamStructuredSnapshots(t *testing.T) {
	srv := &fakeServer{replies: []func(http.ResponseWriter){
		chunks(`{"city":"Li`, `ma","days"`, `:4}`),
	}}
	m := newTestModel(t, srv)

	var snaps []string
	resp, err := m.Stream(context.Background(), modelpkg.Request{Prompt: "plan", Schema: citySchema(t)}, func(s modelpkg.Snapshot) error {
		snaps = append(snaps, s.Raw.String())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{`{"city":"Li"}`, `{"city":"Lima"}`, `{"city":"Lima","days":4}`}, snaps)
	require.JSONEq(t, `{"city":"Lima","days":4}`, resp.Raw.String())
	require.Equal(t, true, srv.bodies[0]["stream"])
}

func TestStreamTextSnapshots(t *testing.T) {
	srv := &fakeServer{replies: []func(http.ResponseWriter){
		chunks("Hel", "lo"),
	}}
	m := newTestModel(t, srv)

	var snaps []string
	resp, err := m.Stream(context.Background(), modelpkg.Request{Prompt: "hi"}, func(s modelpkg.Snapshot) error {
		snaps = append(snaps, s.Text)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"Hel", "Hello"}, snaps)
	require.Equal(t, "Hello", resp.Text)
}

func TestConvertRequestHistory(t *testing.T) {
	msgs := convertRequest(modelpkg.Request{
		Prompt: "again",
		History: []modelpkg.Entry{
			{Kind: modelpkg.EntryPrompt, Text: "first"},
			{Kind: modelpkg.EntryToolCalls, Calls: []tool.Call{{ID: "c1", Name: "getWeather", Arguments: content.Object()}}},
			{Kind: modelpkg.EntryToolOutput, Output: &tool.Output{CallID: "c1", Name: "getWeather", Content: content.Int(3)}},
			{Kind: modelpkg.EntryResponse, Text: "done"},
		},
	})
	require.Len(t, msgs, 5)
	require.NotNil(t, msgs[0].OfUser)
	require.NotNil(t, msgs[1].OfAssistant)
	require.Equal(t, "c1", msgs[1].OfAssistant.ToolCalls[0].OfFunction.ID)
	require.NotNil(t, msgs[2].OfTool)
	require.NotNil(t, msgs[3].OfAssistant)
	require.Equal(t, "again", msgs[4].OfUser.Content.OfString.Value)
}

func TestMapToSDKModel(t *testing.T) {
	require.Equal(t, "gpt-4o", string(mapToSDKModel("")))
	require.Equal(t, "local-llama", string(mapToSDKModel("local-llama")))
}
