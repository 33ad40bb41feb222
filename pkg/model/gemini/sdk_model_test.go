package gemini

import (
	"context"
	"iter"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/cexll/genbridge/pkg/content"
	"github.com/cexll/genbridge/pkg/fault"
	modelpkg "github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/schema"
	"github.com/cexll/genbridge/pkg/tool"
)

type call struct {
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

type fakeModels struct {
	calls   []call
	replies []*genai.GenerateContentResponse
	chunks  [][]*genai.GenerateContentResponse
	err     error
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	idx := len(f.calls)
	f.calls = append(f.calls, call{contents: append([]*genai.Content(nil), contents...), config: config})
	if f.err != nil {
		return nil, f.err
	}
	return f.replies[idx], nil
}

func (f *fakeModels) GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	idx := len(f.calls)
	f.calls = append(f.calls, call{contents: contents, config: config})
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		if f.err != nil {
			yield(nil, f.err)
			return
		}
		for _, chunk := range f.chunks[idx] {
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func textReply(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content:      &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}},
			FinishReason: genai.FinishReasonStop,
		}},
		UsageMetadata: &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 2, TotalTokenCount: 6},
	}
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

func TestRespondStructuredSetsJSONSchema(t *testing.T) {
	fake := &fakeModels{replies: []*genai.GenerateContentResponse{textReply(`{"city":"Kyoto","days":5}`)}}
	m := &SDKModel{models: fake, model: "gemini-test", maxTokens: 64}

	resp, err := m.Respond(context.Background(), modelpkg.Request{
		Instructions: "answer in JSON",
		Prompt:       "plan",
		Schema:       citySchema(t),
		Options:      modelpkg.Options{Sampling: modelpkg.RandomTopK(20, nil)},
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"city":"Kyoto","days":5}`, resp.Raw.String())
	require.Equal(t, 6, resp.Usage.TotalTokens)

	cfg := fake.calls[0].config
	require.Equal(t, "application/json", cfg.ResponseMIMEType)
	require.NotNil(t, cfg.ResponseJsonSchema)
	require.Equal(t, int32(64), cfg.MaxOutputTokens)
	require.Equal(t, float32(20), *cfg.TopK)
	require.Equal(t, "answer in JSON", cfg.SystemInstruction.Parts[0].Text)
}

func TestRespondRunsFunctionCalls(t *testing.T) {
	fake := &fakeModels{replies: []*genai.GenerateContentResponse{
		{Candidates: []*genai.Candidate{{Content: &genai.Content{Role: "model", Parts: []*genai.Part{
			{FunctionCall: &genai.FunctionCall{Name: "getWeather", Args: map[string]any{"city": "Bern"}}},
		}}}}},
		textReply("Cold in Bern."),
	}}
	params, err := schema.New(schema.NewStruct("getWeatherArguments", schema.Prop("city", schema.Prim(schema.String))))
	require.NoError(t, err)
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(tool.Definition{Name: "getWeather", Parameters: params},
		tool.HandlerFunc(func(ctx context.Context, args content.Value) (content.Value, error) {
			return content.Float(-3.5), nil
		})))
	reg.Freeze()
	m := &SDKModel{models: fake, model: "gemini-test"}

	resp, err := m.Respond(context.Background(), modelpkg.Request{Prompt: "weather?", Tools: reg.Definitions(), Invoker: reg})
	require.NoError(t, err)
	require.Equal(t, "Cold in Bern.", resp.Text)
	require.Len(t, resp.Entries, 2)
	require.NotEmpty(t, resp.Entries[0].Calls[0].ID)

	require.Len(t, fake.calls, 2)
	decls := fake.calls[0].config.Tools[0].FunctionDeclarations
	require.Equal(t, "getWeather", decls[0].Name)
	second := fake.calls[1].contents
	require.Len(t, second, 3)
	fr := second[2].Parts[0].FunctionResponse
	require.NotNil(t, fr)
	require.Equal(t, "getWeather", fr.Name)
	require.Equal(t, map[string]any{"output": -3.5}, fr.Response)
}

func TestRespondSafetyBlock(t *testing.T) {
	fake := &fakeModels{replies: []*genai.GenerateContentResponse{{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
	}}}
	m := &SDKModel{models: fake, model: "gemini-test"}

	_, err := m.Respond(context.Background(), modelpkg.Request{Prompt: "x"})
	require.ErrorIs(t, err, fault.GuardrailViolation)
}

func TestRespondClassifiesAPIError(t *testing.T) {
	fake := &fakeModels{err: genai.APIError{Code: 429, Message: "quota", Status: "RESOURCE_EXHAUSTED"}}
	m := &SDKModel{models: fake, model: "gemini-test"}

	_, err := m.Respond(context.Background(), modelpkg.Request{Prompt: "x"})
	require.ErrorIs(t, err, fault.RateLimited)
}

func TestStreamStructuredSnapshots(t *testing.T) {
	chunk := func(text string) *genai.GenerateContentResponse {
		return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: &genai.Content{Role: "model", Parts: []*genai.Part{{Text: text}}},
		}}}
	}
	fake := &fakeModels{chunks: [][]*genai.GenerateContentResponse{{
		chunk(`{"city":`), chunk(`"Nice"`), chunk(`,"days":1}`),
	}}}
	m := &SDKModel{models: fake, model: "gemini-test"}

	var snaps []string
	resp, err := m.Stream(context.Background(), modelpkg.Request{Prompt: "plan", Schema: citySchema(t)}, func(s modelpkg.Snapshot) error {
		snaps = append(snaps, s.Raw.String())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{`{}`, `{"city":"Nice"}`, `{"city":"Nice","days":1}`}, snaps)
	require.JSONEq(t, `{"city":"Nice","days":1}`, resp.Raw.String())
}

func TestStreamHonoursCancellation(t *testing.T) {
	fake := &fakeModels{chunks: [][]*genai.GenerateContentResponse{{textReply("one"), textReply("two")}}}
	m := &SDKModel{models: fake, model: "gemini-test"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var snaps []string
	_, err := m.Stream(ctx, modelpkg.Request{Prompt: "x"}, func(s modelpkg.Snapshot) error {
		snaps = append(snaps, s.Text)
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, []string{"one"}, snaps)
}
