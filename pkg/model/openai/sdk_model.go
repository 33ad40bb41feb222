package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	modelpkg "github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/telemetry"
)

const providerName = "openai"

// Ensure SDKModel implements the Capability interface.
var _ modelpkg.Capability = (*SDKModel)(nil)

// SDKModel wraps the official OpenAI SDK. Structured output uses the
// json_schema response format.
type SDKModel struct {
	client        openaisdk.Client
	model         openaisdk.ChatModel
	maxTokens     int
	maxToolRounds int
}

// NewSDKModel creates a model backed by the official OpenAI SDK.
func NewSDKModel(apiKey, model string, maxTokens int) *SDKModel {
	return NewSDKModelWithBaseURL(apiKey, model, "", maxTokens)
}

// NewSDKModelWithBaseURL creates a model with custom base URL support, which
// also covers OpenAI-compatible servers.
func NewSDKModelWithBaseURL(apiKey, model, baseURL string, maxTokens int, extra ...option.RequestOption) *SDKModel {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	opts = append(opts, extra...)

	return &SDKModel{
		client:    openaisdk.NewClient(opts...),
		model:     mapToSDKModel(model),
		maxTokens: maxTokens,
	}
}

// Respond performs a blocking generation, running tool round trips until the
// model answers.
func (m *SDKModel) Respond(ctx context.Context, req modelpkg.Request) (_ modelpkg.Response, err error) {
	ctx, span := m.startSpan(ctx, "model.openai.sdk.respond", req, false)
	defer func() { telemetry.EndSpan(span, err) }()

	return m.run(ctx, req, nil)
}

// Stream performs a streaming generation. Structured snapshots are recovered
// from the JSON prefix the model has produced so far.
func (m *SDKModel) Stream(ctx context.Context, req modelpkg.Request, fn modelpkg.SnapshotFunc) (_ modelpkg.Response, err error) {
	if fn == nil {
		return modelpkg.Response{}, errors.New("openai stream callback is required")
	}
	ctx, span := m.startSpan(ctx, "model.openai.sdk.stream", req, true)
	defer func() { telemetry.EndSpan(span, err) }()

	return m.run(ctx, req, fn)
}

func (m *SDKModel) startSpan(ctx context.Context, name string, req modelpkg.Request, stream bool) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", providerName),
			attribute.String("llm.model", string(m.model)),
			attribute.Bool("llm.stream", stream),
			attribute.Bool("llm.structured", req.Structured()),
			attribute.Int("llm.tools_count", len(req.Tools)),
		)...),
	)
}

func (m *SDKModel) rounds() int {
	if m.maxToolRounds > 0 {
		return m.maxToolRounds
	}
	return modelpkg.DefaultMaxToolRounds
}

func (m *SDKModel) run(ctx context.Context, req modelpkg.Request, fn modelpkg.SnapshotFunc) (modelpkg.Response, error) {
	if err := req.Options.Validate(); err != nil {
		return modelpkg.Response{}, err
	}
	params := openaisdk.ChatCompletionNewParams{
		Messages: convertRequest(req),
		Model:    m.model,
	}
	applyOptions(&params, req.Options, m.maxTokens)
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	var output modelpkg.OutputSchema
	if req.Structured() {
		output = modelpkg.NewOutputSchema(req.Schema)
		params.ResponseFormat = responseFormat(output)
	}

	var resp modelpkg.Response
	var text strings.Builder
	for round := 0; ; round++ {
		if round >= m.rounds() {
			return resp, modelpkg.ToolLoopExceeded(providerName, m.rounds())
		}
		var (
			choice openaisdk.ChatCompletionChoice
			usage  openaisdk.CompletionUsage
			err    error
		)
		if fn == nil {
			choice, usage, err = m.complete(ctx, params)
		} else {
			choice, usage, err = m.stream(ctx, params, output, req.Structured(), text.String(), fn)
		}
		if err != nil {
			return resp, classify(err)
		}
		resp.Usage.Add(usageOf(usage))
		resp.StopReason = choice.FinishReason

		msg := choice.Message
		if strings.TrimSpace(msg.Refusal) != "" {
			return resp, modelpkg.Refused(providerName, msg.Refusal)
		}
		if choice.FinishReason == "content_filter" {
			return resp, modelpkg.GenerationError(providerName, 0, errors.New("response blocked by content_filter"))
		}
		calls, err := readToolCalls(msg)
		if err != nil {
			return resp, modelpkg.DecodeFailed(providerName, err)
		}
		if len(calls) > 0 {
			outputs, entries, err := modelpkg.InvokeAll(ctx, req.Invoker, calls)
			resp.Entries = append(resp.Entries, entries...)
			if err != nil {
				return resp, err
			}
			params.Messages = append(params.Messages, assistantMessage(msg.Content, calls))
			params.Messages = append(params.Messages, toolMessages(outputs)...)
			if !req.Structured() {
				appendText(&text, msg.Content)
			}
			continue
		}

		if req.Structured() {
			v, err := output.Parse(msg.Content)
			if err != nil {
				return resp, modelpkg.DecodeFailed(providerName, err)
			}
			resp.Raw = v
			return resp, nil
		}
		appendText(&text, msg.Content)
		resp.Text = text.String()
		return resp, nil
	}
}

func (m *SDKModel) complete(ctx context.Context, params openaisdk.ChatCompletionNewParams) (openaisdk.ChatCompletionChoice, openaisdk.CompletionUsage, error) {
	completion, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openaisdk.ChatCompletionChoice{}, openaisdk.CompletionUsage{}, err
	}
	if len(completion.Choices) == 0 {
		return openaisdk.ChatCompletionChoice{}, completion.Usage, fmt.Errorf("no choices in response")
	}
	return completion.Choices[0], completion.Usage, nil
}

// stream runs one streaming call. prior is the text of earlier rounds.
func (m *SDKModel) stream(ctx context.Context, params openaisdk.ChatCompletionNewParams, output modelpkg.OutputSchema, structured bool, prior string, fn modelpkg.SnapshotFunc) (openaisdk.ChatCompletionChoice, openaisdk.CompletionUsage, error) {
	params.StreamOptions = openaisdk.ChatCompletionStreamOptionsParam{IncludeUsage: openaisdk.Bool(true)}
	stream := m.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openaisdk.ChatCompletionAccumulator{}
	var content strings.Builder
	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return openaisdk.ChatCompletionChoice{}, openaisdk.CompletionUsage{}, err
		}
		chunk := stream.Current()
		if !acc.AddChunk(chunk) {
			return openaisdk.ChatCompletionChoice{}, openaisdk.CompletionUsage{}, fmt.Errorf("accumulate stream chunk failed")
		}
		if len(chunk.Choices) == 0 || chunk.Choices[0].Delta.Content == "" {
			continue
		}
		content.WriteString(chunk.Choices[0].Delta.Content)
		if structured {
			if v, ok := output.ParsePartial(content.String()); ok {
				if err := fn(modelpkg.Snapshot{Raw: v}); err != nil {
					return openaisdk.ChatCompletionChoice{}, openaisdk.CompletionUsage{}, err
				}
			}
			continue
		}
		snapshot := content.String()
		if prior != "" {
			snapshot = prior + "\n\n" + snapshot
		}
		if err := fn(modelpkg.Snapshot{Text: snapshot}); err != nil {
			return openaisdk.ChatCompletionChoice{}, openaisdk.CompletionUsage{}, err
		}
	}
	if err := stream.Err(); err != nil {
		return openaisdk.ChatCompletionChoice{}, openaisdk.CompletionUsage{}, err
	}
	if err := ctx.Err(); err != nil {
		return openaisdk.ChatCompletionChoice{}, openaisdk.CompletionUsage{}, err
	}
	if len(acc.Choices) == 0 {
		return openaisdk.ChatCompletionChoice{}, acc.Usage, fmt.Errorf("openai stream produced no choices")
	}
	return acc.Choices[0], acc.Usage, nil
}

func appendText(b *strings.Builder, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(text)
}

// mapToSDKModel maps aliases to SDK constants. Unknown names pass through so
// OpenAI-compatible servers can be addressed by their own model ids.
func mapToSDKModel(model string) openaisdk.ChatModel {
	switch strings.TrimSpace(model) {
	case "", "gpt-4o", "gpt-4o-latest":
		return openaisdk.ChatModelGPT4o
	case "gpt-4o-mini":
		return openaisdk.ChatModelGPT4oMini
	case "gpt-4-turbo", "gpt-4-turbo-preview":
		return openaisdk.ChatModelGPT4Turbo
	case "gpt-4":
		return openaisdk.ChatModelGPT4
	case "gpt-3.5-turbo":
		return openaisdk.ChatModelGPT3_5Turbo
	default:
		return openaisdk.ChatModel(model)
	}
}

func classify(err error) error {
	status := 0
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return modelpkg.GenerationError(providerName, status, err)
}
