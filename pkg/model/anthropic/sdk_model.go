package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/genbridge/pkg/content"
	modelpkg "github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/telemetry"
)

const (
	defaultMaxTokens = 4096
	providerName     = "anthropic"
)

// Ensure SDKModel implements the Capability interface.
var _ modelpkg.Capability = (*SDKModel)(nil)

// messagesAPI is the part of the SDK message service the adapter drives.
type messagesAPI interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
	NewStreaming(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[anthropicsdk.MessageStreamEventUnion]
}

// SDKModel wraps the official Anthropic SDK. Structured output is requested
// by forcing a synthetic tool whose input schema is the output schema.
type SDKModel struct {
	msgs          messagesAPI
	model         anthropicsdk.Model
	maxTokens     int
	maxToolRounds int
}

// NewSDKModel creates a model backed by the official Anthropic SDK.
func NewSDKModel(apiKey, model string, maxTokens int) *SDKModel {
	return NewSDKModelWithBaseURL(apiKey, model, "", maxTokens)
}

// NewSDKModelWithBaseURL creates a model with custom base URL support.
func NewSDKModelWithBaseURL(apiKey, model, baseURL string, maxTokens int) *SDKModel {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := anthropicsdk.NewClient(opts...)
	return &SDKModel{
		msgs:      &client.Messages,
		model:     mapToSDKModel(model),
		maxTokens: maxTokens,
	}
}

// Respond performs a blocking generation, running tool round trips until the
// model answers.
func (m *SDKModel) Respond(ctx context.Context, req modelpkg.Request) (_ modelpkg.Response, err error) {
	ctx, span := m.startSpan(ctx, "model.anthropic.sdk.respond", req, false)
	defer func() { telemetry.EndSpan(span, err) }()

	return m.run(ctx, req, nil)
}

// Stream performs a streaming generation. Snapshots carry the accumulated
// text, or the structured value recovered from the partial tool input.
func (m *SDKModel) Stream(ctx context.Context, req modelpkg.Request, fn modelpkg.SnapshotFunc) (_ modelpkg.Response, err error) {
	if fn == nil {
		return modelpkg.Response{}, errors.New("anthropic sdk snapshot callback is required")
	}
	ctx, span := m.startSpan(ctx, "model.anthropic.sdk.stream", req, true)
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
	conv, err := newConversation(req)
	if err != nil {
		return modelpkg.Response{}, err
	}
	maxTokens := m.maxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropicsdk.MessageNewParams{
		Model:    m.model,
		Messages: conv.messages,
	}
	applyOptions(&params, req.Options, maxTokens)
	if len(conv.system) > 0 {
		params.System = conv.system
	}
	if len(conv.tools) > 0 {
		params.Tools = conv.tools
		params.ToolChoice = conv.choice
	}

	var resp modelpkg.Response
	for round := 0; ; round++ {
		if round >= m.rounds() {
			return resp, modelpkg.ToolLoopExceeded(providerName, m.rounds())
		}
		var msg *anthropicsdk.Message
		if fn == nil {
			msg, err = m.msgs.New(ctx, params)
		} else {
			msg, err = m.streamRound(ctx, params, conv, fn)
		}
		if err != nil {
			return resp, classify(err)
		}
		resp.Usage.Add(usageOf(msg.Usage))
		resp.StopReason = string(msg.StopReason)

		turn, err := readMessage(*msg)
		if err != nil {
			return resp, modelpkg.DecodeFailed(providerName, err)
		}
		conv.appendText(turn.text)
		if msg.StopReason == "refusal" {
			return resp, modelpkg.Refused(providerName, turn.text)
		}
		if turn.output != nil {
			v, err := content.Parse(turn.output)
			if err != nil {
				return resp, modelpkg.DecodeFailed(providerName, err)
			}
			resp.Raw = conv.output.Unwrap(v)
			return resp, nil
		}
		if len(turn.calls) > 0 {
			outputs, entries, err := modelpkg.InvokeAll(ctx, req.Invoker, turn.calls)
			resp.Entries = append(resp.Entries, entries...)
			if err != nil {
				return resp, err
			}
			params.Messages = append(params.Messages,
				assistantMessage(turn.text, turn.calls),
				toolResultMessage(outputs),
			)
			continue
		}

		if req.Structured() {
			v, err := conv.output.Parse(turn.text)
			if err != nil {
				return resp, modelpkg.DecodeFailed(providerName, err)
			}
			resp.Raw = v
			return resp, nil
		}
		resp.Text = conv.text.String()
		return resp, nil
	}
}

// streamRound runs one streaming call and returns the accumulated message.
func (m *SDKModel) streamRound(ctx context.Context, params anthropicsdk.MessageNewParams, conv *conversation, fn modelpkg.SnapshotFunc) (*anthropicsdk.Message, error) {
	stream := m.msgs.NewStreaming(ctx, params)
	if stream == nil {
		return nil, errors.New("anthropic sdk returned no stream")
	}
	defer stream.Close()

	conv.partial.Reset()
	message := anthropicsdk.Message{}
	outputIndex := int64(-1)
	var roundText strings.Builder

	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulate stream: %w", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropicsdk.ContentBlockStartEvent:
			if ev.ContentBlock.Type == "tool_use" && ev.ContentBlock.Name == modelpkg.OutputToolName {
				outputIndex = ev.Index
			}
		case anthropicsdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropicsdk.TextDelta:
				roundText.WriteString(delta.Text)
				if snap, ok := conv.textSnapshot(roundText.String()); ok {
					if err := fn(snap); err != nil {
						return nil, err
					}
				}
			case anthropicsdk.InputJSONDelta:
				if ev.Index != outputIndex {
					continue
				}
				conv.partial.WriteString(delta.PartialJSON)
				if v, ok := conv.output.ParsePartial(conv.partial.String()); ok {
					if err := fn(modelpkg.Snapshot{Raw: v}); err != nil {
						return nil, err
					}
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &message, nil
}

// mapToSDKModel maps a model string to the SDK model id, accepting aliases.
func mapToSDKModel(model string) anthropicsdk.Model {
	switch strings.TrimSpace(model) {
	case "", "claude-sonnet-latest", "claude-3-5-sonnet-latest":
		return anthropicsdk.ModelClaudeSonnet4_5_20250929
	case "claude-3-5-haiku-latest":
		return anthropicsdk.ModelClaude3_5HaikuLatest
	case "claude-3-5-haiku-20241022":
		return anthropicsdk.ModelClaude3_5Haiku20241022
	default:
		return anthropicsdk.Model(model)
	}
}

func classify(err error) error {
	status := 0
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		status = apiErr.StatusCode
	}
	return modelpkg.GenerationError(providerName, status, err)
}
