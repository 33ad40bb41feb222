package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	modelpkg "github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/telemetry"
)

const (
	providerName = "gemini"
	defaultModel = "gemini-2.5-flash"
)

// Ensure SDKModel implements the Capability interface.
var _ modelpkg.Capability = (*SDKModel)(nil)

// modelsAPI is the part of genai.Models the adapter drives.
type modelsAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// SDKModel wraps the Google genai client. Structured output is requested with
// an application/json response and a JSON Schema.
type SDKModel struct {
	models        modelsAPI
	model         string
	maxTokens     int
	maxToolRounds int
}

// NewSDKModel creates a Gemini API backed model. An empty apiKey lets the SDK
// read GEMINI_API_KEY / GOOGLE_API_KEY from the environment.
func NewSDKModel(ctx context.Context, apiKey, model string, maxTokens int) (*SDKModel, error) {
	return NewSDKModelWithBaseURL(ctx, apiKey, model, "", maxTokens)
}

// NewSDKModelWithBaseURL creates a model with custom base URL support.
func NewSDKModelWithBaseURL(ctx context.Context, apiKey, model, baseURL string, maxTokens int) (*SDKModel, error) {
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	cli, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	if strings.TrimSpace(model) == "" {
		model = defaultModel
	}
	return &SDKModel{models: cli.Models, model: model, maxTokens: maxTokens}, nil
}

// Respond performs a blocking generation, running function calls until the
// model answers.
func (m *SDKModel) Respond(ctx context.Context, req modelpkg.Request) (_ modelpkg.Response, err error) {
	ctx, span := m.startSpan(ctx, "model.gemini.sdk.respond", req, false)
	defer func() { telemetry.EndSpan(span, err) }()

	return m.run(ctx, req, nil)
}

// Stream performs a streaming generation.
func (m *SDKModel) Stream(ctx context.Context, req modelpkg.Request, fn modelpkg.SnapshotFunc) (_ modelpkg.Response, err error) {
	if fn == nil {
		return modelpkg.Response{}, errors.New("gemini stream callback is required")
	}
	ctx, span := m.startSpan(ctx, "model.gemini.sdk.stream", req, true)
	defer func() { telemetry.EndSpan(span, err) }()

	return m.run(ctx, req, fn)
}

func (m *SDKModel) startSpan(ctx context.Context, name string, req modelpkg.Request, stream bool) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(telemetry.SanitizeAttributes(
			attribute.String("llm.provider", providerName),
			attribute.String("llm.model", m.model),
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
	contents := convertRequest(req)
	cfg := buildConfig(req, m.maxTokens)
	var output modelpkg.OutputSchema
	if req.Structured() {
		output = modelpkg.NewOutputSchema(req.Schema)
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseJsonSchema = output.Doc.Any()
	}

	var resp modelpkg.Response
	var text strings.Builder
	for round := 0; ; round++ {
		if round >= m.rounds() {
			return resp, modelpkg.ToolLoopExceeded(providerName, m.rounds())
		}
		var (
			turn reply
			err  error
		)
		if fn == nil {
			var out *genai.GenerateContentResponse
			out, err = m.models.GenerateContent(ctx, m.model, contents, cfg)
			if err == nil {
				turn, err = readResponse(out)
			}
		} else {
			turn, err = m.stream(ctx, contents, cfg, output, req.Structured(), text.String(), fn)
		}
		if err != nil {
			return resp, classify(err)
		}
		resp.Usage.Add(turn.usage)
		resp.StopReason = turn.finish

		if turn.blocked != "" {
			return resp, modelpkg.GenerationError(providerName, 0, fmt.Errorf("response blocked by safety filter: %s", turn.blocked))
		}
		if len(turn.calls) > 0 {
			outputs, entries, err := modelpkg.InvokeAll(ctx, req.Invoker, turn.calls)
			resp.Entries = append(resp.Entries, entries...)
			if err != nil {
				return resp, err
			}
			contents = append(contents, modelContent(turn.text, turn.calls), functionResponses(outputs))
			if !req.Structured() {
				appendText(&text, turn.text)
			}
			continue
		}

		if req.Structured() {
			v, err := output.Parse(turn.text)
			if err != nil {
				return resp, modelpkg.DecodeFailed(providerName, err)
			}
			resp.Raw = v
			return resp, nil
		}
		appendText(&text, turn.text)
		resp.Text = text.String()
		return resp, nil
	}
}

// stream consumes one streaming call and folds its chunks into a reply.
func (m *SDKModel) stream(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig, output modelpkg.OutputSchema, structured bool, prior string, fn modelpkg.SnapshotFunc) (reply, error) {
	var turn reply
	var body strings.Builder
	for chunk, err := range m.models.GenerateContentStream(ctx, m.model, contents, cfg) {
		if err != nil {
			return turn, err
		}
		if err := ctx.Err(); err != nil {
			return turn, err
		}
		part, err := readResponse(chunk)
		if err != nil {
			return turn, err
		}
		turn.calls = append(turn.calls, part.calls...)
		if part.finish != "" {
			turn.finish = part.finish
		}
		if part.blocked != "" {
			turn.blocked = part.blocked
		}
		if part.usage.TotalTokens > 0 {
			turn.usage = part.usage
		}
		if part.text == "" {
			continue
		}
		body.WriteString(part.text)
		if structured {
			if v, ok := output.ParsePartial(body.String()); ok {
				if err := fn(modelpkg.Snapshot{Raw: v}); err != nil {
					return turn, err
				}
			}
			continue
		}
		snapshot := body.String()
		if prior != "" {
			snapshot = prior + "\n\n" + snapshot
		}
		if err := fn(modelpkg.Snapshot{Text: snapshot}); err != nil {
			return turn, err
		}
	}
	if err := ctx.Err(); err != nil {
		return turn, err
	}
	turn.text = body.String()
	return turn, nil
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

func classify(err error) error {
	status := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.Code
	case errors.As(err, &apiErrPtr):
		status = apiErrPtr.Code
	}
	return modelpkg.GenerationError(providerName, status, err)
}
