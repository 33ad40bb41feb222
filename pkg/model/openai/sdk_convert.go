package openai

import (
	"fmt"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"

	"github.com/cexll/genbridge/pkg/content"
	modelpkg "github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/tool"
)

// convertRequest flattens instructions, history and the prompt into chat
// messages.
func convertRequest(req modelpkg.Request) []openaisdk.ChatCompletionMessageParamUnion {
	params := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(req.History)+2)
	if strings.TrimSpace(req.Instructions) != "" {
		params = append(params, buildSystemMessage(req.Instructions))
	}
	for _, entry := range req.History {
		switch entry.Kind {
		case modelpkg.EntryPrompt:
			params = append(params, buildUserMessage(entry.Text))
		case modelpkg.EntryResponse:
			params = append(params, buildAssistantText(entry.ResponseText()))
		case modelpkg.EntryToolCalls:
			params = append(params, assistantMessage("", entry.Calls))
		case modelpkg.EntryToolOutput:
			if entry.Output != nil {
				params = append(params, openaisdk.ToolMessage(entry.Output.Content.String(), entry.Output.CallID))
			}
		}
	}
	return append(params, buildUserMessage(req.Prompt))
}

func buildSystemMessage(text string) openaisdk.ChatCompletionMessageParamUnion {
	msg := openaisdk.ChatCompletionSystemMessageParam{}
	msg.Content.OfString = openaisdk.String(text)
	return openaisdk.ChatCompletionMessageParamUnion{OfSystem: &msg}
}

func buildUserMessage(text string) openaisdk.ChatCompletionMessageParamUnion {
	msg := openaisdk.ChatCompletionUserMessageParam{}
	msg.Content.OfString = openaisdk.String(text)
	return openaisdk.ChatCompletionMessageParamUnion{OfUser: &msg}
}

func buildAssistantText(text string) openaisdk.ChatCompletionMessageParamUnion {
	asst := openaisdk.ChatCompletionAssistantMessageParam{}
	asst.Content.OfString = openaisdk.String(text)
	return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

func assistantMessage(text string, calls []tool.Call) openaisdk.ChatCompletionMessageParamUnion {
	asst := openaisdk.ChatCompletionAssistantMessageParam{}
	if text != "" || len(calls) == 0 {
		asst.Content.OfString = openaisdk.String(text)
	}
	for _, call := range calls {
		asst.ToolCalls = append(asst.ToolCalls, openaisdk.ChatCompletionMessageToolCallUnionParam{
			OfFunction: &openaisdk.ChatCompletionMessageFunctionToolCallParam{
				ID: call.ID,
				Function: openaisdk.ChatCompletionMessageFunctionToolCallFunctionParam{
					Name:      call.Name,
					Arguments: encodeArguments(call.Arguments),
				},
			},
		})
	}
	return openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &asst}
}

func toolMessages(outputs []tool.Output) []openaisdk.ChatCompletionMessageParamUnion {
	msgs := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(outputs))
	for _, out := range outputs {
		msgs = append(msgs, openaisdk.ToolMessage(out.Content.String(), out.CallID))
	}
	return msgs
}

func encodeArguments(args content.Value) string {
	if args.IsNull() {
		return "{}"
	}
	return args.String()
}

func decodeArguments(raw string) (content.Value, error) {
	if strings.TrimSpace(raw) == "" {
		return content.Object(), nil
	}
	v, err := content.Parse([]byte(raw))
	if err != nil {
		return content.Null, fmt.Errorf("decode arguments: %w", err)
	}
	return v, nil
}

func convertTools(defs []tool.Definition) []openaisdk.ChatCompletionToolUnionParam {
	out := make([]openaisdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		fn := openaisdk.FunctionDefinitionParam{
			Name:       def.Name,
			Parameters: openaisdk.FunctionParameters(objectMap(modelpkg.ToolParameters(def))),
		}
		if desc := strings.TrimSpace(def.Description); desc != "" {
			fn.Description = openaisdk.String(desc)
		}
		out = append(out, openaisdk.ChatCompletionToolUnionParam{
			OfFunction: &openaisdk.ChatCompletionFunctionToolParam{Function: fn},
		})
	}
	return out
}

func responseFormat(output modelpkg.OutputSchema) openaisdk.ChatCompletionNewParamsResponseFormatUnion {
	return openaisdk.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
			JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:   output.Name,
				Schema: objectMap(output.Doc),
				Strict: openaisdk.Bool(false),
			},
		},
	}
}

func objectMap(v content.Value) map[string]any {
	m, _ := v.Any().(map[string]any)
	if m == nil {
		m = map[string]any{"type": "object"}
	}
	return m
}

func applyOptions(params *openaisdk.ChatCompletionNewParams, opts modelpkg.Options, fallback int) {
	if n := opts.MaxTokens(fallback); n > 0 {
		params.MaxTokens = openaisdk.Int(int64(n))
	}
	if t, ok := opts.EffectiveTemperature(); ok {
		params.Temperature = openaisdk.Float(t)
	}
	s := opts.Sampling
	if s == nil {
		return
	}
	if s.Mode == modelpkg.SamplingTopP {
		params.TopP = openaisdk.Float(s.TopP)
	}
	if s.Seed != nil {
		params.Seed = openaisdk.Int(int64(*s.Seed))
	}
}

func readToolCalls(msg openaisdk.ChatCompletionMessage) ([]tool.Call, error) {
	if len(msg.ToolCalls) == 0 {
		return nil, nil
	}
	calls := make([]tool.Call, 0, len(msg.ToolCalls))
	for idx, call := range msg.ToolCalls {
		name := strings.TrimSpace(call.Function.Name)
		if name == "" {
			return nil, fmt.Errorf("tool_calls[%d]: missing function name", idx)
		}
		args, err := decodeArguments(call.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("tool_calls[%d]: %w", idx, err)
		}
		calls = append(calls, tool.Call{ID: call.ID, Name: name, Arguments: args})
	}
	return calls, nil
}

func usageOf(u openaisdk.CompletionUsage) modelpkg.Usage {
	return modelpkg.Usage{
		InputTokens:  int(u.PromptTokens),
		OutputTokens: int(u.CompletionTokens),
		TotalTokens:  int(u.TotalTokens),
		CacheTokens:  int(u.PromptTokensDetails.CachedTokens),
	}
}
