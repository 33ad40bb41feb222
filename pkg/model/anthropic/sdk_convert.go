package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/cexll/genbridge/pkg/content"
	modelpkg "github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/tool"
)

// conversation holds the request as the SDK sees it plus the text collected
// across tool rounds.
type conversation struct {
	system   []anthropicsdk.TextBlockParam
	messages []anthropicsdk.MessageParam
	tools    []anthropicsdk.ToolUnionParam
	choice   anthropicsdk.ToolChoiceUnionParam
	output   modelpkg.OutputSchema
	text     strings.Builder
	partial  strings.Builder
	schema   bool
}

func newConversation(req modelpkg.Request) (*conversation, error) {
	conv := &conversation{schema: req.Structured()}
	if trimmed := strings.TrimSpace(req.Instructions); trimmed != "" {
		conv.system = append(conv.system, anthropicsdk.TextBlockParam{Text: req.Instructions})
	}
	conv.messages = convertHistory(req.History, req.Prompt)

	tools, err := convertTools(req.Tools)
	if err != nil {
		return nil, err
	}
	conv.tools = tools
	if len(tools) > 0 {
		conv.choice = anthropicsdk.ToolChoiceUnionParam{OfAuto: &anthropicsdk.ToolChoiceAutoParam{}}
	}
	if req.Structured() {
		conv.output = modelpkg.NewOutputSchema(req.Schema)
		inputSchema, err := convertInputSchema(conv.output.Doc)
		if err != nil {
			return nil, fmt.Errorf("convert output schema: %w", err)
		}
		outputTool := anthropicsdk.ToolParam{
			Name:        modelpkg.OutputToolName,
			Description: anthropicsdk.String("Return the final answer. Its input must match the " + conv.output.Name + " schema."),
			InputSchema: inputSchema,
		}
		conv.tools = append(conv.tools, anthropicsdk.ToolUnionParam{OfTool: &outputTool})
		if len(tools) == 0 {
			conv.choice = anthropicsdk.ToolChoiceUnionParam{OfTool: &anthropicsdk.ToolChoiceToolParam{Name: modelpkg.OutputToolName}}
		} else {
			conv.choice = anthropicsdk.ToolChoiceUnionParam{OfAny: &anthropicsdk.ToolChoiceAnyParam{}}
		}
	}
	return conv, nil
}

func (c *conversation) appendText(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if c.text.Len() > 0 {
		c.text.WriteString("\n\n")
	}
	c.text.WriteString(text)
}

// textSnapshot renders the text seen so far including the current round.
func (c *conversation) textSnapshot(round string) (modelpkg.Snapshot, bool) {
	if c.schema {
		return modelpkg.Snapshot{}, false
	}
	if c.text.Len() == 0 {
		return modelpkg.Snapshot{Text: round}, true
	}
	return modelpkg.Snapshot{Text: c.text.String() + "\n\n" + round}, true
}

// convertHistory maps transcript entries onto alternating user and assistant
// messages. Tool outputs of one batch travel in a single user message.
func convertHistory(history []modelpkg.Entry, prompt string) []anthropicsdk.MessageParam {
	messages := make([]anthropicsdk.MessageParam, 0, len(history)+1)
	var pending []anthropicsdk.ContentBlockParamUnion
	flush := func() {
		if len(pending) > 0 {
			messages = append(messages, anthropicsdk.NewUserMessage(pending...))
			pending = nil
		}
	}
	for _, entry := range history {
		switch entry.Kind {
		case modelpkg.EntryPrompt:
			flush()
			messages = append(messages, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(nonEmpty(entry.Text))))
		case modelpkg.EntryResponse:
			flush()
			messages = append(messages, anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(nonEmpty(entry.ResponseText()))))
		case modelpkg.EntryToolCalls:
			flush()
			messages = append(messages, assistantMessage("", entry.Calls))
		case modelpkg.EntryToolOutput:
			if entry.Output != nil {
				pending = append(pending, toolResultBlock(*entry.Output))
			}
		}
	}
	flush()
	messages = append(messages, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(nonEmpty(prompt))))
	return messages
}

// nonEmpty substitutes a placeholder; the API rejects empty text blocks.
func nonEmpty(text string) string {
	if strings.TrimSpace(text) == "" {
		return "."
	}
	return text
}

func assistantMessage(text string, calls []tool.Call) anthropicsdk.MessageParam {
	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(calls)+1)
	if strings.TrimSpace(text) != "" {
		blocks = append(blocks, anthropicsdk.NewTextBlock(text))
	}
	for _, call := range calls {
		args := call.Arguments.Any()
		if args == nil {
			args = map[string]any{}
		}
		blocks = append(blocks, anthropicsdk.NewToolUseBlock(call.ID, args, call.Name))
	}
	return anthropicsdk.NewAssistantMessage(blocks...)
}

func toolResultMessage(outputs []tool.Output) anthropicsdk.MessageParam {
	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(outputs))
	for _, out := range outputs {
		blocks = append(blocks, toolResultBlock(out))
	}
	return anthropicsdk.NewUserMessage(blocks...)
}

func toolResultBlock(out tool.Output) anthropicsdk.ContentBlockParamUnion {
	return anthropicsdk.NewToolResultBlock(out.CallID, out.Content.String(), false)
}

func convertTools(defs []tool.Definition) ([]anthropicsdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	params := make([]anthropicsdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		inputSchema, err := convertInputSchema(modelpkg.ToolParameters(def))
		if err != nil {
			return nil, fmt.Errorf("convert parameters for %s: %w", def.Name, err)
		}
		param := anthropicsdk.ToolParam{
			Name:        def.Name,
			InputSchema: inputSchema,
		}
		if strings.TrimSpace(def.Description) != "" {
			param.Description = anthropicsdk.String(def.Description)
		}
		params = append(params, anthropicsdk.ToolUnionParam{OfTool: &param})
	}
	return params, nil
}

func convertInputSchema(doc content.Value) (anthropicsdk.ToolInputSchemaParam, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, fmt.Errorf("marshal schema: %w", err)
	}
	var schema anthropicsdk.ToolInputSchemaParam
	if err := json.Unmarshal(data, &schema); err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, fmt.Errorf("unmarshal schema: %w", err)
	}
	if schema.Type == "" {
		schema.Type = "object"
	}
	return schema, nil
}

func applyOptions(params *anthropicsdk.MessageNewParams, opts modelpkg.Options, fallback int) {
	params.MaxTokens = int64(opts.MaxTokens(fallback))
	if t, ok := opts.EffectiveTemperature(); ok {
		params.Temperature = anthropicsdk.Float(t)
	}
	if s := opts.Sampling; s != nil {
		switch s.Mode {
		case modelpkg.SamplingTopK:
			params.TopK = anthropicsdk.Int(int64(s.TopK))
		case modelpkg.SamplingTopP:
			params.TopP = anthropicsdk.Float(s.TopP)
		}
	}
}

// assistantTurn is what one model message asked for.
type assistantTurn struct {
	text   string
	calls  []tool.Call
	output json.RawMessage
}

func readMessage(msg anthropicsdk.Message) (assistantTurn, error) {
	var turn assistantTurn
	var textParts []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			textParts = append(textParts, block.Text)
		case "tool_use":
			if block.Name == modelpkg.OutputToolName {
				turn.output = block.Input
				if len(turn.output) == 0 {
					turn.output = json.RawMessage("{}")
				}
				continue
			}
			args, err := decodeToolInput(block.Input)
			if err != nil {
				return turn, fmt.Errorf("tool %s input: %w", block.Name, err)
			}
			turn.calls = append(turn.calls, tool.Call{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	turn.text = strings.Join(textParts, "\n")
	return turn, nil
}

func decodeToolInput(raw json.RawMessage) (content.Value, error) {
	if len(raw) == 0 {
		return content.Object(), nil
	}
	return content.Parse(raw)
}

func usageOf(u anthropicsdk.Usage) modelpkg.Usage {
	return modelpkg.Usage{
		InputTokens:  int(u.InputTokens),
		OutputTokens: int(u.OutputTokens),
		TotalTokens:  int(u.InputTokens + u.OutputTokens),
		CacheTokens:  int(u.CacheReadInputTokens + u.CacheCreationInputTokens),
	}
}
