package gemini

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/cexll/genbridge/pkg/content"
	modelpkg "github.com/cexll/genbridge/pkg/model"
	"github.com/cexll/genbridge/pkg/tool"
)

// reply is what one model turn produced.
type reply struct {
	text    string
	calls   []tool.Call
	finish  string
	blocked string
	usage   modelpkg.Usage
}

func convertRequest(req modelpkg.Request) []*genai.Content {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	var pending []tool.Output
	flush := func() {
		if len(pending) > 0 {
			contents = append(contents, functionResponses(pending))
			pending = nil
		}
	}
	for _, entry := range req.History {
		switch entry.Kind {
		case modelpkg.EntryPrompt:
			flush()
			contents = append(contents, genai.NewContentFromText(entry.Text, genai.RoleUser))
		case modelpkg.EntryResponse:
			flush()
			contents = append(contents, genai.NewContentFromText(entry.ResponseText(), genai.RoleModel))
		case modelpkg.EntryToolCalls:
			flush()
			contents = append(contents, modelContent("", entry.Calls))
		case modelpkg.EntryToolOutput:
			if entry.Output != nil {
				pending = append(pending, *entry.Output)
			}
		}
	}
	flush()
	return append(contents, genai.NewContentFromText(req.Prompt, genai.RoleUser))
}

func modelContent(text string, calls []tool.Call) *genai.Content {
	parts := make([]*genai.Part, 0, len(calls)+1)
	if strings.TrimSpace(text) != "" {
		parts = append(parts, &genai.Part{Text: text})
	}
	for _, call := range calls {
		args, _ := call.Arguments.Any().(map[string]any)
		parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: call.ID, Name: call.Name, Args: args}})
	}
	return &genai.Content{Role: string(genai.RoleModel), Parts: parts}
}

// functionResponses answers a batch of calls in one user turn. Gemini wants
// an object response, so non-object results travel under "output".
func functionResponses(outputs []tool.Output) *genai.Content {
	parts := make([]*genai.Part, 0, len(outputs))
	for _, out := range outputs {
		resp, ok := out.Content.Any().(map[string]any)
		if !ok {
			resp = map[string]any{"output": out.Content.Any()}
		}
		parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{ID: out.CallID, Name: out.Name, Response: resp}})
	}
	return &genai.Content{Role: string(genai.RoleUser), Parts: parts}
}

func buildConfig(req modelpkg.Request, fallback int) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(req.Instructions) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.Instructions, genai.RoleUser)
	}
	if n := req.Options.MaxTokens(fallback); n > 0 {
		cfg.MaxOutputTokens = int32(n)
	}
	if t, ok := req.Options.EffectiveTemperature(); ok {
		cfg.Temperature = genai.Ptr(float32(t))
	}
	if s := req.Options.Sampling; s != nil {
		switch s.Mode {
		case modelpkg.SamplingTopK:
			cfg.TopK = genai.Ptr(float32(s.TopK))
		case modelpkg.SamplingTopP:
			cfg.TopP = genai.Ptr(float32(s.TopP))
		}
		if s.Seed != nil {
			cfg.Seed = genai.Ptr(int32(*s.Seed))
		}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, def := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 def.Name,
				Description:          def.Description,
				ParametersJsonSchema: modelpkg.ToolParameters(def).Any(),
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return cfg
}

func readResponse(resp *genai.GenerateContentResponse) (reply, error) {
	var turn reply
	if resp == nil {
		return turn, fmt.Errorf("empty response")
	}
	if u := resp.UsageMetadata; u != nil {
		turn.usage = modelpkg.Usage{
			InputTokens:  int(u.PromptTokenCount),
			OutputTokens: int(u.CandidatesTokenCount),
			TotalTokens:  int(u.TotalTokenCount),
			CacheTokens:  int(u.CachedContentTokenCount),
		}
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != "" {
		turn.blocked = string(fb.BlockReason)
		return turn, nil
	}
	if len(resp.Candidates) == 0 {
		return turn, nil
	}
	cand := resp.Candidates[0]
	turn.finish = string(cand.FinishReason)
	switch cand.FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent, genai.FinishReasonBlocklist:
		turn.blocked = turn.finish
	}
	if cand.Content == nil {
		return turn, nil
	}
	var text strings.Builder
	for _, part := range cand.Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		if part.FunctionCall != nil {
			args, err := content.FromAny(part.FunctionCall.Args)
			if err != nil {
				return turn, fmt.Errorf("function call %s args: %w", part.FunctionCall.Name, err)
			}
			if args.IsNull() {
				args = content.Object()
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			turn.calls = append(turn.calls, tool.Call{ID: id, Name: part.FunctionCall.Name, Arguments: args})
			continue
		}
		text.WriteString(part.Text)
	}
	turn.text = text.String()
	return turn, nil
}
