package model

import (
	"context"

	"github.com/cexll/genbridge/pkg/fault"
	"github.com/cexll/genbridge/pkg/tool"
)

// DefaultMaxToolRounds bounds how many tool round trips one generation may
// take before it fails.
const DefaultMaxToolRounds = 16

// InvokeAll runs calls in order, stopping at the first failure. It returns
// the outputs to feed back to the model and the transcript entries for the
// batch. A failed call fails the whole generation.
func InvokeAll(ctx context.Context, inv ToolInvoker, calls []tool.Call) ([]tool.Output, []Entry, error) {
	if len(calls) == 0 {
		return nil, nil, nil
	}
	entries := []Entry{ToolCallsEntry(calls)}
	if inv == nil {
		e := fault.New(fault.ToolNotFound, "tool %s not found", calls[0].Name)
		e.Detail = calls[0].Name
		return nil, entries, e
	}
	outputs := make([]tool.Output, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return nil, entries, err
		}
		result, err := inv.InvokeCall(ctx, call)
		if err != nil {
			return nil, entries, err
		}
		out := tool.Output{CallID: call.ID, Name: call.Name, Content: result}
		outputs = append(outputs, out)
		entries = append(entries, ToolOutputEntry(out))
	}
	return outputs, entries, nil
}

// ToolLoopExceeded reports a generation that kept calling tools.
func ToolLoopExceeded(provider string, rounds int) error {
	return fault.New(fault.Unknown, "%s: tool loop exceeded %d rounds", provider, rounds)
}
